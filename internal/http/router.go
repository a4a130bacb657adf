package httpx

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"

	"github.com/crowfox/homestats/internal/service/auth"
	"github.com/crowfox/homestats/internal/service/ingest"
	"github.com/crowfox/homestats/internal/service/reports"
	"github.com/crowfox/homestats/internal/ws"
	"github.com/crowfox/homestats/pkg/config"
	"github.com/crowfox/homestats/pkg/session"
)

// maxPushBody caps an ingested report body at 1 MiB.
const maxPushBody = 1 << 20

const (
	sessionCookie  = "hs_session"
	stateCookie    = "hs_auth_state"
	nonceCookie    = "hs_auth_nonce"
	verifierCookie = "hs_auth_verifier"

	healthCheckTimeout = 2 * time.Second
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	ingest   ingest.Service
	reports  reports.Service
	auth     *auth.Service
	hub      *ws.Hub
	upgrader websocket.Upgrader
	limiter  RateLimiter
	cfg      config.Config
	dbHealth func(context.Context) error
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, ingestSvc ingest.Service, reportSvc reports.Service, authSvc *auth.Service, hub *ws.Hub, limiter RateLimiter, cfg config.Config, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		ingest:  ingestSvc,
		reports: reportSvc,
		auth:    authSvc,
		hub:     hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		cfg:      cfg,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.HandleFunc("/report-usage-stats/push", r.audit(r.handlePush))
	r.mux.HandleFunc("/admin/usage-reports/data", r.audit(r.requireAdmin(r.handleReportData)))
	r.mux.HandleFunc("/admin/usage-reports/stream", r.audit(r.requireAdmin(r.handleReportStream)))
	r.mux.HandleFunc("/auth/login", r.audit(r.handleAuthLogin))
	r.mux.HandleFunc("/auth/callback", r.audit(r.handleAuthCallback))
	r.mux.HandleFunc("/auth/logout", r.audit(r.handleAuthLogout))
}

// handlePush is the ingestion gateway. Gates run in a fixed order and the
// first failure wins: configured token, credential, rate limit, body size,
// then payload validation inside the ingest service.
func (r *Router) handlePush(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost && req.Method != http.MethodPut {
		r.methodNotAllowed(w)
		return
	}

	expected := r.cfg.UsageStatsToken
	if expected == "" {
		r.logger.Error("usage stats token not configured")
		writeText(w, http.StatusInternalServerError, "Usage stats token not configured")
		return
	}

	token := usageTokenFromRequest(req)
	if token == "" || len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		writeText(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	// Keyed by network address, not credential, and only counted after the
	// credential check so bad tokens cannot burn a homeserver's budget.
	decision := r.limiter.Allow("push:"+clientIP(req), r.cfg.PushRateLimit, r.cfg.PushRateWindow)
	r.applyRateHeaders(w, r.cfg.PushRateLimit, decision)
	if !decision.allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.windowEnd)))
		writeText(w, http.StatusTooManyRequests, "Too many requests")
		return
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeText(w, http.StatusBadRequest, "Could not read body")
		return
	}
	if len(body) == 0 {
		writeText(w, http.StatusBadRequest, "Missing body")
		return
	}
	if len(body) > maxPushBody {
		writeText(w, http.StatusRequestEntityTooLarge, "Payload too large")
		return
	}

	if _, err := r.ingest.Ingest(req.Context(), body); err != nil {
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			writeText(w, http.StatusBadRequest, verr.Reason)
			return
		}
		r.logger.Error("usage report insert failed", "error", err)
		writeText(w, http.StatusInternalServerError, "Failed to store usage report")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// usageTokenFromRequest extracts the push credential: Authorization bearer
// header first, then the X-Usage-Stats-Token header, then the access_token
// query parameter.
func usageTokenFromRequest(req *http.Request) string {
	if header := req.Header.Get("Authorization"); len(header) >= 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	if token := req.Header.Get("X-Usage-Stats-Token"); token != "" {
		return token
	}
	return req.URL.Query().Get("access_token")
}

func (r *Router) handleReportData(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit := reports.ClampLimit(req.URL.Query().Get("limit"))
	cursor := reports.ParseCursor(req.URL.Query().Get("before"))
	page, err := r.reports.List(req.Context(), limit, cursor)
	if err != nil {
		r.logger.Error("report page query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load reports")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (r *Router) handleReportStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(client)
	go func() {
		defer func() {
			r.hub.Unregister(client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleAuthLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	state, err := randomToken(32)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "login unavailable")
		return
	}
	nonce, err := randomToken(32)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "login unavailable")
		return
	}
	verifier := oauth2.GenerateVerifier()

	authorizeURL, err := r.auth.AuthorizeURL(req.Context(), state, nonce, verifier)
	if err != nil {
		r.logger.Error("failed to build authorize URL", "error", err)
		writeError(w, http.StatusInternalServerError, "login unavailable")
		return
	}

	r.setCookie(w, stateCookie, state)
	r.setCookie(w, nonceCookie, nonce)
	r.setCookie(w, verifierCookie, verifier)
	r.clearCookie(w, sessionCookie)
	http.Redirect(w, req, authorizeURL, http.StatusFound)
}

func (r *Router) handleAuthCallback(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	code := req.URL.Query().Get("code")
	state := req.URL.Query().Get("state")
	if code == "" || state == "" {
		writeText(w, http.StatusBadRequest, "Missing code or state")
		return
	}

	storedState := cookieValue(req, stateCookie)
	verifier := cookieValue(req, verifierCookie)
	if storedState == "" || verifier == "" || storedState != state {
		writeText(w, http.StatusBadRequest, "Invalid state")
		return
	}
	r.clearCookie(w, stateCookie)
	r.clearCookie(w, nonceCookie)
	r.clearCookie(w, verifierCookie)

	token, err := r.auth.Exchange(req.Context(), code, verifier)
	if err != nil {
		r.logger.Error("token exchange failed", "error", err)
		writeText(w, http.StatusBadGateway, "Token exchange failed")
		return
	}
	if token.AccessToken == "" {
		writeText(w, http.StatusBadRequest, "Missing access token")
		return
	}

	userID, err := r.auth.Whoami(req.Context(), token.AccessToken)
	if err != nil {
		r.logger.Error("whoami failed", "error", err)
		writeText(w, http.StatusBadGateway, "Could not resolve user")
		return
	}
	isAdmin, err := r.auth.IsAdmin(req.Context(), token.AccessToken, userID)
	if err != nil {
		r.logger.Error("admin check failed", "error", err, "user_id", userID)
		writeText(w, http.StatusBadGateway, "Could not verify admin")
		return
	}
	if !isAdmin {
		r.logger.Warn("non-admin login rejected", "user_id", userID)
		r.clearCookie(w, sessionCookie)
		http.Redirect(w, req, "/access-denied?user="+url.QueryEscape(userID), http.StatusFound)
		return
	}

	ttl := r.cfg.SessionTTL
	if !token.Expiry.IsZero() {
		if remaining := time.Until(token.Expiry); remaining > 0 {
			ttl = remaining
		}
	}
	encoded, err := session.Encode(userID, true, r.cfg.SessionSecret, ttl)
	if err != nil {
		r.logger.Error("session encode failed", "error", err)
		writeError(w, http.StatusInternalServerError, "session unavailable")
		return
	}
	r.setCookie(w, sessionCookie, encoded)
	r.logger.Info("admin logged in", "user_id", userID)
	http.Redirect(w, req, "/", http.StatusFound)
}

func (r *Router) handleAuthLogout(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	r.clearCookie(w, sessionCookie)
	http.Redirect(w, req, "/", http.StatusFound)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	if r.dbHealth != nil {
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{"status": "down", "error": err.Error()}
		} else {
			database := map[string]any{"status": "up"}
			if total, err := r.reports.Count(ctx); err == nil {
				database["reports"] = total
			}
			components["database"] = database
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

type authContextKey string

type authInfo struct {
	UserID string
	Admin  bool
}

const contextKeyAuth authContextKey = "homestats-auth-info"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAdmin gates a handler behind a valid admin session cookie.
func (r *Router) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		cookie, err := req.Cookie(sessionCookie)
		if err != nil {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		claims, err := session.Decode(cookie.Value, r.cfg.SessionSecret)
		if err != nil || !claims.Admin {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyAuth, authInfo{UserID: claims.UserID, Admin: claims.Admin})
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// authInfoFromContext extracts session metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

func (r *Router) setCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.cfg.Environment != "development",
	})
}

func (r *Router) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

func cookieValue(req *http.Request, name string) string {
	cookie, err := req.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func randomToken(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "admin"
			fields = append(fields, "user_id", info.UserID)
		} else if strings.HasPrefix(req.URL.Path, "/report-usage-stats/") {
			actor = "homeserver"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
