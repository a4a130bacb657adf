// Package auth drives the OIDC login flow against the Matrix authentication
// service and resolves the caller's admin capability on the homeserver.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/crowfox/homestats/pkg/config"
)

const discoveryTTL = 5 * time.Minute

type discoveryDocument struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
}

// Service performs OIDC code exchange and homeserver admin checks.
type Service struct {
	cfg    config.Config
	logger *slog.Logger
	client *http.Client

	mu        sync.Mutex
	discovery *discoveryDocument
	fetchedAt time.Time
}

// New constructs a Service.
func New(cfg config.Config, logger *slog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// AuthorizeURL builds the authorization redirect with PKCE S256.
func (s *Service) AuthorizeURL(ctx context.Context, state, nonce, verifier string) (string, error) {
	conf, err := s.oauthConfig(ctx)
	if err != nil {
		return "", err
	}
	return conf.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("nonce", nonce),
	), nil
}

// Exchange redeems an authorization code for tokens.
func (s *Service) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	conf, err := s.oauthConfig(ctx)
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)
	token, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	return token, nil
}

// Whoami resolves the Matrix user ID behind an access token.
func (s *Service) Whoami(ctx context.Context, accessToken string) (string, error) {
	base, err := s.homeserverBase()
	if err != nil {
		return "", err
	}
	resp, err := s.get(ctx, base+"/_matrix/client/v3/account/whoami", accessToken)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("whoami failed: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode whoami response: %w", err)
	}
	if payload.UserID == "" {
		return "", errors.New("whoami response missing user_id")
	}
	return payload.UserID, nil
}

// IsAdmin reports whether the user holds the server admin bit. Any non-OK
// response from the admin API means no.
func (s *Service) IsAdmin(ctx context.Context, accessToken, userID string) (bool, error) {
	base, err := s.homeserverBase()
	if err != nil {
		return false, err
	}
	resp, err := s.get(ctx, base+"/_synapse/admin/v2/users/"+url.PathEscape(userID), accessToken)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("decode admin response: %w", err)
	}
	// Older synapse versions report admin as 0/1 rather than a boolean.
	switch admin := payload["admin"].(type) {
	case bool:
		return admin, nil
	case float64:
		return admin != 0, nil
	default:
		return false, nil
	}
}

func (s *Service) oauthConfig(ctx context.Context) (*oauth2.Config, error) {
	authURL := s.cfg.AuthorizationEndpoint
	tokenURL := s.cfg.TokenEndpoint
	if authURL == "" || tokenURL == "" {
		doc, err := s.discoveryDoc(ctx)
		if err != nil {
			return nil, err
		}
		if authURL == "" {
			authURL = doc.AuthorizationEndpoint
		}
		if tokenURL == "" {
			tokenURL = doc.TokenEndpoint
		}
	}
	return &oauth2.Config{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		RedirectURL:  s.cfg.RedirectURI,
		Scopes:       strings.Fields(s.cfg.Scope),
		Endpoint:     oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL},
	}, nil
}

func (s *Service) discoveryDoc(ctx context.Context) (*discoveryDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discovery != nil && time.Since(s.fetchedAt) < discoveryTTL {
		return s.discovery, nil
	}

	discoveryURL := s.cfg.DiscoveryURL
	if discoveryURL == "" {
		if s.cfg.Issuer == "" {
			return nil, errors.New("OIDC issuer not configured")
		}
		discoveryURL = strings.TrimSuffix(s.cfg.Issuer, "/") + "/.well-known/openid-configuration"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("load OIDC discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("load OIDC discovery: status %d", resp.StatusCode)
	}

	var doc discoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode OIDC discovery: %w", err)
	}
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" {
		return nil, errors.New("OIDC discovery missing required endpoints")
	}

	s.discovery = &doc
	s.fetchedAt = time.Now()
	return &doc, nil
}

func (s *Service) homeserverBase() (string, error) {
	base := strings.TrimSuffix(s.cfg.HomeserverURL, "/")
	if base == "" {
		return "", errors.New("homeserver base URL not configured")
	}
	return base, nil
}

func (s *Service) get(ctx context.Context, rawURL, accessToken string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return s.client.Do(req)
}
