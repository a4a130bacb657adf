package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds runtime configuration for the homestats service.
type Config struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string

	// Ingestion gateway.
	UsageStatsToken string
	PushRateLimit   int
	PushRateWindow  time.Duration

	// Admin session.
	SessionSecret string
	SessionTTL    time.Duration

	// OIDC against the Matrix authentication service.
	Issuer                string
	DiscoveryURL          string
	AuthorizationEndpoint string
	TokenEndpoint         string
	ClientID              string
	ClientSecret          string
	RedirectURI           string
	Scope                 string

	// Homeserver used for whoami and the admin capability check.
	HomeserverURL string

	// Optional Redis-backed rate limiting for multi-instance deployments.
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("HTTP_ADDR", ":3000"),
		DatabaseURL:   GetString("DATABASE_URL", "homestats.db"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),

		UsageStatsToken: GetString("USAGE_STATS_TOKEN", ""),
		PushRateLimit:   GetInt("PUSH_RATE_LIMIT", 30),
		PushRateWindow:  time.Duration(GetInt("PUSH_RATE_WINDOW_SECONDS", 60)) * time.Second,

		SessionSecret: GetString("SESSION_SECRET", ""),
		SessionTTL:    time.Duration(GetInt("SESSION_TTL_HOURS", 12)) * time.Hour,

		Issuer:                GetString("MAS_ISSUER", ""),
		DiscoveryURL:          GetString("MAS_DISCOVERY_URL", ""),
		AuthorizationEndpoint: GetString("MAS_AUTHORIZATION_ENDPOINT", ""),
		TokenEndpoint:         GetString("MAS_TOKEN_ENDPOINT", ""),
		ClientID:              GetString("MAS_CLIENT_ID", ""),
		ClientSecret:          GetString("MAS_CLIENT_SECRET", ""),
		RedirectURI:           GetString("MAS_REDIRECT_URI", ""),
		Scope:                 GetString("MAS_SCOPE", "openid urn:matrix:org.matrix.msc2967.client:api:* urn:synapse:admin:*"),

		HomeserverURL: GetString("SYNAPSE_BASE_URL", ""),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}
