package config

import (
	"os"
	"strconv"
	"time"
)

// Server captures process-level configuration. All values come from the
// environment so main stays lean; defaults target the local demo compose.
type Server struct {
	Addr string

	// Identity provider (browser-facing base URL and the URL the backend
	// uses to reach the provider from inside the network).
	ProviderURL         string
	ProviderInternalURL string
	Realm               string
	ClientID            string
	ClientSecret        string

	FrontendURL string
	BackendURL  string

	// Policy engine decision endpoint.
	PolicyURL string

	// StrictExchange disables the demo fallback that returns the original
	// token when the provider's token-exchange grant fails.
	StrictExchange bool

	HTTPTimeout   time.Duration
	SessionTTL    time.Duration
	EventCapacity int

	// Optional backing services. Empty means in-memory.
	RedisAddr    string
	DatabaseURL  string
	KafkaBrokers string
	KafkaTopic   string
}

// FromEnv builds a Server config from environment variables.
func FromEnv() Server {
	return Server{
		Addr:                envOr("ANYBANK_ADDR", ":8000"),
		ProviderURL:         envOr("IDP_URL", "http://localhost:8080"),
		ProviderInternalURL: envOr("IDP_INTERNAL_URL", "http://keycloak:8080"),
		Realm:               envOr("IDP_REALM", "anybank"),
		ClientID:            envOr("IDP_CLIENT_ID", "anybank-web"),
		ClientSecret:        os.Getenv("IDP_CLIENT_SECRET"),
		FrontendURL:         envOr("FRONTEND_URL", "http://localhost:3000"),
		BackendURL:          envOr("BACKEND_URL", "http://localhost:8000"),
		PolicyURL:           envOr("OPA_URL", "http://localhost:8181/v1/data/bank/authz"),
		StrictExchange:      os.Getenv("BFF_STRICT_EXCHANGE") == "true",
		HTTPTimeout:         durationOr("HTTP_TIMEOUT", 10*time.Second),
		SessionTTL:          durationOr("SESSION_TTL", 8*time.Hour),
		EventCapacity:       intOr("DEBUG_EVENT_CAPACITY", 1000),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		KafkaBrokers:        os.Getenv("KAFKA_BROKERS"),
		KafkaTopic:          envOr("KAFKA_AUDIT_TOPIC", "anybank.audit"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func intOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
