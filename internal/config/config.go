// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"marketplace-auth/backend/internal/platform/httpx"
)

// Session store backends selectable with SESSION_STORE.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

// minSecretLen is the shortest HS256 signing secret accepted at startup.
const minSecretLen = 32

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address of the gRPC health endpoint. Empty disables it.
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// Env is the application environment ("development", "production"). Production forces Secure cookies.
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// SessionStore selects the session backend: postgres, sqlite, redis or memory.
	SessionStore string `mapstructure:"SESSION_STORE"`
	// DatabaseURL is the Postgres DSN; required when SessionStore is postgres.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// SQLitePath is the SQLite database file; required when SessionStore is sqlite.
	SQLitePath string `mapstructure:"SQLITE_PATH"`
	// RedisURL is the redis:// URL; required when SessionStore is redis.
	RedisURL string `mapstructure:"REDIS_URL"`

	// JWTSecret is the HS256 signing secret. Either this or the key pair must be set.
	JWTSecret string `mapstructure:"JWT_SECRET"`
	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file; used with JWT_PUBLIC_KEY for RS256/ES256.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file; used with JWT_PRIVATE_KEY.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the iss claim set on and required of every token.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim set on and required of every token.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// JWTRefreshTTL is the refresh token and session lifetime (e.g. "336h").
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`
	// JWTLeeway is the clock skew tolerated when checking exp/iat.
	JWTLeeway string `mapstructure:"JWT_LEEWAY"`
	// RefreshReuseGrace is how long the previous refresh token of a session is treated as a concurrent refresh rather than reuse.
	RefreshReuseGrace string `mapstructure:"REFRESH_REUSE_GRACE"`
	// SessionTouchInterval throttles last-seen writes per session.
	SessionTouchInterval string `mapstructure:"SESSION_TOUCH_INTERVAL"`

	// AccessCookieName and RefreshCookieName name the two credential cookies.
	AccessCookieName  string `mapstructure:"ACCESS_COOKIE_NAME"`
	RefreshCookieName string `mapstructure:"REFRESH_COOKIE_NAME"`
	// CookieSecure marks cookies Secure. Always true when Env is production.
	CookieSecure bool `mapstructure:"COOKIE_SECURE"`
	// CookieSameSite is lax or strict.
	CookieSameSite string `mapstructure:"COOKIE_SAMESITE"`

	// OperatorKey is the static operator credential for admin tooling. Empty disables the operator path.
	OperatorKey string `mapstructure:"OPERATOR_KEY"`
	// PolicyFile is a Rego file replacing the built-in route scope policy. Empty uses the built-in one.
	PolicyFile string `mapstructure:"POLICY_FILE"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`
	// LoginRatePerMinute limits login attempts per client IP.
	LoginRatePerMinute int `mapstructure:"LOGIN_RATE_PER_MINUTE"`
	// TrustedProxies is a comma-separated list of proxy CIDRs or IPs whose forwarded headers are trusted.
	// Empty trusts no forwarded headers.
	TrustedProxies string `mapstructure:"TRUSTED_PROXIES"`
	// RouteMaxConcurrent caps in-flight requests per limited route.
	RouteMaxConcurrent int `mapstructure:"ROUTE_MAX_CONCURRENT"`
	// RouteQueueTimeout is how long a request waits for a route slot before 503.
	RouteQueueTimeout string `mapstructure:"ROUTE_QUEUE_TIMEOUT"`

	// OTLPEndpoint is the OTLP gRPC collector endpoint; empty uses no-op providers.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext to the collector even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// KafkaBrokers is a comma-separated list of brokers for session events. Empty disables the producer.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// SessionEventsTopic is the Kafka topic for session lifecycle events.
	SessionEventsTopic string `mapstructure:"SESSION_EVENTS_TOPIC"`
	// KafkaGroupID is the consumer group the worker uses to ship session events to Loki.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL is the Loki base URL (e.g. http://localhost:3100). Empty disables shipping.
	LokiURL string `mapstructure:"LOKI_URL"`

	// BootstrapAdminEmail and BootstrapAdminPassword create an admin user at startup when both are set.
	BootstrapAdminEmail    string `mapstructure:"BOOTSTRAP_ADMIN_EMAIL"`
	BootstrapAdminPassword string `mapstructure:"BOOTSTRAP_ADMIN_PASSWORD"`

	// Worker-only: how often expired sessions are pruned and how long they are kept after expiry.
	PruneInterval  string `mapstructure:"PRUNE_INTERVAL"`
	PruneRetention string `mapstructure:"PRUNE_RETENTION"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid,
// including a missing signing key: the service must not start without one.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SESSION_STORE", StoreMemory)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("SQLITE_PATH", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "marketplace-auth")
	v.SetDefault("JWT_AUDIENCE", "marketplace-web")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "336h") // 14d
	v.SetDefault("JWT_LEEWAY", "0s")
	v.SetDefault("REFRESH_REUSE_GRACE", "10s")
	v.SetDefault("SESSION_TOUCH_INTERVAL", "1m")
	v.SetDefault("ACCESS_COOKIE_NAME", "session")
	v.SetDefault("REFRESH_COOKIE_NAME", "refresh_token")
	v.SetDefault("COOKIE_SECURE", false)
	v.SetDefault("COOKIE_SAMESITE", "lax")
	v.SetDefault("OPERATOR_KEY", "")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("LOGIN_RATE_PER_MINUTE", 10)
	v.SetDefault("TRUSTED_PROXIES", "")
	v.SetDefault("ROUTE_MAX_CONCURRENT", 64)
	v.SetDefault("ROUTE_QUEUE_TIMEOUT", "2s")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("SESSION_EVENTS_TOPIC", "session-events")
	v.SetDefault("KAFKA_GROUP_ID", "marketplace-auth-worker")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("POLICY_FILE", "")
	v.SetDefault("BOOTSTRAP_ADMIN_EMAIL", "")
	v.SetDefault("BOOTSTRAP_ADMIN_PASSWORD", "")
	v.SetDefault("PRUNE_INTERVAL", "1h")
	v.SetDefault("PRUNE_RETENTION", "720h")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.IsProduction() {
		cfg.CookieSecure = true
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}

	hasKeyPair := c.JWTPrivateKey != "" && c.JWTPublicKey != ""
	if c.JWTSecret == "" && !hasKeyPair {
		return errors.New("config: JWT_SECRET or JWT_PRIVATE_KEY/JWT_PUBLIC_KEY must be set")
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < minSecretLen {
		return fmt.Errorf("config: JWT_SECRET must be at least %d bytes", minSecretLen)
	}
	if (c.JWTPrivateKey == "") != (c.JWTPublicKey == "") {
		return errors.New("config: JWT_PRIVATE_KEY and JWT_PUBLIC_KEY must be set together")
	}

	c.SessionStore = strings.ToLower(strings.TrimSpace(c.SessionStore))
	switch c.SessionStore {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL must be set when SESSION_STORE=postgres")
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return errors.New("config: SQLITE_PATH must be set when SESSION_STORE=sqlite")
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return errors.New("config: REDIS_URL must be set when SESSION_STORE=redis")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("config: unknown SESSION_STORE %q", c.SessionStore)
	}

	switch strings.ToLower(c.CookieSameSite) {
	case "lax", "strict":
	default:
		return fmt.Errorf("config: COOKIE_SAMESITE must be lax or strict, got %q", c.CookieSameSite)
	}

	if (c.BootstrapAdminEmail == "") != (c.BootstrapAdminPassword == "") {
		return errors.New("config: BOOTSTRAP_ADMIN_EMAIL and BOOTSTRAP_ADMIN_PASSWORD must be set together")
	}

	if _, err := httpx.ParseTrustedProxies(c.TrustedProxies); err != nil {
		return fmt.Errorf("config: TRUSTED_PROXIES: %w", err)
	}

	if c.BcryptCost == 0 {
		c.BcryptCost = 12
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	return nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return parseDuration(c.JWTAccessTTL, 15*time.Minute)
}

// RefreshTTL parses JWTRefreshTTL as a time.Duration. Returns 336h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	return parseDuration(c.JWTRefreshTTL, 336*time.Hour)
}

// Leeway parses JWTLeeway. Returns 0 if unset or invalid.
func (c *Config) Leeway() time.Duration {
	d, err := time.ParseDuration(c.JWTLeeway)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// ReuseGrace parses RefreshReuseGrace. Zero disables the grace window.
func (c *Config) ReuseGrace() time.Duration {
	d, err := time.ParseDuration(c.RefreshReuseGrace)
	if err != nil || d < 0 {
		return 10 * time.Second
	}
	return d
}

// TouchInterval parses SessionTouchInterval. Returns 1m if unset or invalid.
func (c *Config) TouchInterval() time.Duration {
	return parseDuration(c.SessionTouchInterval, time.Minute)
}

// QueueTimeout parses RouteQueueTimeout. Returns 2s if unset or invalid.
func (c *Config) QueueTimeout() time.Duration {
	return parseDuration(c.RouteQueueTimeout, 2*time.Second)
}

// PruneEvery parses PruneInterval. Returns 1h if unset or invalid.
func (c *Config) PruneEvery() time.Duration {
	return parseDuration(c.PruneInterval, time.Hour)
}

// PruneKeep parses PruneRetention. Returns 720h if unset or invalid.
func (c *Config) PruneKeep() time.Duration {
	return parseDuration(c.PruneRetention, 720*time.Hour)
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if session events are published (non-empty list) and to create the producer.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// TrustedProxyNets returns the parsed TRUSTED_PROXIES. Load has already validated the list.
func (c *Config) TrustedProxyNets() []*net.IPNet {
	nets, err := httpx.ParseTrustedProxies(c.TrustedProxies)
	if err != nil {
		return nil
	}
	return nets
}

// ShipsToLoki reports whether the worker should consume session events and push them to Loki.
func (c *Config) ShipsToLoki() bool {
	return c.LokiURL != "" && len(c.KafkaBrokersList()) > 0
}

// HasBootstrapAdmin reports whether an admin user should be ensured at startup.
func (c *Config) HasBootstrapAdmin() bool {
	return c.BootstrapAdminEmail != "" && c.BootstrapAdminPassword != ""
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
