package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	LogLevel      string   `mapstructure:"LOG_LEVEL"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL      string   `mapstructure:"REDIS_URL"`
	AuthIssuer    string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL   string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience  string   `mapstructure:"AUTH_AUDIENCE"`
	AuthHMACKey   string   `mapstructure:"AUTH_HMAC_KEY"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`
	TLSEnabled    bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile   string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile    string   `mapstructure:"TLS_KEY_FILE"`

	// DefaultTimezone is the only fallback zone in the process. Both the
	// write path (local -> UTC) and the read path (UTC -> local) use it.
	DefaultTimezone string `mapstructure:"DEFAULT_TIMEZONE"`

	MaterializeMonthsAhead    int    `mapstructure:"MATERIALIZE_MONTHS_AHEAD"`
	MaterializeMaxOccurrences int    `mapstructure:"MATERIALIZE_MAX_OCCURRENCES"`
	MaterializerURL           string `mapstructure:"MATERIALIZER_URL"`
	MaterializerAPIKey        string `mapstructure:"MATERIALIZER_API_KEY"`
	OutboxSchedule            string `mapstructure:"OUTBOX_SCHEDULE"`
	OutboxMaxAttempts         int    `mapstructure:"OUTBOX_MAX_ATTEMPTS"`
	OutboxBatchSize           int    `mapstructure:"OUTBOX_BATCH_SIZE"`
	HorizonSchedule           string `mapstructure:"HORIZON_SCHEDULE"`
	FormatCacheSize           int    `mapstructure:"FORMAT_CACHE_SIZE"`

	FormatCacheTTL time.Duration `mapstructure:"FORMAT_CACHE_TTL"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_HMAC_KEY", "DEFAULT_TENANT",
	"CORS_ORIGINS", "TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE", "DEFAULT_TIMEZONE",
	"MATERIALIZE_MONTHS_AHEAD", "MATERIALIZE_MAX_OCCURRENCES", "MATERIALIZER_URL",
	"MATERIALIZER_API_KEY", "OUTBOX_SCHEDULE", "OUTBOX_MAX_ATTEMPTS", "OUTBOX_BATCH_SIZE",
	"HORIZON_SCHEDULE", "FORMAT_CACHE_SIZE", "FORMAT_CACHE_TTL", "RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("DEFAULT_TIMEZONE", "America/New_York")
	v.SetDefault("MATERIALIZE_MONTHS_AHEAD", 3)
	v.SetDefault("MATERIALIZE_MAX_OCCURRENCES", 200)
	v.SetDefault("OUTBOX_SCHEDULE", "@every 30s")
	v.SetDefault("OUTBOX_MAX_ATTEMPTS", 10)
	v.SetDefault("OUTBOX_BATCH_SIZE", 25)
	v.SetDefault("HORIZON_SCHEDULE", "@daily")
	v.SetDefault("FORMAT_CACHE_SIZE", 4096)
	v.SetDefault("FORMAT_CACHE_TTL", "24h")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ENV=development, every request without a bearer token runs as admin.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// RemoteMaterializer reports whether occurrence generation is delegated to a
// separately deployed function instead of running in-process.
func (c *Config) RemoteMaterializer() bool {
	return c.MaterializerURL != ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthHMACKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_HMAC_KEY must be set when ENV=%q", c.Env)
	}
	if c.IsProduction() && c.AuthHMACKey != "" && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_HMAC_KEY alone is not accepted in production, configure AUTH_ISSUER")
	}

	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil || c.DefaultTimezone == "" {
		return fmt.Errorf("DEFAULT_TIMEZONE %q is not a valid IANA zone", c.DefaultTimezone)
	}
	if c.MaterializeMonthsAhead <= 0 {
		return fmt.Errorf("MATERIALIZE_MONTHS_AHEAD must be positive, got %d", c.MaterializeMonthsAhead)
	}
	if c.MaterializeMaxOccurrences <= 0 {
		return fmt.Errorf("MATERIALIZE_MAX_OCCURRENCES must be positive, got %d", c.MaterializeMaxOccurrences)
	}
	if c.OutboxMaxAttempts <= 0 {
		return fmt.Errorf("OUTBOX_MAX_ATTEMPTS must be positive, got %d", c.OutboxMaxAttempts)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
