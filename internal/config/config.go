package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Auth modes.
const (
	AuthDevelopment = "development"
	AuthJWT         = "jwt"
)

// Config is the coord-server configuration.
type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	AuthMode           string        `mapstructure:"AUTH_MODE"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	ProjectionTTL      time.Duration `mapstructure:"PROJECTION_TTL"`
	AMQPURL            string        `mapstructure:"AMQP_URL"`
	RelayQueue         string        `mapstructure:"RELAY_QUEUE"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	OverrideRoles      []string      `mapstructure:"OVERRIDE_ROLES"`
	OverrideMaxPerHour int           `mapstructure:"OVERRIDE_MAX_PER_HOUR"`
	ConsentProxyRoles  []string      `mapstructure:"CONSENT_PROXY_ROLES"`
	ReadPageLimit      int           `mapstructure:"READ_PAGE_LIMIT"`
	LogFile            string        `mapstructure:"LOG_FILE"`
	MigrationsDir      string        `mapstructure:"MIGRATIONS_DIR"`
}

var serverKeys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "PROJECTION_TTL", "AMQP_URL", "RELAY_QUEUE", "AUTH_ISSUER",
	"AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS", "RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST", "OVERRIDE_ROLES", "OVERRIDE_MAX_PER_HOUR",
	"CONSENT_PROXY_ROLES", "READ_PAGE_LIMIT", "LOG_FILE", "MIGRATIONS_DIR",
}

func newViper(keys []string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
	return v
}

// splitList reads a comma-separated list from the environment.
func splitList(v *viper.Viper, key string) []string {
	var out []string
	for _, s := range strings.Split(v.GetString(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func Load() (*Config, error) {
	v := newViper(serverKeys)

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("PROJECTION_TTL", "24h")
	v.SetDefault("RELAY_QUEUE", "coord.relay")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("OVERRIDE_ROLES", "elder,physician")
	v.SetDefault("OVERRIDE_MAX_PER_HOUR", 10)
	v.SetDefault("CONSENT_PROXY_ROLES", "dispatcher")
	v.SetDefault("READ_PAGE_LIMIT", 200)

	// A missing .env is fine; the environment alone is enough.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(v, "CORS_ORIGINS")
	cfg.OverrideRoles = splitList(v, "OVERRIDE_ROLES")
	cfg.ConsentProxyRoles = splitList(v, "CONSENT_PROXY_ROLES")
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ResolvedAuthMode returns AUTH_MODE, or infers it: development trusts the
// X-Actor-* headers, anything else requires signed tokens.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthDevelopment
	}
	return AuthJWT
}

// UsesMemoryStore reports whether the log lives in process memory. Only
// development may run that way.
func (c *Config) UsesMemoryStore() bool {
	return c.DatabaseURL == ""
}

// Validate refuses configurations that would lose events or skip
// authentication outside development.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case AuthDevelopment:
		if !c.IsDev() {
			return fmt.Errorf("AUTH_MODE=development is only allowed with ENV=development (current ENV=%q)", c.Env)
		}
	case AuthJWT:
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes when AUTH_MODE is %q", AuthJWT)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthDevelopment, AuthJWT, mode)
	}
	if c.UsesMemoryStore() && !c.IsDev() {
		return fmt.Errorf("DATABASE_URL is required outside development")
	}
	if len(c.OverrideRoles) == 0 {
		return fmt.Errorf("OVERRIDE_ROLES must name at least one role")
	}
	if c.OverrideMaxPerHour < 1 {
		return fmt.Errorf("OVERRIDE_MAX_PER_HOUR must be positive, got %d", c.OverrideMaxPerHour)
	}
	if c.ReadPageLimit < 1 || c.ReadPageLimit > 1000 {
		return fmt.Errorf("READ_PAGE_LIMIT must be between 1 and 1000, got %d", c.ReadPageLimit)
	}
	return nil
}
