// Package config handles hub configuration loading and validation.
//
// Settings come from an optional config file (JSON, YAML or TOML, by
// extension) and RELAY_* environment variables, with environment values
// taking precedence. Nested keys map to variables by replacing dots with
// underscores: auth.token_secret is RELAY_AUTH_TOKEN_SECRET.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "RELAY"

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a token signing secret or admin key.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"` // e.g. ":8080"
	TLSCert         string        `mapstructure:"tls_cert"`
	TLSKey          string        `mapstructure:"tls_key"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`   // CORS and WebSocket origins; default ["*"]
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`    // admin request body limit
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"` // per-frame WebSocket read limit
	SendQueueSize   int           `mapstructure:"send_queue_size"`   // outbound frames buffered per connection
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines credential and token settings.
type AuthConfig struct {
	TokenSecret          string        `mapstructure:"token_secret"` // HMAC secret for dashboard tokens
	AdminKey             string        `mapstructure:"admin_key"`    // static pre-shared admin key
	DashboardTokenTTL    time.Duration `mapstructure:"dashboard_token_ttl"`
	DashboardTokenMaxTTL time.Duration `mapstructure:"dashboard_token_max_ttl"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string        `mapstructure:"driver"` // "sqlite" (default) or "postgres"
	DSN            string        `mapstructure:"dsn"`    // e.g. "relay.db", ":memory:" or a postgres URL
	AuditRetention time.Duration `mapstructure:"audit_retention"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// RateLimitConfig defines admin API rate limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// AuditConfig defines where audit events are published besides the store.
type AuditConfig struct {
	KafkaBrokers []string `mapstructure:"kafka_brokers"` // empty disables Kafka publishing
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

// MetricsConfig defines OpenTelemetry metric export.
type MetricsConfig struct {
	OTLPEndpoint string        `mapstructure:"otlp_endpoint"` // empty disables export
	Insecure     bool          `mapstructure:"insecure"`
	Interval     time.Duration `mapstructure:"interval"`
	ServiceName  string        `mapstructure:"service_name"`
}

// setDefaults registers every key so AutomaticEnv can resolve it during
// Unmarshal even when the config file does not mention it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.tls_cert", "")
	v.SetDefault("server.tls_key", "")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.max_body_bytes", 1024*1024)
	v.SetDefault("server.max_message_bytes", 64*1024)
	v.SetDefault("server.send_queue_size", 64)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("auth.token_secret", "")
	v.SetDefault("auth.admin_key", "")
	v.SetDefault("auth.dashboard_token_ttl", "1h")
	v.SetDefault("auth.dashboard_token_max_ttl", "24h")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "relay.db")
	v.SetDefault("storage.audit_retention", "720h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("rate_limit.requests_per_second", 10)
	v.SetDefault("rate_limit.burst", 20)

	v.SetDefault("audit.kafka_brokers", []string{})
	v.SetDefault("audit.kafka_topic", "relay-audit")

	v.SetDefault("metrics.otlp_endpoint", "")
	v.SetDefault("metrics.insecure", false)
	v.SetDefault("metrics.interval", "30s")
	v.SetDefault("metrics.service_name", "relay-hub")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads and validates configuration. An empty path loads defaults and
// environment overrides only.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg to path. The format follows the file extension.
func Save(cfg *Config, path string) error {
	v := viper.New()
	v.Set("server", map[string]any{
		"addr":              cfg.Server.Addr,
		"tls_cert":          cfg.Server.TLSCert,
		"tls_key":           cfg.Server.TLSKey,
		"allowed_origins":   cfg.Server.AllowedOrigins,
		"max_body_bytes":    cfg.Server.MaxBodyBytes,
		"max_message_bytes": cfg.Server.MaxMessageBytes,
		"send_queue_size":   cfg.Server.SendQueueSize,
		"shutdown_timeout":  cfg.Server.ShutdownTimeout.String(),
	})
	v.Set("auth", map[string]any{
		"token_secret":            cfg.Auth.TokenSecret,
		"admin_key":               cfg.Auth.AdminKey,
		"dashboard_token_ttl":     cfg.Auth.DashboardTokenTTL.String(),
		"dashboard_token_max_ttl": cfg.Auth.DashboardTokenMaxTTL.String(),
	})
	v.Set("storage", map[string]any{
		"driver":          cfg.Storage.Driver,
		"dsn":             cfg.Storage.DSN,
		"audit_retention": cfg.Storage.AuditRetention.String(),
	})
	v.Set("logging", map[string]any{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	})
	v.Set("rate_limit", map[string]any{
		"requests_per_second": cfg.RateLimit.RequestsPerSecond,
		"burst":               cfg.RateLimit.Burst,
	})
	v.Set("audit", map[string]any{
		"kafka_brokers": cfg.Audit.KafkaBrokers,
		"kafka_topic":   cfg.Audit.KafkaTopic,
	})
	v.Set("metrics", map[string]any{
		"otlp_endpoint": cfg.Metrics.OTLPEndpoint,
		"insecure":      cfg.Metrics.Insecure,
		"interval":      cfg.Metrics.Interval.String(),
		"service_name":  cfg.Metrics.ServiceName,
	})
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	// The file holds the token secret and the admin key.
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("restrict config permissions: %w", err)
	}
	return nil
}

// Defaults returns a config populated with default values only.
func Defaults() *Config {
	var cfg Config
	_ = newViper().Unmarshal(&cfg)
	cfg.normalize()
	return &cfg
}

// normalize trims list entries that arrive comma-separated from the environment.
func (c *Config) normalize() {
	c.Server.AllowedOrigins = trimList(c.Server.AllowedOrigins)
	c.Audit.KafkaBrokers = trimList(c.Audit.KafkaBrokers)
}

func trimList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Auth.TokenSecret == "" {
		return errors.New("auth.token_secret is required")
	}
	if len(c.Auth.TokenSecret) < 32 {
		return errors.New("auth.token_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.TokenSecret] {
		return errors.New("auth.token_secret is a well-known weak secret, generate a new one")
	}
	if c.Auth.AdminKey == "" {
		return errors.New("auth.admin_key is required")
	}
	if len(c.Auth.AdminKey) < 16 {
		return errors.New("auth.admin_key must be at least 16 characters")
	}
	if c.Auth.DashboardTokenTTL <= 0 {
		return errors.New("auth.dashboard_token_ttl must be positive")
	}
	if c.Auth.DashboardTokenMaxTTL < c.Auth.DashboardTokenTTL {
		return errors.New("auth.dashboard_token_max_ttl must not be shorter than auth.dashboard_token_ttl")
	}
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		// Migrations only understand the URL form.
		if !strings.HasPrefix(c.Storage.DSN, "postgres://") && !strings.HasPrefix(c.Storage.DSN, "postgresql://") {
			return errors.New("storage.dsn must be a postgres:// URL when storage.driver is postgres (key=value DSNs are not supported)")
		}
	default:
		return fmt.Errorf("unsupported storage.driver %q", c.Storage.Driver)
	}
	if c.Server.MaxMessageBytes <= 0 {
		return errors.New("server.max_message_bytes must be positive")
	}
	if c.Server.SendQueueSize <= 0 {
		return errors.New("server.send_queue_size must be positive")
	}
	if len(c.Audit.KafkaBrokers) > 0 && c.Audit.KafkaTopic == "" {
		return errors.New("audit.kafka_topic is required when audit.kafka_brokers is set")
	}
	return nil
}
