// Package config loads relay-agent settings from an optional file,
// RELAY_AGENT_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "RELAY_AGENT"

// Config is the top-level agent configuration.
type Config struct {
	Hub     HubConfig     `mapstructure:"hub"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// HubConfig defines how the agent reaches the hub.
type HubConfig struct {
	URL           string        `mapstructure:"url"` // e.g. wss://hub.example.com/ws
	OrgID         string        `mapstructure:"org_id"`
	Token         string        `mapstructure:"token"`           // raw device token
	TLSSkipVerify bool          `mapstructure:"tls_skip_verify"` // dev only
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
}

// AgentConfig defines local agent behavior.
type AgentConfig struct {
	Hostname       string        `mapstructure:"hostname"` // defaults to os.Hostname
	StatusInterval time.Duration `mapstructure:"status_interval"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"hub-url":         "hub.url",
	"org":             "hub.org_id",
	"token":           "hub.token",
	"insecure":        "hub.tls_skip_verify",
	"hostname":        "agent.hostname",
	"status-interval": "agent.status_interval",
	"log-level":       "logging.level",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("hub.url", "ws://localhost:8080/ws")
	v.SetDefault("hub.org_id", "")
	v.SetDefault("hub.token", "")
	v.SetDefault("hub.tls_skip_verify", false)
	v.SetDefault("hub.base_delay", "1s")
	v.SetDefault("hub.max_delay", "30s")

	v.SetDefault("agent.hostname", "")
	v.SetDefault("agent.status_interval", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from path (optional), the environment and flags,
// in increasing order of precedence. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

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
	if cfg.Agent.Hostname == "" {
		cfg.Agent.Hostname, _ = os.Hostname()
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.Hub.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("hub.url must be a ws:// or wss:// URL, got %q", c.Hub.URL)
	}
	if c.Hub.OrgID == "" {
		return errors.New("hub.org_id is required")
	}
	if c.Hub.Token == "" {
		return errors.New("hub.token is required")
	}
	if c.Hub.BaseDelay <= 0 || c.Hub.MaxDelay < c.Hub.BaseDelay {
		return errors.New("hub.base_delay must be positive and not exceed hub.max_delay")
	}
	if c.Agent.Hostname == "" {
		return errors.New("agent.hostname is required")
	}
	if c.Agent.StatusInterval <= 0 {
		return errors.New("agent.status_interval must be positive")
	}
	return nil
}

// NewLogger builds the process logger from the logging settings.
func (c LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch c.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
