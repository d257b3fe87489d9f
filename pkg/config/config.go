// Package config provides YAML-based configuration loading for relink.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the application
	AppName string `mapstructure:"app_name"`

	// Name identifies this endpoint in outgoing messages
	Name string `mapstructure:"name"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Link holds the reliable-link settings
	Link LinkConfig `mapstructure:"link"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LinkConfig configures a single reliable link endpoint.
type LinkConfig struct {
	// Role: initiator dials out, acceptor listens
	Role string `mapstructure:"role"`
	// Transport: tcp, quic, mem, or winpipe
	Transport string `mapstructure:"transport"`
	// Host and Port form the listen or dial address for tcp/quic.
	// For mem and winpipe transports Host carries the full endpoint name.
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// WireFormat selects the payload codec: json, cbor, or proto
	WireFormat string `mapstructure:"wire_format"`

	// AckTimeoutMS is how long one delivery attempt waits for an ACK
	AckTimeoutMS int `mapstructure:"ack_timeout_ms"`
	// MaxRetries is the number of retransmissions after the first attempt
	MaxRetries int `mapstructure:"max_retries"`
	// HeartbeatIntervalMS is the period between heartbeats
	HeartbeatIntervalMS int `mapstructure:"heartbeat_interval_ms"`
	// LivenessTimeoutMS declares the peer dead when nothing arrives for
	// this long; zero disables the check
	LivenessTimeoutMS int `mapstructure:"liveness_timeout_ms"`
	// DedupeWindowMS is how long delivered message ids are remembered to
	// suppress retransmitted duplicates
	DedupeWindowMS int `mapstructure:"dedupe_window_ms"`

	// Dial backoff for the initiator reconnect loop
	DialBackoffInitialMS int `mapstructure:"dial_backoff_initial_ms"`
	DialBackoffMaxMS     int `mapstructure:"dial_backoff_max_ms"`
	DialBackoffJitterMS  int `mapstructure:"dial_backoff_jitter_ms"`
	DialMaxAttempts      int `mapstructure:"dial_max_attempts"`
}

// Address joins Host and Port for transports that use host:port endpoints.
func (l LinkConfig) Address() string {
	switch strings.ToLower(l.Transport) {
	case "mem", "winpipe":
		return l.Host
	}
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "relink",
		Name:    "endpoint-1",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Link: LinkConfig{
			Role:                 "initiator",
			Transport:            "tcp",
			Host:                 "127.0.0.1",
			Port:                 9000,
			WireFormat:           "json",
			AckTimeoutMS:         5000,
			MaxRetries:           3,
			HeartbeatIntervalMS:  10000,
			LivenessTimeoutMS:    0,
			DedupeWindowMS:       60000,
			DialBackoffInitialMS: 500,
			DialBackoffMaxMS:     30000,
			DialBackoffJitterMS:  100,
			DialMaxAttempts:      3,
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix RELINK and `.`/`-` are replaced with `_`.
// Example: RELINK_LINK_ROLE=acceptor
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RELINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("name", cfg.Name)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("link.role", cfg.Link.Role)
	v.SetDefault("link.transport", cfg.Link.Transport)
	v.SetDefault("link.host", cfg.Link.Host)
	v.SetDefault("link.port", cfg.Link.Port)
	v.SetDefault("link.wire_format", cfg.Link.WireFormat)
	v.SetDefault("link.ack_timeout_ms", cfg.Link.AckTimeoutMS)
	v.SetDefault("link.max_retries", cfg.Link.MaxRetries)
	v.SetDefault("link.heartbeat_interval_ms", cfg.Link.HeartbeatIntervalMS)
	v.SetDefault("link.liveness_timeout_ms", cfg.Link.LivenessTimeoutMS)
	v.SetDefault("link.dedupe_window_ms", cfg.Link.DedupeWindowMS)
	v.SetDefault("link.dial_backoff_initial_ms", cfg.Link.DialBackoffInitialMS)
	v.SetDefault("link.dial_backoff_max_ms", cfg.Link.DialBackoffMaxMS)
	v.SetDefault("link.dial_backoff_jitter_ms", cfg.Link.DialBackoffJitterMS)
	v.SetDefault("link.dial_max_attempts", cfg.Link.DialMaxAttempts)

	// Choose config file
	if path == "" {
		// Allow override via env var
		if envPath := os.Getenv("RELINK_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `relink`
		v.SetConfigName("relink")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".relink"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if strings.TrimSpace(c.Name) == "" {
		c.Name = "endpoint-1"
	}

	c.Link.Role = strings.ToLower(strings.TrimSpace(c.Link.Role))
	switch c.Link.Role {
	case "initiator", "acceptor":
	default:
		return fmt.Errorf("invalid link.role: %q", c.Link.Role)
	}

	c.Link.Transport = strings.ToLower(strings.TrimSpace(c.Link.Transport))
	switch c.Link.Transport {
	case "tcp", "quic", "mem", "winpipe":
	default:
		return fmt.Errorf("invalid link.transport: %q", c.Link.Transport)
	}

	if c.Link.AckTimeoutMS <= 0 {
		return fmt.Errorf("link.ack_timeout_ms must be positive, got %d", c.Link.AckTimeoutMS)
	}
	if c.Link.MaxRetries < 0 {
		return fmt.Errorf("link.max_retries must not be negative, got %d", c.Link.MaxRetries)
	}
	if c.Link.HeartbeatIntervalMS <= 0 {
		return fmt.Errorf("link.heartbeat_interval_ms must be positive, got %d", c.Link.HeartbeatIntervalMS)
	}
	if c.Link.LivenessTimeoutMS < 0 {
		return fmt.Errorf("link.liveness_timeout_ms must not be negative, got %d", c.Link.LivenessTimeoutMS)
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
