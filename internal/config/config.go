// Package config loads and validates the TailExplorer configuration file.
// YAML is the primary format; TOML works too since the format is inferred
// from the file extension. Loading is strict: a malformed source descriptor
// or inconsistent global value fails the whole load so the server never
// starts on a half-usable configuration.
package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shellus/tailexplorer/internal/logger"
	"github.com/shellus/tailexplorer/internal/metrics"
	"github.com/shellus/tailexplorer/internal/registry"
	"github.com/spf13/viper"
)

// FileConfig represents the top-level configuration file structure.
// See config.example.yaml at the repository root.
type FileConfig struct {
	LogSources map[string]SourceConfig `mapstructure:"log_sources"`
	Logging    LoggingConfig           `mapstructure:"logging"`
	Supervise  SuperviseConfig         `mapstructure:"supervise"`
	Security   SecurityConfig          `mapstructure:"security"`
	Server     *ServerConfig           `mapstructure:"server"`
	Metrics    *MetricsConfig          `mapstructure:"metrics"`
	Events     *EventsConfig           `mapstructure:"events"`
	Log        logger.Config           `mapstructure:"log"`
}

// SourceConfig is one entry of the log_sources map. The map key is the
// source id; viper folds map keys to lower case, so ids are effectively
// case-insensitive in the file and always lower case at runtime.
type SourceConfig struct {
	Name        string   `mapstructure:"name"`
	Type        string   `mapstructure:"type"`
	Command     string   `mapstructure:"command"`
	WorkingDir  string   `mapstructure:"working_dir"`
	Description string   `mapstructure:"description"`
	Autostart   bool     `mapstructure:"autostart"`
	Env         []string `mapstructure:"env"`
}

// LoggingConfig bounds the per-source line buffer and subscriber queues.
// Zero values fall back to the hub defaults (10000 / 5000 / 256).
type LoggingConfig struct {
	MaxLinesPerSource   int `mapstructure:"max_lines_per_source"`
	CleanupThreshold    int `mapstructure:"cleanup_threshold"`
	SubscriberQueueSize int `mapstructure:"subscriber_queue_size"`
}

// SuperviseConfig tunes the restart backoff and shutdown grace of source
// sessions. Zero values fall back to the session defaults (1s / 30s / 5s / 10s).
type SuperviseConfig struct {
	RestartInterval    time.Duration `mapstructure:"restart_interval"`
	MaxRestartInterval time.Duration `mapstructure:"max_restart_interval"`
	StopGrace          time.Duration `mapstructure:"stop_grace"`
	StableAfter        time.Duration `mapstructure:"stable_after"`
}

// TokenStoreConfig selects where issued session tokens live.
type TokenStoreConfig struct {
	// Type is one of "memory", "sqlite", "postgres". Empty means memory.
	Type string `mapstructure:"type"`
	// DSN is the sqlite file path or postgres connection string.
	DSN string `mapstructure:"dsn"`
}

// SecurityConfig holds the shared secret and token lifetime. Exactly one
// secret form must be present: password_hash (bcrypt) is preferred and wins
// when both are set.
type SecurityConfig struct {
	Password           string           `mapstructure:"password"`
	PasswordHash       string           `mapstructure:"password_hash"`
	SessionExpireHours int              `mapstructure:"session_expire_hours"`
	TokenStore         TokenStoreConfig `mapstructure:"token_store"`
}

// AutoGenTLS tunes self-signed certificate generation.
type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// TLSConfig enables TLS on the API server, either from explicit certificate
// files or from a directory (optionally auto-generating a self-signed pair).
type TLSConfig struct {
	Enabled      bool        `mapstructure:"enabled"`
	CertFile     string      `mapstructure:"cert_file"`
	KeyFile      string      `mapstructure:"key_file"`
	Dir          string      `mapstructure:"dir"`
	AutoGenerate bool        `mapstructure:"auto_generate"`
	MinVersion   string      `mapstructure:"min_version"`
	MaxVersion   string      `mapstructure:"max_version"`
	AutoGen      *AutoGenTLS `mapstructure:"auto_gen"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Listen   string     `mapstructure:"listen"`
	BasePath string     `mapstructure:"base_path"`
	TLS      *TLSConfig `mapstructure:"tls"`
}

// MetricsConfig enables Prometheus collectors and, when Listen is set, a
// dedicated /metrics listener separate from the API server.
type MetricsConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Listen  string              `mapstructure:"listen"`
	Usage   metrics.UsageConfig `mapstructure:"usage"`
}

// EventsConfig lists lifecycle event sink DSNs, e.g.
// "sqlite:///var/lib/tailexplorer/events.db" or "clickhouse://host:9000".
type EventsConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

// Config is the validated runtime configuration. Source entries are already
// normalized into registry descriptors sorted by id.
type Config struct {
	Sources   []registry.Descriptor
	Logging   LoggingConfig
	Supervise SuperviseConfig
	Security  SecurityConfig
	Server    *ServerConfig
	Metrics   *MetricsConfig
	Events    *EventsConfig
	Log       logger.Config
}

// DefaultListen is the API server address when server.listen is not set.
const DefaultListen = ":8080"

// DefaultSessionExpireHours is the token lifetime when
// security.session_expire_hours is not set.
const DefaultSessionExpireHours = 24

// Load reads, parses and validates the configuration file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")); ext != "" {
		v.SetConfigType(ext)
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return fc.build()
}

// build transforms the raw file structure into a validated Config.
func (fc FileConfig) build() (*Config, error) {
	sources, err := buildSources(fc.LogSources)
	if err != nil {
		return nil, err
	}
	if err := fc.Logging.validate(); err != nil {
		return nil, err
	}
	if err := fc.Supervise.validate(); err != nil {
		return nil, err
	}
	sec, err := fc.Security.normalize()
	if err != nil {
		return nil, err
	}

	srv := fc.Server
	if srv == nil {
		srv = &ServerConfig{}
	}
	if srv.Listen == "" {
		srv.Listen = DefaultListen
	}

	met := fc.Metrics
	if met == nil {
		met = &MetricsConfig{}
	}
	ev := fc.Events
	if ev == nil {
		ev = &EventsConfig{}
	}

	return &Config{
		Sources:   sources,
		Logging:   fc.Logging,
		Supervise: fc.Supervise,
		Security:  sec,
		Server:    srv,
		Metrics:   met,
		Events:    ev,
		Log:       fc.Log,
	}, nil
}

func buildSources(raw map[string]SourceConfig) ([]registry.Descriptor, error) {
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	descs := make([]registry.Descriptor, 0, len(ids))
	for _, id := range ids {
		sc := raw[id]
		if strings.TrimSpace(sc.Type) == "" {
			return nil, fmt.Errorf("source %q: type is required", id)
		}
		kind := registry.NormalizeKind(sc.Type)
		if kind == "" {
			return nil, fmt.Errorf("source %q: unknown type %q", id, sc.Type)
		}
		d := registry.Descriptor{
			ID:          id,
			Name:        sc.Name,
			Kind:        kind,
			Command:     sc.Command,
			WorkDir:     sc.WorkingDir,
			Description: sc.Description,
			Autostart:   sc.Autostart,
			Env:         sc.Env,
		}
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("source %q: %w", id, err)
		}
		descs = append(descs, d)
	}
	return descs, nil
}

func (l LoggingConfig) validate() error {
	if l.MaxLinesPerSource < 0 {
		return fmt.Errorf("logging: max_lines_per_source must not be negative")
	}
	if l.CleanupThreshold < 0 {
		return fmt.Errorf("logging: cleanup_threshold must not be negative")
	}
	if l.SubscriberQueueSize < 0 {
		return fmt.Errorf("logging: subscriber_queue_size must not be negative")
	}
	if l.MaxLinesPerSource > 0 && l.CleanupThreshold > l.MaxLinesPerSource {
		return fmt.Errorf("logging: cleanup_threshold %d exceeds max_lines_per_source %d",
			l.CleanupThreshold, l.MaxLinesPerSource)
	}
	return nil
}

func (s SuperviseConfig) validate() error {
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"restart_interval", s.RestartInterval},
		{"max_restart_interval", s.MaxRestartInterval},
		{"stop_grace", s.StopGrace},
		{"stable_after", s.StableAfter},
	} {
		if d.val < 0 {
			return fmt.Errorf("supervise: %s must not be negative", d.name)
		}
	}
	if s.RestartInterval > 0 && s.MaxRestartInterval > 0 && s.MaxRestartInterval < s.RestartInterval {
		return fmt.Errorf("supervise: max_restart_interval %v below restart_interval %v",
			s.MaxRestartInterval, s.RestartInterval)
	}
	return nil
}

func (s SecurityConfig) normalize() (SecurityConfig, error) {
	if s.Password == "" && s.PasswordHash == "" {
		return s, fmt.Errorf("security: password or password_hash is required")
	}
	if s.SessionExpireHours < 0 {
		return s, fmt.Errorf("security: session_expire_hours must not be negative")
	}
	if s.SessionExpireHours == 0 {
		s.SessionExpireHours = DefaultSessionExpireHours
	}
	switch s.TokenStore.Type {
	case "":
		s.TokenStore.Type = "memory"
	case "memory":
	case "sqlite", "postgres":
		if s.TokenStore.DSN == "" {
			return s, fmt.Errorf("security: token_store %s requires a dsn", s.TokenStore.Type)
		}
	default:
		return s, fmt.Errorf("security: unknown token_store type %q", s.TokenStore.Type)
	}
	return s, nil
}

// SessionTTL returns the configured token lifetime as a duration.
func (s SecurityConfig) SessionTTL() time.Duration {
	return time.Duration(s.SessionExpireHours) * time.Hour
}

// Registry constructs the immutable source registry from the loaded
// descriptors.
func (c *Config) Registry() (*registry.Registry, error) {
	return registry.New(c.Sources)
}
