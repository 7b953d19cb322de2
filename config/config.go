// Package config loads, defaults and validates the relay's YAML
// configuration, and builds the process logger from its log section.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tezit/relay/protocol"
	"github.com/tezit/relay/store"
)

// Duration wraps time.Duration so YAML values can use Go duration strings
// ("30s", "5m") instead of nanosecond integers.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// ListenAddr is the address the API server listens on.
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr is the address of the Prometheus scrape listener. Empty
	// disables the metrics server.
	MetricsAddr string `yaml:"metrics_addr"`

	// EnablePprof mounts the pprof debugging API.
	EnablePprof bool `yaml:"enable_pprof"`
}

// FederationConfig holds the relay's federation settings.
type FederationConfig struct {
	// Host is this server's advertised hostname, the identity peers know it
	// by and the HOST inbound signatures must bind to.
	Host string `yaml:"host"`

	// Enabled gates the inbox and the well-known advertisement.
	Enabled bool `yaml:"enabled"`

	// InboxPath is where the federation inbox is mounted.
	InboxPath string `yaml:"inbox_path"`

	// AdminToken protects the internal send endpoint, "user:password" form.
	AdminToken string `yaml:"admin_token"`

	// DataDir is where the server keypair lives.
	DataDir string `yaml:"data_dir"`

	// FallbackDataDir is tried for the keypair when DataDir is unwritable.
	// Empty disables the fallback.
	FallbackDataDir string `yaml:"fallback_data_dir"`

	// Profiles and Software are advertised in the well-known document.
	Profiles []string `yaml:"profiles"`
	Software string   `yaml:"software"`

	// PollInterval is the outbox drain cadence.
	PollInterval Duration `yaml:"poll_interval"`

	// DiscoveryTTL is how long resolved peers stay cached.
	DiscoveryTTL Duration `yaml:"discovery_ttl"`
}

// LogConfig selects the logger's level and format.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn or error
	JSON  bool   `yaml:"json"`
}

// Config is the relay's full configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Federation FederationConfig `yaml:"federation"`
	Storage    store.Config     `yaml:"storage"`
	Log        LogConfig        `yaml:"log"`
}

// DefaultConfig returns a configuration suitable for a single-node dev
// deployment: loopback listener, sqlite storage, text logging.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8443",
		},
		Federation: FederationConfig{
			Enabled:   true,
			InboxPath: protocol.DefaultInboxPath,
			DataDir:   "data",
			Software:  "tezit-relay",
		},
		Storage: store.Config{
			Type: "sqlite",
			Path: "relay.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads a YAML file over the defaults, so absent keys keep their
// default values.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields no relay can run without.
func (c *Config) Validate() error {
	if c.Federation.Host == "" {
		return fmt.Errorf("federation.host is required")
	}
	if !strings.HasPrefix(c.Federation.InboxPath, "/") {
		return fmt.Errorf("federation.inbox_path %q is not a rooted path", c.Federation.InboxPath)
	}
	switch c.Storage.Type {
	case "", "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger builds the process logger: JSON for production scrapers, text
// for humans.
func NewLogger(cfg LogConfig) *slog.Logger {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.JSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
