// Package config loads the daemon's YAML configuration from the beacon home
// directory, applying env overrides and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// StoreConfig selects and parameterizes the remote store client.
type StoreConfig struct {
	// Backend is "remote" (websocket sync endpoint) or "memory" (in-process,
	// offline/testing).
	Backend string `yaml:"backend"`
	// URL is the websocket sync endpoint, e.g. wss://sync.example.com/v1.
	URL string `yaml:"url"`
}

// BlobConfig parameterizes the blob object store.
type BlobConfig struct {
	// BaseURL is the HTTP endpoint blobs are PUT under.
	BaseURL string `yaml:"base_url"`
}

// ScheduleConfig holds cron expressions for periodic work. Empty disables
// the job.
type ScheduleConfig struct {
	Screenshot    string `yaml:"screenshot"`     // periodic screenshot capture
	UsageSnapshot string `yaml:"usage_snapshot"` // app-usage snapshot collection
}

// PhotosConfig parameterizes the local photo directory watcher.
type PhotosConfig struct {
	Dir     string `yaml:"dir"`
	Enabled bool   `yaml:"enabled"`
}

// OtelConfig configures trace/metric export.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// UserID and DeviceID scope every store path the daemon touches.
	UserID   string `yaml:"user_id"`
	DeviceID string `yaml:"device_id"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	Store    StoreConfig    `yaml:"store"`
	Blob     BlobConfig     `yaml:"blob"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Photos   PhotosConfig   `yaml:"photos"`
	Otel     OtelConfig     `yaml:"otel"`

	// SpoolPath is the sqlite file holding the offline outbox and the
	// delivered-key journal. Defaults to <home>/spool.db.
	SpoolPath string `yaml:"spool_path"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Store:    StoreConfig{Backend: "remote"},
		Schedule: ScheduleConfig{
			Screenshot:    "*/15 * * * *",
			UsageSnapshot: "0 * * * *",
		},
		Otel: OtelConfig{Exporter: "none"},
	}
}

// HomeDir resolves the beacon home directory, honoring BEACON_HOME.
func HomeDir() string {
	if override := os.Getenv("BEACON_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".beacon")
}

// Load reads <home>/config.yaml, applies env overrides, and validates.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory; tests use it.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create beacon home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "remote"
	}
	if cfg.SpoolPath == "" {
		cfg.SpoolPath = filepath.Join(cfg.HomeDir, "spool.db")
	}
	if cfg.Otel.Exporter == "" {
		cfg.Otel.Exporter = "none"
	}
	if cfg.Otel.ServiceName == "" {
		cfg.Otel.ServiceName = "beacon"
	}
	cfg.UserID = strings.TrimSpace(cfg.UserID)
	cfg.DeviceID = strings.TrimSpace(cfg.DeviceID)
}

func validate(cfg *Config) error {
	if cfg.UserID == "" {
		return fmt.Errorf("config: user_id is required")
	}
	if cfg.DeviceID == "" {
		return fmt.Errorf("config: device_id is required")
	}
	switch cfg.Store.Backend {
	case "remote":
		if cfg.Store.URL == "" {
			return fmt.Errorf("config: store.url is required for the remote backend")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown store backend %q (supported: remote, memory)", cfg.Store.Backend)
	}
	if cfg.Photos.Enabled && cfg.Photos.Dir == "" {
		return fmt.Errorf("config: photos.dir is required when photos.enabled")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("BEACON_USER_ID"); raw != "" {
		cfg.UserID = raw
	}
	if raw := os.Getenv("BEACON_DEVICE_ID"); raw != "" {
		cfg.DeviceID = raw
	}
	if raw := os.Getenv("BEACON_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("BEACON_STORE_URL"); raw != "" {
		cfg.Store.URL = raw
	}
	if raw := os.Getenv("BEACON_STORE_BACKEND"); raw != "" {
		cfg.Store.Backend = raw
	}
	if raw := os.Getenv("BEACON_BLOB_BASE_URL"); raw != "" {
		cfg.Blob.BaseURL = raw
	}
	if raw := os.Getenv("BEACON_QUIET"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Quiet = v
		}
	}
}
