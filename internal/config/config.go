// Package config handles configuration loading and validation for syncwatchd.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Storage configuration for the bookkeeping database.
	Storage StorageConfig `toml:"storage" json:"storage"`

	// Sync tuning shared by all sources.
	Sync SyncConfig `toml:"sync" json:"sync"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging"`

	// Metrics exposure configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics"`

	// Sources are the trees to keep in sync.
	Sources []SourceConfig `toml:"source" json:"sources"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the path to the SQLite database file.
	Path string `toml:"path" json:"path"`
}

// SyncConfig tunes scheduling and scan-strategy decisions.
type SyncConfig struct {
	// IntervalSec is the scheduled evaluation interval per source.
	IntervalSec int `toml:"interval_sec" json:"interval_sec"`

	// ChangeRatio escalates to a full scan when changed/known exceeds it.
	ChangeRatio float64 `toml:"change_ratio" json:"change_ratio"`

	// NewDirectories escalates to a full scan when more than this many
	// unseen directories appear at once.
	NewDirectories int `toml:"new_directories" json:"new_directories"`

	// TargetConcurrency caps parallel targeted-scan walkers.
	TargetConcurrency int `toml:"target_concurrency" json:"target_concurrency"`

	// RetryBatchSize caps how many retry candidates one cycle picks up.
	RetryBatchSize int `toml:"retry_batch_size" json:"retry_batch_size"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `toml:"level" json:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format"`

	// Output is "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output"`

	// FilePath is the log file location when Output includes "file".
	FilePath string `toml:"file_path" json:"file_path"`
}

// MetricsConfig controls the optional metrics endpoint.
type MetricsConfig struct {
	// Listen is the address for the Prometheus-format /metrics
	// endpoint. Empty disables the listener.
	Listen string `toml:"listen" json:"listen"`
}

// SourceConfig describes one tree to synchronize.
type SourceConfig struct {
	// Name identifies the source in logs and on the command line.
	Name string `toml:"name" json:"name"`

	// Type is "webdav", "s3", or "local".
	Type string `toml:"type" json:"type"`

	// UserID scopes this source's records in the store.
	UserID string `toml:"user_id" json:"user_id"`

	// Root is the path to evaluate and scan ("/" for the whole source).
	Root string `toml:"root" json:"root"`

	// Path is the local directory (type "local").
	Path string `toml:"path" json:"path"`

	// WatchHints enables filesystem notifications for early evaluation
	// (type "local").
	WatchHints bool `toml:"watch_hints" json:"watch_hints"`

	// Bucket, Prefix, Region, Endpoint configure an object store
	// (type "s3"). Credentials come from the ambient AWS configuration.
	Bucket   string `toml:"bucket" json:"bucket"`
	Prefix   string `toml:"prefix" json:"prefix"`
	Region   string `toml:"region" json:"region"`
	Endpoint string `toml:"endpoint" json:"endpoint"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{Path: filepath.Join(dataDir(), "syncwatch.db")},
		Sync: SyncConfig{
			IntervalSec:       300,
			ChangeRatio:       0.3,
			NewDirectories:    5,
			TargetConcurrency: 4,
			RetryBatchSize:    20,
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stderr"},
	}
}

// dataDir returns the platform-specific data directory.
func dataDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "syncwatch")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, _ := os.UserHomeDir()
			appData = home
		}
		return filepath.Join(appData, "syncwatch")
	default:
		if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
			return filepath.Join(dataHome, "syncwatch")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "syncwatch")
	}
}

// Load reads the TOML file at path on top of the defaults, applies
// environment overrides, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment tooling override file settings.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SYNCWATCH_DB"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("SYNCWATCH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the configuration for contradictions and holes.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return errors.New("storage.path must be set")
	}
	if c.Sync.IntervalSec <= 0 {
		return errors.New("sync.interval_sec must be positive")
	}
	if c.Sync.ChangeRatio <= 0 || c.Sync.ChangeRatio >= 1 {
		return errors.New("sync.change_ratio must be in (0, 1)")
	}

	names := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		src := &c.Sources[i]
		if src.Name == "" {
			return fmt.Errorf("source %d: name must be set", i)
		}
		if names[src.Name] {
			return fmt.Errorf("source %q: duplicate name", src.Name)
		}
		names[src.Name] = true
		if src.UserID == "" {
			return fmt.Errorf("source %q: user_id must be set", src.Name)
		}
		if src.Root == "" {
			src.Root = "/"
		}
		switch src.Type {
		case "local":
			if src.Path == "" {
				return fmt.Errorf("source %q: path must be set for local sources", src.Name)
			}
		case "s3":
			if src.Bucket == "" {
				return fmt.Errorf("source %q: bucket must be set for s3 sources", src.Name)
			}
		case "webdav":
			return fmt.Errorf("source %q: webdav sources are not wired to a transport yet", src.Name)
		default:
			return fmt.Errorf("source %q: unknown type %q", src.Name, src.Type)
		}
	}
	return nil
}
