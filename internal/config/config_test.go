package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "syncwatch.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Sync.IntervalSec != 300 {
		t.Errorf("IntervalSec = %d, want 300", cfg.Sync.IntervalSec)
	}
	if cfg.Sync.ChangeRatio != 0.3 {
		t.Errorf("ChangeRatio = %v, want 0.3", cfg.Sync.ChangeRatio)
	}
	if cfg.Storage.Path == "" {
		t.Error("default storage path is empty")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[storage]
path = "/tmp/sync-test.db"

[sync]
interval_sec = 60
change_ratio = 0.5

[logging]
level = "debug"

[[source]]
name = "docs"
type = "local"
user_id = "u1"
path = "/srv/docs"
watch_hints = true

[[source]]
name = "media"
type = "s3"
user_id = "u1"
bucket = "media-bucket"
region = "us-east-1"
prefix = "photos/"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Path != "/tmp/sync-test.db" {
		t.Errorf("storage path = %q", cfg.Storage.Path)
	}
	if cfg.Sync.IntervalSec != 60 {
		t.Errorf("interval = %d, want 60", cfg.Sync.IntervalSec)
	}
	// Unset fields keep their defaults.
	if cfg.Sync.TargetConcurrency != 4 {
		t.Errorf("target_concurrency = %d, want default 4", cfg.Sync.TargetConcurrency)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
	if len(cfg.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(cfg.Sources))
	}
	if cfg.Sources[0].Root != "/" {
		t.Errorf("root defaulted to %q, want /", cfg.Sources[0].Root)
	}
	if !cfg.Sources[0].WatchHints {
		t.Error("watch_hints not decoded")
	}
	if cfg.Sources[1].Bucket != "media-bucket" {
		t.Errorf("bucket = %q", cfg.Sources[1].Bucket)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/syncwatch.toml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SYNCWATCH_DB", "/tmp/override.db")
	t.Setenv("SYNCWATCH_LOG_LEVEL", "warn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Path != "/tmp/override.db" {
		t.Errorf("storage path = %q, want env override", cfg.Storage.Path)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("log level = %q, want warn", cfg.Logging.Level)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty storage path", func(c *Config) { c.Storage.Path = "" }},
		{"zero interval", func(c *Config) { c.Sync.IntervalSec = 0 }},
		{"ratio out of range", func(c *Config) { c.Sync.ChangeRatio = 1.5 }},
		{"source without name", func(c *Config) {
			c.Sources = []SourceConfig{{Type: "local", UserID: "u1", Path: "/x"}}
		}},
		{"source without user", func(c *Config) {
			c.Sources = []SourceConfig{{Name: "a", Type: "local", Path: "/x"}}
		}},
		{"duplicate source name", func(c *Config) {
			c.Sources = []SourceConfig{
				{Name: "a", Type: "local", UserID: "u1", Path: "/x"},
				{Name: "a", Type: "local", UserID: "u1", Path: "/y"},
			}
		}},
		{"local without path", func(c *Config) {
			c.Sources = []SourceConfig{{Name: "a", Type: "local", UserID: "u1"}}
		}},
		{"s3 without bucket", func(c *Config) {
			c.Sources = []SourceConfig{{Name: "a", Type: "s3", UserID: "u1"}}
		}},
		{"unknown type", func(c *Config) {
			c.Sources = []SourceConfig{{Name: "a", Type: "ftp", UserID: "u1"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
