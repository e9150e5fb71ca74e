// Package config loads service configuration from an optional YAML file.
// Flags in cmd/autopress override whatever the file sets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr   string `yaml:"addr"`
	DBPath string `yaml:"db_path"`
	Debug  bool   `yaml:"debug"`

	Workers        int    `yaml:"workers"`
	PollInterval   string `yaml:"poll_interval"`   // Go duration, e.g. "30s"
	StaleThreshold string `yaml:"stale_threshold"` // e.g. "45m"
	LockTTL        string `yaml:"lock_ttl"`        // e.g. "40m"

	Provider ProviderConfig `yaml:"provider"`
	Publish  PublishConfig  `yaml:"publish"`
	Notify   NotifyConfig   `yaml:"notify"`
}

type ProviderConfig struct {
	BaseURL           string `yaml:"base_url"`
	APIKey            string `yaml:"api_key"`
	Timeout           string `yaml:"timeout"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

type PublishConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Timeout string `yaml:"timeout"`
}

type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Timeout    string `yaml:"timeout"`
}

func Default() Config {
	return Config{
		Addr:           ":8080",
		DBPath:         "autopress.db",
		Workers:        4,
		PollInterval:   "30s",
		StaleThreshold: "45m",
		LockTTL:        "40m",
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Duration parses a duration field, falling back to def when the field is
// empty or invalid-negative.
func Duration(field, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
