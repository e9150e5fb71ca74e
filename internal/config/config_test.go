package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "autopress.db", cfg.DBPath)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "30s", cfg.PollInterval)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
addr: ":9090"
workers: 8
poll_interval: "10s"
provider:
  base_url: "https://gen.example.test"
  api_key: "key-123"
  requests_per_minute: 30
notify:
  webhook_url: "https://hooks.example.test/T123"
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "10s", cfg.PollInterval)
	assert.Equal(t, "https://gen.example.test", cfg.Provider.BaseURL)
	assert.Equal(t, 30, cfg.Provider.RequestsPerMinute)
	assert.Equal(t, "https://hooks.example.test/T123", cfg.Notify.WebhookURL)
	// Fields absent from the file keep their defaults.
	assert.Equal(t, "autopress.db", cfg.DBPath)
	assert.Equal(t, "45m", cfg.StaleThreshold)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDuration(t *testing.T) {
	d, err := Duration("poll_interval", "", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	d, err = Duration("poll_interval", "2m", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)

	d, err = Duration("poll_interval", "-5s", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	_, err = Duration("poll_interval", "soonish", 30*time.Second)
	assert.Error(t, err)
}
