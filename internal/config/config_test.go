package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadReadsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
storage:
  driver: duckdb
  path: /tmp/sync.duckdb
api:
  requests_per_second: 5
  initial_backoff: 2s
sync:
  convert_to: EUR
  forex_symbols: [USD, EUR]
logging:
  level: debug
  format: text
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "duckdb", cfg.Storage.Driver)
	assert.Equal(t, "/tmp/sync.duckdb", cfg.Storage.Path)
	assert.Equal(t, 5.0, cfg.API.RequestsPerSecond)
	assert.Equal(t, 2*time.Second, cfg.API.InitialBackoff.Std())
	assert.Equal(t, "EUR", cfg.Sync.ConvertTo)
	assert.Equal(t, []string{"USD", "EUR"}, cfg.Sync.ForexSymbols)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	// Unset keys keep their defaults.
	assert.Equal(t, 100, cfg.Sync.SameInstantRefetchLimit)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: sqlite\n  path: file.db\n"), 0o600))

	t.Setenv("ACCTSYNC_STORAGE_DRIVER", "duckdb")
	t.Setenv("ACCTSYNC_API_RPS", "9.5")
	t.Setenv("ACCTSYNC_FOREX_SYMBOLS", "USD, GBP")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "duckdb", cfg.Storage.Driver)
	assert.Equal(t, 9.5, cfg.API.RequestsPerSecond)
	assert.Equal(t, []string{"USD", "GBP"}, cfg.Sync.ForexSymbols)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"empty path", func(c *Config) { c.Storage.Path = "" }},
		{"zero rps", func(c *Config) { c.API.RequestsPerSecond = 0 }},
		{"zero refetch limit", func(c *Config) { c.Sync.SameInstantRefetchLimit = 0 }},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage: [notamap"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
