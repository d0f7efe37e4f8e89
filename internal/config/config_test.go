package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.MaxConcurrency)
	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.Equal(t, 10*time.Minute, cfg.PlaceholderTTL)
	assert.Equal(t, int64(5), cfg.BoostFee)
	assert.Equal(t, "star-graph", cfg.WorkerClientID)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_concurrency: 4
tick_interval: 2s
boost_fee: 9
worker_base_url: http://gpu-1:8188
db_name: from_file
`), 0o600))

	t.Setenv("MAX_CONCURRENCY", "6")
	t.Setenv("BOOST_INCREMENT", "2.5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.MaxConcurrency)
	assert.Equal(t, 2*time.Second, cfg.TickInterval)
	assert.Equal(t, int64(9), cfg.BoostFee)
	assert.Equal(t, 2.5, cfg.BoostIncrement)
	assert.Equal(t, "http://gpu-1:8188", cfg.WorkerBaseURL)
	assert.Contains(t, cfg.DSN(), "dbname=from_file")
}

func TestLoad_MalformedEnvKeepsValue(t *testing.T) {
	t.Setenv("TICK_INTERVAL", "soon")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.TickInterval)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero concurrency", func(c *Config) { c.MaxConcurrency = 0 }},
		{"sub-second tick", func(c *Config) { c.TickInterval = 500 * time.Millisecond }},
		{"tick lock shorter than submit", func(c *Config) { c.TickLockTTL = c.WorkerSubmitTimeout }},
		{"empty client id", func(c *Config) { c.WorkerClientID = "" }},
		{"no interrupt attempts", func(c *Config) { c.InterruptAttempts = 0 }},
		{"no compensation retries", func(c *Config) { c.CompensationMaxRetries = 0 }},
	}

	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
