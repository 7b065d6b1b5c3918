package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("BINANCE_ENV", "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.Binance.Testnet)
	assert.Equal(t, TestnetRESTURL, cfg.Binance.RESTURL)
	assert.Equal(t, TestnetStreamURL, cfg.Binance.StreamURL)
	assert.Equal(t, 10*time.Second, cfg.Watchdog.StaleThreshold)
	assert.Equal(t, 50*time.Millisecond, cfg.Broadcaster.DebounceWindow)
	assert.Equal(t, "bolt", cfg.Storage.Driver)
}

func TestLoad_YamlOverridesAndEnv(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_API_SECRET", "secret")
	t.Setenv("ADMIN_TOKEN", "admin")
	t.Setenv("BINANCE_ENV", "prod")

	path := writeConfig(t, `
listener:
  queue_size: 16
  backoff_floor: 500ms
watchdog:
  stale_threshold: 20s
  symbol: BTCUSDT
channels:
  max_connections: 3
storage:
  driver: none
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Listener.QueueSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Listener.BackoffFloor)
	assert.Equal(t, 60*time.Second, cfg.Listener.BackoffCeiling)
	assert.Equal(t, 20*time.Second, cfg.Watchdog.StaleThreshold)
	assert.Equal(t, "BTCUSDT", cfg.Watchdog.Symbol)
	assert.Equal(t, 3, cfg.Channels.MaxConnections)
	assert.Equal(t, "key", cfg.Binance.APIKey)
	assert.Equal(t, "secret", cfg.Binance.APISecret)
	assert.Equal(t, "admin", cfg.Web.AdminToken)
	assert.False(t, cfg.Binance.Testnet)
	assert.Equal(t, ProdStreamURL, cfg.Binance.StreamURL)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("BINANCE_ENV", "")
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"zero queue", "listener:\n  queue_size: 0\n", "listener.queue_size"},
		{"negative window", "broadcaster:\n  debounce_window: -1s\n", "broadcaster.debounce_window"},
		{"ceiling below floor", "listener:\n  backoff_floor: 10s\n  backoff_ceiling: 1s\n", "listener.backoff_ceiling"},
		{"unknown driver", "storage:\n  driver: sqlite\n", "storage.driver"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "storage.postgres_dsn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
