package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	// A named-but-missing file is an error; defaults only apply when no
	// path is given.
	require.Error(t, err)

	cfg, err = Load("")
	require.NoError(t, err)

	assert.Equal(t, "brokerd", cfg.App.Name)
	assert.Equal(t, "paper", cfg.Broker.Driver)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "orders.", cfg.NATS.SubjectPrefix)
	assert.InDelta(t, 10.0, cfg.Dispatch.RequestsPerSecond, 0.01)
	assert.Equal(t, 30*time.Second, cfg.Reconcile.GetInterval())
	assert.Equal(t, 500*time.Millisecond, cfg.Stream.GetInitialBackoff())
	assert.Equal(t, 1024, cfg.Ledger.BufferSize)
	assert.False(t, cfg.Database.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
app:
  log_level: debug
broker:
  driver: gateway
  base_url: https://broker.example.com/api
  stream_url: wss://broker.example.com/stream
  api_key: test-key
dispatch:
  requests_per_second: 4
  burst: 2
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, "gateway", cfg.Broker.Driver)
	assert.Equal(t, "https://broker.example.com/api", cfg.Broker.BaseURL)
	assert.InDelta(t, 4.0, cfg.Dispatch.RequestsPerSecond, 0.01)
	assert.Equal(t, 2, cfg.Dispatch.Burst)
	// Unset values fall back to defaults.
	assert.Equal(t, "orders.", cfg.NATS.SubjectPrefix)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	t.Run("unknown driver", func(t *testing.T) {
		cfg := base()
		cfg.Broker.Driver = "etrade"
		assert.Error(t, cfg.Validate())
	})

	t.Run("binance requires keys", func(t *testing.T) {
		cfg := base()
		cfg.Broker.Driver = "binance"
		assert.Error(t, cfg.Validate())

		cfg.Broker.APIKey = "k"
		cfg.Broker.SecretKey = "s"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("gateway requires base url", func(t *testing.T) {
		cfg := base()
		cfg.Broker.Driver = "gateway"
		cfg.Broker.BaseURL = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("min rate above budget", func(t *testing.T) {
		cfg := base()
		cfg.Dispatch.MinRate = cfg.Dispatch.RequestsPerSecond + 1
		assert.Error(t, cfg.Validate())
	})

	t.Run("backoff bounds", func(t *testing.T) {
		cfg := base()
		cfg.Stream.MaxBackoffMS = cfg.Stream.InitialBackoffMS - 1
		assert.Error(t, cfg.Validate())
	})

	t.Run("database enabled without host", func(t *testing.T) {
		cfg := base()
		cfg.Database.Enabled = true
		cfg.Database.Host = ""
		assert.Error(t, cfg.Validate())
	})
}

func TestGetDSN(t *testing.T) {
	db := DatabaseConfig{
		Host: "localhost", Port: 5432, User: "postgres",
		Password: "pw", Database: "brokerd", SSLMode: "disable", PoolSize: 10,
	}
	dsn := db.GetDSN()
	assert.Contains(t, dsn, "host=localhost")
	assert.Contains(t, dsn, "dbname=brokerd")
	assert.Contains(t, dsn, "pool_max_conns=10")
}
