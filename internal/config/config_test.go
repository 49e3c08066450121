package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  host: "0.0.0.0"
  allowed_origins:
    - "https://dash.example.com"

database:
  url: "postgres://localhost/broadcast_lab?sslmode=disable"
  max_open_conns: 40
  max_idle_conns: 10

redis:
  addr: "localhost:6379"
  db: 2

bot:
  token: "test-token"
  base_url: "https://api.telegram.org"
  timeout_seconds: 45
  max_retries: 5

experiments:
  throttle_ms: 120
  poll_interval_seconds: 30
  auto_drip: true
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Test server config
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, []string{"https://dash.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr())

	// Test database config
	assert.Equal(t, "postgres://localhost/broadcast_lab?sslmode=disable", cfg.Database.URL)
	assert.Equal(t, 40, cfg.Database.MaxOpenConns)
	assert.Equal(t, 10, cfg.Database.MaxIdleConns)

	// Test redis config
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)

	// Test bot config
	assert.Equal(t, "test-token", cfg.Bot.Token)
	assert.Equal(t, "https://api.telegram.org", cfg.Bot.BaseURL)
	assert.Equal(t, 45, cfg.Bot.TimeoutSeconds)
	assert.Equal(t, 5, cfg.Bot.MaxRetries)

	// Test experiment tuning
	assert.Equal(t, 120, cfg.Experiments.ThrottleMS)
	assert.Equal(t, 30, cfg.Experiments.PollIntervalSeconds)
	assert.True(t, cfg.Experiments.AutoDrip)
}

func TestLoadDefaults(t *testing.T) {
	// Create a minimal config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
bot:
  token: "test-token"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Verify defaults are applied
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 20, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5, cfg.Database.MaxIdleConns)
	assert.Equal(t, 30, cfg.Bot.TimeoutSeconds)
	assert.Equal(t, 3, cfg.Bot.MaxRetries)
	assert.Equal(t, 50, cfg.Experiments.ThrottleMS)
	assert.Equal(t, 60, cfg.Experiments.PollIntervalSeconds)
	assert.False(t, cfg.Experiments.AutoDrip)
}

func TestLoadFromEnv(t *testing.T) {
	// Create a minimal config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
database:
  url: "postgres://file-host/db"

bot:
  token: "file-token"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	t.Setenv("DATABASE_URL", "postgres://env-host/db")
	t.Setenv("BOT_TOKEN", "env-token")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")
	t.Setenv("SERVER_PORT", "9999")

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)

	// Environment variables should override file values
	assert.Equal(t, "postgres://env-host/db", cfg.Database.URL)
	assert.Equal(t, "env-token", cfg.Bot.Token)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}
