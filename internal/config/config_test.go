package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tower.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func envMap(m map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// --- Load Tests ---

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TOWER_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.API.Port, cfg.API.Port)
	assert.Equal(t, BrokerAMQP, cfg.Broker.Kind)
	assert.NotEmpty(t, cfg.Database.URL)
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
log:
  level: DEBUG
  format: text
broker:
  kind: memory
cache:
  redis_url: redis://localhost:6379/1
  open_timeout: 15s
orchestrator:
  poll_interval: 2s
  stall_threshold: 1m30s
worker:
  concurrency: 8
  lease_ttl: 5m
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Log.Level)
	assert.Equal(t, BrokerMemory, cfg.Broker.Kind)
	assert.Equal(t, "redis://localhost:6379/1", cfg.Cache.RedisURL)
	assert.Equal(t, 15*time.Second, cfg.Cache.OpenTimeout)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.PollInterval)
	assert.Equal(t, 90*time.Second, cfg.Orchestrator.StallThreshold)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 5*time.Minute, cfg.Worker.LeaseTTL)
	// Не указанное в файле остаётся по умолчанию.
	assert.Equal(t, 8080, cfg.API.Port)
}

func TestLoad_PathFromEnv(t *testing.T) {
	path := writeFile(t, "api:\n  port: 9090\n")
	t.Setenv("TOWER_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.API.Port)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default().Worker.Port, cfg.Worker.Port)
}

func TestLoad_UnknownField(t *testing.T) {
	_, err := Load(writeFile(t, "apii:\n  port: 1\n"))
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, ErrReadFile)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "api:\n  port: 9090\nbroker:\n  kind: amqp\n")
	t.Setenv("API_PORT", "7070")
	t.Setenv("BROKER", "MEMORY")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.API.Port)
	assert.Equal(t, BrokerMemory, cfg.Broker.Kind)
}

// --- applyEnv Tests ---

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := applyEnv(&cfg, envMap(map[string]string{
		"DB_URL":             "postgresql://db/tower",
		"RABBITMQ_URL":       "amqp://mq/",
		"REDIS_URL":          "redis:6379",
		"WORKER_PORT":        "9100",
		"WORKER_CONCURRENCY": "16",
		"WORKER_ADDRESS":     "worker-a",
		"TOWER_SERVER":       "http://api:8080",
		"LOG_LEVEL":          "",
	}))
	require.NoError(t, err)

	assert.Equal(t, "postgresql://db/tower", cfg.Database.URL)
	assert.Equal(t, "amqp://mq/", cfg.Broker.URL)
	assert.Equal(t, "redis:6379", cfg.Cache.RedisURL)
	assert.Equal(t, 9100, cfg.Worker.Port)
	assert.Equal(t, 16, cfg.Worker.Concurrency)
	assert.Equal(t, "worker-a", cfg.Worker.Address)
	assert.Equal(t, "http://api:8080", cfg.Worker.APIURL)
	// Пустое значение не затирает дефолт.
	assert.Equal(t, "INFO", cfg.Log.Level)
}

func TestApplyEnv_InvalidNumber(t *testing.T) {
	cfg := Default()
	err := applyEnv(&cfg, envMap(map[string]string{"API_PORT": "eighty"}))
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "API_PORT")
}

// --- Validate Tests ---

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"memory broker without url", func(c *Config) { c.Broker.Kind = BrokerMemory; c.Broker.URL = "" }, true},
		{"unknown broker", func(c *Config) { c.Broker.Kind = "kafka" }, false},
		{"amqp without url", func(c *Config) { c.Broker.URL = "" }, false},
		{"no database", func(c *Config) { c.Database.URL = "" }, false},
		{"port out of range", func(c *Config) { c.Scheduler.Port = 70000 }, false},
		{"zero port", func(c *Config) { c.API.Port = 0 }, false},
		{"negative concurrency", func(c *Config) { c.Worker.Concurrency = -1 }, false},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestAddr(t *testing.T) {
	assert.Equal(t, ":8080", Addr(8080))
}
