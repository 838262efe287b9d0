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
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8080
database:
  type: memory
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "memory", cfg.Database.Type)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.SweepInterval())
	assert.Equal(t, 5*time.Second, cfg.Scheduler.ImmediateTolerance())
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Equal(t, 3, cfg.Executor.Retry.MaxAttempts)
	assert.Equal(t, 30*time.Second, Duration(cfg.Executor.ProviderTimeout))
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  sweep_interval_seconds: 15
  immediate_tolerance_ms: 250
queue:
  driver: redis
  workers: 8
redis:
  addrs: ["redis-a:6379", "redis-b:6379"]
executor:
  provider_timeout: 5s
  retry:
    max_attempts: 1
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.Scheduler.SweepInterval())
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.ImmediateTolerance())
	assert.Equal(t, "redis", cfg.Queue.Driver)
	assert.Equal(t, 8, cfg.Queue.Workers)
	assert.Equal(t, []string{"redis-a:6379", "redis-b:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, 1, cfg.Executor.Retry.MaxAttempts)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad duration", func(c *Config) { c.Executor.ProviderTimeout = "soon" }},
		{"unknown queue driver", func(c *Config) { c.Queue.Driver = "sqs" }},
		{"unknown database", func(c *Config) { c.Database.Type = "mysql" }},
		{"threshold above window", func(c *Config) {
			c.Executor.Breaker.FailureThreshold = 11
			c.Executor.Breaker.FailureWindow = 10
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			ApplyDefaults(cfg)
			require.NoError(t, cfg.Validate())

			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
