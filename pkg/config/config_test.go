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
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":9001", cfg.Listen)
	assert.Equal(t, ModeSync, cfg.Mode)
	assert.Equal(t, 2, cfg.Pool.MaxPoolSize)
	assert.Equal(t, 5, cfg.Pool.MaxContextsPerInstance)
	assert.Equal(t, 2*time.Minute, cfg.JobTimeout.D())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "browserd.yaml")
	data := `
listen: ":8080"
mode: async
log_level: debug
pool:
  max_pool_size: 4
  max_contexts_per_instance: 2
  launch_backoff: 100ms
queue:
  max_queue_length: 10
  queue_wait_timeout: 30
job_timeout: 90s
allowed_url_patterns:
  - "https://example.com/*"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, ModeAsync, cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 4, cfg.Pool.MaxPoolSize)
	assert.Equal(t, 2, cfg.Pool.MaxContextsPerInstance)
	assert.Equal(t, 100*time.Millisecond, cfg.Pool.LaunchBackoff.D())
	assert.Equal(t, 10, cfg.Queue.MaxQueueLength)
	// Plain numbers are read as seconds.
	assert.Equal(t, 30*time.Second, cfg.Queue.QueueWaitTimeout.D())
	assert.Equal(t, 90*time.Second, cfg.JobTimeout.D())
	assert.Equal(t, []string{"https://example.com/*"}, cfg.AllowedURLPatterns)

	// Fields absent from the file keep their defaults.
	assert.Equal(t, 50, cfg.Pool.MaxJobsPerInstance)
	assert.Equal(t, 30*time.Second, cfg.ActionTimeout.D())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unclosed"), 0600))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BROWSERD_LISTEN", ":7070")
	t.Setenv("BROWSERD_MODE", "async")
	t.Setenv("BROWSERD_MAX_POOL_SIZE", "7")
	t.Setenv("BROWSERD_JOB_TIMEOUT", "45s")
	t.Setenv("BROWSERD_HEADLESS", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, ModeAsync, cfg.Mode)
	assert.Equal(t, 7, cfg.Pool.MaxPoolSize)
	assert.Equal(t, 45*time.Second, cfg.JobTimeout.D())
	assert.False(t, cfg.Browser.Headless)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad mode", func(c *Config) { c.Mode = "batch" }, "mode must be"},
		{"zero pool size", func(c *Config) { c.Pool.MaxPoolSize = 0 }, "max_pool_size"},
		{"zero contexts", func(c *Config) { c.Pool.MaxContextsPerInstance = 0 }, "max_contexts_per_instance"},
		{"zero jobs per instance", func(c *Config) { c.Pool.MaxJobsPerInstance = 0 }, "max_jobs_per_instance"},
		{"negative launch retries", func(c *Config) { c.Pool.MaxLaunchRetries = -1 }, "max_launch_retries"},
		{"zero queue length", func(c *Config) { c.Queue.MaxQueueLength = 0 }, "max_queue_length"},
		{"zero queue wait", func(c *Config) { c.Queue.QueueWaitTimeout = 0 }, "queue_wait_timeout"},
		{"zero job timeout", func(c *Config) { c.JobTimeout = 0 }, "job_timeout"},
		{"zero health interval", func(c *Config) { c.Health.Interval = 0 }, "health.interval"},
		{"zero failure threshold", func(c *Config) { c.Health.FailureThreshold = 0 }, "failure_threshold"},
		{"zero batch concurrency", func(c *Config) { c.Batch.Concurrency = 0 }, "batch.concurrency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
