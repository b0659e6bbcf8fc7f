// Package config defines the browserd service configuration.
//
// Configuration is read from a YAML file, then overridden by
// BROWSERD_* environment variables. Every scheduling and pool
// threshold is a required configuration input with an explicit
// default; nothing is baked into the engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects how job submissions respond.
type Mode string

const (
	// ModeSync blocks the submission request until the job finishes.
	ModeSync Mode = "sync"
	// ModeAsync returns a job ID immediately for later polling.
	ModeAsync Mode = "async"
)

// Config is the full browserd configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// Mode is the default submission mode; per-request overrides are
	// allowed via the wait query parameter.
	Mode Mode `yaml:"mode"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Pool    PoolConfig    `yaml:"pool"`
	Queue   QueueConfig   `yaml:"queue"`
	Health  HealthConfig  `yaml:"health"`
	Browser BrowserConfig `yaml:"browser"`
	Batch   BatchConfig   `yaml:"batch"`

	// JobTimeout bounds one running job; ActionTimeout bounds one
	// action within it. Both can be overridden per submission.
	JobTimeout    Duration `yaml:"job_timeout"`
	ActionTimeout Duration `yaml:"action_timeout"`

	// AllowedURLPatterns restricts navigation targets; empty means any
	// http(s) URL. Patterns are globs matched against the full URL.
	AllowedURLPatterns []string `yaml:"allowed_url_patterns"`
}

// PoolConfig bounds the browser process pool.
type PoolConfig struct {
	MaxPoolSize            int      `yaml:"max_pool_size"`
	MaxContextsPerInstance int      `yaml:"max_contexts_per_instance"`
	MaxJobsPerInstance     int      `yaml:"max_jobs_per_instance"`
	MaxLaunchRetries       int      `yaml:"max_launch_retries"`
	LaunchBackoff          Duration `yaml:"launch_backoff"`
	MaxLaunchBackoff       Duration `yaml:"max_launch_backoff"`
}

// QueueConfig bounds job admission.
type QueueConfig struct {
	MaxQueueLength   int      `yaml:"max_queue_length"`
	QueueWaitTimeout Duration `yaml:"queue_wait_timeout"`
}

// HealthConfig tunes the instance heartbeat monitor.
type HealthConfig struct {
	Interval         Duration `yaml:"interval"`
	FailureThreshold int      `yaml:"failure_threshold"`
}

// BrowserConfig tunes launched browsers and their contexts.
type BrowserConfig struct {
	Headless       bool   `yaml:"headless"`
	Install        bool   `yaml:"install"`
	Stealth        bool   `yaml:"stealth"`
	UserAgent      string `yaml:"user_agent"`
	ViewportWidth  int    `yaml:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height"`
}

// BatchConfig tunes the batch scrape endpoint.
type BatchConfig struct {
	Concurrency int      `yaml:"concurrency"`
	Attempts    int      `yaml:"attempts"`
	CacheTTL    Duration `yaml:"cache_ttl"`
}

// Default returns the configuration used when no file is provided.
func Default() Config {
	return Config{
		Listen:   ":9001",
		Mode:     ModeSync,
		LogLevel: "info",
		Pool: PoolConfig{
			MaxPoolSize:            2,
			MaxContextsPerInstance: 5,
			MaxJobsPerInstance:     50,
			MaxLaunchRetries:       3,
			LaunchBackoff:          Duration(500 * time.Millisecond),
			MaxLaunchBackoff:       Duration(10 * time.Second),
		},
		Queue: QueueConfig{
			MaxQueueLength:   100,
			QueueWaitTimeout: Duration(2 * time.Minute),
		},
		Health: HealthConfig{
			Interval:         Duration(5 * time.Second),
			FailureThreshold: 3,
		},
		Browser: BrowserConfig{
			Headless:       true,
			Install:        false,
			Stealth:        true,
			ViewportWidth:  1280,
			ViewportHeight: 720,
		},
		Batch: BatchConfig{
			Concurrency: 5,
			Attempts:    3,
			CacheTTL:    Duration(time.Hour),
		},
		JobTimeout:    Duration(2 * time.Minute),
		ActionTimeout: Duration(30 * time.Second),
	}
}

// Load reads the config file at path (Default when path is empty),
// applies environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from BROWSERD_* variables.
func (c *Config) applyEnv() {
	envString("BROWSERD_LISTEN", &c.Listen)
	envString("BROWSERD_LOG_LEVEL", &c.LogLevel)
	if v := os.Getenv("BROWSERD_MODE"); v != "" {
		c.Mode = Mode(v)
	}
	envInt("BROWSERD_MAX_POOL_SIZE", &c.Pool.MaxPoolSize)
	envInt("BROWSERD_MAX_CONTEXTS_PER_INSTANCE", &c.Pool.MaxContextsPerInstance)
	envInt("BROWSERD_MAX_JOBS_PER_INSTANCE", &c.Pool.MaxJobsPerInstance)
	envInt("BROWSERD_MAX_LAUNCH_RETRIES", &c.Pool.MaxLaunchRetries)
	envInt("BROWSERD_MAX_QUEUE_LENGTH", &c.Queue.MaxQueueLength)
	envDuration("BROWSERD_QUEUE_WAIT_TIMEOUT", &c.Queue.QueueWaitTimeout)
	envDuration("BROWSERD_JOB_TIMEOUT", &c.JobTimeout)
	envDuration("BROWSERD_ACTION_TIMEOUT", &c.ActionTimeout)
	envDuration("BROWSERD_HEALTH_INTERVAL", &c.Health.Interval)
	envInt("BROWSERD_HEALTH_FAILURE_THRESHOLD", &c.Health.FailureThreshold)
	envBool("BROWSERD_HEADLESS", &c.Browser.Headless)
	envBool("BROWSERD_INSTALL_BROWSERS", &c.Browser.Install)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Mode != ModeSync && c.Mode != ModeAsync {
		return fmt.Errorf("mode must be %q or %q", ModeSync, ModeAsync)
	}
	if c.Pool.MaxPoolSize <= 0 {
		return fmt.Errorf("pool.max_pool_size must be positive")
	}
	if c.Pool.MaxContextsPerInstance <= 0 {
		return fmt.Errorf("pool.max_contexts_per_instance must be positive")
	}
	if c.Pool.MaxJobsPerInstance <= 0 {
		return fmt.Errorf("pool.max_jobs_per_instance must be positive")
	}
	if c.Pool.MaxLaunchRetries < 0 {
		return fmt.Errorf("pool.max_launch_retries must not be negative")
	}
	if c.Queue.MaxQueueLength <= 0 {
		return fmt.Errorf("queue.max_queue_length must be positive")
	}
	if c.Queue.QueueWaitTimeout <= 0 {
		return fmt.Errorf("queue.queue_wait_timeout must be positive")
	}
	if c.JobTimeout <= 0 || c.ActionTimeout <= 0 {
		return fmt.Errorf("job_timeout and action_timeout must be positive")
	}
	if c.Health.Interval <= 0 {
		return fmt.Errorf("health.interval must be positive")
	}
	if c.Health.FailureThreshold <= 0 {
		return fmt.Errorf("health.failure_threshold must be positive")
	}
	if c.Batch.Concurrency <= 0 || c.Batch.Attempts <= 0 {
		return fmt.Errorf("batch.concurrency and batch.attempts must be positive")
	}
	return nil
}
