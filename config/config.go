package config

import (
	"crypto/sha256"
	"fmt"
	"os"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

type (
	// Config carries the recognized engine options. Timeouts and delays are
	// expressed in seconds in the file, matching the timing store unit.
	Config struct {
		DSN         string `yaml:"dsn"`
		TimingStore string `yaml:"timing_store"`

		// Concurrent holds the verdict of the external permission gate;
		// false forces single-worker sequential execution.
		Concurrent *bool `yaml:"concurrent"`

		WorkerCount                int     `yaml:"worker_count"`
		TestTimeout                float64 `yaml:"test_timeout"`
		WorkerTimeout              float64 `yaml:"worker_timeout"`
		GlobalTimeout              float64 `yaml:"global_timeout"`
		MaxRetries                 int     `yaml:"max_retries"`
		RetryBaseDelay             float64 `yaml:"retry_base_delay"`
		ConnectionRecycleThreshold int     `yaml:"connection_recycle_threshold"`
		HealthCheckInterval        float64 `yaml:"health_check_interval"`
	}
)

func Default() *Config {
	return &Config{
		TimingStore:                ".paratest_timings",
		WorkerCount:                runtime.NumCPU(),
		TestTimeout:                30,
		WorkerTimeout:              300,
		GlobalTimeout:              600,
		MaxRetries:                 3,
		RetryBaseDelay:             1.0,
		ConnectionRecycleThreshold: 1000,
		HealthCheckInterval:        60,
	}
}

// Load reads a yaml config from path over the defaults. Every option is
// independently overridable; absent keys keep their default.
func Load(path string) (*Config, error) {
	conf := Default()

	if path == "" {
		return conf, nil
	}

	configFile, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("os.Open failed: %w", err)
	}
	defer configFile.Close()

	if err := yaml.NewDecoder(configFile).Decode(conf); err != nil {
		return nil, fmt.Errorf("yaml.Decoder.Decode failed: %w", err)
	}

	conf.normalize()
	return conf, nil
}

func (c *Config) normalize() {
	if c.WorkerCount < 1 {
		c.WorkerCount = runtime.NumCPU()
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.ConnectionRecycleThreshold < 1 {
		c.ConnectionRecycleThreshold = 1000
	}
}

// Validate checks the timeout hierarchy test < worker < global. Violations
// are logged as warnings, never fatal.
func (c *Config) Validate() {
	if c.TestTimeout >= c.WorkerTimeout {
		log.Warnf("test_timeout (%vs) should be below worker_timeout (%vs)", c.TestTimeout, c.WorkerTimeout)
	}
	if c.WorkerTimeout >= c.GlobalTimeout {
		log.Warnf("worker_timeout (%vs) should be below global_timeout (%vs)", c.WorkerTimeout, c.GlobalTimeout)
	}
}

// CacheKey digests the whole configuration. Caches shared per database
// identity fold it into their key so engines with different configs never
// collide on cached state.
func (c *Config) CacheKey() string {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256(raw))
}

// ConcurrencyAllowed reports the permission-gate verdict, defaulting to
// allowed when the gate left no opinion.
func (c *Config) ConcurrencyAllowed() bool {
	return c.Concurrent == nil || *c.Concurrent
}

func (c *Config) UnitTimeout() time.Duration    { return seconds(c.TestTimeout) }
func (c *Config) ChunkTimeout() time.Duration   { return seconds(c.WorkerTimeout) }
func (c *Config) RunTimeout() time.Duration     { return seconds(c.GlobalTimeout) }
func (c *Config) BaseDelay() time.Duration      { return seconds(c.RetryBaseDelay) }
func (c *Config) HealthInterval() time.Duration { return seconds(c.HealthCheckInterval) }

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
