// Package config holds the engine configuration shared by the scheduler,
// workers, and clients: namespace scoping, replay-log read limits, retry
// defaults, and job TTLs. Configuration can be built in code or loaded from
// YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/loom/interrupt"
)

// Defaults applied by Normalize.
const (
	DefaultNamespace          = "loom"
	DefaultMaxReplayFields    = 200
	DefaultMaxReplayBytes     = 1 << 20
	DefaultMaximumAttempts    = 3
	DefaultBackoffCoefficient = 10
	DefaultMaximumInterval    = 120 * time.Second
	DefaultJobTTL             = time.Hour
	DefaultDispatchRPS        = 0 // unlimited
)

type (
	// Config is the engine configuration.
	Config struct {
		// Namespace scopes record keys and bus topics so multiple engines
		// can share one substrate.
		Namespace string `yaml:"namespace"`
		// MaxReplayFields caps the replay-log fields loaded per executor
		// invocation; the remainder is fetched on demand via the cursor
		// protocol.
		MaxReplayFields int `yaml:"maxReplayFields"`
		// MaxReplayBytes caps the replay-log bytes loaded per invocation.
		MaxReplayBytes int `yaml:"maxReplayBytes"`
		// Retry is the default retry policy applied when workflows and
		// activities do not override it.
		Retry Retry `yaml:"retry"`
		// JobTTL is the record lifetime after terminal transition, unless
		// the job was started persistent.
		JobTTL time.Duration `yaml:"jobTTL"`
		// DispatchRPS rate-limits scheduler dispatch. Zero disables the
		// limiter.
		DispatchRPS float64 `yaml:"dispatchRPS"`
	}

	// Retry mirrors interrupt.RetryPolicy in YAML-friendly form.
	Retry struct {
		MaximumAttempts    int           `yaml:"maximumAttempts"`
		BackoffCoefficient float64       `yaml:"backoffCoefficient"`
		MaximumInterval    time.Duration `yaml:"maximumInterval"`
	}
)

// Default returns the engine defaults.
func Default() Config {
	cfg := Config{}
	cfg.Normalize()
	return cfg
}

// Normalize fills zero-valued fields with defaults.
func (c *Config) Normalize() {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.MaxReplayFields <= 0 {
		c.MaxReplayFields = DefaultMaxReplayFields
	}
	if c.MaxReplayBytes <= 0 {
		c.MaxReplayBytes = DefaultMaxReplayBytes
	}
	if c.Retry.MaximumAttempts <= 0 {
		c.Retry.MaximumAttempts = DefaultMaximumAttempts
	}
	if c.Retry.BackoffCoefficient <= 1 {
		c.Retry.BackoffCoefficient = DefaultBackoffCoefficient
	}
	if c.Retry.MaximumInterval <= 0 {
		c.Retry.MaximumInterval = DefaultMaximumInterval
	}
	if c.JobTTL <= 0 {
		c.JobTTL = DefaultJobTTL
	}
}

// Policy converts the retry defaults to the wire policy type.
func (c *Config) Policy() interrupt.RetryPolicy {
	return interrupt.RetryPolicy{
		MaximumAttempts:    c.Retry.MaximumAttempts,
		BackoffCoefficient: c.Retry.BackoffCoefficient,
		MaximumInterval:    c.Retry.MaximumInterval,
	}
}

// UnmarshalYAML decodes the retry block, accepting Go duration strings
// ("10s", "2m") for the interval field.
func (r *Retry) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaximumAttempts    int     `yaml:"maximumAttempts"`
		BackoffCoefficient float64 `yaml:"backoffCoefficient"`
		MaximumInterval    string  `yaml:"maximumInterval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	r.MaximumAttempts = raw.MaximumAttempts
	r.BackoffCoefficient = raw.BackoffCoefficient
	if raw.MaximumInterval != "" {
		d, err := time.ParseDuration(raw.MaximumInterval)
		if err != nil {
			return fmt.Errorf("parse maximumInterval: %w", err)
		}
		r.MaximumInterval = d
	}
	return nil
}

// UnmarshalYAML decodes the configuration, accepting Go duration strings for
// jobTTL.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Namespace       string  `yaml:"namespace"`
		MaxReplayFields int     `yaml:"maxReplayFields"`
		MaxReplayBytes  int     `yaml:"maxReplayBytes"`
		Retry           Retry   `yaml:"retry"`
		JobTTL          string  `yaml:"jobTTL"`
		DispatchRPS     float64 `yaml:"dispatchRPS"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Namespace = raw.Namespace
	c.MaxReplayFields = raw.MaxReplayFields
	c.MaxReplayBytes = raw.MaxReplayBytes
	c.Retry = raw.Retry
	c.DispatchRPS = raw.DispatchRPS
	if raw.JobTTL != "" {
		d, err := time.ParseDuration(raw.JobTTL)
		if err != nil {
			return fmt.Errorf("parse jobTTL: %w", err)
		}
		c.JobTTL = d
	}
	return nil
}

// Load reads a YAML configuration file and normalizes it.
func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Normalize()
	return cfg, nil
}

// Backoff computes the retry delay for the given attempt (1-based) under
// policy: backoffCoefficient^attempt seconds, capped at maximumInterval.
func Backoff(policy interrupt.RetryPolicy, attempt int) time.Duration {
	coeff := policy.BackoffCoefficient
	if coeff <= 1 {
		coeff = DefaultBackoffCoefficient
	}
	maxIvl := policy.MaximumInterval
	if maxIvl <= 0 {
		maxIvl = DefaultMaximumInterval
	}
	d := time.Duration(pow(coeff, attempt) * float64(time.Second))
	if d > maxIvl || d < 0 {
		return maxIvl
	}
	return d
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
		if out > 1e12 {
			return 1e12
		}
	}
	return out
}
