// Package config loads the revalida CLI configuration from YAML and maps it
// onto client options.
package config

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ambiyansyah-risyal/revalida"
)

// Store kinds accepted in StoreConfig.Kind.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Config is the CLI configuration file.
type Config struct {
	Store        StoreConfig       `yaml:"store"`
	Retry        RetryConfig       `yaml:"retry"`
	RateLimit    RateLimitConfig   `yaml:"rateLimit"`
	MaxRedirects int               `yaml:"maxRedirects"`
	Timeout      time.Duration     `yaml:"timeout"`
	FormEncoding bool              `yaml:"formEncoding"`
	Deflate      bool              `yaml:"deflate"`
	Coalesce     bool              `yaml:"coalesce"`
	Breaker      *BreakerConfig    `yaml:"circuitBreaker"`
	Throttle     *ThrottleConfig   `yaml:"throttle"`
	Headers      map[string]string `yaml:"headers"`
	Serve        ServeConfig       `yaml:"serve"`
}

// StoreConfig selects the cache backend. Path is a directory for the file
// store, a database file for SQLite and an address for Redis.
type StoreConfig struct {
	Kind   string `yaml:"kind"`
	Path   string `yaml:"path"`
	Prefix string `yaml:"prefix"`
}

type RetryConfig struct {
	MaxRetries   int           `yaml:"maxRetries"`
	BaseThrottle time.Duration `yaml:"baseThrottle"`
	MaxThrottle  time.Duration `yaml:"maxThrottle"`
}

// RateLimitConfig enables the Retry-After detector.
type RateLimitConfig struct {
	RetryAfter bool          `yaml:"retryAfter"`
	MaxDelay   time.Duration `yaml:"maxDelay"`
}

// BreakerConfig enables the circuit breaker when present.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	RecoveryTimeout  time.Duration `yaml:"recoveryTimeout"`
	SuccessThreshold int           `yaml:"successThreshold"`
}

// ThrottleConfig enables client-side pacing when present.
type ThrottleConfig struct {
	Burst    int           `yaml:"burst"`
	Interval time.Duration `yaml:"interval"`
}

type ServeConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Store: StoreConfig{Kind: StoreMemory},
		Retry: RetryConfig{
			MaxRetries:   5,
			BaseThrottle: revalida.DefaultBaseThrottle,
			MaxThrottle:  revalida.DefaultMaxThrottle,
		},
		RateLimit:    RateLimitConfig{RetryAfter: true, MaxDelay: revalida.DefaultMaxRetryAfter},
		MaxRedirects: revalida.DefaultMaxRedirects,
		Timeout:      30 * time.Second,
		Serve:        ServeConfig{Addr: "127.0.0.1:8080"},
	}
}

// Load reads filename over the defaults. An empty filename returns the
// defaults with environment overrides applied.
func Load(filename string) (Config, error) {
	cfg := Default()
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", filename, err)
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("REVALIDA_STORE"); v != "" {
		cfg.Store.Kind = v
	}
	if v := os.Getenv("REVALIDA_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
}

// Validate checks the fields the client options cannot.
func (c Config) Validate() error {
	switch c.Store.Kind {
	case StoreMemory:
	case StoreFile, StoreRedis:
		if c.Store.Path == "" {
			return fmt.Errorf("store %q requires a path", c.Store.Kind)
		}
	case StoreSQLite:
	default:
		return fmt.Errorf("unknown store kind %q", c.Store.Kind)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if c.Throttle != nil && (c.Throttle.Burst < 1 || c.Throttle.Interval <= 0) {
		return fmt.Errorf("throttle requires a positive burst and interval")
	}
	return nil
}

// Options maps the configuration onto client options. The store, logger and
// metrics are wired by the caller.
func (c Config) Options() []revalida.Option {
	opts := []revalida.Option{
		revalida.WithMaxRetries(c.Retry.MaxRetries),
		revalida.WithBaseThrottle(c.Retry.BaseThrottle),
		revalida.WithMaxThrottle(c.Retry.MaxThrottle),
		revalida.WithMaxRedirects(c.MaxRedirects),
	}
	if c.Timeout > 0 {
		opts = append(opts, revalida.WithHTTPClient(&http.Client{Timeout: c.Timeout}))
	}
	if c.RateLimit.RetryAfter {
		opts = append(opts, revalida.WithRateLimitDetector(revalida.RetryAfterDetector{MaxDelay: c.RateLimit.MaxDelay}))
	}
	if c.FormEncoding {
		opts = append(opts, revalida.WithFormEncoding())
	}
	if c.Deflate {
		opts = append(opts, revalida.WithDeflateRequests())
	}
	if c.Coalesce {
		opts = append(opts, revalida.WithCoalescing())
	}
	if c.Throttle != nil {
		opts = append(opts, revalida.WithThrottle(c.Throttle.Burst, c.Throttle.Interval))
	}
	if c.Breaker != nil {
		opts = append(opts, revalida.WithCircuitBreaker(revalida.CircuitBreakerConfig{
			FailureThreshold: c.Breaker.FailureThreshold,
			RecoveryTimeout:  c.Breaker.RecoveryTimeout,
			SuccessThreshold: c.Breaker.SuccessThreshold,
		}))
	}
	return opts
}
