// Package config loads service configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yourusername/fencekit/store"
)

var (
	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNegativeCapacity is returned when bucket capacity is not positive
	ErrNegativeCapacity = errors.New("bucket capacity must be positive")

	// ErrNegativeRefillRate is returned when refill rate is not positive
	ErrNegativeRefillRate = errors.New("refill rate must be positive")
)

// Store backends.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config is the full service configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Logging     LoggingConfig     `yaml:"logging"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Queue       QueueConfig       `yaml:"queue"`
	Sender      SenderConfig      `yaml:"sender"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects and configures the shared store.
type StoreConfig struct {
	// Backend is "redis" or "memory". The memory backend is only
	// coordinated within one process.
	Backend string `yaml:"backend"`

	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`

	// CleanupInterval drives expiry sweeps of the memory backend.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RateLimitConfig holds the default bucket policy and per-route overrides.
type RateLimitConfig struct {
	// Defaults are applied to all routes unless overridden
	Defaults PolicyConfig `yaml:"defaults"`

	// Policies maps route patterns to their own policies
	// Example: "/webhook" -> strict policy
	Policies map[string]PolicyConfig `yaml:"policies,omitempty"`

	// KeyExtractor specifies how to identify clients
	// Examples: "ip", "header:X-API-Key", "ip,header:X-Tenant"
	KeyExtractor string `yaml:"key_extractor,omitempty"`

	// FailOpen admits requests when the store is unreachable.
	FailOpen bool `yaml:"fail_open"`
}

// PolicyConfig defines rate limiting parameters for a route or default.
type PolicyConfig struct {
	// Capacity is the maximum number of tokens (burst size)
	Capacity int64 `yaml:"capacity"`

	// RefillRate is the number of tokens added per second
	RefillRate float64 `yaml:"refill_rate"`

	// Enabled allows disabling rate limiting for specific routes
	Enabled bool `yaml:"enabled"`
}

// IdempotencyConfig configures record and lock lifetimes.
type IdempotencyConfig struct {
	RecordTTL      time.Duration `yaml:"record_ttl"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
	ContentionWait time.Duration `yaml:"contention_wait"`
}

// QueueConfig configures the notification queue and its workers.
type QueueConfig struct {
	Name         string        `yaml:"name"`
	MaxRetries   int           `yaml:"max_retries"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	JobTimeout   time.Duration `yaml:"job_timeout"`
	LeaseGrace   time.Duration `yaml:"lease_grace"`
	ResultTTL    time.Duration `yaml:"result_ttl"`
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// SenderConfig tunes the simulated notification sender.
type SenderConfig struct {
	Delay       time.Duration `yaml:"delay"`
	FailureRate float64       `yaml:"failure_rate"`
	OutageRate  float64       `yaml:"outage_rate"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Backend:         BackendRedis,
			Addr:            "localhost:6379",
			PoolSize:        10,
			DialTimeout:     5 * time.Second,
			ReadTimeout:     3 * time.Second,
			WriteTimeout:    3 * time.Second,
			BreakerFailures: 5,
			BreakerTimeout:  10 * time.Second,
			CleanupInterval: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		RateLimit: RateLimitConfig{
			Defaults: PolicyConfig{
				Capacity:   10,
				RefillRate: 2.0,
				Enabled:    true,
			},
			Policies:     make(map[string]PolicyConfig),
			KeyExtractor: "ip",
		},
		Idempotency: IdempotencyConfig{
			RecordTTL:      time.Hour,
			LockTTL:        5 * time.Minute,
			ContentionWait: 100 * time.Millisecond,
		},
		Queue: QueueConfig{
			Name:         "notifications",
			MaxRetries:   3,
			BaseDelay:    time.Second,
			JobTimeout:   5 * time.Minute,
			LeaseGrace:   30 * time.Second,
			ResultTTL:    time.Hour,
			Workers:      4,
			PollInterval: 500 * time.Millisecond,
		},
		Sender: SenderConfig{
			Delay:       100 * time.Millisecond,
			FailureRate: 0.05,
		},
	}
}

// Load reads a YAML file over the defaults, applies environment overrides
// and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read config file: %v", ErrInvalidConfig, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("%w: failed to parse YAML: %v", ErrInvalidConfig, err)
		}
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if config.RateLimit.KeyExtractor == "" {
		config.RateLimit.KeyExtractor = "ip"
	}
	if config.RateLimit.Policies == nil {
		config.RateLimit.Policies = make(map[string]PolicyConfig)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overrides fields from REDIS_ADDR, REDIS_PASSWORD, PORT,
// LOG_LEVEL and STORE_BACKEND.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("REDIS_ADDR"); ok && v != "" {
		c.Store.Addr = v
	}
	if v, ok := lookup("REDIS_PASSWORD"); ok {
		c.Store.Password = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: PORT=%q: %v", ErrInvalidConfig, v, err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v, ok := lookup("STORE_BACKEND"); ok && v != "" {
		c.Store.Backend = strings.ToLower(v)
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Server.Port)
	}

	switch c.Store.Backend {
	case BackendRedis:
		if c.Store.Addr == "" {
			return fmt.Errorf("%w: redis address is required", ErrInvalidConfig)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend)
	}

	if err := c.RateLimit.Defaults.Validate(); err != nil {
		return fmt.Errorf("%w: invalid defaults: %v", ErrInvalidConfig, err)
	}
	for route, policy := range c.RateLimit.Policies {
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("%w: invalid policy for route %s: %v", ErrInvalidConfig, route, err)
		}
	}

	if c.Queue.Name == "" {
		return fmt.Errorf("%w: queue name is required", ErrInvalidConfig)
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", ErrInvalidConfig)
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive", ErrInvalidConfig)
	}

	for name, rate := range map[string]float64{
		"failure_rate": c.Sender.FailureRate,
		"outage_rate":  c.Sender.OutageRate,
	} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%w: sender %s must be within [0, 1]", ErrInvalidConfig, name)
		}
	}
	return nil
}

// Validate checks if a PolicyConfig is valid.
func (p *PolicyConfig) Validate() error {
	if p.Capacity <= 0 {
		return ErrNegativeCapacity
	}
	if p.RefillRate <= 0 {
		return ErrNegativeRefillRate
	}
	return nil
}

// PolicyFor returns the policy for a route, falling back to the defaults.
func (c *RateLimitConfig) PolicyFor(route string) PolicyConfig {
	if policy, exists := c.Policies[route]; exists {
		return policy
	}
	return c.Defaults
}

// RedisConfig converts the store section for store.NewRedisStore.
func (s StoreConfig) RedisConfig() store.RedisConfig {
	return store.RedisConfig{
		Addr:            s.Addr,
		Password:        s.Password,
		DB:              s.DB,
		PoolSize:        s.PoolSize,
		DialTimeout:     s.DialTimeout,
		ReadTimeout:     s.ReadTimeout,
		WriteTimeout:    s.WriteTimeout,
		BreakerFailures: s.BreakerFailures,
		BreakerTimeout:  s.BreakerTimeout,
	}
}
