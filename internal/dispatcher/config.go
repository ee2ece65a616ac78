package dispatcher

import (
	"time"

	"jobchain/internal/config"
	"jobchain/pkg/backoff"
	"jobchain/pkg/circuitbreaker"
)

// Defaults for MemoryConfig.
const (
	defaultBufferSize       = 1000
	defaultWorkers          = 1
	defaultHTTPTimeout      = 10 * time.Second
	defaultMaxRetries       = 3
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxRequeues      = 10
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize  int           // pending events (default 1000)
	Workers     int           // delivery goroutines (default 1, which keeps events in order)
	HTTPTimeout time.Duration // per-request timeout (default 10s)
	MaxRetries  int           // retries after the first attempt (default 3)
	MaxRequeues int           // deferrals while the breaker is open (default 10)
	Backoff     backoff.Config
	Breaker     circuitbreaker.Config
	UserAgent   string
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:  config.GetIntEnv("DISPATCHER_BUFFER_SIZE", defaultBufferSize),
		Workers:     config.GetIntEnv("DISPATCHER_WORKERS", defaultWorkers),
		HTTPTimeout: config.GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", defaultHTTPTimeout),
		MaxRetries:  config.GetIntEnv("DISPATCHER_MAX_RETRIES", defaultMaxRetries),
		Breaker: circuitbreaker.Config{
			Threshold: config.GetIntEnv("DISPATCHER_BREAKER_THRESHOLD", defaultBreakerThreshold),
			Cooldown:  config.GetDurationEnv("DISPATCHER_BREAKER_COOLDOWN", defaultBreakerCooldown),
		},
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = defaultMaxRequeues
	}
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = defaultBreakerThreshold
	}
	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = defaultBreakerCooldown
	}
	if c.UserAgent == "" {
		c.UserAgent = "jobchain"
	}
	return c
}
