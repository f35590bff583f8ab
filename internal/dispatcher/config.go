package dispatcher

import (
	"time"

	"sapiremote/internal/config"
	"sapiremote/pkg/backoff"
	"sapiremote/pkg/circuitbreaker"
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize  int           // pending events buffer (default: 1000)
	Workers     int           // concurrent delivery goroutines (default: 4)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)
	UserAgent   string        // User-Agent of webhook requests
	MaxRetries  uint          // retries after the first attempt (default: 3)
	MaxRequeues int           // requeues while the circuit is open (default: 10)

	// Retry delays grow from Backoff.Initial by Backoff.Scale up to Backoff.Max.
	Backoff backoff.Timing

	// Breaker guards each destination host.
	Breaker circuitbreaker.Config
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:  config.GetIntEnv("DISPATCHER_BUFFER_SIZE", 1000),
		Workers:     config.GetIntEnv("DISPATCHER_WORKERS", 4),
		HTTPTimeout: config.GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", 10*time.Second),
		UserAgent:   config.GetEnv("DISPATCHER_USER_AGENT", ""),
		MaxRetries:  uint(config.GetIntEnv("DISPATCHER_MAX_RETRIES", 3)),
		MaxRequeues: config.GetIntEnv("DISPATCHER_MAX_REQUEUES", 10),
		Breaker: circuitbreaker.Config{
			Threshold: config.GetIntEnv("DISPATCHER_BREAKER_THRESHOLD", 5),
			Cooldown:  config.GetDurationEnv("DISPATCHER_BREAKER_COOLDOWN", 30*time.Second),
		},
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "sapiremote-webhooks/1.0"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 10
	}
	if c.Backoff.Validate() != nil {
		c.Backoff = backoff.Timing{Initial: 100 * time.Millisecond, Max: 5 * time.Second, Scale: 2}
	}
	d := circuitbreaker.DefaultConfig()
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = d.Threshold
	}
	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = d.Cooldown
	}
	return c
}
