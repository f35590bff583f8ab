package sapihttp

import (
	"time"

	"sapiremote/internal/config"
	"sapiremote/pkg/circuitbreaker"
)

// DefaultUserAgent is sent when Config.UserAgent is empty.
const DefaultUserAgent = "sapiremote-go/1.0"

// Config holds connection settings for one remote solver service.
type Config struct {
	BaseURL          string        // service root, e.g. https://host/sapi
	Token            string        // API token sent as X-Auth-Token
	Proxy            string        // proxy URL; empty uses the environment
	UserAgent        string        // default: DefaultUserAgent
	Timeout          time.Duration // per request (default: 60s)
	MaxResponseBytes int64         // larger bodies fail with MEMORY (default: 64MiB)
	Breaker          circuitbreaker.Config
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = 64 << 20
	}
	return c
}

// LoadConfigFromEnv reads SAPI_* environment variables. The token comes from
// SAPI_TOKEN, or from the file named by SAPI_TOKEN_FILE when that is set.
func LoadConfigFromEnv() Config {
	token := config.GetEnv("SAPI_TOKEN", "")
	if path := config.GetEnv("SAPI_TOKEN_FILE", ""); path != "" {
		token = config.GetSecretFile(path)
	}
	return Config{
		BaseURL:          config.GetEnv("SAPI_URL", ""),
		Token:            token,
		Proxy:            config.GetEnv("SAPI_PROXY", ""),
		UserAgent:        config.GetEnv("SAPI_USER_AGENT", ""),
		Timeout:          config.GetDurationEnv("SAPI_TIMEOUT", 0),
		MaxResponseBytes: int64(config.GetIntEnv("SAPI_MAX_RESPONSE_BYTES", 0)),
		Breaker: circuitbreaker.Config{
			Threshold: config.GetIntEnv("SAPI_BREAKER_THRESHOLD", 0),
			Cooldown:  config.GetDurationEnv("SAPI_BREAKER_COOLDOWN", 0),
		},
	}
}
