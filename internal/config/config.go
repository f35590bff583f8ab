// Package config provides configuration loading from environment variables
// and from a YAML file with hot reload.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sapiremote/internal/apperrors"
)

// Backends accepted in Config.Backend.
const (
	BackendHTTP   = "http"
	BackendDocker = "docker"
)

// Config is the file and environment configuration of the sapi CLI.
type Config struct {
	Log      LogConfig     `mapstructure:"log"`
	Backend  string        `mapstructure:"backend"`
	Remote   RemoteConfig  `mapstructure:"remote"`
	Docker   DockerConfig  `mapstructure:"docker"`
	Manager  ManagerConfig `mapstructure:"manager"`
	Server   ServerConfig  `mapstructure:"server"`
	Webhooks WebhookConfig `mapstructure:"webhooks"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
}

// RemoteConfig locates the remote solver API.
type RemoteConfig struct {
	URL       string        `mapstructure:"url"`
	Token     string        `mapstructure:"token"`
	TokenFile string        `mapstructure:"token_file"`
	Proxy     string        `mapstructure:"proxy"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ResolveToken returns the token, preferring the token file when set.
func (r RemoteConfig) ResolveToken() string {
	if r.TokenFile != "" {
		return GetSecretFile(r.TokenFile)
	}
	return ResolveEnvVars(r.Token)
}

// DockerConfig configures the container backend.
type DockerConfig struct {
	Solvers     map[string]string `mapstructure:"solvers"`
	Retention   time.Duration     `mapstructure:"retention"`
	StopTimeout time.Duration     `mapstructure:"stop_timeout"`
	ExtraHosts  []string          `mapstructure:"extra_hosts"`
}

// ManagerConfig sizes the problem manager and its callback pool.
type ManagerConfig struct {
	Workers                  int           `mapstructure:"workers"`
	MaxProblemsPerSubmission int           `mapstructure:"max_problems_per_submission"`
	MaxIDsPerStatusQuery     int           `mapstructure:"max_ids_per_status_query"`
	MaxActiveRequests        int           `mapstructure:"max_active_requests"`
	RetryInitial             time.Duration `mapstructure:"retry_initial"`
	RetryMax                 time.Duration `mapstructure:"retry_max"`
	RetryScale               float64       `mapstructure:"retry_scale"`
	PollInterval             time.Duration `mapstructure:"poll_interval"`
}

// ServerConfig configures `sapi serve`.
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	MetricsPort     string        `mapstructure:"metrics_port"`
	APIKeyFile      string        `mapstructure:"api_key_file"`
	DrainWait       time.Duration `mapstructure:"drain_wait"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	StartupAttempts uint          `mapstructure:"startup_attempts"`
}

// APIKey reads the bearer key from APIKeyFile. Empty disables auth.
func (s ServerConfig) APIKey() string {
	return GetSecretFile(s.APIKeyFile)
}

// WebhookConfig sizes the callback dispatcher.
type WebhookConfig struct {
	Workers    int           `mapstructure:"workers"`
	BufferSize int           `mapstructure:"buffer_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries uint          `mapstructure:"max_retries"`
}

// DefaultValues returns every known key with its default, keyed by its
// dotted path. Durations are strings so the same values seed viper and the
// starter file.
func DefaultValues() map[string]any {
	return map[string]any{
		"log.level":  "info",
		"log.format": "text",

		"backend": BackendHTTP,

		"remote.url":        "",
		"remote.token":      "${SAPI_TOKEN}",
		"remote.token_file": "",
		"remote.proxy":      "",
		"remote.user_agent": "",
		"remote.timeout":    "60s",

		"docker.solvers":      map[string]string{},
		"docker.retention":    "15m",
		"docker.stop_timeout": "10s",
		"docker.extra_hosts":  []string{},

		"manager.workers":                     4,
		"manager.max_problems_per_submission": 20,
		"manager.max_ids_per_status_query":    100,
		"manager.max_active_requests":         6,
		"manager.retry_initial":               "10ms",
		"manager.retry_max":                   "10s",
		"manager.retry_scale":                 10.0,
		"manager.poll_interval":               "1s",

		"server.port":             "8080",
		"server.metrics_port":     "9090",
		"server.api_key_file":     "",
		"server.drain_wait":       "5s",
		"server.shutdown_timeout": "25s",
		"server.startup_attempts": 10,

		"webhooks.workers":     4,
		"webhooks.buffer_size": 1000,
		"webhooks.timeout":     "10s",
		"webhooks.max_retries": 3,
	}
}

// Validate checks the fields every command depends on.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendHTTP:
		if strings.TrimSpace(c.Remote.URL) == "" {
			return apperrors.Validation("remote.url", "required for the http backend")
		}
	case BackendDocker:
		if len(c.Docker.Solvers) == 0 {
			return apperrors.Validation("docker.solvers", "at least one solver image is required for the docker backend")
		}
	default:
		return apperrors.Validation("backend", fmt.Sprintf("unknown backend %q (want %s or %s)", c.Backend, BackendHTTP, BackendDocker))
	}
	if c.Manager.Workers < 1 {
		return apperrors.Validation("manager.workers", "must be at least 1")
	}
	if c.Manager.PollInterval < 0 {
		return apperrors.Validation("manager.poll_interval", "must not be negative")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return apperrors.Validation("log.format", fmt.Sprintf("unknown format %q", c.Log.Format))
	}
	return nil
}

// nest turns dotted keys into nested maps for YAML output.
func nest(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, value := range flat {
		parts := strings.Split(key, ".")
		m := out
		for _, p := range parts[:len(parts)-1] {
			child, ok := m[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				m[p] = child
			}
			m = child
		}
		m[parts[len(parts)-1]] = value
	}
	return out
}

// WriteDefault writes the default configuration to the specified path. An
// existing file is not overwritten.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return apperrors.Conflict("config file", path, "already exists")
	}

	data, err := yaml.Marshal(nest(DefaultValues()))
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# sapi configuration
# Every key can be overridden with a SAPI_ environment variable,
# e.g. SAPI_REMOTE_URL or SAPI_LOG_LEVEL.
# remote.token uses ${ENV_VAR} syntax to reference an environment variable.

`)
	return os.WriteFile(path, append(header, data...), 0o600)
}
