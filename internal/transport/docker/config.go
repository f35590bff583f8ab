package docker

import (
	"fmt"
	"strings"
	"time"

	"sapiremote/internal/apperrors"
	"sapiremote/internal/config"
)

// Config holds configuration for the container transport.
type Config struct {
	Solvers             map[string]string   // solver name -> image
	Commands            map[string][]string // optional solver name -> command override
	RetentionPeriod     time.Duration       // How long to keep finished containers (default 15m)
	MaintenanceInterval time.Duration       // How often to run cleanup (default 1m)
	StopTimeout         time.Duration       // Grace period when cancelling (default 10s)
	MaxAnswerBytes      int64               // Largest accepted stdout (default 64MiB)
	PullAttempts        uint                // Image pull attempts (default 3)
	PullDelay           time.Duration       // Base delay between pull attempts (default 500ms)
	ExtraHosts          []string            // Extra hosts for containers (e.g., ["sapi.test:host-gateway"])
}

func (c Config) withDefaults() Config {
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = 15 * time.Minute
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Minute
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.MaxAnswerBytes <= 0 {
		c.MaxAnswerBytes = 64 << 20
	}
	if c.PullAttempts == 0 {
		c.PullAttempts = 3
	}
	if c.PullDelay <= 0 {
		c.PullDelay = 500 * time.Millisecond
	}
	return c
}

func (c Config) validate() error {
	if len(c.Solvers) == 0 {
		return apperrors.Validation("solvers", "at least one solver image is required")
	}
	for name, img := range c.Solvers {
		if name == "" || img == "" {
			return apperrors.Validation("solvers", fmt.Sprintf("invalid solver mapping %q=%q", name, img))
		}
	}
	return nil
}

// LoadConfigFromEnv loads transport configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	solvers, err := ParseSolverImages(config.GetEnv("DOCKER_SOLVERS", ""))
	if err != nil {
		return Config{}, err
	}

	var extraHosts []string
	if hosts := config.GetEnv("EXTRA_HOSTS", ""); hosts != "" {
		extraHosts = strings.Split(hosts, ",")
	}

	return Config{
		Solvers:             solvers,
		RetentionPeriod:     config.GetDurationEnv("DOCKER_RETENTION", 15*time.Minute),
		MaintenanceInterval: config.GetDurationEnv("DOCKER_MAINTENANCE_INTERVAL", time.Minute),
		StopTimeout:         config.GetDurationEnv("DOCKER_STOP_TIMEOUT", 10*time.Second),
		MaxAnswerBytes:      int64(config.GetIntEnv("DOCKER_MAX_ANSWER_BYTES", 64<<20)),
		PullAttempts:        uint(config.GetIntEnv("DOCKER_PULL_ATTEMPTS", 3)),
		ExtraHosts:          extraHosts,
	}, nil
}

// ParseSolverImages parses "name=image,name=image" into a solver map.
func ParseSolverImages(s string) (map[string]string, error) {
	solvers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, img, ok := strings.Cut(pair, "=")
		name, img = strings.TrimSpace(name), strings.TrimSpace(img)
		if !ok || name == "" || img == "" {
			return nil, apperrors.Validation("solvers", fmt.Sprintf("expected name=image, got %q", pair))
		}
		solvers[name] = img
	}
	return solvers, nil
}
