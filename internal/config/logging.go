package config

import (
	"io"
	"log/slog"
	"strings"
)

// ParseLevel maps a level name to a slog level. Unknown names are info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger. The returned LevelVar can be updated
// later to change the level in place.
func NewLogger(cfg LogConfig, w io.Writer) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(cfg.Level))

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), level
}

// WatchLogLevel applies log.level changes from reloaded config to level.
func (cm *Manager) WatchLogLevel(level *slog.LevelVar) {
	cm.OnChange(func(cfg *Config) {
		next := ParseLevel(cfg.Log.Level)
		if next != level.Level() {
			slog.Info("Log level changed", "level", next.String())
			level.Set(next)
		}
	})
}
