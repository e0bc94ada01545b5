// Package log holds the process-wide structured logger. Records are JSON,
// one per line, and every record names the service that wrote it.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// Setup installs the JSON logger on stdout. Only the first call has effect.
func Setup(level, service string) {
	SetupWriter(level, service, os.Stdout)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(level, service string, w io.Writer) {
	once.Do(func() {
		h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
		logger = slog.New(h)
		if service != "" {
			logger = logger.With(slog.String("service", service))
		}
		slog.SetDefault(logger)
	})
}

// Unknown levels log at INFO.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Get returns the installed logger, installing an INFO one when Setup was
// never called.
func Get() *slog.Logger {
	Setup("info", "")
	return logger
}

func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

func WithRunner(id string) *slog.Logger {
	return Get().With(slog.String("runner", id))
}

func WithJob(key string) *slog.Logger {
	return Get().With(slog.String("job_key", key))
}
