// Package log provides structured logging for the service-account manager
// built on log/slog. Handlers emit JSON by default so operators can index
// log lines by the shared field keys defined here.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// Format selects the handler output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Shared field keys. Use these instead of ad-hoc strings so lines from
// different components stay queryable together.
const (
	FieldComponent = "component"
	FieldRequestID = "request_id"
	FieldAccount   = "account"
	FieldSubject   = "subject"
	FieldOperation = "operation"
	FieldError     = "error"
)

// Config controls logger construction.
type Config struct {
	Level  string
	Format Format
}

// FromEnv builds a Config from SVCACCT_LOG_LEVEL and SVCACCT_LOG_FORMAT.
func FromEnv() Config {
	cfg := Config{
		Level:  os.Getenv("SVCACCT_LOG_LEVEL"),
		Format: Format(os.Getenv("SVCACCT_LOG_FORMAT")),
	}
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	return cfg
}

// New constructs a slog.Logger writing to stderr.
func New(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.Format == FormatText {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// WithComponent returns a logger scoped to a component name.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(FieldComponent, component)
}

// WithRequestID returns a logger scoped to a request id.
func WithRequestID(logger *slog.Logger, requestID string) *slog.Logger {
	return logger.With(FieldRequestID, requestID)
}

// SanitizeKeyID keeps the last four characters of an access-key id so log
// lines can be correlated with provider-side audit records.
func SanitizeKeyID(keyID string) string {
	if len(keyID) <= 4 {
		return "..."
	}
	return "..." + keyID[len(keyID)-4:]
}
