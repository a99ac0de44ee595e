// Package logging constructs the process-wide zerolog logger and helpers for
// deriving operation-scoped child loggers.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger. In development it renders a human-readable
// console stream; otherwise it emits structured JSON suitable for log
// aggregation.
func New(env, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339

	var out = os.Stdout
	if env == "development" {
		writer := zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
		return zerolog.New(writer).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the originating
// subsystem, e.g. "router", "bulkexport", "storage.postgres".
func WithComponent(l zerolog.Logger, component string) zerolog.Logger {
	return l.With().Str("component", component).Logger()
}

// WithTenant returns a child logger tagged with the active tenant id, used
// by every storage/router/bulk operation to keep log lines attributable.
func WithTenant(l zerolog.Logger, tenantID string) zerolog.Logger {
	return l.With().Str("tenant_id", tenantID).Logger()
}
