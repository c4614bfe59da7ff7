package logger

import (
	"io"
	"log/slog"
	"os"
)

// New returns a JSON slog.Logger configured for the given service name.
func New(service string, level slog.Level) *slog.Logger {
	return NewWriter(os.Stdout, service, level)
}

// NewWriter is New with an explicit destination, used by the CLI to keep
// diagnostics on stderr while command output owns stdout.
func NewWriter(w io.Writer, service string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", service)
}
