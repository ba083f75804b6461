// Package telemetry configures the daemon's structured logging. Log lines
// are JSON, appended to a file under the home directory, and scrubbed of
// phone numbers, message bodies, and credentials before they are written.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kidsafe/beacon/internal/shared"
)

func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(logDir, "beacon.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	lvl := parseLevel(level)
	var w io.Writer
	if quiet {
		w = file
	} else {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := NewRedactingHandler(w, lvl)
	logger := slog.New(handler).With("component", "beacon")
	return logger, file, nil
}

// NewRedactingHandler builds a JSON handler that scrubs sensitive attribute
// values. Telemetry payloads go to the store verbatim; local logs do not get
// to carry numbers or message bodies.
func NewRedactingHandler(w io.Writer, lvl slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if a.Value.Kind() == slog.KindString {
				value := a.Value.String()
				if redacted := shared.RedactKeyed(a.Key, value); redacted != value {
					return slog.String(a.Key, redacted)
				}
				if redacted := shared.Redact(value); redacted != value {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
