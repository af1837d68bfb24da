// Package telemetry builds the structured logger shared by the daemon and
// the CLI subcommands.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/swarmstore/internal/shared"
)

// NewLogger builds the JSON logger used by the daemon and CLI. Logs always go
// to homeDir/logs/system.jsonl; stdout is added unless quiet (subcommands run
// quiet so JSON command output stays parseable). Secret-looking attributes
// are redacted before they leave the process.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: scrubAttr,
	})
	logger := slog.New(handler).With("component", "store", "trace_id", "-")
	return logger, file, nil
}

// scrubAttr renames the time key and drops or rewrites secret-bearing
// attributes.
func scrubAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shared.SensitiveKey(a.Key) {
		return slog.String(a.Key, shared.Redacted)
	}
	if a.Value.Kind() == slog.KindString {
		v := a.Value.String()
		lower := strings.ToLower(v)
		// A value naming an auth mechanism is dropped whole; partial
		// redaction could still leak the surrounding material.
		if strings.Contains(lower, "bearer ") ||
			strings.Contains(lower, "api_key") ||
			strings.Contains(lower, "authorization:") {
			return slog.String(a.Key, shared.Redacted)
		}
		if scrubbed := shared.Redact(v); scrubbed != v {
			return slog.String(a.Key, scrubbed)
		}
	}
	return a
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
