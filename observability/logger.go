package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	// LogLevelEnvVar overrides the log level when no flag is given.
	LogLevelEnvVar = "LOG_LEVEL"
	// LogFileEnvVar overrides the log destination (default stderr).
	LogFileEnvVar = "LOG_FILE"
	// LogFormatEnvVar selects "text" or "json" output.
	LogFormatEnvVar = "LOG_FORMAT"
)

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// InitLogger installs the default slog logger.
// Priority: explicit arguments > env vars > defaults.
// Returns a cleanup function that closes the log file, if one was opened.
func InitLogger(level, file, format string) (func(), error) {
	if level == "" {
		level = os.Getenv(LogLevelEnvVar)
	}
	if file == "" {
		file = os.Getenv(LogFileEnvVar)
	}
	if format == "" {
		format = os.Getenv(LogFormatEnvVar)
	}
	if format == "" {
		format = "text"
	}

	parsed, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stderr
	cleanup := func() {}
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
		cleanup = func() { _ = f.Close() }
	}

	opts := &slog.HandlerOptions{Level: parsed}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
	return cleanup, nil
}
