package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/shopfabric/microservices/common/config"
)

// NewLogger builds the JSON logger every service shares. The service name is
// attached to each entry so aggregated logs stay attributable; LOG_LEVEL
// (debug/info/warn/error, case-insensitive) controls verbosity.
func NewLogger(serviceName string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(config.GetEnv("LOG_LEVEL", "info")),
	})
	return slog.New(handler).With(slog.String("service", serviceName))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
