package logging

import (
	"log/slog"
	"os"
)

// LoggingService carries the configured application logger.
type LoggingService struct {
	Logger *slog.Logger
}

// DefaultLoggingService is the process-wide logging service. Packages log
// through the package-level functions below, which stay usable before
// initialization.
var DefaultLoggingService *LoggingService

// InitLogger initializes the global logger instance with defaults
func InitLogger(logDir string) {
	DefaultLoggingService = &LoggingService{Logger: SetupLogger(logDir)}
	slog.SetDefault(DefaultLoggingService.Logger)
}

// InitLoggerWithOptions initializes the global logger with configured
// retention, file size limit and level
func InitLoggerWithOptions(logDir string, retentionWeeks int, maxFileSize int64, level slog.Level) {
	DefaultLoggingService = &LoggingService{
		Logger: SetupLoggerWithOptions(logDir, retentionWeeks, maxFileSize, level),
	}
	slog.SetDefault(DefaultLoggingService.Logger)
}

// logger returns the configured logger, or a stderr fallback that passes
// every level when nothing was initialized yet.
func logger() *slog.Logger {
	if DefaultLoggingService != nil && DefaultLoggingService.Logger != nil {
		return DefaultLoggingService.Logger
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func Info(msg string, args ...any)  { logger().Info(msg, args...) }
func Warn(msg string, args ...any)  { logger().Warn(msg, args...) }
func Error(msg string, args ...any) { logger().Error(msg, args...) }
func Debug(msg string, args ...any) { logger().Debug(msg, args...) }
