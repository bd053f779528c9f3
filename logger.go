package tablestore

import (
	"log/slog"
	"os"
)

var logLevel = new(slog.LevelVar)

// ConfigureLogging sets up the global default logger with a TextHandler and
// configures the log level based on the TABLESTORE_LOG_LEVEL environment
// variable. It defaults to Info level if not specified.
//
// Host processes embedding this engine should call this once at startup if
// they want to use the engine's default logging configuration rather than
// wire their own slog.Handler.
func ConfigureLogging() {
	logLevel.Set(slog.LevelInfo)

	switch os.Getenv("TABLESTORE_LOG_LEVEL") {
	case "DEBUG":
		logLevel.Set(slog.LevelDebug)
	case "WARN":
		logLevel.Set(slog.LevelWarn)
	case "ERROR":
		logLevel.Set(slog.LevelError)
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// SetLogLevel sets the logging level for the logger configured by
// ConfigureLogging.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}
