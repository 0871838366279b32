package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger = zerolog.Nop()
)

// Init initializes the global logger. format "console" (or ENV=development)
// switches to human readable output, anything else logs JSON to stdout.
func Init(level, format string) {
	logLevel, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	var output io.Writer = os.Stdout
	if format == "console" || os.Getenv("ENV") == "development" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "sensorwatch").
		Logger()

	Logger.Info().
		Str("level", logLevel.String()).
		Msg("logger initialized")
}

// Helpers return *zerolog.Logger: level methods need an addressable logger.

// WithComponent returns a logger with a component field
func WithComponent(component string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	return &l
}

// WithChannel returns a component logger scoped to one telemetry channel
func WithChannel(component, channel string) *zerolog.Logger {
	l := Logger.With().
		Str("component", component).
		Str("channel", channel).
		Logger()
	return &l
}

// WithRequestID returns a logger with a request ID field
func WithRequestID(requestID string) *zerolog.Logger {
	l := Logger.With().Str("request_id", requestID).Logger()
	return &l
}

// WithError returns a logger with an error field
func WithError(err error) *zerolog.Logger {
	l := Logger.With().Err(err).Logger()
	return &l
}
