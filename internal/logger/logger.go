package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Global logger instance
var (
	Log zerolog.Logger
)

// Initialize sets up the global logger with configuration
func Initialize(level string, pretty bool) {
	// Parse log level
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	// Configure output format
	if pretty {
		// Pretty console output for development
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		// JSON output for production
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	// Set global logger
	Log = log.With().
		Str("service", "nmos-node").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("Logger initialized")
}

// GetLogger returns the global logger instance
func GetLogger() *zerolog.Logger {
	return &Log
}

// Registration creates a logger for the node registration controller.
func Registration() *zerolog.Logger {
	l := Log.With().Str("component", "registration").Logger()
	return &l
}

// Auth creates a logger for the authorization controller.
func Auth() *zerolog.Logger {
	l := Log.With().Str("component", "auth").Logger()
	return &l
}

// Activation creates a logger for the activation engine.
func Activation() *zerolog.Logger {
	l := Log.With().Str("component", "activation").Logger()
	return &l
}

// Subscription creates a logger for the grain subscription fan-out.
func Subscription() *zerolog.Logger {
	l := Log.With().Str("component", "subscription").Logger()
	return &l
}

// Query creates a logger for the query engine.
func Query() *zerolog.Logger {
	l := Log.With().Str("component", "query").Logger()
	return &l
}

// Store creates a logger for the resource store.
func Store() *zerolog.Logger {
	l := Log.With().Str("component", "store").Logger()
	return &l
}

// HTTP creates a logger for HTTP request events.
func HTTP() *zerolog.Logger {
	l := Log.With().Str("component", "http").Logger()
	return &l
}
