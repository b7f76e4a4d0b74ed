package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the root logger every component logger derives from.
var Logger zerolog.Logger

// Initialize configures the root logger. level accepts the usual zerolog
// level names; anything unrecognized falls back to info.
func Initialize(level string) {
	zerolog.TimeFieldFormat = time.RFC3339

	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)

	writer := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05",
	}
	Logger = zerolog.New(writer).With().Timestamp().Caller().Logger()

	// Route the standard zerolog helpers through the configured logger.
	log.Logger = Logger
}

// GetForComponent returns a child logger tagged with the component name.
func GetForComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
