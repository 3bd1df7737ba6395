package utils

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. JSON by default, console output when pretty is set.
func NewLogger(level string, pretty bool, out io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	if pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
