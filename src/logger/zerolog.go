package logger

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ZerologLogger emits one structured JSON line per message. Used by the daemon
// when D2A_LOG_FORMAT=json.
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger writes to w at the given level ("debug", "info", "warn", "error").
// Unknown levels fall back to info.
func NewZerologLogger(w io.Writer, level string) *ZerologLogger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return &ZerologLogger{
		log: zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "d2a-agent").Logger(),
	}
}

// Zerolog exposes the underlying logger for components that log fields directly.
func (z *ZerologLogger) Zerolog() zerolog.Logger {
	return z.log
}

func (z *ZerologLogger) Info(msg string, args ...interface{}) {
	z.log.Info().Msg(fmt.Sprintf(msg, args...))
}

func (z *ZerologLogger) Warn(msg string, args ...interface{}) {
	z.log.Warn().Msg(fmt.Sprintf(msg, args...))
}

func (z *ZerologLogger) Error(msg string, args ...interface{}) {
	z.log.Error().Msg(fmt.Sprintf(msg, args...))
}

func (z *ZerologLogger) Debug(msg string, args ...interface{}) {
	z.log.Debug().Msg(fmt.Sprintf(msg, args...))
}
