// Package logging builds the process logger and holds helpers for keeping
// mailbox PII out of log lines.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Config selects level and encoding.
type Config struct {
	Level  string
	Format string // json or console
	Output io.Writer
}

// New returns a logger configured from cfg. Unknown levels fall back to info.
func New(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
}

// ParseLevel maps a level name to zerolog, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	}
	return zerolog.InfoLevel
}

// CronLogger adapts a zerolog logger to cron.Logger.
type CronLogger struct {
	Logger zerolog.Logger
}

var _ cron.Logger = CronLogger{}

// Info implements cron.Logger. Cron's routine chatter goes to debug.
func (l CronLogger) Info(msg string, keysAndValues ...interface{}) {
	addFields(l.Logger.Debug(), keysAndValues).Msg(msg)
}

// Error implements cron.Logger.
func (l CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	addFields(l.Logger.Error().Err(err), keysAndValues).Msg(msg)
}

func addFields(e *zerolog.Event, kv []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		e = e.Interface(fmt.Sprint(kv[i]), kv[i+1])
	}
	return e
}
