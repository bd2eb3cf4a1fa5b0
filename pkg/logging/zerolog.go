// Package logging adapts github.com/rs/zerolog to the orchestrator.Logger
// interface so callers can plug in structured logging without the core
// packages importing zerolog directly.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Level selects the minimum severity a Logger will emit.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config holds logger configuration.
type Config struct {
	Level   Level
	Console bool   // pretty-print to Out instead of raw JSON
	Out     io.Writer
}

func DefaultConfig() *Config {
	return &Config{
		Level:   LevelInfo,
		Console: true,
	}
}

// Logger wraps a zerolog.Logger to satisfy orchestrator.Logger.
type Logger struct {
	zlog zerolog.Logger
}

func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	level := zerolog.InfoLevel
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	}

	zlog := zerolog.New(out).Level(level).With().Timestamp().Str("app", "duetline").Logger()
	return &Logger{zlog: zlog}
}

func (l *Logger) with(event *zerolog.Event, args []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		if err, ok := args[i+1].(error); ok {
			event = event.AnErr(key, err)
			continue
		}
		event = event.Interface(key, args[i+1])
	}
	return event
}

func (l *Logger) Debug(msg string, args ...interface{}) {
	l.with(l.zlog.Debug(), args).Msg(msg)
}

func (l *Logger) Info(msg string, args ...interface{}) {
	l.with(l.zlog.Info(), args).Msg(msg)
}

func (l *Logger) Warn(msg string, args ...interface{}) {
	l.with(l.zlog.Warn(), args).Msg(msg)
}

func (l *Logger) Error(msg string, args ...interface{}) {
	l.with(l.zlog.Error(), args).Msg(msg)
}
