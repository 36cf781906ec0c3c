// Package logger provides the process-wide leveled logger used across the
// node manager. It wraps log/slog with a severity scheme that matches the
// filesystem's on-device debug levels (TRACE below DEBUG) rather than
// slog's default four levels.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Severity levels, ordered coarser than slog's built-ins so TRACE can sit
// below DEBUG without colliding with library-level log lines.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(16)
)

const (
	Trace   = "TRACE"
	Debug   = "DEBUG"
	Info    = "INFO"
	Warning = "WARNING"
	Error   = "ERROR"
	Off     = "OFF"
)

var severityNames = map[slog.Level]string{
	LevelTrace: Trace,
	LevelDebug: Debug,
	LevelInfo:  Info,
	LevelWarn:  Warning,
	LevelError: Error,
}

type loggerFactory struct {
	format string // "text" or "json"
}

var defaultLoggerFactory = &loggerFactory{format: "text"}
var defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, new(slog.LevelVar), ""))

// severityReplacer rewrites slog's "level" attribute into "severity" with
// our own level-to-name table and, when prefix is non-empty, prepends it
// to the message. Every other attribute, "time" included, passes through
// unchanged.
func severityReplacer(prefix string) func([]string, slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.LevelKey {
			lvl, _ := a.Value.Any().(slog.Level)
			name, ok := severityNames[lvl]
			if !ok {
				name = lvl.String()
			}
			return slog.Attr{Key: "severity", Value: slog.StringValue(name)}
		}
		if a.Key == slog.MessageKey && prefix != "" {
			return slog.Attr{Key: a.Key, Value: slog.StringValue(prefix + a.Value.String())}
		}
		return a
	}
}

func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: severityReplacer(prefix),
	}
	if f.format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// setLoggingLevel maps a config severity string onto a slog.LevelVar.
func setLoggingLevel(level string, programLevel *slog.LevelVar) {
	switch level {
	case Trace:
		programLevel.Set(LevelTrace)
	case Debug:
		programLevel.Set(LevelDebug)
	case Info:
		programLevel.Set(LevelInfo)
	case Warning:
		programLevel.Set(LevelWarn)
	case Error:
		programLevel.Set(LevelError)
	case Off:
		programLevel.Set(LevelOff)
	default:
		programLevel.Set(LevelInfo)
	}
}

// Init rebuilds the default logger from scratch. Called once at mount with
// the resolved configuration; safe to call again in tests.
func Init(format, severity string, w io.Writer) {
	defaultLoggerFactory.format = format
	level := new(slog.LevelVar)
	setLoggingLevel(severity, level)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(w, level, ""))
}

func Tracef(format string, args ...any) { defaultLogger.Log(context.Background(), LevelTrace, sprintf(format, args...)) }
func Debugf(format string, args ...any) { defaultLogger.Debug(sprintf(format, args...)) }
func Infof(format string, args ...any)  { defaultLogger.Info(sprintf(format, args...)) }
func Warnf(format string, args ...any)  { defaultLogger.Warn(sprintf(format, args...)) }
func Errorf(format string, args ...any) { defaultLogger.Error(sprintf(format, args...)) }

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
