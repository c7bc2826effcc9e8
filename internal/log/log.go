// Package log provides structured logging for go-posture.
// It wraps slog with sensible defaults for production use. Errors created
// with go-xerrors are logged with their stack trace.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/mdobak/go-xerrors"
)

var (
	logger *slog.Logger
	level  = new(slog.LevelVar)
	once   sync.Once
)

// Init initializes the global logger with the specified level.
// Valid levels: "debug", "info", "warn", "error". Only the first call
// builds the logger; later calls just change the level.
func Init(lvl string) {
	SetLevel(lvl)
	L()
}

// New builds a logger writing to w at the shared level. JSON output is for
// production, text for development.
func New(w io.Writer, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr,
	}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SetLevel changes the level of every logger built by this package.
func SetLevel(lvl string) {
	switch lvl {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// L returns the global logger instance.
func L() *slog.Logger {
	once.Do(func() {
		logger = New(os.Stdout, os.Getenv("GO_ENV") == "production")
		slog.SetDefault(logger)
	})
	return logger
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	L().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	L().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	L().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	L().Error(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return L().With(args...)
}

// Fatal logs err with a stack trace and exits.
func Fatal(msg string, err error) {
	L().ErrorContext(context.Background(), msg, slog.Any("error", xerrors.New(err)))
	os.Exit(1)
}

type stackFrame struct {
	Func   string `json:"func"`
	Source string `json:"source"`
	Line   int    `json:"line"`
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindAny {
		return a
	}
	if err, ok := a.Value.Any().(error); ok {
		a.Value = fmtErr(err)
	}
	return a
}

// fmtErr returns the error message, plus the trace for go-xerrors errors.
func fmtErr(err error) slog.Value {
	trace := marshalStack(err)
	if trace == nil {
		return slog.StringValue(err.Error())
	}
	return slog.GroupValue(
		slog.String("msg", err.Error()),
		slog.Any("trace", trace),
	)
}

func marshalStack(err error) []stackFrame {
	trace := xerrors.StackTrace(err)
	if len(trace) == 0 {
		return nil
	}

	frames := trace.Frames()
	s := make([]stackFrame, len(frames))
	for i, v := range frames {
		s[i] = stackFrame{
			Source: filepath.Join(filepath.Base(filepath.Dir(v.File)), filepath.Base(v.File)),
			Func:   filepath.Base(v.Function),
			Line:   v.Line,
		}
	}
	return s
}
