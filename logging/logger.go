// Package logging defines the structured operational logger used by the
// migration engine and the CLI. Security events go to the audit package;
// this logger carries progress and diagnostics only and never key material.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is a context-aware, structured logger.
//
// The variadic args are interpreted as key-value pairs, e.g.:
//
//	log.Info(ctx, "batch committed", "category", "documents", "items", 100)
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that always includes the given key-value pairs.
	With(args ...any) Logger
}

// ZeroLogger adapts zerolog to Logger.
type ZeroLogger struct {
	l zerolog.Logger
}

// NewZeroLogger wraps an existing zerolog logger.
func NewZeroLogger(l zerolog.Logger) *ZeroLogger {
	return &ZeroLogger{l: l}
}

// New builds a logger writing to w. Console output is human readable,
// anything else is JSON lines.
func New(w io.Writer, level string, console bool) *ZeroLogger {
	if w == nil {
		w = os.Stderr
	}
	if console {
		w = zerolog.ConsoleWriter{Out: w}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return &ZeroLogger{l: zerolog.New(w).Level(lvl).With().Timestamp().Logger()}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return &ZeroLogger{l: zerolog.Nop()}
}

func (z *ZeroLogger) Debug(ctx context.Context, msg string, args ...any) {
	z.emit(ctx, z.l.Debug(), msg, args)
}

func (z *ZeroLogger) Info(ctx context.Context, msg string, args ...any) {
	z.emit(ctx, z.l.Info(), msg, args)
}

func (z *ZeroLogger) Warn(ctx context.Context, msg string, args ...any) {
	z.emit(ctx, z.l.Warn(), msg, args)
}

func (z *ZeroLogger) Error(ctx context.Context, msg string, args ...any) {
	z.emit(ctx, z.l.Error(), msg, args)
}

func (z *ZeroLogger) With(args ...any) Logger {
	c := z.l.With()
	for i := 0; i < len(args); i += 2 {
		c = c.Interface(keyAt(args, i), valueAt(args, i))
	}
	return &ZeroLogger{l: c.Logger()}
}

func (z *ZeroLogger) emit(ctx context.Context, e *zerolog.Event, msg string, args []any) {
	if e == nil {
		return
	}
	if ctx != nil {
		e = e.Ctx(ctx)
	}
	for i := 0; i < len(args); i += 2 {
		key := keyAt(args, i)
		switch v := valueAt(args, i).(type) {
		case error:
			e = e.AnErr(key, v)
		case string:
			e = e.Str(key, v)
		case int:
			e = e.Int(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	e.Msg(msg)
}

func keyAt(args []any, i int) string {
	if k, ok := args[i].(string); ok {
		return k
	}
	return fmt.Sprint(args[i])
}

// a trailing key without a value is logged with a nil value
func valueAt(args []any, i int) any {
	if i+1 < len(args) {
		return args[i+1]
	}
	return nil
}
