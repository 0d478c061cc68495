// Package logger wraps log/slog with the handlers and extra levels used across
// the server.  Loggers travel in context; every component reads its logger with
// From(ctx).
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
)

type ctxKey struct{}

type handler int

const (
	JSONHandler handler = iota
	TextHandler
	DevHandler
)

const (
	DefaultLevel = slog.LevelInfo

	LevelTrace     = slog.Level(-8)
	LevelDebug     = slog.LevelDebug
	LevelInfo      = slog.LevelInfo
	LevelNotice    = slog.Level(2)
	LevelWarning   = slog.LevelWarn
	LevelError     = slog.LevelError
	LevelEmergency = slog.Level(12)
)

type Logger interface {
	Debug(msg string, args ...any)
	DebugContext(ctx context.Context, msg string, args ...any)
	Info(msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	Warn(msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	Error(msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)
	Log(ctx context.Context, level slog.Level, msg string, args ...any)
	Enabled(ctx context.Context, level slog.Level) bool
	Handler() slog.Handler
	Level() slog.Level
	With(args ...any) Logger

	Trace(msg string, args ...any)
	Notice(msg string, args ...any)
	Emergency(msg string, args ...any)
	SLog() *slog.Logger
}

type Opt func(o *opts)

type opts struct {
	writer  io.Writer
	level   slog.Level
	handler handler
}

func WithLevel(lvl slog.Level) Opt {
	return func(o *opts) {
		o.level = lvl
	}
}

// WithWriter sets the log destination.  The default is stderr: stdout belongs
// to the stdio transport and must only ever carry protocol messages.
func WithWriter(w io.Writer) Opt {
	return func(o *opts) {
		o.writer = w
	}
}

func WithHandler(h handler) Opt {
	return func(o *opts) {
		o.handler = h
	}
}

// New creates a logger, reading LOG_HANDLER and LOG_LEVEL from the environment
// before applying opts.
func New(opt ...Opt) Logger {
	o := &opts{
		level:   ParseLevel(os.Getenv("LOG_LEVEL")),
		writer:  os.Stderr,
		handler: parseHandler(os.Getenv("LOG_HANDLER")),
	}
	for _, apply := range opt {
		apply(o)
	}

	var h slog.Handler
	switch o.handler {
	case DevHandler:
		h = tint.NewHandler(o.writer, &tint.Options{
			Level:      o.level,
			TimeFormat: "[15:04:05.000]",
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key != slog.LevelKey || len(groups) > 0 {
					return a
				}
				lvl, _ := a.Value.Any().(slog.Level)
				// 8-bit ANSI colours; warn and error keep tint's defaults.
				switch lvl {
				case LevelTrace:
					return tint.Attr(13, slog.String(a.Key, "TRC"))
				case LevelDebug:
					return tint.Attr(3, slog.String(a.Key, "DBG"))
				case LevelInfo:
					return tint.Attr(14, slog.String(a.Key, "INF"))
				case LevelNotice:
					return tint.Attr(10, slog.String(a.Key, "NTC"))
				case LevelEmergency:
					return tint.Attr(9, slog.String(a.Key, "EMR"))
				}
				return a
			},
		})
	case TextHandler:
		h = slog.NewTextHandler(o.writer, handlerOpts(o.level))
	default:
		h = slog.NewJSONHandler(o.writer, handlerOpts(o.level))
	}
	return &logger{Logger: slog.New(h), level: o.level}
}

func handlerOpts(lvl slog.Level) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key != slog.LevelKey || len(groups) > 0 {
				return attr
			}
			switch attr.Value.Any() {
			case LevelTrace:
				return slog.String(attr.Key, "TRACE")
			case LevelNotice:
				return slog.String(attr.Key, "NOTICE")
			case LevelEmergency:
				return slog.String(attr.Key, "EMERGENCY")
			}
			return attr
		},
	}
}

func parseHandler(s string) handler {
	switch strings.ToLower(s) {
	case "json":
		return JSONHandler
	case "txt", "text":
		return TextHandler
	default:
		return DevHandler
	}
}

// ParseLevel converts a level name into a slog level, falling back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "notice":
		return LevelNotice
	case "warn", "warning":
		return LevelWarning
	case "error":
		return LevelError
	case "emergency":
		return LevelEmergency
	default:
		return DefaultLevel
	}
}

// From returns the logger stored in ctx, or a new logger if none is stored.
func From(ctx context.Context, opt ...Opt) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok {
		return l
	}
	return New(opt...)
}

// WithLogger stores l in ctx.
func WithLogger(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// VoidLogger discards everything.  Used in tests.
func VoidLogger() Logger {
	return New(WithWriter(io.Discard))
}

// FromSlog wraps an existing slog logger.
func FromSlog(l *slog.Logger, level slog.Level) Logger {
	return &logger{Logger: l, level: level}
}

type logger struct {
	*slog.Logger
	level slog.Level
}

func (l *logger) Level() slog.Level {
	return l.level
}

func (l *logger) With(args ...any) Logger {
	if len(args) == 0 {
		return l
	}
	return &logger{Logger: l.Logger.With(args...), level: l.level}
}

func (l *logger) Trace(msg string, args ...any) {
	l.Logger.Log(context.Background(), LevelTrace, msg, args...)
}

func (l *logger) Notice(msg string, args ...any) {
	l.Logger.Log(context.Background(), LevelNotice, msg, args...)
}

func (l *logger) Emergency(msg string, args ...any) {
	l.Logger.Log(context.Background(), LevelEmergency, msg, args...)
}

func (l *logger) SLog() *slog.Logger {
	return l.Logger
}
