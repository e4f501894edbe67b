// Package mlog provides logging on top of log/slog, with log levels per
// originating package and helpers for logging errors.
//
// Each log level has a function to log with and without error. Logged text
// should be constant, variable data goes in attributes, for easier log
// processing (e.g. building metrics based on log messages).
//
// The log levels can be configured per package, e.g. queue, dnscache. The
// configuration is application-global, so each Log instance uses the same log
// levels.
//
// Print* should be used for lines that always should be printed, regardless of
// configured log levels. Useful for startup logging and subcommands.
package mlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

const (
	LevelTrace = slog.LevelDebug - 4
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelError = slog.LevelError
	LevelPrint = slog.LevelError + 4 // Printed regardless of configured log level.
	LevelFatal = slog.LevelError + 8 // Printed regardless of configured log level.
)

var LevelStrings = map[slog.Level]string{
	LevelTrace: "trace",
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelError: "error",
	LevelPrint: "print",
	LevelFatal: "fatal",
}

var Levels = map[string]slog.Level{
	"trace": LevelTrace,
	"debug": LevelDebug,
	"info":  LevelInfo,
	"error": LevelError,
	"print": LevelPrint,
	"fatal": LevelFatal,
}

// Holds a map[string]slog.Level, mapping a package (field pkg in logs) to a log
// level. The empty string is the default/fallback log level.
var config atomic.Pointer[map[string]slog.Level]

// Where log lines without explicit logger go.
var handler atomic.Pointer[slog.Handler]

func init() {
	SetConfig(map[string]slog.Level{"": LevelError})
	SetOutput(os.Stderr)
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(&c)
}

// SetOutput sets the writer for Log instances created without their own
// slog.Logger. Lines are written in logfmt.
func SetOutput(w io.Writer) {
	var h slog.Handler = slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: LevelTrace,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && len(groups) == 0 {
				if lvl, ok := a.Value.Any().(slog.Level); ok {
					if s, ok := LevelStrings[lvl]; ok {
						return slog.String(slog.LevelKey, s)
					}
				}
			}
			return a
		},
	})
	handler.Store(&h)
}

// CidKey can be used with context.WithValue to store a "cid" in a context, for logging.
type cidKey struct{}

var CidKey cidKey

// Log is a logger for a package, with optional attributes added to each line.
type Log struct {
	Logger *slog.Logger
	pkg    string
}

// New returns a new Log for pkg. If logger is nil, the package-wide output is
// used. Each logged line gets attribute "pkg".
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.New(*handler.Load())
	}
	return Log{logger.With(slog.String("pkg", pkg)), pkg}
}

func (l Log) level() slog.Level {
	c := *config.Load()
	if lvl, ok := c[l.pkg]; ok {
		return lvl
	}
	return c[""]
}

func (l Log) enabled(level slog.Level) bool {
	return level >= LevelPrint || level >= l.level()
}

// WithCid adds attribute "cid", a connection/operation id.
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.String("cid", fmt.Sprintf("%x", cid)))
}

// WithContext adds the cid from ctx, if present.
func (l Log) WithContext(ctx context.Context) Log {
	cid, ok := ctx.Value(CidKey).(int64)
	if !ok {
		return l
	}
	return l.WithCid(cid)
}

// With returns a Log that adds attrs to each logged line.
func (l Log) With(attrs ...slog.Attr) Log {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return Log{l.Logger.With(args...), l.pkg}
}

func (l Log) logx(level slog.Level, err error, msg string, attrs ...slog.Attr) bool {
	if !l.enabled(level) {
		return false
	}
	if err != nil {
		attrs = append([]slog.Attr{slog.String("err", err.Error())}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), level, msg, attrs...)
	return true
}

func (l Log) Trace(msg string, attrs ...slog.Attr) bool { return l.logx(LevelTrace, nil, msg, attrs...) }
func (l Log) Debug(msg string, attrs ...slog.Attr) bool { return l.logx(LevelDebug, nil, msg, attrs...) }
func (l Log) Info(msg string, attrs ...slog.Attr) bool  { return l.logx(LevelInfo, nil, msg, attrs...) }
func (l Log) Error(msg string, attrs ...slog.Attr) bool { return l.logx(LevelError, nil, msg, attrs...) }
func (l Log) Print(msg string, attrs ...slog.Attr) bool { return l.logx(LevelPrint, nil, msg, attrs...) }

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) bool {
	return l.logx(LevelDebug, err, msg, attrs...)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) bool {
	return l.logx(LevelInfo, err, msg, attrs...)
}

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) bool {
	return l.logx(LevelError, err, msg, attrs...)
}

func (l Log) Printx(msg string, err error, attrs ...slog.Attr) bool {
	return l.logx(LevelPrint, err, msg, attrs...)
}

func (l Log) Fatal(msg string, attrs ...slog.Attr) { l.Fatalx(msg, nil, attrs...) }

// Fatalx logs and exits the program.
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelFatal, err, msg, attrs...)
	os.Exit(1)
}

// Check logs an error if err is not nil. Intended for errors that are merely
// logged, e.g. when closing a file after use.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}
