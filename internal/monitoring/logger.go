package monitoring

import (
	"fmt"
	"log"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type logFunc func(format string, v ...interface{})

var (
	logger     atomic.Pointer[logFunc]
	warnLogger atomic.Pointer[logFunc]
)

func init() { SetLogger(log.Printf) }

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger from any goroutine.
func Logf(format string, v ...interface{}) {
	(*logger.Load())(format, v...)
}

// Warnf logs failures. It shares Logf's destination unless UseZap has
// installed a leveled logger, where it logs at warn level.
func Warnf(format string, v ...interface{}) {
	(*warnLogger.Load())(format, v...)
}

// SetLogger replaces the package logger used by both Logf and Warnf.
// Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	setLoggers(f, f)
}

func setLoggers(info, warn func(format string, v ...interface{})) {
	noop := func(string, ...interface{}) {}
	if info == nil {
		info = noop
	}
	if warn == nil {
		warn = noop
	}
	lf, wf := logFunc(info), logFunc(warn)
	logger.Store(&lf)
	warnLogger.Store(&wf)
}

// NewZapLogger builds the process logger. Development mode switches to the
// console encoder with caller information.
func NewZapLogger(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// UseZap routes Logf at info level, Warnf at warn level and the standard
// library logger through l. The returned func restores the standard
// logger's previous output.
func UseZap(l *zap.Logger) (restore func()) {
	sugar := l.Sugar()
	setLoggers(sugar.Infof, sugar.Warnf)
	return zap.RedirectStdLog(l)
}
