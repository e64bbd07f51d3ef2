package utils

import (
	"fmt"

	"github.com/pion/logging"
	"go.uber.org/zap"
)

// ZapLoggerFactory bridges pion's logging.LoggerFactory onto a zap logger
// so the ICE/DTLS/TURN internals share the process log stream.
type ZapLoggerFactory struct {
	Base *zap.Logger
}

// NewLoggerFactory wraps a zap logger for consumption by pion components.
func NewLoggerFactory(base *zap.Logger) *ZapLoggerFactory {
	return &ZapLoggerFactory{Base: base}
}

// NewLogger returns a leveled logger scoped to the given subsystem.
func (f *ZapLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &zapLeveledLogger{sugar: f.Base.Named(scope).Sugar()}
}

type zapLeveledLogger struct {
	sugar *zap.SugaredLogger
}

func (l *zapLeveledLogger) Trace(msg string) { l.sugar.Debug(msg) }
func (l *zapLeveledLogger) Tracef(format string, args ...interface{}) {
	l.sugar.Debug(fmt.Sprintf(format, args...))
}

func (l *zapLeveledLogger) Debug(msg string) { l.sugar.Debug(msg) }
func (l *zapLeveledLogger) Debugf(format string, args ...interface{}) {
	l.sugar.Debug(fmt.Sprintf(format, args...))
}

func (l *zapLeveledLogger) Info(msg string) { l.sugar.Info(msg) }
func (l *zapLeveledLogger) Infof(format string, args ...interface{}) {
	l.sugar.Info(fmt.Sprintf(format, args...))
}

func (l *zapLeveledLogger) Warn(msg string) { l.sugar.Warn(msg) }
func (l *zapLeveledLogger) Warnf(format string, args ...interface{}) {
	l.sugar.Warn(fmt.Sprintf(format, args...))
}

func (l *zapLeveledLogger) Error(msg string) { l.sugar.Error(msg) }
func (l *zapLeveledLogger) Errorf(format string, args ...interface{}) {
	l.sugar.Error(fmt.Sprintf(format, args...))
}
