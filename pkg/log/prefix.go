package log

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// PrefixLogger wraps a logrus logger and prepends a fixed prefix to every
// record. Components identify themselves with it (e.g. "certhandler",
// "pkcs11/iam") so interleaved logs from several modules stay readable.
type PrefixLogger struct {
	logger *logrus.Logger
	prefix string
}

// NewPrefixLogger creates a PrefixLogger on top of logger. A nil logger gets
// a default one so call sites in tests don't need wiring.
func NewPrefixLogger(logger *logrus.Logger, prefix string) *PrefixLogger {
	if logger == nil {
		logger = InitLogs()
	}

	return &PrefixLogger{logger: logger, prefix: prefix}
}

// WithPrefix returns a new PrefixLogger sharing the underlying logger with a
// different prefix.
func (l *PrefixLogger) WithPrefix(prefix string) *PrefixLogger {
	return &PrefixLogger{logger: l.logger, prefix: prefix}
}

// Prefix returns the configured prefix.
func (l *PrefixLogger) Prefix() string {
	return l.prefix
}

func (l *PrefixLogger) Debug(args ...interface{}) { l.log(logrus.DebugLevel, args...) }
func (l *PrefixLogger) Debugf(format string, args ...interface{}) { l.logf(logrus.DebugLevel, format, args...) }
func (l *PrefixLogger) Info(args ...interface{}) { l.log(logrus.InfoLevel, args...) }
func (l *PrefixLogger) Infof(format string, args ...interface{}) { l.logf(logrus.InfoLevel, format, args...) }
func (l *PrefixLogger) Warn(args ...interface{}) { l.log(logrus.WarnLevel, args...) }
func (l *PrefixLogger) Warnf(format string, args ...interface{}) { l.logf(logrus.WarnLevel, format, args...) }
func (l *PrefixLogger) Error(args ...interface{}) { l.log(logrus.ErrorLevel, args...) }
func (l *PrefixLogger) Errorf(format string, args ...interface{}) { l.logf(logrus.ErrorLevel, format, args...) }

func (l *PrefixLogger) log(level logrus.Level, args ...interface{}) {
	if !l.logger.IsLevelEnabled(level) {
		return
	}

	l.logger.Log(level, l.prefix+": "+fmt.Sprint(args...))
}

func (l *PrefixLogger) logf(level logrus.Level, format string, args ...interface{}) {
	if !l.logger.IsLevelEnabled(level) {
		return
	}

	l.logger.Logf(level, l.prefix+": "+format, args...)
}
