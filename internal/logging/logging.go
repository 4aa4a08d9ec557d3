// Package logging configures logrus for the daemon and bridges pion's
// internal loggers into it.
package logging

import (
	"fmt"
	"strings"

	"github.com/mossy-p/webrtc-classroom/config"
	"github.com/pion/logging"
	"github.com/sirupsen/logrus"
)

// Setup applies level and format from cfg to the standard logrus logger.
func Setup(cfg config.LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logrus.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("invalid log format %q", cfg.Format)
	}
	return nil
}

// PionFactory implements logging.LoggerFactory on top of a logrus logger.
type PionFactory struct {
	Logger *logrus.Logger
}

// NewPionFactory returns a factory writing to l, or to the standard
// logger when l is nil.
func NewPionFactory(l *logrus.Logger) *PionFactory {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &PionFactory{Logger: l}
}

// NewLogger satisfies logging.LoggerFactory.
func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{entry: f.Logger.WithField("pion", scope)}
}

type pionLogger struct {
	entry *logrus.Entry
}

func (l *pionLogger) Trace(msg string)                          { l.entry.Trace(msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) { l.entry.Tracef(format, args...) }
func (l *pionLogger) Debug(msg string)                          { l.entry.Debug(msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *pionLogger) Info(msg string)                           { l.entry.Info(msg) }
func (l *pionLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *pionLogger) Warn(msg string)                           { l.entry.Warn(msg) }
func (l *pionLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *pionLogger) Error(msg string)                          { l.entry.Error(msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
