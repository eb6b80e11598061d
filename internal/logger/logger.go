// Package logger provides the process-wide leveled logger used by xwtune.
//
// All packages log through the printf-style helpers in this package so that
// the verbosity switch (--verbose) and the output format are controlled in a
// single place. The implementation is backed by logrus.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// base is the shared logrus instance.
var base = newBase(os.Stderr)

func newBase(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return l
}

// SetDebug toggles debug-level output.
//
// Parameters:
//   - enabled: true to emit Debug messages, false to suppress them
func SetDebug(enabled bool) {
	if enabled {
		base.SetLevel(logrus.DebugLevel)
		return
	}
	base.SetLevel(logrus.InfoLevel)
}

// IsDebug reports whether debug-level output is enabled.
func IsDebug() bool {
	return base.IsLevelEnabled(logrus.DebugLevel)
}

// SetOutput redirects log output. Tests use it to capture messages.
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// WithComponent returns an entry tagged with the given component name.
//
// The orchestrator tags its messages with the component name "Training",
// so the output reads the same as the step log of a training run.
func WithComponent(name string) *logrus.Entry {
	return base.WithField("component", name)
}

// Writer returns a writer that logs each line written to it at info level,
// tagged with the component name. The caller must Close it.
func Writer(component string) *io.PipeWriter {
	return WithComponent(component).WriterLevel(logrus.InfoLevel)
}

// Debug logs a formatted message at debug level.
func Debug(format string, args ...interface{}) {
	base.Debugf(format, args...)
}

// Info logs a formatted message at info level.
func Info(format string, args ...interface{}) {
	base.Infof(format, args...)
}

// Warn logs a formatted message at warning level.
func Warn(format string, args ...interface{}) {
	base.Warnf(format, args...)
}

// Error logs a formatted message at error level.
func Error(format string, args ...interface{}) {
	base.Errorf(format, args...)
}
