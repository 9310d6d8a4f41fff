// Package logging wraps logrus with the small surface the rest of the
// application uses. Keeping the wrapper thin lets packages import a single
// name without caring about the underlying logger configuration.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var base = logrus.StandardLogger()

// SetupBaseLogger configures the process-wide logger with sane defaults.
// Call once, before any other logging, typically at command start.
func SetupBaseLogger() {
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.InfoLevel)
}

// SetLevel adjusts the logger level from a config string ("debug", "info",
// "warn", "error"). Unknown values keep the current level.
func SetLevel(level string, debug bool) {
	if debug {
		base.SetLevel(logrus.DebugLevel)
		return
	}
	parsed, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return
	}
	base.SetLevel(parsed)
}

// ConfigureLogOutput redirects log output to a rotating file when path is
// non-empty. An empty path keeps stderr.
func ConfigureLogOutput(path string) error {
	if path == "" {
		return nil
	}
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    20, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
		Compress:   true,
	}
	base.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return nil
}

func Debug(args ...any)                 { base.Debug(args...) }
func Warn(args ...any)                  { base.Warn(args...) }
func Debugf(format string, args ...any) { base.Debugf(format, args...) }
func Infof(format string, args ...any)  { base.Infof(format, args...) }
func Warnf(format string, args ...any)  { base.Warnf(format, args...) }
func Errorf(format string, args ...any) { base.Errorf(format, args...) }
func Fatalf(format string, args ...any) { base.Fatalf(format, args...) }

// WithError returns an entry carrying the error field.
func WithError(err error) *logrus.Entry { return base.WithError(err) }

// With returns an entry carrying a single structured field.
func With(key string, value any) *logrus.Entry { return base.WithField(key, value) }
