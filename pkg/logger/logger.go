// Package logger is the small leveled-logging facade used for connection
// lifecycle, error, and startup diagnostics — distinct from the
// internal/trace package, which owns the spec-mandated per-packet wire
// trace and must never go through this logger's formatting.
package logger

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetLevel sets the minimum logrus level by name ("debug", "info",
// "warn", "error").
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return
	}
	base.SetLevel(lvl)
}

// WithField returns a logger whose subsequent lines carry key=value,
// used to attach the per-run connection ID to every diagnostic line.
func WithField(key string, value interface{}) *logrus.Entry {
	return base.WithField(key, value)
}

func Debug(format string, args ...interface{}) { base.Debugf(format, args...) }
func Info(format string, args ...interface{})  { base.Infof(format, args...) }
func Warn(format string, args ...interface{})  { base.Warnf(format, args...) }
func Error(format string, args ...interface{}) { base.Errorf(format, args...) }
func Fatal(format string, args ...interface{}) { base.Fatalf(format, args...) }

// Success logs at info level with a distinguishing prefix; logrus has no
// dedicated "success" level.
func Success(format string, args ...interface{}) {
	base.Infof("OK: "+format, args...)
}

// Banner prints the startup banner straight to stdout — it's a one-time
// human-facing splash, not a structured log line.
func Banner(title, version string) {
	fmt.Printf("== %s (v%s) ==\n", title, version)
}
