// Package klog is the kernel's structured logging entry point: a thin
// wrapper over logrus that tags every line with the emitting subsystem,
// the same convention nestybox-sysbox-libs uses across its libraries.
package klog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return l
}

// SetLevel adjusts the global log level (wired from internal/config).
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// For returns a component-scoped logger, e.g. klog.For("sched").
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}
