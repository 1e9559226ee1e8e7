// Package logutil wires the engine's logging convention: every long-lived
// component takes a loggers.Advanced at construction, never a global
// logger, matching the teacher's Runner/Client pattern
// (pkg/migration/runner.go). The teacher itself defaults that interface
// to a *logrus.Logger (runner.go: "logger: logrus.New()"); this package
// keeps that default.
package logutil

import (
	"github.com/siddontang/loggers"
	"github.com/sirupsen/logrus"
)

// Default returns the teacher's default loggers.Advanced implementation,
// a plain *logrus.Logger.
func Default() loggers.Advanced {
	return logrus.New()
}

// NewLogrusAdapter satisfies loggers.Advanced with a caller-supplied
// *logrus.Logger, for embedding this engine in a program that already
// standardized on logrus rather than go-log.
func NewLogrusAdapter(l *logrus.Logger) loggers.Advanced {
	return l
}
