// Package logging provides the logger interface shared by every gateway
// component.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the interface satisfied by a component logger. It is a thin
// bridge over logrus.FieldLogger so that components can be unit tested
// against a discarding logger without pulling in a concrete logrus type.
type Logger interface {
	logrus.FieldLogger
	Writer() *io.PipeWriter
}

// NewRoot creates the process-wide root logger.
func NewRoot() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log
}

// Discard creates a logger suitable for tests: it satisfies Logger but
// writes nowhere.
func Discard() Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// Component returns a child logger tagged with a "component" field, the
// convention used throughout this repository for per-subsystem logging.
func Component(log Logger, name string) Logger {
	return log.WithField("component", name)
}
