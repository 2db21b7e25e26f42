// Package logging provides the structured logger shared by both binaries.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the shared logger type used throughout the module.
type Logger = *logrus.Logger

// Fields is a set of structured fields attached to a log line.
type Fields = logrus.Fields

// Log levels re-exported so callers don't need to import logrus directly.
const (
	DebugLevel = logrus.DebugLevel
	InfoLevel  = logrus.InfoLevel
	WarnLevel  = logrus.WarnLevel
	ErrorLevel = logrus.ErrorLevel
)

// New creates a JSON-formatted logger at the level named by LOG_LEVEL.
func New() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)
	logger.SetLevel(levelFromEnv())
	return logger
}

// NewWithService returns a logger that tags every entry with a service name.
func NewWithService(service string) *logrus.Logger {
	logger := New()
	logger.AddHook(fieldHook{key: "service", value: service})
	return logger
}

// fieldHook attaches one fixed field to every entry a logger emits.
type fieldHook struct {
	key   string
	value interface{}
}

func (h fieldHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h fieldHook) Fire(e *logrus.Entry) error {
	e.Data[h.key] = h.value
	return nil
}

func levelFromEnv() logrus.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
