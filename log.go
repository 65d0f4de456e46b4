package shmbridge

import (
	"os"

	"github.com/sirupsen/logrus"
)

var (
	debug = debugFromEnv()

	log logrus.FieldLogger
)

// debugFromEnv reports whether DEBUG_SHMBRIDGE is set to anything.
func debugFromEnv() bool {
	return os.Getenv("DEBUG_SHMBRIDGE") != ""
}

// SetLogger sets global logger.
func SetLogger(logger logrus.FieldLogger) {
	log = logger
}

func init() {
	logger := logrus.New()
	if debug {
		logger.Level = logrus.DebugLevel
		logger.Debug("shmbridge: debug level enabled")
	}
	log = logger.WithField("logger", "shmbridge")
}

// NewLogger builds a logrus logger from a level name and a format, "text"
// or "json".
func NewLogger(level, format string) (*logrus.Logger, error) {
	logger := logrus.New()
	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		logger.SetLevel(lvl)
	}
	if debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger, nil
}
