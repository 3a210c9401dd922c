package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// newLogger builds a logrus.Logger from the --log-level flag, matching
// the reference tooling's configureLogger.
func newLogger() (*logrus.Logger, error) {
	level := logrus.InfoLevel
	switch logLevelFlag {
	case "debug":
		level = logrus.DebugLevel
	case "info":
		level = logrus.InfoLevel
	case "warn":
		level = logrus.WarnLevel
	case "error":
		level = logrus.ErrorLevel
	default:
		return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelFlag)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}
