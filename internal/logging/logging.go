// Package logging builds the logrus loggers shared by every rank.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"emrefine/pkg/config"
	"emrefine/pkg/parallel"
)

// New returns a logger configured from the logging section of cfg. Output
// goes to stderr.
func New(cfg *config.Config) *logrus.Logger {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(cfg *config.Config, w io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)

	if cfg.Logging.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	if cfg.Logging.Verbose && level < logrus.DebugLevel {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)
	return logger
}

// ForRank tags log with the rank and its hemisphere.
func ForRank(log *logrus.Entry, ctx *parallel.Context) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		"rank":       ctx.Rank(),
		"hemisphere": ctx.Hemisphere().String(),
	})
}
