package config

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// LoggingConfig configures the standard logrus logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	File   string `yaml:"file"`   // empty logs to stderr
}

func (l *LoggingConfig) validate() error {
	if _, err := logrus.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch l.Format {
	case "", "text", "json":
		return nil
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, l.Format)
	}
}

// Apply configures logger. The returned closer releases the log file, if any.
func (l *LoggingConfig) Apply(logger *logrus.Logger) (io.Closer, error) {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	if l.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if l.File == "" {
		logger.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}
	f, err := os.OpenFile(l.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logger.SetOutput(f)
	return f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
