package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func parseLevel(level string) (logrus.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return logrus.InfoLevel, nil
	case "diagnostics":
		return logrus.TraceLevel, nil
	}
	return logrus.ParseLevel(level)
}

// ConfigureLogging applies lc to the standard logrus logger. The returned
// closer releases a log file opened for Output; it is a no-op for stdout and
// stderr.
func ConfigureLogging(lc LoggingConfig) (io.Closer, error) {
	level, err := parseLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("logging level: %w", err)
	}

	var out io.WriteCloser
	switch strings.ToLower(strings.TrimSpace(lc.Output)) {
	case "", "stderr":
		out = nopCloser{os.Stderr}
	case "stdout":
		out = nopCloser{os.Stdout}
	default:
		f, err := os.OpenFile(lc.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("logging output: %w", err)
		}
		out = f
	}

	switch lc.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logrus.SetLevel(level)
	logrus.SetOutput(out)

	logrus.WithFields(logrus.Fields{
		"function": "ConfigureLogging",
		"level":    level.String(),
		"format":   lc.Format,
	}).Debug("Logging configured")

	return out, nil
}
