// Package logger builds the logrus instances used across the server and
// worker binaries. No global state: callers own the returned logger and the
// close function for its file.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// New creates a logger writing to logFile (a dated file under logs/ when
// empty). The returned close function releases the log file.
func New(logFile, level, format string, enableStdout bool) (*logrus.Logger, func() error, error) {
	log := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(logLevel)

	switch strings.ToLower(format) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "text":
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return nil, nil, fmt.Errorf("unsupported log format: %s", format)
	}

	if logFile == "" {
		logFile = fmt.Sprintf("logs/podcast-agent-%s.log", time.Now().Format("2006-01-02"))
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	//nolint:gosec // G304: logFile comes from configuration, not user input
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	if enableStdout {
		log.SetOutput(io.MultiWriter(file, os.Stdout))
	} else {
		log.SetOutput(file)
	}

	return log, file.Close, nil
}

// Discard returns a logger that drops everything. Used in tests where log
// output is noise.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
