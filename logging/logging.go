// Package logging builds the root logger for the daemon and the tools.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/igjeong/hyper-pf/errors"
)

// Log formats accepted by New.
const (
	FormatText = "text"
	FormatJSON = "json"
)

const timestampFormat = "2006-01-02T15:04:05.000"

// New returns a logger writing to w. verbose turns on debug lines; format
// is FormatText or FormatJSON, anything else falls back to text.
func New(w io.Writer, verbose bool, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)

	switch format {
	case FormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timestampFormat})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: timestampFormat,
			FullTimestamp:   true,
			DisableColors:   true,
		})
	}

	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}

// Output returns stdout, or stdout plus the given file when logFile is set.
// The closer is nil when no file was opened.
func Output(logFile string) (io.Writer, io.Closer, error) {
	if logFile == "" {
		return os.Stdout, nil, nil
	}

	if dir := filepath.Dir(logFile); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, errors.Attr(errors.Wrap(err, errors.KindUnavailable, "failed to create log directory"), "path", dir)
		}
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, errors.Attr(errors.Wrap(err, errors.KindUnavailable, "failed to open log file"), "path", logFile)
	}
	return io.MultiWriter(os.Stdout, f), f, nil
}
