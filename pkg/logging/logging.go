package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logger writing to out (stderr when nil) at the given level.
// format is "text" or "json".
func New(level, format string, out io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logger := logrus.New()
	if out == nil {
		out = os.Stderr
	}
	logger.SetOutput(out)
	logger.SetLevel(lvl)

	switch format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("invalid log format %q (want text or json)", format)
	}
	return logger, nil
}

// Discard returns a logger that drops everything. Used as the default when
// a component is constructed without a logger.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// OrDiscard returns l, or a discarding logger if l is nil.
func OrDiscard(l logrus.FieldLogger) logrus.FieldLogger {
	if l == nil {
		return Discard()
	}
	return l
}

// Component tags l with the component name.
func Component(l logrus.FieldLogger, name string) logrus.FieldLogger {
	return OrDiscard(l).WithField("component", name)
}
