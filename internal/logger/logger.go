package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

const contextName = "ContainerWatch"

type Options struct {
	AppName     string
	Environment string
	Level       string // logrus level name, defaults to info
	Format      string // "json" or "text", defaults to json
	Output      io.Writer
}

// New builds a logger carrying the app_name, environment and context fields.
// Nothing process-wide is configured; the returned entry is passed explicitly.
func New(opts Options) (*logrus.Entry, error) {
	l := logrus.New()

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	l.SetOutput(out)

	level := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}
	l.SetLevel(level)

	switch opts.Format {
	case "", "json":
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
			},
		})
	case "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339Nano})
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	environment := opts.Environment
	if environment == "" {
		environment = "unknown"
	}

	return l.WithFields(logrus.Fields{
		"app_name":    opts.AppName,
		"environment": environment,
		"context":     contextName,
	}), nil
}
