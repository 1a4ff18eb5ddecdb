// Package logger provides structured logging with optional rotating file output.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields type alias for logrus.Fields
type Fields = logrus.Fields

// Log wraps logrus.Logger with component helpers
type Log struct {
	*logrus.Logger
}

// Options controls logger construction
type Options struct {
	Level string
	File  string // empty means stdout only
}

// New builds a JSON logger. When File is set, output is teed to a rotating file.
func New(opts Options) *Log {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})

	var out io.Writer = os.Stdout
	if opts.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     7,
			Compress:   true,
		})
	}
	l.SetOutput(out)

	return &Log{Logger: l}
}

// Discard returns a logger that writes nowhere, for tests
func Discard() *Log {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Log{Logger: l}
}

// WithComponent tags every entry with the owning component
func (l *Log) WithComponent(component string) *logrus.Entry {
	return l.Logger.WithField("component", component)
}
