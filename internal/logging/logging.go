package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New returns the process logger, tagged with the service (subcommand) name
// and host. format is "json" or "text".
func New(service, level, format string) (*logrus.Entry, error) {
	return NewWithOutput(os.Stdout, service, level, format)
}

func NewWithOutput(w io.Writer, service, level, format string) (*logrus.Entry, error) {
	l := logrus.New()
	l.SetOutput(w)

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, err
	}
	l.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		l.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{logrus.FieldKeyMsg: "message", logrus.FieldKeyTime: "timestamp"},
		})
	}

	host, _ := os.Hostname()
	return l.WithFields(logrus.Fields{"service": service, "hostname": host}), nil
}

// Discard is a logger for tests and library defaults.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
