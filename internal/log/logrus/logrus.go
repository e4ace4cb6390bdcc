package logrus

import (
	"io"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"github.com/lucasnoah/autodev/internal/log"
)

type logger struct {
	*logrus.Entry
}

// NewLogrus returns a log.Logger backed by a logrus entry.
func NewLogrus(l *logrus.Entry) log.Logger {
	return logger{Entry: l}
}

func (l logger) WithValues(kv log.Kv) log.Logger {
	newLogger := l.Entry.WithFields(kv)
	return NewLogrus(newLogger)
}

// Options configures New.
type Options struct {
	Out    io.Writer
	Level  string // debug, info, warn, error
	Format string // text or json
}

// New builds a logrus-backed logger writing to opts.Out. Text output is
// colored only when Out is a terminal.
func New(opts Options) (log.Logger, error) {
	l := logrus.New()
	if opts.Out != nil {
		l.Out = opts.Out
	}

	level := logrus.InfoLevel
	if opts.Level != "" {
		lv, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, err
		}
		level = lv
	}
	l.SetLevel(level)

	switch opts.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		color := isTerminal(l.Out)
		l.SetFormatter(&logrus.TextFormatter{
			ForceColors:   color,
			DisableColors: !color,
			FullTimestamp: true,
		})
	}

	return NewLogrus(logrus.NewEntry(l)), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
