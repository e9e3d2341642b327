// Package logger builds the process zerolog logger from the logging config.
package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects the logger's destinations. Console and File may both be set;
// with neither, output is discarded.
type Config struct {
	Level     string
	File      string
	Console   bool
	Pretty    bool
	Redaction bool
	// MaxSize in MB turns on rotation of File. MaxAge is in days.
	MaxSize  int
	MaxAge   int
	Compress bool

	// Output replaces stderr as the console destination.
	Output io.Writer
}

// Logger is the installed process logger plus the file it may own.
type Logger struct {
	logger zerolog.Logger
	closer io.Closer
}

// New builds a logger from cfg and installs it as log.Logger. An unknown
// level means info.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	l := &Logger{}
	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(cfg))
	}
	if cfg.File != "" {
		f, err := fileWriter(cfg)
		if err != nil {
			return nil, err
		}
		l.closer = f
		sinks = append(sinks, f)
	}

	var w io.Writer = io.Discard
	if len(sinks) == 1 {
		w = sinks[0]
	} else if len(sinks) > 1 {
		w = zerolog.MultiLevelWriter(sinks...)
	}
	if cfg.Redaction {
		w = NewRedactor().Wrap(w)
	}

	l.logger = zerolog.New(w).Level(level).With().Timestamp().Logger()
	log.Logger = l.logger
	return l, nil
}

func consoleWriter(cfg Config) io.Writer {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.Pretty {
		return out
	}
	return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
}

func fileWriter(cfg Config) (io.WriteCloser, error) {
	if cfg.MaxSize > 0 {
		return NewRotatingWriter(cfg.File, cfg.MaxSize, cfg.MaxAge, cfg.Compress)
	}
	f, err := openAppend(cfg.File)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// Zerolog returns the built logger.
func (l *Logger) Zerolog() zerolog.Logger { return l.logger }

// SetLevel changes the level at runtime. The global level moves too, so
// loggers derived before the change follow it.
func (l *Logger) SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	l.logger = l.logger.Level(lvl)
	log.Logger = l.logger
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// Close closes the log file, if there is one.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
