package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"codeberg.org/mutker/pwmfan/internal/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

const (
	fileMode       = 0o644
	diodeSize      = 1000
	diodePollEvery = 10 * time.Millisecond
)

var log = zerolog.Nop()

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

// Options controls where and how much the logger writes.
type Options struct {
	Level   string
	File    string
	Service bool
	Out     io.Writer
}

// Init builds the global logger. Console output always works; the log file is
// best effort and a failure to open it only produces a warning. The returned
// function flushes and closes the log file.
func Init(opts Options) func() error {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	console := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}

	if opts.Service {
		console.NoColor = true
		console.TimeFormat = ""
		console.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	writers := []io.Writer{console}
	closer := func() error { return nil }

	var fileErr error
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, fileMode)
		if err != nil {
			fileErr = err
		} else {
			// Appends go through a diode so a slow or full disk drops lines
			// instead of stalling the control loop.
			dw := diode.NewWriter(f, diodeSize, diodePollEvery, func(missed int) {
				fmt.Fprintf(os.Stderr, "pwmfan: dropped %d log lines\n", missed)
			})
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        dw,
				NoColor:    true,
				TimeFormat: time.DateTime,
			})
			// Closing the diode drains it and closes the file.
			closer = dw.Close
		}
	}

	log = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()

	if err := SetLogLevel(opts.Level); err != nil {
		SetLogLevel("info") //nolint:errcheck // known good level
		log.Warn().Err(err).Msg("Falling back to info log level")
	}

	if fileErr != nil {
		log.Warn().Err(fileErr).Str("path", opts.File).Msg("Log file unavailable, logging to console only")
	}

	return closer
}

// SetLogLevel sets the global log level from its configuration name.
func SetLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "", "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		return errors.New().WithData(errors.ErrInvalidLogLevel, level)
	}

	return nil
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

// Debug logs a debug message
func Debug() *LogEvent {
	return &LogEvent{log.Debug()}
}

// Info logs an info message
func Info() *LogEvent {
	return &LogEvent{log.Info()}
}

// Warn logs a warning message
func Warn() *LogEvent {
	return &LogEvent{log.Warn()}
}

// Error logs an error message
func Error() *LogEvent {
	return &LogEvent{log.Error()}
}

// ErrorWithCode logs an error together with its code
func ErrorWithCode(err errors.Error) *LogEvent {
	return &LogEvent{log.Error().
		Str("error_code", string(err.Code())).
		Err(err)}
}

type global struct{}

// Get returns a Logger backed by the global logger.
func Get() Logger {
	return global{}
}

func (global) Debug() *LogEvent { return Debug() }
func (global) Info() *LogEvent  { return Info() }
func (global) Warn() *LogEvent  { return Warn() }
func (global) Error() *LogEvent { return Error() }
