// Package monitoring owns process logging. The package-level Logf seam can be
// replaced by tests or by embedding programs; the leveled helpers write
// structured zerolog events through the same sink.
package monitoring

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
)

// Logf is the package-level diagnostic logger. It defaults to an info-level
// zerolog event but may be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = func(format string, v ...interface{}) {
	Logger().Info().Msgf(format, v...)
}

// SetLogger replaces the package logger. Passing nil mutes all output,
// including the leveled helpers. f must not log through this package.
func SetLogger(f func(format string, v ...interface{})) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		Logf = func(string, ...interface{}) {}
		logger = zerolog.Nop()
		return
	}
	Logf = f
	logger = zerolog.New(logfWriter(f)).With().Timestamp().Logger()
}

// Init configures the process logger for app at the given level and returns
// it. An empty or unknown level falls back to info.
func Init(app, level string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	l := zerolog.New(w).Level(lvl).With().Timestamp().Str("app", app).Logger()

	mu.Lock()
	logger = l
	Logf = func(format string, v ...interface{}) {
		Logger().Info().Msgf(format, v...)
	}
	mu.Unlock()
	return l
}

// Logger returns the current structured logger.
func Logger() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := logger
	return &l
}

func Debugf(format string, v ...interface{}) { Logger().Debug().Msgf(format, v...) }
func Infof(format string, v ...interface{})  { Logger().Info().Msgf(format, v...) }
func Warnf(format string, v ...interface{})  { Logger().Warn().Msgf(format, v...) }
func Errorf(format string, v ...interface{}) { Logger().Error().Msgf(format, v...) }

// Criticalf logs at error level tagged as critical. zerolog has no level
// above error that does not exit or panic.
func Criticalf(format string, v ...interface{}) {
	Logger().Error().Bool("critical", true).Msgf(format, v...)
}

type logfWriter func(format string, v ...interface{})

func (f logfWriter) Write(p []byte) (int, error) {
	f("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
