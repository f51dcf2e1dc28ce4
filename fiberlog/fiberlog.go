// Package fiberlog wires the scheduler runtime's structured logging, using
// the "system" named-logger convention shared by the fiber, scheduler and
// iomanager packages.
package fiberlog

import (
	"os"
	"sync"

	izerolog "github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Logger is the concrete logger type used throughout this module.
type Logger = logiface.Logger[*izerolog.Event]

var (
	mu     sync.RWMutex
	system *Logger
)

func init() {
	system = newDefault()
}

func newDefault() *Logger {
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	return logiface.New[*izerolog.Event](
		izerolog.WithZerolog(zl),
		logiface.WithLevel[*izerolog.Event](logiface.LevelTrace),
	)
}

// System returns the package's "system" logger, mirroring the
// SERVER_LOG_NAME("system") convention used by the coroutine runtime, the
// scheduler and the I/O manager.
func System() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return system
}

// SetLogger overrides the system logger, e.g. to redirect output or change
// the enabled level. Intended for use during process start-up, not concurrently
// with logging calls.
func SetLogger(l *Logger) {
	mu.Lock()
	defer mu.Unlock()
	system = l
}
