// Package logging wires the project's zerolog setup: pretty console
// output when attached to a terminal, plain JSON lines otherwise. No
// PHI value is ever logged — only anon identifiers, counts and error
// kinds.
package logging

import (
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

var (
	base        zerolog.Logger
	initOnce    sync.Once
	initialized bool
)

// Level mirrors the handful of levels ProjectModel.json can request.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init sets the global logger. Safe to call once at process startup;
// subsequent calls are no-ops so tests and cmd/anonctl can call it
// defensively without clobbering anonymizerd's configuration.
func Init(level Level) {
	initOnce.Do(func() {
		zerolog.SetGlobalLevel(level.zerolog())
		if isatty.IsTerminal(os.Stdout.Fd()) {
			base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
		} else {
			base = zerolog.New(os.Stdout).With().Timestamp().Logger()
		}
		initialized = true
	})
}

// For returns a sub-logger tagged with the given component name, e.g.
// "ingest", "anonymizer", "retrieve", "export", "controlplane".
func For(component string) zerolog.Logger {
	if !initialized {
		// Init not called yet (e.g. a unit test exercising a package in
		// isolation) — fall back to a quiet default rather than panicking.
		Init(LevelInfo)
	}
	return base.With().Str("component", component).Logger()
}
