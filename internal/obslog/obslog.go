// Package obslog provides the structured logger that the core and broker
// binaries build and hand to their components. It wraps go-logr/logr so log call
// sites stay in terms of structured key/value pairs rather than
// formatted strings, backed by stdr so a run's log level is configurable
// without pulling in a heavier logging backend.
package obslog

import (
	"log"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// Level names accepted by New, ordered from least to most verbose.
const (
	LevelError = 0
	LevelInfo  = 1
	LevelDebug = 2
)

// New returns a logr.Logger named component, writing to stderr, verbose up
// to the given level. stdr's V-levels map directly onto the three levels
// this package names.
func New(component string, level int) logr.Logger {
	stdr.SetVerbosity(level)
	base := log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
	return stdr.New(base).WithName(component)
}

// ParseLevel converts the config/CLI level names ("error", "info",
// "debug") to the integer verbosity New expects, defaulting to LevelInfo
// for an empty or unrecognized name.
func ParseLevel(name string) int {
	switch name {
	case "error":
		return LevelError
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}
