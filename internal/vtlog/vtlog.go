// Package vtlog is the ambient structured-logging facade used throughout
// the runtime. It wraps github.com/joeycumines/logiface, backed by
// zerolog via github.com/joeycumines/izerolog, so every package logs
// through one consistent, leveled, structured sink instead of reaching
// for log.Printf.
package vtlog

import (
	"os"
	"sync"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Logger is the concrete logger type used across the module.
type Logger = logiface.Logger[*izerolog.Event]

var (
	mu      sync.RWMutex
	current *Logger = newDefault()
)

func newDefault() *Logger {
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	return logiface.New(izerolog.WithZerolog(zl))
}

// Set replaces the package-wide logger. Intended to be called once during
// process bootstrap. vtr.WithLogger does not call Set: it replaces only the
// logger of one Runtime.
func Set(l *Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		current = newDefault()
		return
	}
	current = l
}

// Get returns the current package-wide logger.
func Get() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// WithRank returns a child logger with a "rank" field bound, for use by a
// single Runtime instance so every log line it emits is attributable.
func WithRank(l *Logger, rank int32) *Logger {
	return l.Clone().Int("rank", int(rank)).Logger()
}
