// Package logging is a small leveled stderr logger, in the same ad-hoc
// fmt.Fprintf(os.Stderr, ...) + debug-flag style cmd/bd uses rather than
// pulling in a structured logging framework.
package logging

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

// Level orders log verbosity, lowest-first.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "?"
	}
}

var minLevel atomic.Int32

func init() {
	if os.Getenv("MEMCTL_DEBUG") != "" {
		minLevel.Store(int32(LevelDebug))
	} else {
		minLevel.Store(int32(LevelInfo))
	}
}

// SetLevel overrides the minimum level written to stderr, ignoring
// MEMCTL_DEBUG; tests use this to silence or capture output.
func SetLevel(l Level) {
	minLevel.Store(int32(l))
}

// Logger writes leveled, component-tagged lines to stderr.
type Logger struct {
	component string
}

// New returns a Logger tagging every line with component, e.g. "query"
// or "embedqueue".
func New(component string) *Logger {
	return &Logger{component: component}
}

func (lg *Logger) log(level Level, format string, args ...any) {
	if int32(level) < minLevel.Load() {
		return
	}
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "%s %s [%s] %s\n", time.Now().UTC().Format(time.RFC3339), level, lg.component, msg)
}

func (lg *Logger) Debug(format string, args ...any) { lg.log(LevelDebug, format, args...) }
func (lg *Logger) Info(format string, args ...any)  { lg.log(LevelInfo, format, args...) }
func (lg *Logger) Warn(format string, args ...any)  { lg.log(LevelWarn, format, args...) }
func (lg *Logger) Error(format string, args ...any) { lg.log(LevelError, format, args...) }
