package trace

import (
	"fmt"
	"strings"
)

// Level controls tracing verbosity.
type Level uint8

const (
	LevelOff    Level = iota // no tracing
	LevelError               // faults only
	LevelCall                // engine + call boundaries
	LevelDetail              // native bridging, thunks, exceptions
	LevelDebug               // everything
)

func (l Level) String() string {
	switch l {
	case LevelOff:
		return "off"
	case LevelError:
		return "error"
	case LevelCall:
		return "call"
	case LevelDetail:
		return "detail"
	case LevelDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "off", "":
		return LevelOff, nil
	case "error":
		return LevelError, nil
	case "call":
		return LevelCall, nil
	case "detail":
		return LevelDetail, nil
	case "debug":
		return LevelDebug, nil
	default:
		return LevelOff, fmt.Errorf("invalid trace level: %q (expected: off|error|call|detail|debug)", s)
	}
}

// ShouldEmit reports whether an event of the given scope and kind passes this level.
func (l Level) ShouldEmit(scope Scope, kind Kind) bool {
	switch l {
	case LevelOff:
		return false
	case LevelError:
		return kind == KindFault
	case LevelCall:
		return (scope <= ScopeCall && kind != KindPoint) || kind == KindFault
	case LevelDetail:
		return scope <= ScopeCall || kind == KindFault
	case LevelDebug:
		return true
	}
	return false
}
