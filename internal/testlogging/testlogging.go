// Package testlogging implements a logger that writes to the testing.T log.
package testlogging

import (
	"context"
	"fmt"
	"testing"

	"github.com/cloudpg/cloudpg/logging"
)

// Level specifies log level.
type Level int

// log levels.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

type testLogger struct {
	t        *testing.T
	prefix   string
	minLevel Level
}

func (l *testLogger) Debugf(msg string, args ...interface{}) {
	if l.minLevel > LevelDebug {
		return
	}

	l.t.Helper()
	l.t.Logf(l.prefix+msg, args...)
}

func (l *testLogger) Debugw(msg string, keyValuePairs ...interface{}) {
	if l.minLevel > LevelDebug {
		return
	}

	l.t.Helper()
	l.t.Logf(l.prefix+msg+" %v", fmt.Sprint(keyValuePairs...))
}

func (l *testLogger) Infof(msg string, args ...interface{}) {
	if l.minLevel > LevelInfo {
		return
	}

	l.t.Helper()
	l.t.Logf(l.prefix+msg, args...)
}

func (l *testLogger) Warnf(msg string, args ...interface{}) {
	if l.minLevel > LevelWarning {
		return
	}

	l.t.Helper()
	l.t.Logf(l.prefix+"warning: "+msg, args...)
}

func (l *testLogger) Errorf(msg string, args ...interface{}) {
	if l.minLevel > LevelError {
		return
	}

	l.t.Helper()
	l.t.Logf(l.prefix+"error: "+msg, args...)
}

var _ logging.Logger = (*testLogger)(nil)

// Context returns a context with an attached logger that emits all log entries
// to the go testing.T log output.
func Context(t *testing.T) context.Context {
	t.Helper()

	return ContextWithLevel(t, LevelDebug)
}

// ContextWithLevel returns a context with an attached logger that emits log
// entries with the given level or above.
func ContextWithLevel(t *testing.T, level Level) context.Context {
	t.Helper()

	return logging.WithLogger(context.Background(), func(module string) logging.Logger {
		return &testLogger{t, "[" + module + "] ", level}
	})
}
