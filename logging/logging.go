// Package logging provides loggers for the tool, carried via context.
package logging

// Logger is an interface used by cloudpg to output logs.
type Logger interface {
	Debugf(msg string, args ...interface{})
	Debugw(msg string, keyValuePairs ...interface{})
	Infof(msg string, args ...interface{})
	Warnf(msg string, args ...interface{})
	Errorf(msg string, args ...interface{})
}

// LoggerFactory retrieves a named logger for a given module.
type LoggerFactory func(module string) Logger
