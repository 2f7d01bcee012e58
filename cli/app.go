// Package cli implements the cloudpg command-line interface.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cloudpg/cloudpg/backup"
	"github.com/cloudpg/cloudpg/logging"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitBackupFailed = 1
	ExitConnectivity = 2
	ExitUsage        = 3
	ExitOther        = 4
)

//nolint:gochecknoglobals
var (
	app = kingpin.New("cloudpg", "Ships PostgreSQL base backups to cloud object storage.")

	logLevel = app.Flag("log-level", "Log level").Default("info").Enum("debug", "info", "warning", "error")
)

// App returns the command-line application object.
func App() *kingpin.Application {
	return app
}

// usageError indicates an invalid combination of command inputs, detected
// before any database or network activity.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...interface{}) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// backupFailedError marks sessions with failed segments; a backup with any
// missing segment is not restorable.
type backupFailedError struct {
	outcome *backup.Outcome
}

func (e *backupFailedError) Error() string { return "backup failed: " + e.outcome.String() }

func rootContext() context.Context {
	level := zapcore.InfoLevel

	switch *logLevel {
	case "debug":
		level = zapcore.DebugLevel
	case "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableStacktrace = true

	logger, err := cfg.Build()
	if err != nil {
		return context.Background()
	}

	return logging.WithLogger(context.Background(), logging.Zap(logger))
}

//nolint:gochecknoglobals
var actionStarted bool

// Run parses the provided arguments, runs the selected command and returns
// the process exit code.
func Run(args []string) int {
	_, err := app.Parse(args)
	if err == nil {
		return ExitSuccess
	}

	fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)

	return exitCodeForError(err)
}

func exitCodeForError(err error) int {
	var (
		ue *usageError
		bf *backupFailedError
		ce *backup.CaptureError
	)

	switch {
	case errors.As(err, &ue):
		return ExitUsage
	case backup.IsConnectivityError(err):
		return ExitConnectivity
	case errors.As(err, &bf), backup.IsProtocolError(err), errors.As(err, &ce):
		return ExitBackupFailed
	case actionStarted:
		return ExitOther
	default:
		// kingpin's own parse errors: bad flags or arguments.
		return ExitUsage
	}
}
