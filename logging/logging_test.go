package logging_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cloudpg/cloudpg/logging"
)

func TestModuleWithoutLogger(t *testing.T) {
	log := logging.Module("segmenter")

	// contexts without an attached factory get a silent logger, never nil.
	l := log(context.Background())
	require.NotNil(t, l)
	l.Infof("discarded %v", 42)
}

func TestWithLoggerNilFactory(t *testing.T) {
	ctx := logging.WithLogger(context.Background(), nil)

	l := logging.Module("upload")(ctx)
	require.NotNil(t, l)
	l.Debugf("discarded")
}

func TestZapFactoryNamesModules(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	ctx := logging.WithLogger(context.Background(), logging.Zap(zap.New(core)))

	logging.Module("capture")(ctx).Infof("starting backup %v", "b1")
	logging.Module("upload")(ctx).Warnf("slow part")

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "capture", entries[0].LoggerName)
	require.Equal(t, "starting backup b1", entries[0].Message)
	require.Equal(t, "upload", entries[1].LoggerName)
	require.Equal(t, zap.WarnLevel, entries[1].Level)
}
