package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"relaysync/pkg/config"
	"relaysync/pkg/fsys"
	"relaysync/pkg/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestSetupLoggerLevels(t *testing.T) {
	logger, err := setupLogger(false, config.LogConfig{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger, err = setupLogger(true, config.LogConfig{Level: "warn"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = setupLogger(false, config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestSetupLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaysync.log")
	logger, err := setupLogger(false, config.LogConfig{File: path, MaxSizeMB: 1, MaxBackups: 1})
	require.NoError(t, err)

	logger.Info("hello file")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello file")
	assert.Contains(t, string(data), `"timestamp"`)
}

func TestFormatEvent(t *testing.T) {
	line := formatEvent(fsys.Event{Op: fsys.OpRename, Path: "/b.md", OldPath: "/a.md"})
	assert.Contains(t, line, "/b.md")
	assert.Contains(t, line, "<- /a.md")

	line = formatEvent(fsys.Event{Op: fsys.OpCreate, Path: "/dir", IsDir: true})
	assert.Contains(t, line, "(dir)")
}

func TestRenderProgressBarClamps(t *testing.T) {
	assert.True(t, strings.HasSuffix(renderProgressBar(150, 10), "100%"))
	assert.True(t, strings.HasSuffix(renderProgressBar(-5, 10), " 0%"))
}

func TestRenderConnection(t *testing.T) {
	assert.Contains(t, renderConnection("", nil), "local")
	assert.Contains(t, renderConnection("relay-1", nil), "idle")
	assert.Contains(t, renderConnection("relay-1", &provider.State{
		Status: provider.StatusDisconnected,
		Intent: provider.IntentDisconnected,
	}), "offline")
	assert.Contains(t, renderConnection("relay-1", &provider.State{
		Status: provider.StatusConnected,
		Intent: provider.IntentConnected,
	}), "connected")
}
