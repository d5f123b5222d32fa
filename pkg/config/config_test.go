package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"relaysync/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relaysync.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100*utils.MegaByte, cfg.Sync.MaxFileSize.Bytes())
	assert.Equal(t, 20, cfg.Pool.MaxPersistent)
	assert.Empty(t, cfg.Folders)
}

func TestLoadConfigMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"data_dir": "/var/lib/relaysync",
		"relay": {"api_url": "https://relay.example.com", "token_timeout": "3s"},
		"sync": {"max_file_size": "10MiB", "tick_interval": "250ms", "transfer_lease": "90s"},
		"folders": [
			{"guid": "f1", "path": "notes", "relay": "r1", "should_connect": true},
			{"guid": "f2", "path": "/abs/work"}
		]
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/relaysync", cfg.DataDir)
	assert.Equal(t, "./vault", cfg.VaultRoot, "unset fields keep defaults")
	assert.Equal(t, 3*time.Second, cfg.Relay.TokenTimeout.Std())
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.TickInterval.Std())
	assert.Equal(t, 10*utils.MegaByte, cfg.Sync.MaxFileSize.Bytes())
	assert.Equal(t, 3, cfg.Sync.SyncConcurrency)
	assert.Equal(t, 90*time.Second, cfg.Sync.TransferLease.Std())

	require.Len(t, cfg.Folders, 2)
	assert.True(t, cfg.Folders[0].ShouldConnect)
	assert.Equal(t, filepath.Join("./vault", "notes"), cfg.FolderRoot(cfg.Folders[0]))
	assert.Equal(t, "/abs/work", cfg.FolderRoot(cfg.Folders[1]))
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("RELAYSYNC_DATA_DIR", "/tmp/env-data")
	t.Setenv("RELAYSYNC_SYNC_MAX_FILE_SIZE", "1MB")
	t.Setenv("RELAYSYNC_POOL_SWEEP_INTERVAL", "2s")
	t.Setenv("RELAYSYNC_LOG_LEVEL", "debug")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env-data", cfg.DataDir)
	assert.Equal(t, int64(1000000), cfg.Sync.MaxFileSize.Bytes())
	assert.Equal(t, 2*time.Second, cfg.Pool.SweepInterval.Std())
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing data dir", func(c *Config) { c.DataDir = "" }},
		{"zero concurrency", func(c *Config) { c.Sync.SyncConcurrency = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad relay url", func(c *Config) { c.Relay.APIURL = "not a url" }},
		{"bad listen address", func(c *Config) { c.Listen.Status = "nowhere" }},
		{"folder without guid", func(c *Config) {
			c.Folders = []FolderConfig{{Path: "x"}}
		}},
		{"duplicate folder", func(c *Config) {
			c.Folders = []FolderConfig{{GUID: "a", Path: "x"}, {GUID: "a", Path: "y"}}
		}},
		{"relay folder without relay url", func(c *Config) {
			c.Folders = []FolderConfig{{GUID: "a", Path: "x", Relay: "r1"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, `{"sync": {"tick_interval": 5}}`))
	assert.Error(t, err, "durations must be strings")

	_, err = LoadConfig(writeConfig(t, `{`))
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Folders = []FolderConfig{{GUID: "f1", Path: "notes"}}
	path := filepath.Join(t.TempDir(), "nested", "relaysync.json")
	require.NoError(t, cfg.Save(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
