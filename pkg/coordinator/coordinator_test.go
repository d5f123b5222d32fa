package coordinator

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"relaysync/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.VaultRoot = t.TempDir()
	cfg.Listen.Status = "127.0.0.1:0"
	cfg.Listen.Health = "127.0.0.1:0"
	cfg.Sync.TickInterval = config.Duration(10 * time.Millisecond)
	cfg.Sync.ReadyCheckInterval = config.Duration(10 * time.Millisecond)
	cfg.Folders = []config.FolderConfig{{GUID: "notes", Path: "notes"}}
	return cfg
}

func startCoordinator(t *testing.T, cfg *config.Config) *Coordinator {
	t.Helper()
	c, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx))
	return c
}

func TestCoordinatorServesStatusAndHealth(t *testing.T) {
	c := startCoordinator(t, newTestConfig(t))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.Eventually(t, func() bool {
		status, err := CheckHealth(ctx, c.HealthAddr(), "")
		return err == nil && status == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 50*time.Millisecond)

	status, err := CheckHealth(ctx, c.HealthAddr(), folderService("notes"))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)

	report, err := FetchStatus(ctx, c.StatusAddr())
	require.NoError(t, err)
	require.Len(t, report.Folders, 1)
	assert.Equal(t, "notes", report.Folders[0].GUID)
	assert.True(t, report.Folders[0].Ready)
	assert.Equal(t, 20, report.Pool.MaxPersistent)

	resp, err := http.Get("http://" + c.StatusAddr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "relaysync_reconcile_passes_total")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestWatcherEventsReachFolder(t *testing.T) {
	cfg := newTestConfig(t)
	c := startCoordinator(t, cfg)
	folder, ok := c.Folder("notes")
	require.True(t, ok)

	root := cfg.FolderRoot(cfg.Folders[0])
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"), []byte("# hello"), 0o644))

	require.Eventually(t, func() bool {
		_, ok := folder.File("/a.md")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(root, "a.md")))
	require.Eventually(t, func() bool {
		_, ok := folder.File("/a.md")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestExistingFilesAreAdoptedOnStart(t *testing.T) {
	cfg := newTestConfig(t)
	root := cfg.FolderRoot(cfg.Folders[0])
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.md"), []byte("b"), 0o644))

	c := startCoordinator(t, cfg)
	folder, _ := c.Folder("notes")
	_, ok := folder.File("/sub/b.md")
	assert.True(t, ok)
	_, ok = folder.File("/sub")
	assert.True(t, ok)
}

func TestFolderManagement(t *testing.T) {
	cfg := newTestConfig(t)
	c := startCoordinator(t, cfg)
	ctx := context.Background()

	assert.Error(t, c.AddFolder(ctx, cfg.Folders[0]), "duplicate guid")
	require.NoError(t, c.AddFolder(ctx, config.FolderConfig{GUID: "work", Path: "work"}))
	assert.Len(t, c.Folders(), 2)

	require.NoError(t, c.RemoveFolder("work"))
	assert.Error(t, c.RemoveFolder("work"))
	_, ok := c.Folder("work")
	assert.False(t, ok)
}

func TestLocalOnlyInstallIsOffline(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Listen.Status = ""
	cfg.Listen.Health = ""
	c := startCoordinator(t, cfg)

	assert.Nil(t, c.relay)
	assert.Empty(t, c.StatusAddr())
	assert.Empty(t, c.HealthAddr())

	_, err := offline{}.PullUpdate(context.Background(), "doc")
	assert.ErrorIs(t, err, ErrOffline)

	c.Stop()
	c.Stop()
}
