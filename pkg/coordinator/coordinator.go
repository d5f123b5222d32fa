// Package coordinator wires the sync core into a running process.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"relaysync/pkg/backgroundsync"
	"relaysync/pkg/config"
	"relaysync/pkg/crdt"
	"relaysync/pkg/fsys"
	"relaysync/pkg/metrics"
	"relaysync/pkg/pool"
	"relaysync/pkg/provider"
	"relaysync/pkg/relay"
	"relaysync/pkg/sharedfolder"
	"relaysync/pkg/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
)

// ErrOffline is returned for relay calls when no relay is configured.
var ErrOffline = errors.New("coordinator: no relay configured")

type Coordinator struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	store  *store.Store
	pool   *pool.Pool
	relay  *relay.Client
	tokens *provider.TokenStore
	bg     *backgroundsync.BackgroundSync

	// Folder management
	folders     map[string]*folderRuntime
	folderMutex sync.RWMutex

	health         *health.Server
	grpcServer     *grpc.Server
	healthListener net.Listener
	httpServer     *http.Server
	httpListener   net.Listener

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

type folderRuntime struct {
	folder  *sharedfolder.SharedFolder
	watcher *fsys.Watcher
}

// offline stands in for the relay of a local-only install. Local folders are
// never connectable, so it is only reached by misconfiguration.
type offline struct{}

func (offline) PullUpdate(context.Context, string) ([]byte, error) {
	return nil, ErrOffline
}

func (offline) PushUpdate(context.Context, string, []byte) error {
	return ErrOffline
}

func (offline) PullBlob(context.Context, string, string) ([]byte, string, error) {
	return nil, "", ErrOffline
}

func (offline) PushBlob(context.Context, string, string, string, []byte) error {
	return ErrOffline
}

// New opens local state and builds the shared services. Start brings up the
// folders and listeners.
func New(cfg *config.Config, logger *zap.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	st, err := store.Open(filepath.Join(cfg.DataDir, "store"), logger.With(zap.String("component", "store")))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  m,
		store:    st,
		folders:  make(map[string]*folderRuntime),
		health:   health.NewServer(),
		ctx:      ctx,
		cancel:   cancel,
	}

	c.pool = pool.New(pool.Options{
		MaxPersistent: cfg.Pool.MaxPersistent,
		MaxTemporary:  cfg.Pool.MaxTemporary,
		SweepInterval: cfg.Pool.SweepInterval.Std(),
	}, logger.With(zap.String("component", "pool")), m)

	var remote backgroundsync.Remote = offline{}
	if cfg.Relay.APIURL != "" {
		c.relay = relay.NewClient(relay.Options{
			BaseURL:      cfg.Relay.APIURL,
			APIKey:       cfg.Relay.APIKey,
			MaxRetries:   cfg.Relay.MaxRetries,
			JitterFactor: 0.1,
		}, logger.With(zap.String("component", "relay")))
		c.tokens = provider.NewTokenStore(c.relay, cfg.Relay.TokenTimeout.Std(), logger.With(zap.String("component", "tokens")), m)
		c.relay.SetTokenSource(c.tokens)
		remote = c.relay
	}

	c.bg = backgroundsync.New(remote, backgroundsync.Options{
		SyncConcurrency:     cfg.Sync.SyncConcurrency,
		DownloadConcurrency: cfg.Sync.DownloadConcurrency,
		TickInterval:        cfg.Sync.TickInterval.Std(),
		MaxRetries:          cfg.Sync.MaxRetries,
		RetryDelay:          cfg.Sync.RetryDelay.Std(),
		MaxFileSize:         cfg.Sync.MaxFileSize.Bytes(),
		Leases:              c.pool,
		Lease:               cfg.Sync.TransferLease.Std(),
	}, logger.With(zap.String("component", "backgroundsync")), m)

	return c, nil
}

// Start opens every configured folder, starts its watcher and brings up the
// status and health listeners.
func (c *Coordinator) Start(ctx context.Context) error {
	c.health.SetServingStatus("", healthNotServing)

	for _, fc := range c.cfg.Folders {
		if err := c.AddFolder(ctx, fc); err != nil {
			return err
		}
	}

	if addr := c.cfg.Listen.Health; addr != "" {
		if err := c.startHealth(addr); err != nil {
			return err
		}
	}
	if addr := c.cfg.Listen.Status; addr != "" {
		if err := c.startHTTP(addr); err != nil {
			return err
		}
	}

	c.wg.Add(1)
	go c.readinessLoop()

	c.logger.Info("Coordinator started",
		zap.Int("folders", len(c.cfg.Folders)),
		zap.Bool("relay", c.relay != nil),
		zap.String("status", c.StatusAddr()),
		zap.String("health", c.HealthAddr()))
	return nil
}

// AddFolder opens one shared folder and begins watching its directory.
func (c *Coordinator) AddFolder(ctx context.Context, fc config.FolderConfig) error {
	c.folderMutex.Lock()
	if _, exists := c.folders[fc.GUID]; exists {
		c.folderMutex.Unlock()
		return fmt.Errorf("folder %s already added", fc.GUID)
	}
	c.folderMutex.Unlock()

	root := c.cfg.FolderRoot(fc)
	vault, err := fsys.NewOSVault(root)
	if err != nil {
		return err
	}

	logger := c.logger.With(zap.String("component", "sharedfolder"))
	deps := sharedfolder.Deps{
		Vault:   vault,
		Store:   c.store,
		Sync:    c.bg,
		Pool:    c.pool,
		Logger:  logger,
		Metrics: c.metrics,
	}
	if c.relay != nil && fc.Relay != "" {
		deps.Tokens = c.tokens
		deps.Transports = func(doc *crdt.Doc) provider.Transport {
			return relay.NewWSTransport(doc, logger)
		}
	}

	folder, err := sharedfolder.New(sharedfolder.Config{
		GUID:               fc.GUID,
		Root:               root,
		Relay:              fc.Relay,
		ShouldConnect:      fc.ShouldConnect,
		Authoritative:      fc.Authoritative || fc.Relay == "",
		MaxFileSize:        c.cfg.Sync.MaxFileSize.Bytes(),
		ReadyCheckInterval: c.cfg.Sync.ReadyCheckInterval.Std(),
		Concurrency:        c.cfg.Sync.ReconcileWorkers,
	}, deps)
	if err != nil {
		return fmt.Errorf("failed to create folder %s: %w", fc.GUID, err)
	}
	if err := folder.Start(ctx); err != nil {
		folder.Destroy()
		return err
	}

	watcher, err := fsys.NewWatcher(root, c.logger.With(zap.String("component", "watcher"), zap.String("folder", fc.GUID)))
	if err != nil {
		folder.Destroy()
		return err
	}
	if err := watcher.Start(); err != nil {
		folder.Destroy()
		return fmt.Errorf("failed to watch %s: %w", root, err)
	}

	rt := &folderRuntime{folder: folder, watcher: watcher}
	c.folderMutex.Lock()
	c.folders[fc.GUID] = rt
	c.folderMutex.Unlock()
	c.health.SetServingStatus(folderService(fc.GUID), healthNotServing)

	c.wg.Add(1)
	go c.routeEvents(rt)
	return nil
}

// RemoveFolder stops watching a folder and releases it. Stored history and
// the files on disk are kept.
func (c *Coordinator) RemoveFolder(guid string) error {
	c.folderMutex.Lock()
	rt, ok := c.folders[guid]
	delete(c.folders, guid)
	c.folderMutex.Unlock()
	if !ok {
		return fmt.Errorf("folder %s not found", guid)
	}

	if err := rt.watcher.Stop(); err != nil {
		c.logger.Warn("Failed to stop watcher", zap.String("folder", guid), zap.Error(err))
	}
	rt.folder.Destroy()
	c.health.SetServingStatus(folderService(guid), healthServiceUnknown)
	return nil
}

// Folder returns a running folder.
func (c *Coordinator) Folder(guid string) (*sharedfolder.SharedFolder, bool) {
	c.folderMutex.RLock()
	defer c.folderMutex.RUnlock()
	rt, ok := c.folders[guid]
	if !ok {
		return nil, false
	}
	return rt.folder, true
}

// Folders returns the running folders ordered by guid.
func (c *Coordinator) Folders() []*sharedfolder.SharedFolder {
	c.folderMutex.RLock()
	out := make([]*sharedfolder.SharedFolder, 0, len(c.folders))
	for _, rt := range c.folders {
		out = append(out, rt.folder)
	}
	c.folderMutex.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].GUID() < out[j].GUID() })
	return out
}

// routeEvents feeds watcher events into the folder until the watcher stops.
func (c *Coordinator) routeEvents(rt *folderRuntime) {
	defer c.wg.Done()
	folder := rt.folder
	logger := c.logger.With(zap.String("folder", folder.GUID()))

	events, errs := rt.watcher.Events(), rt.watcher.Errors()
	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := c.handleEvent(folder, ev); err != nil && !errors.Is(err, sharedfolder.ErrDestroyed) {
				logger.Warn("Failed to apply local change",
					zap.String("op", ev.Op.String()),
					zap.String("path", ev.Path),
					zap.Error(err))
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

func (c *Coordinator) handleEvent(folder *sharedfolder.SharedFolder, ev fsys.Event) error {
	logger := c.logger.With(zap.String("folder", folder.GUID()))
	logger.Debug("Local change",
		zap.String("op", ev.Op.String()),
		zap.String("path", ev.Path),
		zap.String("old_path", ev.OldPath))

	switch ev.Op {
	case fsys.OpCreate:
		return folder.HandleCreate(c.ctx, ev.Path)
	case fsys.OpModify:
		return folder.HandleModify(c.ctx, ev.Path)
	case fsys.OpDelete:
		return folder.HandleDelete(ev.Path)
	case fsys.OpRename:
		return folder.HandleRename(c.ctx, ev.OldPath, ev.Path)
	default:
		return fmt.Errorf("unknown change %d", ev.Op)
	}
}

// readinessLoop mirrors folder readiness into the health service.
func (c *Coordinator) readinessLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		c.updateHealth()
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) updateHealth() {
	all := true
	for _, f := range c.Folders() {
		status := f.Status()
		if status.Ready {
			c.health.SetServingStatus(folderService(f.GUID()), healthServing)
		} else {
			all = false
		}
	}
	if all {
		c.health.SetServingStatus("", healthServing)
	} else {
		c.health.SetServingStatus("", healthNotServing)
	}
}

// Stop shuts down listeners, folders and shared services in reverse order.
func (c *Coordinator) Stop() {
	c.folderMutex.Lock()
	if c.stopped {
		c.folderMutex.Unlock()
		return
	}
	c.stopped = true
	guids := make([]string, 0, len(c.folders))
	for guid := range c.folders {
		guids = append(guids, guid)
	}
	c.folderMutex.Unlock()

	c.health.Shutdown()
	if c.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.httpServer.Shutdown(ctx); err != nil {
			c.logger.Warn("Status server shutdown failed", zap.Error(err))
		}
		cancel()
	}
	if c.grpcServer != nil {
		c.grpcServer.GracefulStop()
	}

	for _, guid := range guids {
		if err := c.RemoveFolder(guid); err != nil {
			c.logger.Warn("Failed to remove folder", zap.String("folder", guid), zap.Error(err))
		}
	}
	c.cancel()
	c.wg.Wait()

	c.bg.Destroy()
	if err := c.pool.Close(); err != nil {
		c.logger.Warn("Failed to close pool", zap.Error(err))
	}
	if err := c.store.Close(); err != nil {
		c.logger.Warn("Failed to close store", zap.Error(err))
	}
	c.logger.Info("Coordinator stopped")
}

// Run starts the coordinator and blocks until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		c.Stop()
		return err
	}
	<-ctx.Done()
	c.Stop()
	return nil
}
