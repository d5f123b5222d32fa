// Package sharedfolder keeps one synced directory consistent with its
// replicated metadata and the relay.
package sharedfolder

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"relaysync/pkg/backgroundsync"
	"relaysync/pkg/crdt"
	"relaysync/pkg/document"
	"relaysync/pkg/fsys"
	"relaysync/pkg/metrics"
	"relaysync/pkg/pool"
	"relaysync/pkg/provider"
	"relaysync/pkg/store"
	"relaysync/pkg/syncstore"

	"go.uber.org/zap"
)

var (
	ErrNotReady  = errors.New("sharedfolder: not ready")
	ErrDestroyed = errors.New("sharedfolder: destroyed")
)

const metaShouldConnect = "shouldConnect"

// TransportFactory builds the duplex relay channel of one CRDT document.
type TransportFactory func(doc *crdt.Doc) provider.Transport

// Config describes one shared folder.
type Config struct {
	GUID string
	// Root is the absolute directory, used for logging and status.
	Root string
	// Relay is empty for local-only folders.
	Relay         string
	ShouldConnect bool
	// Authoritative marks folders created locally; they are ready without
	// waiting for server state.
	Authoritative bool

	MaxFileSize        int64
	ReadyCheckInterval time.Duration
	SlowOpThreshold    time.Duration
	Concurrency        int
}

// Deps are the collaborators shared between folders.
type Deps struct {
	Vault      fsys.Vault
	Store      *store.Store
	Sync       *backgroundsync.BackgroundSync
	Pool       *pool.Pool
	Tokens     provider.TokenSource
	Transports TransportFactory
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// SharedFolder owns the SyncStore of one directory and the handles of every
// file below it.
type SharedFolder struct {
	cfg        Config
	vault      fsys.Vault
	st         *store.Store
	bg         *backgroundsync.BackgroundSync
	pool       *pool.Pool
	tokens     provider.TokenSource
	transports TransportFactory
	logger     *zap.Logger
	metrics    *metrics.Metrics

	doc         *crdt.Doc
	persistence *store.Persistence
	syncStore   *syncstore.SyncStore
	conn        *provider.Connection
	fileSet     *FileSet

	mu            sync.Mutex
	files         map[string]document.File
	paths         map[string]document.File
	shouldConnect bool
	destroyed     bool
	lastDiff      []string

	serverSynced atomic.Bool
	readyOnce    sync.Once
	readyCh      chan struct{}

	passMu   sync.Mutex
	pass     passState
	passDone chan struct{}
	passErr  error

	remoteCh    chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe []func()
}

// New builds a folder. Start loads local state and begins reconciling.
func New(cfg Config, deps Deps) (*SharedFolder, error) {
	if cfg.GUID == "" {
		return nil, errors.New("sharedfolder: guid is required")
	}
	if deps.Vault == nil || deps.Store == nil || deps.Sync == nil {
		return nil, errors.New("sharedfolder: vault, store and background sync are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	if cfg.ReadyCheckInterval <= 0 {
		cfg.ReadyCheckInterval = 5 * time.Second
	}
	if cfg.SlowOpThreshold <= 0 {
		cfg.SlowOpThreshold = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}

	logger := deps.Logger.With(zap.String("folder", cfg.GUID))
	doc := crdt.NewDoc(cfg.GUID)
	ds := deps.Store.Doc(cfg.GUID)

	ctx, cancel := context.WithCancel(context.Background())
	f := &SharedFolder{
		cfg:           cfg,
		vault:         deps.Vault,
		st:            deps.Store,
		bg:            deps.Sync,
		pool:          deps.Pool,
		tokens:        deps.Tokens,
		transports:    deps.Transports,
		logger:        logger,
		metrics:       deps.Metrics,
		doc:           doc,
		persistence:   store.NewPersistence(doc, ds, logger),
		syncStore:     syncstore.New(doc, logger),
		fileSet:       newFileSet(),
		files:         make(map[string]document.File),
		paths:         make(map[string]document.File),
		shouldConnect: cfg.ShouldConnect,
		readyCh:       make(chan struct{}),
		remoteCh:      make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}

	if v, err := ds.Meta(metaShouldConnect); err == nil {
		if b, err := strconv.ParseBool(v); err == nil {
			f.shouldConnect = b
		}
	}
	if cfg.Relay != "" && deps.Transports != nil && deps.Tokens != nil {
		f.conn = provider.NewConnection(cfg.GUID, deps.Transports(doc), deps.Tokens, deps.Pool, logger, deps.Metrics)
	}
	return f, nil
}

// Start replays local history, adopts the files already on disk and starts
// the background loops.
func (f *SharedFolder) Start(ctx context.Context) error {
	if f.isDestroyed() {
		return ErrDestroyed
	}
	if err := f.persistence.Load(ctx); err != nil {
		return fmt.Errorf("failed to load folder %s: %w", f.cfg.GUID, err)
	}
	if f.persistence.ServerSynced() {
		f.serverSynced.Store(true)
	}
	if err := f.loadLocal(ctx); err != nil {
		return fmt.Errorf("failed to scan folder %s: %w", f.cfg.GUID, err)
	}

	f.unsubscribe = append(f.unsubscribe, f.syncStore.Observe(func(ev crdt.MapEvent) {
		if f.syncStore.IsLocalOrigin(ev.Origin) {
			return
		}
		f.signal()
	}))
	if f.conn != nil {
		f.unsubscribe = append(f.unsubscribe, f.conn.Subscribe(func(provider.State) {
			f.signal()
		}))
	}

	f.wg.Add(2)
	go f.watchLoop()
	go f.watchdog()

	if f.ShouldConnect() {
		f.connect()
	}
	f.signal()

	f.logger.Info("Shared folder started",
		zap.String("root", f.cfg.Root),
		zap.String("relay", f.cfg.Relay),
		zap.Int("files", len(f.Files())))
	return nil
}

// signal wakes the watch loop. It never blocks, so it is safe inside CRDT
// observers.
func (f *SharedFolder) signal() {
	select {
	case f.remoteCh <- struct{}{}:
	default:
	}
}

func (f *SharedFolder) watchLoop() {
	defer f.wg.Done()
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-f.remoteCh:
		}

		if f.conn != nil && f.conn.Synced() && !f.serverSynced.Load() {
			if err := f.persistence.MarkServerSynced(); err != nil {
				f.logger.Warn("Failed to record server sync", zap.Error(err))
			}
			f.serverSynced.Store(true)
		}
		if !f.Ready() {
			continue
		}
		f.markReady()

		if err := f.SyncFileTree(f.ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrDestroyed) {
			f.logger.Warn("Reconciliation failed", zap.Error(err))
		}
	}
}

// watchdog re-checks the readiness predicate in case the event that should
// have signalled it was missed.
func (f *SharedFolder) watchdog() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.ReadyCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-f.readyCh:
			return
		case <-ticker.C:
		}
		if f.Ready() {
			f.logger.Warn("Ready watchdog resolved a missed readiness event")
			f.markReady()
			f.signal()
			return
		}
	}
}

func (f *SharedFolder) markReady() {
	f.readyOnce.Do(func() {
		close(f.readyCh)
		f.logger.Info("Shared folder ready")
		f.bg.Kick()
	})
}

func (f *SharedFolder) remoteSynced() bool {
	if f.cfg.Relay == "" || f.serverSynced.Load() {
		return true
	}
	if f.conn != nil && f.conn.Synced() {
		return true
	}
	if f.persistence.ServerSynced() {
		f.serverSynced.Store(true)
		return true
	}
	return false
}

// Ready reports whether local history is loaded and the folder either owns
// its state or has seen the server's.
func (f *SharedFolder) Ready() bool {
	if !f.persistence.Synced() {
		return false
	}
	return f.cfg.Authoritative || f.remoteSynced()
}

func (f *SharedFolder) isReadyMarked() bool {
	select {
	case <-f.readyCh:
		return true
	default:
		return false
	}
}

// WhenReady blocks until the folder is ready.
func (f *SharedFolder) WhenReady(ctx context.Context) error {
	select {
	case <-f.readyCh:
		return nil
	case <-f.ctx.Done():
		return ErrDestroyed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connectable reports whether queued transfers of this folder may run.
func (f *SharedFolder) Connectable() bool {
	f.mu.Lock()
	ok := !f.destroyed && f.shouldConnect
	f.mu.Unlock()
	return ok && f.cfg.Relay != "" && f.isReadyMarked()
}

// ShouldConnect returns the persisted connection intent.
func (f *SharedFolder) ShouldConnect() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shouldConnect
}

// SetShouldConnect persists the connection intent and applies it.
func (f *SharedFolder) SetShouldConnect(v bool) error {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return ErrDestroyed
	}
	f.shouldConnect = v
	f.mu.Unlock()

	if err := f.persistence.Store().SetMeta(metaShouldConnect, strconv.FormatBool(v)); err != nil {
		return fmt.Errorf("failed to persist connection intent: %w", err)
	}
	if v {
		f.connect()
		f.bg.Kick()
	} else if f.conn != nil {
		f.conn.Disconnect()
	}
	return nil
}

func (f *SharedFolder) connect() {
	if f.conn == nil {
		return
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if !f.conn.Connect(f.ctx) {
			f.logger.Warn("Folder connection failed")
		}
	}()
}

func (f *SharedFolder) GUID() string      { return f.cfg.GUID }
func (f *SharedFolder) Root() string      { return f.cfg.Root }
func (f *SharedFolder) Relay() string     { return f.cfg.Relay }
func (f *SharedFolder) Vault() fsys.Vault { return f.vault }
func (f *SharedFolder) Doc() *crdt.Doc    { return f.doc }
func (f *SharedFolder) FileSet() *FileSet { return f.fileSet }
func (f *SharedFolder) SyncStore() *syncstore.SyncStore {
	return f.syncStore
}

// Connection returns the folder's relay connection, nil for local folders.
func (f *SharedFolder) Connection() *provider.Connection {
	return f.conn
}

// LastDiff returns the non-noop operations of the most recent pass.
func (f *SharedFolder) LastDiff() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lastDiff...)
}

// Status is the folder summary served to the UI.
type Status struct {
	GUID          string                  `json:"guid"`
	Root          string                  `json:"root"`
	Relay         string                  `json:"relay,omitempty"`
	Ready         bool                    `json:"ready"`
	ShouldConnect bool                    `json:"shouldConnect"`
	Files         int                     `json:"files"`
	Pending       int                     `json:"pending"`
	Stale         []string                `json:"stale,omitempty"`
	Progress      backgroundsync.Progress `json:"progress"`
	Connection    *provider.State         `json:"connection,omitempty"`
}

// Status returns the current summary.
func (f *SharedFolder) Status() Status {
	files := f.Files()
	s := Status{
		GUID:          f.cfg.GUID,
		Root:          f.cfg.Root,
		Relay:         f.cfg.Relay,
		Ready:         f.isReadyMarked(),
		ShouldConnect: f.ShouldConnect(),
		Files:         len(files),
		Pending:       len(f.syncStore.Pending()),
		Progress:      f.bg.GroupProgress(f.cfg.GUID),
	}
	for _, file := range files {
		if d, ok := file.(*document.Document); ok && d.Stale() {
			s.Stale = append(s.Stale, d.Path())
		}
	}
	if f.conn != nil {
		state := f.conn.State()
		s.Connection = &state
	}
	return s
}

func (f *SharedFolder) isDestroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// Destroy stops the folder, drops its queued transfers and releases every
// handle. Stored history is kept.
func (f *SharedFolder) Destroy() {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return
	}
	f.destroyed = true
	unsubscribe := f.unsubscribe
	f.unsubscribe = nil
	f.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	f.cancel()
	if f.conn != nil {
		f.conn.Destroy()
	}
	f.wg.Wait()

	dropped := f.bg.DropFolder(f.cfg.GUID)

	f.mu.Lock()
	files := make([]document.File, 0, len(f.files))
	for _, file := range f.files {
		files = append(files, file)
	}
	f.files = make(map[string]document.File)
	f.paths = make(map[string]document.File)
	f.mu.Unlock()

	for _, file := range files {
		file.Destroy()
	}
	f.persistence.Close()
	f.logger.Info("Shared folder destroyed", zap.Int("dropped_transfers", dropped))
}
