package store

import (
	"context"
	"fmt"
	"sync"

	"relaysync/pkg/crdt"

	"go.uber.org/zap"
)

type origin string

// Origin tags updates replayed from disk so they are not written back.
const Origin origin = "persistence"

const defaultCompactEvery = 500

// Persistence mirrors a crdt.Doc into its DocStore.
type Persistence struct {
	doc    *crdt.Doc
	ds     *DocStore
	logger *zap.Logger

	mu           sync.Mutex
	synced       bool
	syncedCh     chan struct{}
	appended     int
	compactEvery int
	unsubscribe  func()
}

// NewPersistence prepares persistence for doc. Call Load to replay history.
func NewPersistence(doc *crdt.Doc, ds *DocStore, logger *zap.Logger) *Persistence {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persistence{
		doc:          doc,
		ds:           ds,
		logger:       logger.With(zap.String("doc", ds.GUID())),
		syncedCh:     make(chan struct{}),
		compactEvery: defaultCompactEvery,
	}
}

// Load replays stored history into the document and starts recording new updates.
func (p *Persistence) Load(ctx context.Context) error {
	p.mu.Lock()
	if p.synced {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	updates, err := p.ds.Updates()
	if err != nil {
		return err
	}
	for i, u := range updates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.doc.ApplyUpdate(u, Origin); err != nil {
			return fmt.Errorf("failed to replay update %d: %w", i, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.synced {
		return nil
	}
	p.appended = len(updates)
	p.unsubscribe = p.doc.OnUpdate(p.handleUpdate)
	p.synced = true
	close(p.syncedCh)

	p.logger.Debug("Loaded local history", zap.Int("updates", len(updates)))
	return nil
}

func (p *Persistence) handleUpdate(update []byte, o any) {
	if o == Origin {
		return
	}
	if err := p.ds.AppendUpdate(update); err != nil {
		p.logger.Error("Failed to persist update", zap.Error(err))
		return
	}

	p.mu.Lock()
	p.appended++
	compact := p.appended >= p.compactEvery
	if compact {
		p.appended = 1
	}
	p.mu.Unlock()

	if compact {
		if err := p.ds.Compact(p.doc.EncodeState()); err != nil {
			p.logger.Warn("Failed to compact history", zap.Error(err))
		}
	}
}

// Synced reports whether local history has been loaded.
func (p *Persistence) Synced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

// WhenSynced blocks until Load completes or ctx ends.
func (p *Persistence) WhenSynced(ctx context.Context) error {
	select {
	case <-p.syncedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Store returns the underlying keyspace.
func (p *Persistence) Store() *DocStore {
	return p.ds
}

// ServerSynced reports whether the document ever completed a server sync.
func (p *Persistence) ServerSynced() bool {
	v, err := p.ds.Meta(MetaServerSync)
	return err == nil && v == "true"
}

// MarkServerSynced records a completed server sync.
func (p *Persistence) MarkServerSynced() error {
	return p.ds.SetMeta(MetaServerSync, "true")
}

// Close stops recording updates.
func (p *Persistence) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
}

// Destroy stops recording and deletes the stored history.
func (p *Persistence) Destroy() error {
	p.Close()
	return p.ds.Destroy()
}
