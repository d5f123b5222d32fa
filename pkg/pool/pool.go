// Package pool bounds the number of live relay connections.
package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"relaysync/pkg/metrics"

	"go.uber.org/zap"
)

var ErrPoolClosed = errors.New("pool: closed")

// Options configures capacity and the sweep interval.
type Options struct {
	MaxPersistent int
	MaxTemporary  int
	SweepInterval time.Duration
}

// DefaultOptions returns the limits used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxPersistent: 20,
		MaxTemporary:  5,
		SweepInterval: 5 * time.Second,
	}
}

// Connection is one admitted connection. A zero expiry marks it persistent.
type Connection struct {
	ID         string
	disconnect func()
	created    time.Time
	expiresAt  time.Time
}

// Persistent reports whether the connection holds no lease.
func (c *Connection) Persistent() bool {
	return c.expiresAt.IsZero()
}

type request struct {
	id         string
	disconnect func()
	lease      time.Duration
	admitted   chan struct{}
	err        error
}

// Pool admits persistent and leased connections against two independent
// limits. Requests over capacity wait in FIFO order.
type Pool struct {
	mu         sync.Mutex
	persistent map[string]*Connection
	temporary  map[string]*Connection
	queue      []*request
	closed     bool

	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	stopSweep chan struct{}
	wg        sync.WaitGroup
}

// New creates a pool and starts its sweep loop.
func New(opts Options, logger *zap.Logger, m *metrics.Metrics) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}

	p := &Pool{
		persistent: make(map[string]*Connection),
		temporary:  make(map[string]*Connection),
		opts:       opts,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
		stopSweep:  make(chan struct{}),
	}

	if opts.SweepInterval > 0 {
		p.wg.Add(1)
		go p.sweepLoop()
	}
	return p
}

// RequestConnection admits id, blocking while the pool is at capacity. A
// zero lease asks for a persistent connection. disconnect is invoked when
// the connection is released or evicted.
func (p *Pool) RequestConnection(ctx context.Context, id string, disconnect func(), lease time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}

	if p.refreshLocked(id, lease) {
		p.mu.Unlock()
		return nil
	}

	if p.hasCapacityLocked(lease) {
		p.admitLocked(id, disconnect, lease)
		p.mu.Unlock()
		return nil
	}

	req := &request{id: id, disconnect: disconnect, lease: lease, admitted: make(chan struct{})}
	p.queue = append(p.queue, req)
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.logger.Debug("Connection request queued",
		zap.String("id", id),
		zap.Duration("lease", lease))

	select {
	case <-req.admitted:
		return req.err
	case <-ctx.Done():
		p.mu.Lock()
		defer p.mu.Unlock()
		select {
		case <-req.admitted:
			// Admitted while we were giving up; keep the result.
			return req.err
		default:
		}
		p.removeQueuedLocked(req)
		p.updateGaugesLocked()
		return ctx.Err()
	}
}

// refreshLocked handles a request for an id that is already held, extending
// its lease when a longer one is asked for.
func (p *Pool) refreshLocked(id string, lease time.Duration) bool {
	if _, ok := p.persistent[id]; ok {
		return true
	}
	conn, ok := p.temporary[id]
	if !ok {
		return false
	}
	if lease > 0 {
		if exp := p.now().Add(lease); exp.After(conn.expiresAt) {
			conn.expiresAt = exp
		}
	}
	return true
}

func (p *Pool) hasCapacityLocked(lease time.Duration) bool {
	if lease <= 0 {
		return len(p.persistent) < p.opts.MaxPersistent
	}
	return len(p.temporary) < p.opts.MaxTemporary
}

func (p *Pool) admitLocked(id string, disconnect func(), lease time.Duration) {
	now := p.now()
	conn := &Connection{ID: id, disconnect: disconnect, created: now}
	if lease <= 0 {
		p.persistent[id] = conn
	} else {
		conn.expiresAt = now.Add(lease)
		p.temporary[id] = conn
	}
	p.updateGaugesLocked()

	p.logger.Debug("Connection admitted",
		zap.String("id", id),
		zap.Bool("persistent", conn.Persistent()))
}

func (p *Pool) removeQueuedLocked(req *request) {
	for i, r := range p.queue {
		if r == req {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return
		}
	}
}

// ReleaseConnection drops id and runs its disconnect callback.
func (p *Pool) ReleaseConnection(id string) {
	p.mu.Lock()
	conn, ok := p.persistent[id]
	if ok {
		delete(p.persistent, id)
	} else if conn, ok = p.temporary[id]; ok {
		delete(p.temporary, id)
	}
	p.drainLocked()
	p.updateGaugesLocked()
	p.mu.Unlock()

	if ok && conn.disconnect != nil {
		conn.disconnect()
	}
}

// Has reports whether id currently holds a connection.
func (p *Pool) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, persistent := p.persistent[id]
	_, temporary := p.temporary[id]
	return persistent || temporary
}

// sweepLoop performs periodic maintenance
func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Sweep()
		case <-p.stopSweep:
			return
		}
	}
}

// Sweep evicts expired leases, then trims the pool back under its limits
// (soonest-expiring temporary first, then oldest persistent), then admits
// queued requests in FIFO order.
func (p *Pool) Sweep() {
	p.mu.Lock()
	now := p.now()
	var evicted []*Connection

	for id, conn := range p.temporary {
		if !conn.expiresAt.After(now) {
			delete(p.temporary, id)
			evicted = append(evicted, conn)
			p.metrics.PoolEvictions.WithLabelValues("expired").Inc()
		}
	}

	if over := len(p.temporary) - p.opts.MaxTemporary; over > 0 {
		conns := sortedConnections(p.temporary, func(a, b *Connection) bool {
			return a.expiresAt.Before(b.expiresAt)
		})
		for _, conn := range conns[:over] {
			delete(p.temporary, conn.ID)
			evicted = append(evicted, conn)
			p.metrics.PoolEvictions.WithLabelValues("over_budget").Inc()
		}
	}

	if over := len(p.persistent) - p.opts.MaxPersistent; over > 0 {
		conns := sortedConnections(p.persistent, func(a, b *Connection) bool {
			return a.created.Before(b.created)
		})
		for _, conn := range conns[:over] {
			delete(p.persistent, conn.ID)
			evicted = append(evicted, conn)
			p.metrics.PoolEvictions.WithLabelValues("over_budget").Inc()
		}
	}

	p.drainLocked()
	p.updateGaugesLocked()
	p.mu.Unlock()

	for _, conn := range evicted {
		p.logger.Debug("Evicted connection",
			zap.String("id", conn.ID),
			zap.Bool("persistent", conn.Persistent()))
		if conn.disconnect != nil {
			conn.disconnect()
		}
	}
}

func sortedConnections(m map[string]*Connection, less func(a, b *Connection) bool) []*Connection {
	conns := make([]*Connection, 0, len(m))
	for _, c := range m {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool {
		if less(conns[i], conns[j]) {
			return true
		}
		if less(conns[j], conns[i]) {
			return false
		}
		return conns[i].ID < conns[j].ID
	})
	return conns
}

// drainLocked admits queued requests in arrival order while their class has room.
func (p *Pool) drainLocked() {
	remaining := p.queue[:0]
	for _, req := range p.queue {
		switch {
		case p.refreshLocked(req.id, req.lease):
			close(req.admitted)
		case p.hasCapacityLocked(req.lease):
			p.admitLocked(req.id, req.disconnect, req.lease)
			close(req.admitted)
		default:
			remaining = append(remaining, req)
		}
	}
	for i := len(remaining); i < len(p.queue); i++ {
		p.queue[i] = nil
	}
	p.queue = remaining
}

func (p *Pool) updateGaugesLocked() {
	p.metrics.PoolConnections.WithLabelValues("persistent").Set(float64(len(p.persistent)))
	p.metrics.PoolConnections.WithLabelValues("temporary").Set(float64(len(p.temporary)))
	p.metrics.PoolPending.Set(float64(len(p.queue)))
}

// Stats is a snapshot of pool usage.
type Stats struct {
	Persistent    int `json:"persistent"`
	Temporary     int `json:"temporary"`
	Queued        int `json:"queued"`
	MaxPersistent int `json:"max_persistent"`
	MaxTemporary  int `json:"max_temporary"`
}

// Stats returns current usage.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Persistent:    len(p.persistent),
		Temporary:     len(p.temporary),
		Queued:        len(p.queue),
		MaxPersistent: p.opts.MaxPersistent,
		MaxTemporary:  p.opts.MaxTemporary,
	}
}

// Close stops the sweep, fails queued requests and disconnects everything.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopSweep)

	for _, req := range p.queue {
		req.err = ErrPoolClosed
		close(req.admitted)
	}
	p.queue = nil

	var conns []*Connection
	for _, c := range p.persistent {
		conns = append(conns, c)
	}
	for _, c := range p.temporary {
		conns = append(conns, c)
	}
	p.persistent = make(map[string]*Connection)
	p.temporary = make(map[string]*Connection)
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.wg.Wait()
	for _, c := range conns {
		if c.disconnect != nil {
			c.disconnect()
		}
	}
	return nil
}
