// Package provider manages one document's attachment to the relay transport.
package provider

import (
	"context"
	"sync"
	"time"

	"relaysync/pkg/metrics"
	"relaysync/pkg/pool"

	"go.uber.org/zap"
)

// Status is the observed transport state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusUnknown      Status = "unknown"
)

// Intent is the desired connection state, independent of Status.
type Intent string

const (
	IntentConnected    Intent = "connected"
	IntentDisconnected Intent = "disconnected"
)

// State pairs status and intent so observers can tell "trying to connect"
// from "intentionally offline".
type State struct {
	Status Status `json:"status"`
	Intent Intent `json:"intent"`
}

// EventType enumerates transport notifications.
type EventType int

const (
	EventStatus EventType = iota
	EventSynced
	EventConnectionError
)

// Event is emitted by a Transport.
type Event struct {
	Type   EventType
	Status Status
	Err    error
}

// Transport is the reconnecting duplex channel to the relay.
type Transport interface {
	Connect(ctx context.Context, token Token) error
	Disconnect() error
	Status() Status
	Synced() bool
	Subscribe(fn func(Event)) func()
}

// Connection is the per-document provider state machine.
type Connection struct {
	guid      string
	transport Transport
	tokens    TokenSource
	pool      *pool.Pool
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu               sync.Mutex
	intent           Intent
	userDisconnected bool
	synced           chan struct{}
	subs             map[int]func(State)
	nextSub          int
	unsubscribe      func()
	destroyed        bool
}

// NewConnection wires a document's transport. pool may be nil.
func NewConnection(guid string, transport Transport, tokens TokenSource, p *pool.Pool, logger *zap.Logger, m *metrics.Metrics) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}

	c := &Connection{
		guid:      guid,
		transport: transport,
		tokens:    tokens,
		pool:      p,
		logger:    logger.With(zap.String("doc", guid)),
		metrics:   m,
		intent:    IntentDisconnected,
		synced:    make(chan struct{}),
		subs:      make(map[int]func(State)),
	}
	c.unsubscribe = transport.Subscribe(c.handleEvent)
	if transport.Synced() {
		close(c.synced)
	}
	return c
}

// GUID returns the document id.
func (c *Connection) GUID() string {
	return c.guid
}

// Connect attaches the document with a persistent pool slot.
func (c *Connection) Connect(ctx context.Context) bool {
	return c.connect(ctx, 0)
}

// ConnectWithLease attaches the document on a temporary pool lease.
func (c *Connection) ConnectWithLease(ctx context.Context, lease time.Duration) bool {
	return c.connect(ctx, lease)
}

// connect is idempotent when already connected. Failures return false.
func (c *Connection) connect(ctx context.Context, lease time.Duration) bool {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()
	c.setIntent(IntentConnected)

	if c.transport.Status() == StatusConnected {
		if c.pool != nil && !c.pool.Has(c.guid) {
			if err := c.pool.RequestConnection(ctx, c.guid, c.evicted, lease); err != nil {
				c.logger.Debug("Pool slot unavailable", zap.Error(err))
			}
		}
		return true
	}

	if c.pool != nil {
		if err := c.pool.RequestConnection(ctx, c.guid, c.evicted, lease); err != nil {
			c.logger.Warn("Failed to acquire pool slot", zap.Error(err))
			c.metrics.ProviderConnect.WithLabelValues("pool").Inc()
			return false
		}
	}

	token, err := c.tokens.Token(ctx, c.guid)
	if err != nil {
		c.logger.Warn("Failed to resolve token", zap.Error(err))
		c.metrics.ProviderConnect.WithLabelValues("token").Inc()
		c.releaseSlot()
		return false
	}

	if err := c.transport.Connect(ctx, token); err != nil {
		c.logger.Warn("Failed to open transport", zap.Error(err))
		c.metrics.ProviderConnect.WithLabelValues("transport").Inc()
		c.releaseSlot()
		return false
	}

	c.metrics.ProviderConnect.WithLabelValues("ok").Inc()
	return true
}

func (c *Connection) releaseSlot() {
	if c.pool == nil {
		return
	}
	c.pool.ReleaseConnection(c.guid)
}

// Disconnect records a disconnected intent and closes the transport. It never
// touches the user-disconnect flag.
func (c *Connection) Disconnect() {
	c.setIntent(IntentDisconnected)
	if c.pool != nil && c.pool.Has(c.guid) {
		c.pool.ReleaseConnection(c.guid)
		return
	}
	c.forceDisconnect()
}

// evicted is the pool's disconnect callback.
func (c *Connection) evicted() {
	c.setIntent(IntentDisconnected)
	c.forceDisconnect()
}

func (c *Connection) forceDisconnect() {
	if err := c.transport.Disconnect(); err != nil {
		c.logger.Debug("Transport disconnect failed", zap.Error(err))
	}
}

// handleConnectionError closes the transport and reconnects only when the
// intent at the time of the error was connected.
func (c *Connection) handleConnectionError(err error) {
	intent := c.Intent()
	c.logger.Info("Connection error", zap.Error(err), zap.String("intent", string(intent)))

	c.forceDisconnect()
	if intent != IntentConnected {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if !c.Connect(ctx) {
			c.logger.Warn("Reconnect after error failed")
		}
	}()
}

func (c *Connection) handleEvent(ev Event) {
	switch ev.Type {
	case EventSynced:
		c.mu.Lock()
		select {
		case <-c.synced:
		default:
			close(c.synced)
		}
		c.mu.Unlock()
	case EventStatus:
		if ev.Status == StatusDisconnected {
			c.mu.Lock()
			select {
			case <-c.synced:
				c.synced = make(chan struct{})
			default:
			}
			c.mu.Unlock()
		}
	case EventConnectionError:
		c.handleConnectionError(ev.Err)
		return
	}
	c.notify()
}

func (c *Connection) setIntent(intent Intent) {
	c.mu.Lock()
	changed := c.intent != intent
	c.intent = intent
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// Intent returns the desired connection state.
func (c *Connection) Intent() Intent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intent
}

// State returns status and intent together.
func (c *Connection) State() State {
	status := c.transport.Status()
	if status == "" {
		status = StatusUnknown
	}
	return State{Status: status, Intent: c.Intent()}
}

// Synced reports whether the transport has completed its initial sync.
func (c *Connection) Synced() bool {
	return c.transport.Synced()
}

// WhenSynced blocks until the transport reports a completed sync.
func (c *Connection) WhenSynced(ctx context.Context) error {
	c.mu.Lock()
	ch := c.synced
	c.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetUserDisconnected records that the user switched this document offline.
func (c *Connection) SetUserDisconnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userDisconnected = v
}

// UserDisconnected reports the user-level toggle.
func (c *Connection) UserDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userDisconnected
}

// Subscribe calls fn with the current state and on every change.
func (c *Connection) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	fn(c.State())
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Connection) notify() {
	state := c.State()
	c.mu.Lock()
	fns := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

// Destroy detaches from the transport and closes it.
func (c *Connection) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	unsubscribe := c.unsubscribe
	c.subs = make(map[int]func(State))
	c.mu.Unlock()

	c.Disconnect()
	if unsubscribe != nil {
		unsubscribe()
	}
}
