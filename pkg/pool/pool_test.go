package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestPool(t *testing.T, maxPersistent, maxTemporary int) (*Pool, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	p := New(Options{MaxPersistent: maxPersistent, MaxTemporary: maxTemporary}, zap.NewNop(), nil)
	p.now = clock.Now
	t.Cleanup(func() { p.Close() })
	return p, clock
}

type disconnects struct {
	mu  sync.Mutex
	ids []string
}

func (d *disconnects) callback(id string) func() {
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.ids = append(d.ids, id)
	}
}

func (d *disconnects) list() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

// requestAsync issues a request in the background and waits until it is queued.
func requestAsync(t *testing.T, p *Pool, id string, cb func(), lease time.Duration) <-chan error {
	t.Helper()
	before := p.Stats().Queued
	done := make(chan error, 1)
	go func() {
		done <- p.RequestConnection(context.Background(), id, cb, lease)
	}()
	require.Eventually(t, func() bool { return p.Stats().Queued == before+1 }, time.Second, time.Millisecond)
	return done
}

func TestRequestAdmitsUnderCapacity(t *testing.T) {
	p, _ := newTestPool(t, 2, 2)
	ctx := context.Background()

	require.NoError(t, p.RequestConnection(ctx, "p1", nil, 0))
	require.NoError(t, p.RequestConnection(ctx, "t1", nil, time.Minute))

	stats := p.Stats()
	assert.Equal(t, 1, stats.Persistent)
	assert.Equal(t, 1, stats.Temporary)
	assert.True(t, p.Has("p1"))
	assert.True(t, p.Has("t1"))

	// Already held: returns immediately without taking more capacity.
	require.NoError(t, p.RequestConnection(ctx, "t1", nil, time.Minute))
	assert.Equal(t, 1, p.Stats().Temporary)
}

func TestLimitsAreIndependent(t *testing.T) {
	p, _ := newTestPool(t, 1, 1)
	ctx := context.Background()

	require.NoError(t, p.RequestConnection(ctx, "p1", nil, 0))
	require.NoError(t, p.RequestConnection(ctx, "t1", nil, time.Minute))
	assert.Equal(t, Stats{Persistent: 1, Temporary: 1, MaxPersistent: 1, MaxTemporary: 1}, p.Stats())
}

func TestExcessTemporaryRequestsQueueInFIFOOrder(t *testing.T) {
	p, clock := newTestPool(t, 5, 1)
	var dc disconnects

	require.NoError(t, p.RequestConnection(context.Background(), "a", dc.callback("a"), time.Minute))

	doneB := requestAsync(t, p, "b", dc.callback("b"), time.Minute)
	doneC := requestAsync(t, p, "c", dc.callback("c"), time.Minute)
	assert.Equal(t, 2, p.Stats().Queued)
	assert.Equal(t, 2.0, testutil.ToFloat64(p.metrics.PoolPending))

	// Release frees capacity for the oldest waiter only.
	p.ReleaseConnection("a")
	require.NoError(t, <-doneB)
	assert.True(t, p.Has("b"))
	assert.False(t, p.Has("c"))
	assert.Equal(t, []string{"a"}, dc.list())

	// Lease expiry frees capacity for the next one.
	clock.Advance(2 * time.Minute)
	p.Sweep()
	require.NoError(t, <-doneC)
	assert.True(t, p.Has("c"))
	assert.False(t, p.Has("b"))
	assert.Equal(t, []string{"a", "b"}, dc.list())
}

func TestSweepEvictsOverBudget(t *testing.T) {
	p, clock := newTestPool(t, 3, 3)
	var dc disconnects
	ctx := context.Background()

	require.NoError(t, p.RequestConnection(ctx, "t-late", dc.callback("t-late"), 3*time.Minute))
	require.NoError(t, p.RequestConnection(ctx, "t-soon", dc.callback("t-soon"), time.Minute))
	require.NoError(t, p.RequestConnection(ctx, "p-old", dc.callback("p-old"), 0))
	clock.Advance(time.Second)
	require.NoError(t, p.RequestConnection(ctx, "p-new", dc.callback("p-new"), 0))

	// Shrink the budget as if admission had raced past it.
	p.mu.Lock()
	p.opts.MaxTemporary = 1
	p.opts.MaxPersistent = 1
	p.mu.Unlock()

	p.Sweep()
	assert.ElementsMatch(t, []string{"t-soon", "p-old"}, dc.list())
	assert.True(t, p.Has("t-late"))
	assert.True(t, p.Has("p-new"))
}

func TestReleaseUnknownIsNoop(t *testing.T) {
	p, _ := newTestPool(t, 1, 1)
	assert.NotPanics(t, func() { p.ReleaseConnection("nobody") })
}

func TestCancelledRequestLeavesQueue(t *testing.T) {
	p, _ := newTestPool(t, 1, 1)
	require.NoError(t, p.RequestConnection(context.Background(), "p1", nil, 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.RequestConnection(ctx, "p2", nil, 0) }()
	require.Eventually(t, func() bool { return p.Stats().Queued == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, p.Stats().Queued)

	p.ReleaseConnection("p1")
	assert.False(t, p.Has("p2"))
}

func TestCloseFailsQueuedAndDisconnects(t *testing.T) {
	p, _ := newTestPool(t, 1, 1)
	var dc disconnects
	require.NoError(t, p.RequestConnection(context.Background(), "p1", dc.callback("p1"), 0))
	done := requestAsync(t, p, "p2", dc.callback("p2"), 0)

	require.NoError(t, p.Close())
	assert.ErrorIs(t, <-done, ErrPoolClosed)
	assert.Equal(t, []string{"p1"}, dc.list())

	assert.ErrorIs(t, p.RequestConnection(context.Background(), "p3", nil, 0), ErrPoolClosed)
}

func TestSweepLoopRuns(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	p := New(Options{MaxPersistent: 1, MaxTemporary: 1, SweepInterval: 5 * time.Millisecond}, nil, nil)
	p.mu.Lock()
	p.now = clock.Now
	p.mu.Unlock()
	defer p.Close()

	require.NoError(t, p.RequestConnection(context.Background(), "t1", nil, time.Second))
	clock.Advance(time.Minute)

	assert.Eventually(t, func() bool { return !p.Has("t1") }, time.Second, 5*time.Millisecond)
}
