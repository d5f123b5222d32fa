// Package backgroundsync transfers document and file content between the
// local vault and the relay under bounded concurrency.
package backgroundsync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"relaysync/pkg/document"
	"relaysync/pkg/fsys"
	"relaysync/pkg/metrics"
	"relaysync/pkg/types"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

var (
	ErrDestroyed = errors.New("backgroundsync: destroyed")
	ErrTooLarge  = errors.New("backgroundsync: file exceeds size limit")
	ErrCanceled  = errors.New("backgroundsync: canceled")
)

// Queue names one of the two work queues.
type Queue string

const (
	// QueueSync reconciles content in both directions.
	QueueSync Queue = "sync"
	// QueueDownload only pulls.
	QueueDownload Queue = "download"
)

// ItemStatus is the lifecycle state of a queued item.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemRunning   ItemStatus = "running"
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
)

// Folder owns queued items.
type Folder interface {
	GUID() string
	// Connectable reports whether the folder may use the network now.
	Connectable() bool
	Vault() fsys.Vault
}

// Remote is the relay content API.
type Remote interface {
	PullUpdate(ctx context.Context, docID string) ([]byte, error)
	PushUpdate(ctx context.Context, docID string, update []byte) error
	PullBlob(ctx context.Context, folderID, hash string) ([]byte, string, error)
	PushBlob(ctx context.Context, folderID, hash, mimetype string, data []byte) error
}

// Leaser admits transfers against the connection pool. A lease above zero
// takes a temporary slot.
type Leaser interface {
	RequestConnection(ctx context.Context, id string, disconnect func(), lease time.Duration) error
	ReleaseConnection(id string)
}

// Item is a unit of work. Hash is the remote content hash for generic-file
// downloads.
type Item struct {
	File   document.File
	Folder Folder
	Hash   string
}

// Result describes completed work.
type Result struct {
	Hash     string
	Mimetype string
	Synctime int64
	// Skipped is set when local content already matched.
	Skipped bool
}

// Task is the completion handle of one item id. Every enqueue of the same
// id while it is in flight returns the same Task.
type Task struct {
	id     string
	done   chan struct{}
	result Result
	err    error
}

func newTask(id string) *Task {
	return &Task{id: id, done: make(chan struct{})}
}

// ID returns the item id.
func (t *Task) ID() string {
	return t.id
}

// Done is closed once the task resolves.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task resolves or ctx ends.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (t *Task) resolve(res Result, err error) {
	t.result = res
	t.err = err
	close(t.done)
}

type queueItem struct {
	Item
	id     string
	path   string
	queue  Queue
	status ItemStatus
	task   *Task
}

// Options configures BackgroundSync.
type Options struct {
	SyncConcurrency     int
	DownloadConcurrency int
	TickInterval        time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
	MaxFileSize         int64

	// Leases, when set, gates every network transfer on a temporary pool
	// slot held for at most Lease.
	Leases Leaser
	Lease  time.Duration
}

// DefaultOptions returns the standard limits.
func DefaultOptions() Options {
	return Options{
		SyncConcurrency:     3,
		DownloadConcurrency: 3,
		TickInterval:        time.Second,
		MaxRetries:          5,
		RetryDelay:          500 * time.Millisecond,
		MaxFileSize:         100 << 20,
		Lease:               5 * time.Minute,
	}
}

// BackgroundSync runs the sync and download queues.
type BackgroundSync struct {
	remote  Remote
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.Mutex
	queues    map[Queue][]*queueItem
	active    map[Queue]map[string]*queueItem
	tasks     map[string]*queueItem
	groups    map[string]*SyncGroup
	paused    bool
	destroyed bool

	ctx    context.Context
	cancel context.CancelFunc
	kickCh chan struct{}
	wg     sync.WaitGroup
}

// New starts the queue processors.
func New(remote Remote, opts Options, logger *zap.Logger, m *metrics.Metrics) *BackgroundSync {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if opts.SyncConcurrency <= 0 {
		opts.SyncConcurrency = 1
	}
	if opts.DownloadConcurrency <= 0 {
		opts.DownloadConcurrency = 1
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.Lease <= 0 {
		opts.Lease = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &BackgroundSync{
		remote:  remote,
		opts:    opts,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		queues:  map[Queue][]*queueItem{QueueSync: nil, QueueDownload: nil},
		active: map[Queue]map[string]*queueItem{
			QueueSync:     make(map[string]*queueItem),
			QueueDownload: make(map[string]*queueItem),
		},
		tasks:  make(map[string]*queueItem),
		groups: make(map[string]*SyncGroup),
		ctx:    ctx,
		cancel: cancel,
		kickCh: make(chan struct{}, 1),
	}

	b.wg.Add(1)
	go b.loop()
	return b
}

func (b *BackgroundSync) loop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
		case <-b.kickCh:
		}
		b.process(QueueSync)
		b.process(QueueDownload)
	}
}

// kick schedules a processing pass without running it on the caller's stack.
func (b *BackgroundSync) kick() {
	select {
	case b.kickCh <- struct{}{}:
	default:
	}
}

// EnqueueSync queues a bidirectional transfer.
func (b *BackgroundSync) EnqueueSync(item Item) (*Task, error) {
	return b.enqueue(QueueSync, item, true)
}

// EnqueueDownload queues a pull-only transfer.
func (b *BackgroundSync) EnqueueDownload(item Item) (*Task, error) {
	return b.enqueue(QueueDownload, item, true)
}

// EnqueueSharedFolderSync queues many items for one folder under a single
// group sized up front. Items already in flight keep their existing task.
func (b *BackgroundSync) EnqueueSharedFolderSync(folder Folder, items []Item) ([]*Task, error) {
	if folder == nil || lo.ContainsBy(items, func(it Item) bool { return it.File == nil }) {
		return nil, errItemIncomplete
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return nil, ErrDestroyed
	}
	fresh := lo.Filter(items, func(it Item, _ int) bool {
		_, inFlight := b.tasks[it.File.GUID()]
		return !inFlight
	})
	fresh = lo.UniqBy(fresh, func(it Item) string { return it.File.GUID() })
	if len(fresh) > 0 {
		group := b.groupLocked(folder.GUID())
		group.Total += len(fresh)
		group.Syncs += len(fresh)
	}

	tasks := make([]*Task, 0, len(items))
	for _, it := range items {
		it.Folder = folder
		tasks = append(tasks, b.enqueueLocked(QueueSync, it, false))
	}
	if len(fresh) > 0 {
		b.updateGaugesLocked()
		b.kick()
	}
	return tasks, nil
}

var errItemIncomplete = errors.New("backgroundsync: item needs a file and a folder")

func (b *BackgroundSync) enqueue(queue Queue, item Item, count bool) (*Task, error) {
	if item.File == nil || item.Folder == nil {
		return nil, errItemIncomplete
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return nil, ErrDestroyed
	}
	task := b.enqueueLocked(queue, item, count)
	b.updateGaugesLocked()
	b.kick()
	return task, nil
}

// enqueueLocked returns the task of id when it is already in flight and
// queues a new item otherwise. count adds the item to its folder group.
func (b *BackgroundSync) enqueueLocked(queue Queue, item Item, count bool) *Task {
	id := item.File.GUID()
	if existing, ok := b.tasks[id]; ok {
		return existing.task
	}

	qi := &queueItem{
		Item:   item,
		id:     id,
		path:   item.File.Path(),
		queue:  queue,
		status: ItemPending,
		task:   newTask(id),
	}
	if count {
		group := b.groupLocked(item.Folder.GUID())
		group.Total++
		group.add(queue, 1)
	}
	b.tasks[id] = qi
	b.insertLocked(qi)

	b.logger.Debug("Enqueued item",
		zap.String("queue", string(queue)),
		zap.String("id", id),
		zap.String("path", qi.path))
	return qi.task
}

// insertLocked keeps each queue ordered by path so runs are reproducible.
func (b *BackgroundSync) insertLocked(qi *queueItem) {
	q := b.queues[qi.queue]
	i := sort.Search(len(q), func(i int) bool {
		c := types.ComparePaths(q[i].path, qi.path)
		return c > 0 || (c == 0 && q[i].id > qi.id)
	})
	q = append(q, nil)
	copy(q[i+1:], q[i:])
	q[i] = qi
	b.queues[qi.queue] = q
}

func (b *BackgroundSync) limit(queue Queue) int {
	if queue == QueueDownload {
		return b.opts.DownloadConcurrency
	}
	return b.opts.SyncConcurrency
}

// process starts eligible items while the queue is under its limit.
func (b *BackgroundSync) process(queue Queue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed || b.paused {
		return
	}

	for len(b.active[queue]) < b.limit(queue) {
		q := b.queues[queue]
		idx := -1
		for i, qi := range q {
			if qi.Folder.Connectable() {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}

		qi := q[idx]
		b.queues[queue] = append(q[:idx], q[idx+1:]...)
		qi.status = ItemRunning
		b.active[queue][qi.id] = qi
		if group, ok := b.groups[qi.Folder.GUID()]; ok && group.Status == GroupPending {
			group.Status = GroupRunning
		}

		go b.run(qi)
	}
	b.updateGaugesLocked()
}

func (b *BackgroundSync) run(qi *queueItem) {
	ctx, cancel := context.WithCancel(b.ctx)
	defer cancel()

	release, err := b.lease(ctx, qi, cancel)
	if err != nil {
		b.finish(qi, Result{}, err)
		return
	}
	res, err := b.transfer(ctx, qi)
	release()
	b.finish(qi, res, err)
}

// lease holds a temporary pool slot for the duration of a network transfer.
// Eviction by the pool cancels the transfer.
func (b *BackgroundSync) lease(ctx context.Context, qi *queueItem, cancel context.CancelFunc) (func(), error) {
	if b.opts.Leases == nil {
		return func() {}, nil
	}
	if _, local := qi.File.(*document.SyncFolder); local {
		return func() {}, nil
	}
	id := "transfer:" + qi.id
	if err := b.opts.Leases.RequestConnection(ctx, id, cancel, b.opts.Lease); err != nil {
		return nil, err
	}
	return func() { b.opts.Leases.ReleaseConnection(id) }, nil
}

func (b *BackgroundSync) finish(qi *queueItem, res Result, err error) {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	delete(b.active[qi.queue], qi.id)

	if errors.Is(err, errRequeueAsUpload) {
		b.logger.Info("Server copy still empty, uploading local content instead",
			zap.String("id", qi.id),
			zap.String("path", qi.path))
		if group, ok := b.groups[qi.Folder.GUID()]; ok {
			group.add(qi.queue, -1)
			group.add(QueueSync, 1)
		}
		qi.queue = QueueSync
		qi.status = ItemPending
		b.insertLocked(qi)
		b.updateGaugesLocked()
		b.mu.Unlock()
		b.kick()
		return
	}

	delete(b.tasks, qi.id)
	result := "ok"
	if err != nil {
		qi.status = ItemFailed
		result = "error"
		b.logger.Warn("Transfer failed",
			zap.String("queue", string(qi.queue)),
			zap.String("id", qi.id),
			zap.String("path", qi.path),
			zap.Error(err))
	} else {
		qi.status = ItemCompleted
	}
	if group, ok := b.groups[qi.Folder.GUID()]; ok {
		group.complete(qi.queue, err != nil)
	}
	b.metrics.TransfersTotal.WithLabelValues(string(qi.queue), result).Inc()
	b.updateGaugesLocked()
	b.mu.Unlock()

	qi.task.resolve(res, err)
	b.kick()
}

func (b *BackgroundSync) updateGaugesLocked() {
	for _, q := range []Queue{QueueSync, QueueDownload} {
		b.metrics.QueueDepth.WithLabelValues(string(q)).Set(float64(len(b.queues[q])))
		b.metrics.ActiveTransfers.WithLabelValues(string(q)).Set(float64(len(b.active[q])))
	}
}

// Pause stops new transfers from starting. Running transfers finish.
func (b *BackgroundSync) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = true
}

// Resume restarts processing.
func (b *BackgroundSync) Resume() {
	b.mu.Lock()
	b.paused = false
	b.mu.Unlock()
	b.kick()
}

// Kick triggers a processing pass, e.g. after a folder became connectable.
func (b *BackgroundSync) Kick() {
	b.kick()
}

// QueueStatus is a snapshot of queue occupancy.
type QueueStatus struct {
	SyncsQueued     int  `json:"syncsQueued"`
	SyncsActive     int  `json:"syncsActive"`
	DownloadsQueued int  `json:"downloadsQueued"`
	DownloadsActive int  `json:"downloadsActive"`
	IsPaused        bool `json:"isPaused"`
}

// QueueStatus returns the current occupancy.
func (b *BackgroundSync) QueueStatus() QueueStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return QueueStatus{
		SyncsQueued:     len(b.queues[QueueSync]),
		SyncsActive:     len(b.active[QueueSync]),
		DownloadsQueued: len(b.queues[QueueDownload]),
		DownloadsActive: len(b.active[QueueDownload]),
		IsPaused:        b.paused,
	}
}

// InFlight reports whether id is queued or running.
func (b *BackgroundSync) InFlight(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.tasks[id]
	return ok
}

// Cancel removes a queued item that has not started and rejects its task
// with ErrCanceled. Running items are left alone. It reports whether an item
// was removed.
func (b *BackgroundSync) Cancel(id string) bool {
	b.mu.Lock()
	qi, ok := b.tasks[id]
	if !ok || qi.status != ItemPending {
		b.mu.Unlock()
		return false
	}
	b.queues[qi.queue] = lo.Reject(b.queues[qi.queue], func(q *queueItem, _ int) bool { return q == qi })
	delete(b.tasks, id)
	if group, ok := b.groups[qi.Folder.GUID()]; ok {
		group.withdraw(qi.queue)
	}
	b.updateGaugesLocked()
	b.mu.Unlock()

	b.logger.Debug("Canceled queued item", zap.String("id", id), zap.String("path", qi.path))
	qi.task.resolve(Result{}, ErrCanceled)
	return true
}

// DropFolder removes the queued items of a folder and rejects their tasks
// with ErrDestroyed. Running transfers finish normally.
func (b *BackgroundSync) DropFolder(folder string) int {
	b.mu.Lock()
	var dropped []*queueItem
	for queue, q := range b.queues {
		kept := q[:0]
		for _, qi := range q {
			if qi.Folder.GUID() == folder {
				dropped = append(dropped, qi)
				delete(b.tasks, qi.id)
				continue
			}
			kept = append(kept, qi)
		}
		b.queues[queue] = kept
	}
	delete(b.groups, folder)
	b.updateGaugesLocked()
	b.mu.Unlock()

	for _, qi := range dropped {
		qi.task.resolve(Result{}, ErrDestroyed)
	}
	return len(dropped)
}

// Destroy stops processing and rejects every unresolved task with ErrDestroyed.
func (b *BackgroundSync) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	pending := lo.Values(b.tasks)
	b.tasks = make(map[string]*queueItem)
	b.queues = map[Queue][]*queueItem{QueueSync: nil, QueueDownload: nil}
	b.active = map[Queue]map[string]*queueItem{
		QueueSync:     make(map[string]*queueItem),
		QueueDownload: make(map[string]*queueItem),
	}
	b.groups = make(map[string]*SyncGroup)
	b.updateGaugesLocked()
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	for _, qi := range pending {
		qi.task.resolve(Result{}, ErrDestroyed)
	}
	b.logger.Debug("Background sync destroyed", zap.Int("rejected", len(pending)))
}
