package backgroundsync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relaysync/pkg/crdt"
	"relaysync/pkg/document"
	"relaysync/pkg/fsys"
	"relaysync/pkg/pool"
	"relaysync/pkg/relay"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRemote struct {
	mu        sync.Mutex
	docs      map[string][]byte
	blobs     map[string][]byte
	pushes    map[string]int
	pulls     map[string]int
	gate      chan struct{}
	active    int
	maxActive int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		docs:   make(map[string][]byte),
		blobs:  make(map[string][]byte),
		pushes: make(map[string]int),
		pulls:  make(map[string]int),
	}
}

func (r *fakeRemote) enter() {
	r.mu.Lock()
	r.active++
	if r.active > r.maxActive {
		r.maxActive = r.active
	}
	gate := r.gate
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

func (r *fakeRemote) leave() {
	r.mu.Lock()
	r.active--
	r.mu.Unlock()
}

func (r *fakeRemote) PullUpdate(_ context.Context, docID string) ([]byte, error) {
	r.enter()
	defer r.leave()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulls[docID]++
	data, ok := r.docs[docID]
	if !ok {
		return nil, relay.ErrNotFound
	}
	return data, nil
}

func (r *fakeRemote) PushUpdate(_ context.Context, docID string, update []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes[docID]++
	r.docs[docID] = update
	return nil
}

func (r *fakeRemote) PullBlob(_ context.Context, folderID, hash string) ([]byte, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.blobs[folderID+"/"+hash]
	if !ok {
		return nil, "", relay.ErrNotFound
	}
	return data, "", nil
}

func (r *fakeRemote) PushBlob(_ context.Context, folderID, hash, _ string, data []byte) error {
	r.enter()
	defer r.leave()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes[hash]++
	r.blobs[folderID+"/"+hash] = data
	return nil
}

func (r *fakeRemote) pushCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushes[key]
}

type fakeFolder struct {
	guid        string
	vault       fsys.Vault
	connectable atomic.Bool
}

func newFakeFolder(t *testing.T) *fakeFolder {
	t.Helper()
	vault, err := fsys.NewOSVault(t.TempDir())
	require.NoError(t, err)
	f := &fakeFolder{guid: "folder-1", vault: vault}
	f.connectable.Store(true)
	return f
}

func (f *fakeFolder) GUID() string      { return f.guid }
func (f *fakeFolder) Connectable() bool { return f.connectable.Load() }
func (f *fakeFolder) Vault() fsys.Vault { return f.vault }

func newTestSync(t *testing.T, remote Remote, mutate func(*Options)) *BackgroundSync {
	t.Helper()
	opts := DefaultOptions()
	opts.TickInterval = 10 * time.Millisecond
	opts.RetryDelay = time.Millisecond
	if mutate != nil {
		mutate(&opts)
	}
	b := New(remote, opts, zap.NewNop(), nil)
	t.Cleanup(b.Destroy)
	return b
}

func wait(t *testing.T, task *Task) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := task.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return res, err
}

func writeFile(t *testing.T, f *fakeFolder, vpath, content string) *document.SyncFile {
	t.Helper()
	require.NoError(t, f.vault.Write(vpath, []byte(content)))
	return document.NewSyncFile("id"+vpath, vpath, "", "")
}

func newDoc(guid, vpath, content string) *document.Document {
	doc := crdt.NewDoc(guid)
	if content != "" {
		doc.Transact("seed", func(tx *crdt.Tx) {
			doc.Text(document.ContentsKey).Insert(tx, 0, content)
		})
	}
	return document.NewDocument(guid, vpath, doc, nil, zap.NewNop(), nil)
}

func TestEnqueueDeduplicatesInFlightItems(t *testing.T) {
	remote := newFakeRemote()
	b := newTestSync(t, remote, nil)
	folder := newFakeFolder(t)
	file := writeFile(t, folder, "/a.bin", "payload")

	b.Pause()
	first, err := b.EnqueueSync(Item{File: file, Folder: folder})
	require.NoError(t, err)
	second, err := b.EnqueueSync(Item{File: file, Folder: folder})
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.True(t, b.InFlight(file.GUID()))

	g, ok := b.Group(folder.GUID())
	require.True(t, ok)
	assert.Equal(t, 1, g.Total)

	b.Resume()
	res, err := wait(t, first)
	require.NoError(t, err)
	assert.Equal(t, document.ContentHash([]byte("payload")), res.Hash)
	assert.Equal(t, 1, remote.pushCount(res.Hash))
	assert.False(t, b.InFlight(file.GUID()))
}

func TestConcurrencyIsBounded(t *testing.T) {
	remote := newFakeRemote()
	remote.gate = make(chan struct{})
	b := newTestSync(t, remote, func(o *Options) { o.SyncConcurrency = 2 })
	folder := newFakeFolder(t)

	var tasks []*Task
	for i := 0; i < 6; i++ {
		file := writeFile(t, folder, fmt.Sprintf("/f%d.bin", i), fmt.Sprintf("content %d", i))
		task, err := b.EnqueueSync(Item{File: file, Folder: folder})
		require.NoError(t, err)
		tasks = append(tasks, task)
	}

	require.Eventually(t, func() bool {
		return b.QueueStatus().SyncsActive == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, b.QueueStatus().SyncsQueued)

	close(remote.gate)
	for _, task := range tasks {
		_, err := wait(t, task)
		require.NoError(t, err)
	}

	remote.mu.Lock()
	defer remote.mu.Unlock()
	assert.LessOrEqual(t, remote.maxActive, 2)
}

func TestGroupAccountsFailures(t *testing.T) {
	b := newTestSync(t, newFakeRemote(), nil)
	folder := newFakeFolder(t)

	ok1 := writeFile(t, folder, "/a.bin", "a")
	ok2 := writeFile(t, folder, "/b.bin", "b")
	missing := document.NewSyncFile("id-missing", "/missing.bin", "", "")

	tasks, err := b.EnqueueSharedFolderSync(folder, []Item{{File: ok1}, {File: ok2}, {File: missing}})
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	var failures int
	for _, task := range tasks {
		if _, err := wait(t, task); err != nil {
			failures++
		}
	}
	assert.Equal(t, 1, failures)

	g, found := b.Group(folder.GUID())
	require.True(t, found)
	assert.Equal(t, 3, g.Total)
	assert.Equal(t, 3, g.Completed)
	assert.Equal(t, 1, g.Failed)
	assert.Equal(t, GroupFailed, g.Status)

	p := b.GroupProgress(folder.GUID())
	assert.Equal(t, 100, p.TotalPercent)
	assert.Equal(t, 1, p.FailedItems)
}

func TestSharedFolderSyncDoesNotDoubleCount(t *testing.T) {
	b := newTestSync(t, newFakeRemote(), nil)
	folder := newFakeFolder(t)
	a := writeFile(t, folder, "/a.bin", "a")
	c := writeFile(t, folder, "/c.bin", "c")

	b.Pause()
	single, err := b.EnqueueSync(Item{File: a, Folder: folder})
	require.NoError(t, err)

	tasks, err := b.EnqueueSharedFolderSync(folder, []Item{{File: a}, {File: c}, {File: c}})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Same(t, single, tasks[0])
	assert.Same(t, tasks[1], tasks[2])

	g, _ := b.Group(folder.GUID())
	assert.Equal(t, 2, g.Total)
	assert.Equal(t, 2, g.Syncs)
	assert.Equal(t, GroupPending, g.Status)

	b.Resume()
	for _, task := range tasks {
		_, err := wait(t, task)
		require.NoError(t, err)
	}
	g, _ = b.Group(folder.GUID())
	assert.Equal(t, 2, g.Completed)
	assert.Equal(t, GroupCompleted, g.Status)

	p := b.GlobalProgress()
	assert.Equal(t, 100, p.TotalPercent)
	assert.Equal(t, 2, p.CompletedSyncs)
}

func TestFinishedGroupStartsFresh(t *testing.T) {
	b := newTestSync(t, newFakeRemote(), nil)
	folder := newFakeFolder(t)

	task, err := b.EnqueueSync(Item{File: writeFile(t, folder, "/a.bin", "a"), Folder: folder})
	require.NoError(t, err)
	_, err = wait(t, task)
	require.NoError(t, err)

	b.Pause()
	_, err = b.EnqueueSync(Item{File: writeFile(t, folder, "/b.bin", "b"), Folder: folder})
	require.NoError(t, err)
	g, _ := b.Group(folder.GUID())
	assert.Equal(t, 1, g.Total)
	assert.Equal(t, 0, g.Completed)
}

func TestQueueIsOrderedShallowFirst(t *testing.T) {
	b := newTestSync(t, newFakeRemote(), nil)
	folder := newFakeFolder(t)
	b.Pause()

	for _, p := range []string{"/b/x.bin", "/c.bin", "/a.bin", "/b"} {
		_, err := b.EnqueueSync(Item{File: document.NewSyncFile("id"+p, p, "", ""), Folder: folder})
		require.NoError(t, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var order []string
	for _, qi := range b.queues[QueueSync] {
		order = append(order, qi.path)
	}
	assert.Equal(t, []string{"/a.bin", "/b", "/c.bin", "/b/x.bin"}, order)
}

func TestDocumentDownloadWritesServerContent(t *testing.T) {
	remote := newFakeRemote()
	server := crdt.NewDoc("doc-1")
	server.Transact("server", func(tx *crdt.Tx) {
		server.Text(document.ContentsKey).Insert(tx, 0, "hello from the relay")
	})
	remote.docs["doc-1"] = server.EncodeState()

	b := newTestSync(t, remote, nil)
	folder := newFakeFolder(t)
	doc := newDoc("doc-1", "/notes/a.md", "")

	task, err := b.EnqueueDownload(Item{File: doc, Folder: folder})
	require.NoError(t, err)
	res, err := wait(t, task)
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	data, err := folder.vault.Read("/notes/a.md")
	require.NoError(t, err)
	assert.Equal(t, "hello from the relay", string(data))
	assert.Equal(t, 0, remote.pushCount("doc-1"))

	// Same digest again: nothing to write.
	task, err = b.EnqueueDownload(Item{File: doc, Folder: folder})
	require.NoError(t, err)
	res, err = wait(t, task)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestSyncPushesLocalDocument(t *testing.T) {
	remote := newFakeRemote()
	b := newTestSync(t, remote, nil)
	folder := newFakeFolder(t)
	doc := newDoc("doc-1", "/a.md", "local text")
	require.NoError(t, folder.vault.Write("/a.md", []byte("local text")))

	task, err := b.EnqueueSync(Item{File: doc, Folder: folder})
	require.NoError(t, err)
	_, err = wait(t, task)
	require.NoError(t, err)
	assert.Equal(t, 1, remote.pushCount("doc-1"))

	mirror := crdt.NewDoc("doc-1")
	require.NoError(t, mirror.ApplyUpdate(remote.docs["doc-1"], nil))
	assert.Equal(t, "local text", mirror.Text(document.ContentsKey).String())
}

func TestEmptyServerDownloadBecomesUpload(t *testing.T) {
	remote := newFakeRemote()
	b := newTestSync(t, remote, func(o *Options) { o.MaxRetries = 2 })
	folder := newFakeFolder(t)
	doc := newDoc("doc-1", "/a.md", "only here")

	task, err := b.EnqueueDownload(Item{File: doc, Folder: folder})
	require.NoError(t, err)
	_, err = wait(t, task)
	require.NoError(t, err)

	remote.mu.Lock()
	pulls := remote.pulls["doc-1"]
	remote.mu.Unlock()
	assert.Equal(t, 4, pulls, "three download attempts then one sync")
	assert.Equal(t, 1, remote.pushCount("doc-1"))

	g, _ := b.Group(folder.GUID())
	assert.Equal(t, 0, g.Downloads)
	assert.Equal(t, 1, g.Syncs)
	assert.Equal(t, 1, g.CompletedSyncs)
	assert.Equal(t, GroupCompleted, g.Status)
}

func TestDivergedDiskIsReportedStale(t *testing.T) {
	remote := newFakeRemote()
	doc := newDoc("doc-1", "/a.md", "base")

	server := crdt.NewDoc("doc-1")
	require.NoError(t, server.ApplyUpdate(doc.Doc().EncodeState(), nil))
	server.Transact("server", func(tx *crdt.Tx) {
		server.Text(document.ContentsKey).Insert(tx, 4, " plus remote")
	})
	remote.docs["doc-1"] = server.EncodeState()

	b := newTestSync(t, remote, nil)
	folder := newFakeFolder(t)
	require.NoError(t, folder.vault.Write("/a.md", []byte("rewritten locally")))

	task, err := b.EnqueueDownload(Item{File: doc, Folder: folder})
	require.NoError(t, err)
	_, err = wait(t, task)
	require.ErrorIs(t, err, document.ErrStale)
	assert.True(t, doc.Stale())

	data, err := folder.vault.Read("/a.md")
	require.NoError(t, err)
	assert.Equal(t, "rewritten locally", string(data))
}

func TestRemoteEditOverwritesUnchangedDisk(t *testing.T) {
	remote := newFakeRemote()
	doc := newDoc("doc-1", "/a.md", "base")

	server := crdt.NewDoc("doc-1")
	require.NoError(t, server.ApplyUpdate(doc.Doc().EncodeState(), nil))
	server.Transact("server", func(tx *crdt.Tx) {
		server.Text(document.ContentsKey).Insert(tx, 4, " plus remote")
	})
	remote.docs["doc-1"] = server.EncodeState()

	b := newTestSync(t, remote, nil)
	folder := newFakeFolder(t)
	require.NoError(t, folder.vault.Write("/a.md", []byte("base")))

	task, err := b.EnqueueDownload(Item{File: doc, Folder: folder})
	require.NoError(t, err)
	_, err = wait(t, task)
	require.NoError(t, err)

	data, err := folder.vault.Read("/a.md")
	require.NoError(t, err)
	assert.Equal(t, "base plus remote", string(data))
}

func TestCanvasDownload(t *testing.T) {
	remote := newFakeRemote()
	server := document.NewCanvas("c-1", "/board.canvas", crdt.NewDoc("c-1"), nil, nil, nil)
	require.NoError(t, server.ApplyJSON([]byte(`{"nodes":[{"id":"n1","type":"text","text":"hi"}],"edges":[]}`)))
	remote.docs["c-1"] = server.Doc().EncodeState()

	b := newTestSync(t, remote, nil)
	folder := newFakeFolder(t)
	local := document.NewCanvas("c-1", "/board.canvas", crdt.NewDoc("c-1"), nil, nil, nil)

	task, err := b.EnqueueDownload(Item{File: local, Folder: folder})
	require.NoError(t, err)
	_, err = wait(t, task)
	require.NoError(t, err)

	want, err := server.Render()
	require.NoError(t, err)
	data, err := folder.vault.Read("/board.canvas")
	require.NoError(t, err)
	assert.Equal(t, string(want), string(data))
}

func TestFileDownloadVerifiesHash(t *testing.T) {
	remote := newFakeRemote()
	content := []byte("binary content")
	hash := document.ContentHash(content)
	remote.blobs["folder-1/"+hash] = content
	remote.blobs["folder-1/bogus"] = content

	b := newTestSync(t, remote, nil)
	folder := newFakeFolder(t)

	file := document.NewSyncFile("f-1", "/img/a.bin", "", "")
	task, err := b.EnqueueDownload(Item{File: file, Folder: folder, Hash: hash})
	require.NoError(t, err)
	_, err = wait(t, task)
	require.NoError(t, err)
	assert.Equal(t, hash, file.Hash())

	data, err := folder.vault.Read("/img/a.bin")
	require.NoError(t, err)
	assert.Equal(t, content, data)

	other := document.NewSyncFile("f-2", "/img/b.bin", "", "")
	task, err = b.EnqueueDownload(Item{File: other, Folder: folder, Hash: "bogus"})
	require.NoError(t, err)
	_, err = wait(t, task)
	assert.ErrorContains(t, err, "hash mismatch")
	assert.False(t, folder.vault.Exists("/img/b.bin"))
}

func TestUploadRejectsOversizedFiles(t *testing.T) {
	b := newTestSync(t, newFakeRemote(), func(o *Options) { o.MaxFileSize = 4 })
	folder := newFakeFolder(t)
	file := writeFile(t, folder, "/big.bin", "more than four bytes")

	task, err := b.EnqueueSync(Item{File: file, Folder: folder})
	require.NoError(t, err)
	_, err = wait(t, task)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestUnconnectableFolderWaits(t *testing.T) {
	remote := newFakeRemote()
	b := newTestSync(t, remote, nil)
	folder := newFakeFolder(t)
	folder.connectable.Store(false)

	task, err := b.EnqueueSync(Item{File: writeFile(t, folder, "/a.bin", "a"), Folder: folder})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	select {
	case <-task.Done():
		t.Fatal("task ran while the folder was offline")
	default:
	}
	assert.Equal(t, 1, b.QueueStatus().SyncsQueued)

	folder.connectable.Store(true)
	b.Kick()
	_, err = wait(t, task)
	require.NoError(t, err)
}

func TestPauseAndResume(t *testing.T) {
	b := newTestSync(t, newFakeRemote(), nil)
	folder := newFakeFolder(t)

	b.Pause()
	task, err := b.EnqueueSync(Item{File: writeFile(t, folder, "/a.bin", "a"), Folder: folder})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	status := b.QueueStatus()
	assert.True(t, status.IsPaused)
	assert.Equal(t, 1, status.SyncsQueued)

	b.Resume()
	_, err = wait(t, task)
	require.NoError(t, err)
	assert.Equal(t, QueueStatus{}, b.QueueStatus())
}

func TestDestroyRejectsPendingTasks(t *testing.T) {
	b := New(newFakeRemote(), DefaultOptions(), zap.NewNop(), nil)
	folder := newFakeFolder(t)

	b.Pause()
	task, err := b.EnqueueSync(Item{File: writeFile(t, folder, "/a.bin", "a"), Folder: folder})
	require.NoError(t, err)

	b.Destroy()
	_, err = wait(t, task)
	assert.ErrorIs(t, err, ErrDestroyed)

	_, err = b.EnqueueSync(Item{File: writeFile(t, folder, "/b.bin", "b"), Folder: folder})
	assert.ErrorIs(t, err, ErrDestroyed)
	b.Destroy()
}

func TestEnqueueRequiresFileAndFolder(t *testing.T) {
	b := newTestSync(t, newFakeRemote(), nil)
	_, err := b.EnqueueSync(Item{})
	assert.Error(t, err)
}

func TestDropFolderRejectsQueuedItems(t *testing.T) {
	b := newTestSync(t, newFakeRemote(), nil)
	folder := newFakeFolder(t)
	other := newFakeFolder(t)
	other.guid = "folder-2"

	b.Pause()
	dropped, err := b.EnqueueSync(Item{File: writeFile(t, folder, "/a.bin", "a"), Folder: folder})
	require.NoError(t, err)
	kept, err := b.EnqueueSync(Item{File: writeFile(t, other, "/b.bin", "b"), Folder: other})
	require.NoError(t, err)

	assert.Equal(t, 1, b.DropFolder(folder.GUID()))
	_, err = wait(t, dropped)
	assert.ErrorIs(t, err, ErrDestroyed)
	_, found := b.Group(folder.GUID())
	assert.False(t, found)

	b.Resume()
	_, err = wait(t, kept)
	assert.NoError(t, err)
}

func TestCancelWithdrawsQueuedItem(t *testing.T) {
	remote := newFakeRemote()
	b := newTestSync(t, remote, nil)
	folder := newFakeFolder(t)
	stale := writeFile(t, folder, "/a.bin", "a")
	kept := writeFile(t, folder, "/b.bin", "b")

	b.Pause()
	canceled, err := b.EnqueueSync(Item{File: stale, Folder: folder})
	require.NoError(t, err)
	other, err := b.EnqueueSync(Item{File: kept, Folder: folder})
	require.NoError(t, err)

	assert.True(t, b.Cancel(stale.GUID()))
	assert.False(t, b.Cancel(stale.GUID()))
	assert.False(t, b.InFlight(stale.GUID()))
	_, err = wait(t, canceled)
	assert.ErrorIs(t, err, ErrCanceled)

	g, _ := b.Group(folder.GUID())
	assert.Equal(t, 1, g.Total)
	assert.Equal(t, 1, g.Syncs)
	assert.Equal(t, 1, b.QueueStatus().SyncsQueued)

	b.Resume()
	_, err = wait(t, other)
	require.NoError(t, err)
	assert.Equal(t, 0, remote.pushCount(document.ContentHash([]byte("a"))))
	assert.Equal(t, 1, remote.pushCount(document.ContentHash([]byte("b"))))

	g, _ = b.Group(folder.GUID())
	assert.Equal(t, 1, g.Completed)
	assert.Equal(t, GroupCompleted, g.Status)
}

func TestCancelLeavesRunningItem(t *testing.T) {
	remote := newFakeRemote()
	remote.gate = make(chan struct{})
	b := newTestSync(t, remote, nil)
	folder := newFakeFolder(t)
	file := writeFile(t, folder, "/a.bin", "a")

	task, err := b.EnqueueSync(Item{File: file, Folder: folder})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return b.QueueStatus().SyncsActive == 1
	}, time.Second, 5*time.Millisecond)

	assert.False(t, b.Cancel(file.GUID()))
	close(remote.gate)
	_, err = wait(t, task)
	assert.NoError(t, err)
}

func TestSharedFolderSyncCountsRacingEnqueuesOnce(t *testing.T) {
	b := newTestSync(t, newFakeRemote(), nil)
	folder := newFakeFolder(t)
	b.Pause()

	var items []Item
	for i := 0; i < 10; i++ {
		items = append(items, Item{File: writeFile(t, folder, fmt.Sprintf("/f%d.bin", i), fmt.Sprintf("%d", i))})
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := b.EnqueueSharedFolderSync(folder, items)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			for _, it := range items {
				_, err := b.EnqueueSync(Item{File: it.File, Folder: folder})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	g, _ := b.Group(folder.GUID())
	assert.Equal(t, len(items), g.Total)
	assert.Equal(t, len(items), g.Syncs)
	assert.Equal(t, len(items), b.QueueStatus().SyncsQueued)
}

func TestTransfersHoldTemporaryLeases(t *testing.T) {
	remote := newFakeRemote()
	remote.gate = make(chan struct{})
	p := pool.New(pool.Options{MaxPersistent: 1, MaxTemporary: 1, SweepInterval: time.Minute}, zap.NewNop(), nil)
	t.Cleanup(func() { _ = p.Close() })
	b := newTestSync(t, remote, func(o *Options) {
		o.SyncConcurrency = 3
		o.Leases = p
		o.Lease = time.Minute
	})
	folder := newFakeFolder(t)

	var tasks []*Task
	for i := 0; i < 3; i++ {
		file := writeFile(t, folder, fmt.Sprintf("/f%d.bin", i), fmt.Sprintf("content %d", i))
		task, err := b.EnqueueSync(Item{File: file, Folder: folder})
		require.NoError(t, err)
		tasks = append(tasks, task)
	}

	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.Temporary == 1 && s.Queued == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, b.QueueStatus().SyncsActive)

	close(remote.gate)
	for _, task := range tasks {
		_, err := wait(t, task)
		require.NoError(t, err)
	}

	remote.mu.Lock()
	assert.Equal(t, 1, remote.maxActive)
	remote.mu.Unlock()
	assert.Equal(t, 0, p.Stats().Temporary)
}

func TestFolderItemsSkipTheLease(t *testing.T) {
	p := pool.New(pool.Options{MaxPersistent: 1, MaxTemporary: 1, SweepInterval: time.Minute}, zap.NewNop(), nil)
	t.Cleanup(func() { _ = p.Close() })
	require.NoError(t, p.RequestConnection(context.Background(), "busy", nil, time.Minute))

	b := newTestSync(t, newFakeRemote(), func(o *Options) { o.Leases = p })
	folder := newFakeFolder(t)
	task, err := b.EnqueueSync(Item{File: document.NewSyncFolder("dir-1", "/dir"), Folder: folder})
	require.NoError(t, err)
	_, err = wait(t, task)
	require.NoError(t, err)
	assert.True(t, folder.vault.Exists("/dir"))
}
