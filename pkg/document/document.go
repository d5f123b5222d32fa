package document

import (
	"errors"
	"sync"
	"unicode/utf8"

	"relaysync/pkg/crdt"
	"relaysync/pkg/metrics"
	"relaysync/pkg/provider"
	"relaysync/pkg/store"
	"relaysync/pkg/types"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"
)

var ErrStale = errors.New("document: disk content diverged from shared state")

// ContentsKey names the text holding a document's markdown.
const ContentsKey = "contents"

// Transform is a deferred local edit, replayed against server text until
// the server confirms it.
type Transform func(text string) string

// Document is a markdown file backed by a CRDT text.
type Document struct {
	handle

	doc         *crdt.Doc
	persistence *store.Persistence
	logger      *zap.Logger
	metrics     *metrics.Metrics

	mu         sync.Mutex
	conn       *provider.Connection
	diskBuffer string
	hasBuffer  bool
	pending    []Transform
	stale      bool
	staleSubs  map[int]func(bool)
	nextSub    int
}

// NewDocument wraps doc. persistence may be nil for documents that are not
// stored locally.
func NewDocument(guid, vpath string, doc *crdt.Doc, persistence *store.Persistence, logger *zap.Logger, m *metrics.Metrics) *Document {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Document{
		handle:      handle{guid: guid, path: types.NormalizePath(vpath)},
		doc:         doc,
		persistence: persistence,
		logger:      logger.With(zap.String("doc", guid)),
		metrics:     m,
		staleSubs:   make(map[int]func(bool)),
	}
}

func (d *Document) Kind() types.Kind { return types.KindDocument }

// Doc returns the CRDT document.
func (d *Document) Doc() *crdt.Doc {
	return d.doc
}

// Persistence returns the local store binding, or nil.
func (d *Document) Persistence() *store.Persistence {
	return d.persistence
}

// Contents returns the shared text.
func (d *Document) Contents() string {
	return d.doc.Text(ContentsKey).String()
}

// SetConnection attaches the provider connection of this document.
func (d *Document) SetConnection(conn *provider.Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conn = conn
}

// Connection returns the attached provider connection, or nil.
func (d *Document) Connection() *provider.Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

// SetDiskBuffer records the content last seen on disk.
func (d *Document) SetDiskBuffer(content string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.diskBuffer = content
	d.hasBuffer = true
}

// DiskBuffer returns the content last seen on disk.
func (d *Document) DiskBuffer() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.diskBuffer, d.hasBuffer
}

// Defer queues a local edit awaiting server confirmation.
func (d *Document) Defer(t Transform) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, t)
}

// PendingTransforms returns the number of queued edits.
func (d *Document) PendingTransforms() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// CheckStale compares the disk buffer with the shared text. Pending
// transforms are replayed in order against the shared text; the first one
// whose output equals the disk buffer resolves the divergence and is merged
// into the CRDT as a character diff. It returns true when the document
// needs a manual merge.
func (d *Document) CheckStale() bool {
	server := d.Contents()

	d.mu.Lock()
	buffer, ok := d.diskBuffer, d.hasBuffer
	pending := d.pending
	d.mu.Unlock()

	if !ok || buffer == server {
		d.setStale(false)
		return false
	}

	text := server
	for i, fn := range pending {
		text = fn(text)
		if text != buffer {
			continue
		}
		d.ApplyDiff(buffer)
		d.mu.Lock()
		if len(d.pending) > i {
			d.pending = d.pending[i+1:]
		}
		d.mu.Unlock()
		d.metrics.StaleResolved.Inc()
		d.logger.Debug("Pending edits resolved staleness", zap.Int("applied", i+1))
		d.setStale(false)
		return false
	}

	d.metrics.StaleDocuments.Inc()
	d.logger.Info("Document is stale",
		zap.String("path", d.Path()),
		zap.Int("pending", len(pending)))
	d.setStale(true)
	return true
}

// Stale reports the outcome of the last CheckStale.
func (d *Document) Stale() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stale
}

// OnStale registers fn for staleness changes.
func (d *Document) OnStale(fn func(stale bool)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.staleSubs[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.staleSubs, id)
	}
}

func (d *Document) setStale(stale bool) {
	d.mu.Lock()
	if d.stale == stale {
		d.mu.Unlock()
		return
	}
	d.stale = stale
	fns := make([]func(bool), 0, len(d.staleSubs))
	for _, fn := range d.staleSubs {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn(stale)
	}
}

// Resolve accepts content as the merged result of a manual merge.
func (d *Document) Resolve(content string) {
	d.ApplyDiff(content)
	d.mu.Lock()
	d.pending = nil
	d.diskBuffer = content
	d.hasBuffer = true
	d.mu.Unlock()
	d.setStale(false)
}

// ApplyDiff rewrites the shared text into target with character-level
// inserts and deletes, keeping concurrent edits outside the changed ranges.
func (d *Document) ApplyDiff(target string) {
	ApplyTextDiff(d.doc, d.doc.Text(ContentsKey), target, d)
}

// ApplyTextDiff converts the diff between text and target into CRDT ops.
func ApplyTextDiff(doc *crdt.Doc, text *crdt.Text, target string, origin any) {
	current := text.String()
	if current == target {
		return
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(current, target, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	doc.Transact(origin, func(tx *crdt.Tx) {
		pos := 0
		for _, diff := range diffs {
			n := utf8.RuneCountInString(diff.Text)
			switch diff.Type {
			case diffmatchpatch.DiffEqual:
				pos += n
			case diffmatchpatch.DiffDelete:
				text.Delete(tx, pos, n)
			case diffmatchpatch.DiffInsert:
				text.Insert(tx, pos, diff.Text)
				pos += n
			}
		}
	})
}

// Destroy detaches the provider connection and stops local persistence.
func (d *Document) Destroy() {
	if !d.markDestroyed() {
		return
	}
	if conn := d.Connection(); conn != nil {
		conn.Destroy()
	}
	if d.persistence != nil {
		d.persistence.Close()
	}
}
