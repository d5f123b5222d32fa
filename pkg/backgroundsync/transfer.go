package backgroundsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"relaysync/pkg/crdt"
	"relaysync/pkg/document"
	"relaysync/pkg/relay"
	"relaysync/pkg/store"

	"go.uber.org/zap"
)

// errRequeueAsUpload moves a download whose server copy never initialized
// onto the sync queue.
var errRequeueAsUpload = errors.New("backgroundsync: requeue as upload")

type remoteOrigin struct{}

// RemoteOrigin tags updates pulled from the relay.
var RemoteOrigin = remoteOrigin{}

// transfer dispatches on the file kind.
func (b *BackgroundSync) transfer(ctx context.Context, qi *queueItem) (Result, error) {
	switch f := qi.File.(type) {
	case *document.Document:
		return b.transferCRDT(ctx, qi, documentContent{f})
	case *document.Canvas:
		return b.transferCRDT(ctx, qi, canvasContent{f})
	case *document.SyncFile:
		if qi.queue == QueueDownload {
			return b.downloadFile(ctx, qi, f)
		}
		return b.uploadFile(ctx, qi, f)
	case *document.SyncFolder:
		return Result{}, qi.Folder.Vault().Mkdir(f.Path())
	default:
		return Result{}, fmt.Errorf("unsupported file kind %T", qi.File)
	}
}

// crdtContent abstracts the rendering of a CRDT-backed file to disk bytes.
type crdtContent interface {
	doc() *crdt.Doc
	persistence() *store.Persistence
	render() ([]byte, error)
	// stale records disk as the last seen content and reports whether it
	// diverges from the shared state.
	stale(disk []byte) bool
	written(data []byte)
}

type documentContent struct{ d *document.Document }

func (c documentContent) doc() *crdt.Doc                  { return c.d.Doc() }
func (c documentContent) persistence() *store.Persistence { return c.d.Persistence() }
func (c documentContent) render() ([]byte, error)         { return []byte(c.d.Contents()), nil }
func (c documentContent) written(data []byte)             { c.d.SetDiskBuffer(string(data)) }

func (c documentContent) stale(disk []byte) bool {
	c.d.SetDiskBuffer(string(disk))
	return c.d.CheckStale()
}

type canvasContent struct{ c *document.Canvas }

func (c canvasContent) doc() *crdt.Doc                  { return c.c.Doc() }
func (c canvasContent) persistence() *store.Persistence { return c.c.Persistence() }
func (c canvasContent) render() ([]byte, error)         { return c.c.Render() }
func (c canvasContent) written(data []byte)             { c.c.SetDiskBuffer(data) }

func (c canvasContent) stale(disk []byte) bool {
	c.c.SetDiskBuffer(disk)
	return c.c.CheckStale()
}

// transferCRDT pulls the server state into the document, pushes local state
// on the sync queue and writes the result to disk when it changed.
func (b *BackgroundSync) transferCRDT(ctx context.Context, qi *queueItem, content crdtContent) (Result, error) {
	doc := content.doc()
	vault := qi.Folder.Vault()
	path := qi.File.Path()

	before, err := content.render()
	if err != nil {
		return Result{}, err
	}
	beforeHash := document.ContentHash(before)

	for attempt := 0; ; attempt++ {
		server, err := b.remote.PullUpdate(ctx, qi.id)
		if err != nil && !errors.Is(err, relay.ErrNotFound) {
			return Result{}, fmt.Errorf("failed to pull %s: %w", qi.id, err)
		}

		if serverEmpty(qi.id, server) && !doc.IsEmpty() {
			if qi.queue == QueueSync {
				break
			}
			if attempt >= b.opts.MaxRetries {
				return Result{}, errRequeueAsUpload
			}
			delay := b.retryDelay(attempt)
			b.logger.Debug("Server copy empty, waiting for uploader",
				zap.String("id", qi.id),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay))
			if err := sleepContext(ctx, delay); err != nil {
				return Result{}, err
			}
			continue
		}

		if len(server) > 0 {
			if err := doc.ApplyUpdate(server, RemoteOrigin); err != nil {
				return Result{}, fmt.Errorf("failed to apply server state of %s: %w", qi.id, err)
			}
		}
		break
	}

	if qi.queue == QueueSync && !doc.IsEmpty() {
		if err := b.remote.PushUpdate(ctx, qi.id, doc.EncodeState()); err != nil {
			return Result{}, fmt.Errorf("failed to push %s: %w", qi.id, err)
		}
	}
	if p := content.persistence(); p != nil {
		if err := p.MarkServerSynced(); err != nil {
			b.logger.Warn("Failed to record server sync", zap.String("id", qi.id), zap.Error(err))
		}
	}

	after, err := content.render()
	if err != nil {
		return Result{}, err
	}
	res := Result{Hash: document.ContentHash(after), Synctime: b.now().UnixMilli()}

	disk, readErr := vault.Read(path)
	if readErr == nil && bytes.Equal(disk, after) {
		content.written(after)
		res.Skipped = true
		return res, nil
	}
	if readErr == nil && res.Hash == beforeHash {
		// Nothing arrived from the server; disk edits belong to the upload path.
		res.Skipped = true
		return res, nil
	}
	if readErr == nil && !bytes.Equal(disk, before) && content.stale(disk) {
		return Result{}, fmt.Errorf("%s: %w", path, document.ErrStale)
	}

	if err := vault.Write(path, after); err != nil {
		return Result{}, fmt.Errorf("failed to write %s: %w", path, err)
	}
	content.written(after)
	return res, nil
}

// serverEmpty reports whether a pulled state carries no content.
func serverEmpty(guid string, server []byte) bool {
	if len(server) == 0 {
		return true
	}
	probe := crdt.NewDoc(guid)
	if err := probe.ApplyUpdate(server, RemoteOrigin); err != nil {
		return false
	}
	return probe.IsEmpty()
}

func (b *BackgroundSync) uploadFile(ctx context.Context, qi *queueItem, f *document.SyncFile) (Result, error) {
	vault := qi.Folder.Vault()
	info, err := vault.Stat(f.Path())
	if err != nil {
		return Result{}, err
	}
	if b.opts.MaxFileSize > 0 && info.Size > b.opts.MaxFileSize {
		return Result{}, fmt.Errorf("%s is %d bytes: %w", f.Path(), info.Size, ErrTooLarge)
	}

	data, err := vault.Read(f.Path())
	if err != nil {
		return Result{}, err
	}
	hash := document.ContentHash(data)
	mime := document.DetectMimetype(data)
	res := Result{Hash: hash, Mimetype: mime, Synctime: b.now().UnixMilli()}

	if hash == f.Hash() {
		res.Skipped = true
		return res, nil
	}
	if err := b.remote.PushBlob(ctx, qi.Folder.GUID(), hash, mime, data); err != nil {
		return Result{}, fmt.Errorf("failed to upload %s: %w", f.Path(), err)
	}
	f.MarkSynced(hash, mime, res.Synctime)
	return res, nil
}

func (b *BackgroundSync) downloadFile(ctx context.Context, qi *queueItem, f *document.SyncFile) (Result, error) {
	vault := qi.Folder.Vault()
	hash := qi.Hash
	if hash == "" {
		hash = f.Hash()
	}
	if hash == "" {
		return Result{}, fmt.Errorf("%s: no content hash to download", f.Path())
	}

	if local, err := vault.Read(f.Path()); err == nil && document.ContentHash(local) == hash {
		f.MarkSynced(hash, "", 0)
		return Result{Hash: hash, Mimetype: f.Mimetype(), Skipped: true}, nil
	}

	data, mime, err := b.remote.PullBlob(ctx, qi.Folder.GUID(), hash)
	if err != nil {
		return Result{}, fmt.Errorf("failed to download %s: %w", f.Path(), err)
	}
	if got := document.ContentHash(data); got != hash {
		return Result{}, fmt.Errorf("%s: content hash mismatch, want %s got %s", f.Path(), hash, got)
	}
	if mime == "" || mime == "application/octet-stream" {
		mime = document.DetectMimetype(data)
	}
	if err := vault.Write(f.Path(), data); err != nil {
		return Result{}, err
	}
	f.MarkSynced(hash, mime, 0)
	return Result{Hash: hash, Mimetype: mime}, nil
}

// retryDelay doubles RetryDelay per attempt, capped at 30s.
func (b *BackgroundSync) retryDelay(attempt int) time.Duration {
	delay := float64(b.opts.RetryDelay) * math.Pow(2, float64(attempt))
	if max := float64(30 * time.Second); delay > max {
		delay = max
	}
	return time.Duration(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
