package sharedfolder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"
	"unicode/utf8"

	"relaysync/pkg/backgroundsync"
	"relaysync/pkg/document"
	"relaysync/pkg/fsys"
	"relaysync/pkg/provider"
	"relaysync/pkg/types"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

var (
	// ErrNoRelay is returned when a live view is requested on a local folder.
	ErrNoRelay = errors.New("sharedfolder: folder has no relay")
	// ErrInvalidText marks a document whose disk content is not UTF-8.
	ErrInvalidText = errors.New("sharedfolder: document is not valid UTF-8")
)

// HandleCreate adopts a file or directory that appeared on disk.
func (f *SharedFolder) HandleCreate(ctx context.Context, vpath string) error {
	vpath = types.NormalizePath(vpath)
	if !types.Syncable(vpath) {
		return nil
	}
	if f.isDestroyed() {
		return ErrDestroyed
	}
	if _, ok := f.File(vpath); ok {
		return f.HandleModify(ctx, vpath)
	}

	info, err := f.vault.Stat(vpath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	var uploads []document.File
	defer func() { f.uploadAll(uploads) }()

	file, err := f.createLocal(ctx, info)
	if err != nil {
		return err
	}
	if file != nil {
		uploads = append(uploads, file)
	}
	if info.IsDir {
		// Children created together with the directory emit no events of
		// their own on every platform.
		err = f.vault.Walk(func(child fsys.Info) error {
			if !types.IsDescendant(child.Path, vpath) {
				return nil
			}
			if _, ok := f.File(child.Path); ok {
				return nil
			}
			file, err := f.createLocal(ctx, child)
			if file != nil {
				uploads = append(uploads, file)
			}
			return err
		})
		if err != nil {
			return err
		}
	}
	f.publish()
	return nil
}

// createLocal opens a handle for a path found on disk. Paths unknown to the
// SyncStore get a fresh id and are marked pending until the upload lands.
// The returned file still needs uploading; it is nil for folders and for
// skipped paths.
func (f *SharedFolder) createLocal(ctx context.Context, info fsys.Info) (document.File, error) {
	kind := types.KindFolder
	if !info.IsDir {
		kind = types.KindForPath(info.Path)
	}
	if kind == types.KindFile && f.cfg.MaxFileSize > 0 && info.Size > f.cfg.MaxFileSize {
		f.logger.Warn("Skipping file over the size limit",
			zap.String("path", info.Path),
			zap.Int64("size", info.Size),
			zap.Int64("limit", f.cfg.MaxFileSize))
		return nil, nil
	}

	meta, known := f.syncStore.GetMeta(info.Path)
	if known && meta.IsFolder() != info.IsDir {
		known = false
	}
	id := meta.ID
	if !known {
		id = uuid.NewString()
	}

	file, err := f.openFile(ctx, id, info.Path, types.Meta{Type: kind}, document.OriginLocal)
	if err != nil {
		return nil, err
	}
	if err := f.seed(file, true); err != nil {
		f.discard(file, false)
		if errors.Is(err, ErrInvalidText) {
			f.logger.Warn("Skipping document that is not valid UTF-8", zap.String("path", info.Path))
			return nil, nil
		}
		return nil, err
	}

	f.mu.Lock()
	f.addLocked(file)
	f.mu.Unlock()

	if kind == types.KindFolder {
		return nil, f.syncStore.Set(info.Path, types.Meta{ID: id, Type: types.KindFolder}, true)
	}
	if !known {
		f.syncStore.SetPending(info.Path, id)
	}
	return file, nil
}

// seed records the disk content of a CRDT handle. adopt also merges it into
// an empty document.
func (f *SharedFolder) seed(file document.File, adopt bool) error {
	switch h := file.(type) {
	case *document.Document:
		data, err := f.vault.Read(h.Path())
		if err != nil {
			return err
		}
		if !utf8.Valid(data) {
			return fmt.Errorf("%s: %w", h.Path(), ErrInvalidText)
		}
		if adopt && h.Doc().IsEmpty() {
			h.ApplyDiff(string(data))
		}
		h.SetDiskBuffer(string(data))
	case *document.Canvas:
		data, err := f.vault.Read(h.Path())
		if err != nil {
			return err
		}
		if adopt && h.Doc().IsEmpty() && len(data) > 0 {
			if err := h.ApplyJSON(data); err != nil {
				return fmt.Errorf("invalid canvas %s: %w", h.Path(), err)
			}
		}
		h.SetDiskBuffer(data)
	}
	return nil
}

// upload queues file on the sync queue and records its metadata once the
// relay has it.
func (f *SharedFolder) upload(file document.File) {
	task, err := f.bg.EnqueueSync(backgroundsync.Item{File: file, Folder: f})
	if err != nil {
		f.logger.Warn("Failed to queue upload", zap.String("path", file.Path()), zap.Error(err))
		return
	}
	f.awaitUpload(file, task)
}

// uploadAll queues files as one batch of the folder's sync group.
func (f *SharedFolder) uploadAll(files []document.File) {
	if len(files) == 0 {
		return
	}
	items := lo.Map(files, func(file document.File, _ int) backgroundsync.Item {
		return backgroundsync.Item{File: file}
	})
	tasks, err := f.bg.EnqueueSharedFolderSync(f, items)
	if err != nil {
		f.logger.Warn("Failed to queue uploads", zap.Int("files", len(files)), zap.Error(err))
		return
	}
	for i, task := range tasks {
		f.awaitUpload(files[i], task)
	}
}

func (f *SharedFolder) awaitUpload(file document.File, task *backgroundsync.Task) {
	if f.isDestroyed() {
		return
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		res, err := task.Wait(f.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) &&
				!errors.Is(err, backgroundsync.ErrDestroyed) &&
				!errors.Is(err, backgroundsync.ErrCanceled) {
				f.logger.Warn("Upload failed", zap.String("path", file.Path()), zap.Error(err))
			}
			return
		}
		if err := f.promote(file, res); err != nil {
			f.logger.Warn("Failed to record upload", zap.String("path", file.Path()), zap.Error(err))
		}
	}()
}

// promote publishes the metadata of an uploaded file.
func (f *SharedFolder) promote(file document.File, res backgroundsync.Result) error {
	if !f.owns(file) {
		return nil
	}
	vpath := file.Path()
	kind := file.Kind()
	if kind.HasCRDT() {
		if meta, ok := f.syncStore.GetMeta(vpath); ok && meta.ID == file.GUID() && !f.syncStore.PendingUpload(vpath) {
			return nil
		}
	}

	meta := types.Meta{
		ID:       file.GUID(),
		Type:     kind,
		Mimetype: types.MimetypeForKind(kind),
		Synctime: res.Synctime,
	}
	if meta.Synctime == 0 {
		meta.Synctime = time.Now().UnixMilli()
	}
	if kind == types.KindFile {
		meta.Hash = res.Hash
		meta.Mimetype = res.Mimetype
		if sf, ok := file.(*document.SyncFile); ok && meta.Hash == "" {
			meta.Hash, meta.Mimetype = sf.Hash(), sf.Mimetype()
		}
	}
	return f.syncStore.Set(vpath, meta, true)
}

// HandleModify pushes a local edit of an adopted file.
func (f *SharedFolder) HandleModify(ctx context.Context, vpath string) error {
	vpath = types.NormalizePath(vpath)
	file, ok := f.File(vpath)
	if !ok {
		if !f.vault.Exists(vpath) {
			return nil
		}
		return f.HandleCreate(ctx, vpath)
	}

	switch h := file.(type) {
	case *document.Document:
		data, err := f.vault.Read(vpath)
		if err != nil {
			return err
		}
		if !utf8.Valid(data) {
			f.logger.Warn("Ignoring edit that is not valid UTF-8", zap.String("path", vpath))
			return nil
		}
		content := string(data)
		if buf, ok := h.DiskBuffer(); ok && buf == content {
			return nil
		}
		h.SetDiskBuffer(content)
		if content == h.Contents() {
			return nil
		}
		h.ApplyDiff(content)
		f.upload(h)

	case *document.Canvas:
		data, err := f.vault.Read(vpath)
		if err != nil {
			return err
		}
		before, err := h.Render()
		if err != nil {
			return err
		}
		if err := h.ApplyJSON(data); err != nil {
			f.logger.Warn("Ignoring invalid canvas edit", zap.String("path", vpath), zap.Error(err))
			return nil
		}
		h.SetDiskBuffer(data)
		after, err := h.Render()
		if err != nil {
			return err
		}
		if string(before) != string(after) {
			f.upload(h)
		}

	case *document.SyncFile:
		info, err := f.vault.Stat(vpath)
		if err != nil {
			return err
		}
		if f.cfg.MaxFileSize > 0 && info.Size > f.cfg.MaxFileSize {
			f.logger.Warn("Skipping file over the size limit", zap.String("path", vpath), zap.Int64("size", info.Size))
			return nil
		}
		data, err := f.vault.Read(vpath)
		if err != nil {
			return err
		}
		if document.ContentHash(data) == h.Hash() {
			return nil
		}
		f.upload(h)
	}
	return nil
}

// HandleDelete removes a file, or a directory and everything below it.
func (f *SharedFolder) HandleDelete(vpath string) error {
	vpath = types.NormalizePath(vpath)
	file, ok := f.File(vpath)
	if !ok {
		return nil
	}

	f.mu.Lock()
	dropped := f.descendantsLocked(vpath)
	dropped = append(dropped, file)
	for _, d := range dropped {
		f.removeLocked(d)
	}
	f.mu.Unlock()

	for _, d := range dropped {
		f.syncStore.Delete(d.Path(), false)
		f.syncStore.ClearPending(d.Path())
		f.discard(d, true)
	}
	f.syncStore.Commit()
	f.publish()
	return nil
}

// HandleRename follows a move on disk.
func (f *SharedFolder) HandleRename(ctx context.Context, oldPath, newPath string) error {
	oldPath, newPath = types.NormalizePath(oldPath), types.NormalizePath(newPath)
	file, ok := f.File(oldPath)
	if !ok {
		return f.HandleCreate(ctx, newPath)
	}
	if !types.Syncable(newPath) {
		return f.HandleDelete(oldPath)
	}
	if _, exists := f.File(newPath); exists {
		return nil
	}
	if file.Kind() != types.KindFolder && types.KindForPath(newPath) != file.Kind() {
		if err := f.HandleDelete(oldPath); err != nil {
			return err
		}
		return f.HandleCreate(ctx, newPath)
	}

	f.syncStore.Move(oldPath, newPath)
	f.mu.Lock()
	moved := f.relocateLocked(file, newPath)
	f.mu.Unlock()
	f.recordPath(moved)
	f.publish()
	return nil
}

// OpenView attaches an editor to the document at vpath, creating its relay
// connection on first use.
func (f *SharedFolder) OpenView(ctx context.Context, vpath string) (*document.View, error) {
	file, ok := f.File(vpath)
	if !ok {
		return nil, fmt.Errorf("%s: %w", vpath, fs.ErrNotExist)
	}
	c, ok := file.(crdtFile)
	if !ok {
		return nil, fmt.Errorf("%s: %s files have no live view", vpath, file.Kind())
	}

	conn := c.Connection()
	if conn == nil {
		if f.cfg.Relay == "" || f.transports == nil || f.tokens == nil {
			return nil, ErrNoRelay
		}
		conn = provider.NewConnection(c.GUID(), f.transports(c.Doc()), f.tokens, f.pool, f.logger, f.metrics)
		c.SetConnection(conn)
	}

	v := document.NewView(conn)
	if f.ShouldConnect() {
		v.Open(ctx)
	}
	return v, nil
}
