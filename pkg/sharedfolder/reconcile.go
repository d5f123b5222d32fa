package sharedfolder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"

	"relaysync/pkg/backgroundsync"
	"relaysync/pkg/document"
	"relaysync/pkg/syncstore"
	"relaysync/pkg/types"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type passState int

const (
	passIdle passState = iota
	passRunning
	passRerun
)

type opKind string

const (
	opNoop    opKind = "noop"
	opCreate  opKind = "create"
	opRename  opKind = "rename"
	opDelete  opKind = "delete"
	opUpgrade opKind = "upgrade"
	opUpdate  opKind = "update"
	opRemap   opKind = "remap"
	opReplace opKind = "replace"
)

type operation struct {
	kind opKind
	path string
	from string
	run  func(ctx context.Context) error
	// deferred operations run concurrently after every inline one.
	deferred bool
}

func (o operation) String() string {
	if o.from != "" {
		return fmt.Sprintf("%s %s -> %s", o.kind, o.from, o.path)
	}
	return fmt.Sprintf("%s %s", o.kind, o.path)
}

func noop(p string) operation {
	return operation{kind: opNoop, path: p}
}

// SyncFileTree reconciles local files with the SyncStore. A call made while
// a pass is running schedules exactly one follow-up pass and waits for it.
func (f *SharedFolder) SyncFileTree(ctx context.Context) error {
	f.passMu.Lock()
	switch f.pass {
	case passIdle:
		f.pass = passRunning
		f.passDone = make(chan struct{})
		go f.runPasses(f.passDone)
	case passRunning:
		f.pass = passRerun
	}
	done := f.passDone
	f.passMu.Unlock()

	select {
	case <-done:
		f.passMu.Lock()
		defer f.passMu.Unlock()
		return f.passErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *SharedFolder) runPasses(done chan struct{}) {
	for {
		err := f.reconcile(f.ctx)

		f.passMu.Lock()
		if f.pass == passRerun {
			f.pass = passRunning
			f.passMu.Unlock()
			continue
		}
		f.pass = passIdle
		f.passErr = err
		close(done)
		f.passMu.Unlock()
		return
	}
}

// reconcile runs one pass.
func (f *SharedFolder) reconcile(ctx context.Context) error {
	if f.isDestroyed() {
		return ErrDestroyed
	}
	if !f.isReadyMarked() {
		return ErrNotReady
	}

	start := time.Now()
	f.metrics.ReconcilePasses.Inc()
	defer func() {
		f.metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}()

	if n := f.syncStore.MigrateUp(); n > 0 {
		f.logger.Info("Migrated legacy folder moves", zap.Int("entries", n))
	}
	f.syncStore.Commit()

	entries := f.syncStore.Entries()
	remotePaths := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		remotePaths[e.Path] = struct{}{}
	}
	folders := lo.Filter(entries, func(e syncstore.Entry, _ int) bool { return e.Meta.IsFolder() })
	files := lo.Filter(entries, func(e syncstore.Entry, _ int) bool { return !e.Meta.IsFolder() })

	var (
		diffMu sync.Mutex
		diff   []string
		errs   []error
	)
	record := func(op operation) {
		f.metrics.ReconcileOperations.WithLabelValues(string(op.kind)).Inc()
		if op.kind == opNoop {
			return
		}
		diffMu.Lock()
		diff = append(diff, op.String())
		diffMu.Unlock()
	}
	fail := func(op operation, err error) {
		diffMu.Lock()
		errs = append(errs, fmt.Errorf("%s: %w", op, err))
		diffMu.Unlock()
	}

	claimed := make(map[string]string)
	var deferred []operation
	for _, e := range append(folders, files...) {
		op := f.applyRemoteState(ctx, e, claimed)
		record(op)
		if op.run == nil {
			continue
		}
		if op.deferred {
			deferred = append(deferred, op)
			continue
		}
		if err := op.run(ctx); err != nil {
			fail(op, err)
		}
	}

	f.await(ctx, deferred, fail)

	if f.persistence.Synced() && f.remoteSynced() {
		for _, op := range f.deletions(remotePaths) {
			record(op)
			if err := op.run(ctx); err != nil {
				fail(op, err)
			}
		}
	}

	f.mu.Lock()
	f.lastDiff = diff
	f.mu.Unlock()

	if len(diff) > 0 {
		f.logger.Info("Reconciled shared folder",
			zap.Strings("ops", diff),
			zap.Duration("took", time.Since(start)))
	} else {
		f.logger.Debug("Shared folder already consistent", zap.Int("entries", len(entries)))
	}
	f.publish()
	return errors.Join(errs...)
}

// await runs the deferred operations with bounded fan-out, warning once if
// they take longer than the slow threshold.
func (f *SharedFolder) await(ctx context.Context, ops []operation, fail func(operation, error)) {
	if len(ops) == 0 {
		return
	}

	done := make(chan struct{})
	go func() {
		timer := time.NewTimer(f.cfg.SlowOpThreshold)
		defer timer.Stop()
		select {
		case <-done:
		case <-ctx.Done():
		case <-timer.C:
			f.logger.Warn("Reconcile operations are slow",
				zap.Int("operations", len(ops)),
				zap.Duration("threshold", f.cfg.SlowOpThreshold))
		}
	}()

	var g errgroup.Group
	g.SetLimit(f.cfg.Concurrency)
	for _, op := range ops {
		op := op
		g.Go(func() error {
			if err := op.run(ctx); err != nil {
				fail(op, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	close(done)
}

// applyRemoteState decides what brings the local side of one entry in line
// with the remote metadata.
func (f *SharedFolder) applyRemoteState(ctx context.Context, e syncstore.Entry, claimed map[string]string) operation {
	vpath, meta := e.Path, e.Meta
	if !types.Syncable(vpath) {
		return noop(vpath)
	}
	if !meta.Type.Valid() {
		f.logger.Error("Dropping entry with unknown kind",
			zap.String("path", vpath),
			zap.String("kind", string(meta.Type)),
			zap.Stack("stack"))
		return noop(vpath)
	}
	if other, dup := claimed[meta.ID]; dup {
		f.logger.Warn("Dropping entry with duplicate id",
			zap.String("path", vpath),
			zap.String("id", meta.ID),
			zap.String("kept", other))
		return noop(vpath)
	}
	claimed[meta.ID] = vpath

	if local, ok := f.File(vpath); ok {
		return f.reconcileExisting(local, vpath, meta)
	}
	if existing, ok := f.fileByID(meta.ID); ok {
		return f.renameOp(existing, vpath)
	}
	return f.createOp(vpath, meta, meta.Type != types.KindFolder)
}

func (f *SharedFolder) reconcileExisting(local document.File, vpath string, meta types.Meta) operation {
	sameID := local.GUID() == meta.ID
	pending := f.syncStore.PendingUpload(vpath)

	switch {
	case sameID && local.Kind() == meta.Type:
		sf, isFile := local.(*document.SyncFile)
		if isFile && meta.Hash != "" && meta.Hash != sf.Hash() && sf.Synctime() <= meta.Synctime &&
			!pending && !f.bg.InFlight(meta.ID) {
			return f.updateOp(sf, meta)
		}
		return noop(vpath)

	case local.Kind() == types.KindFile && meta.Type == types.KindCanvas:
		return f.upgradeOp(local, vpath, meta)

	case !sameID && pending && local.Kind() == types.KindFile && meta.Type == types.KindFile &&
		meta.Hash != "" && f.diskHash(vpath) == meta.Hash:
		return f.remapOp(local, vpath, meta)

	case (local.Kind() == types.KindFolder) != (meta.Type == types.KindFolder):
		return f.replaceOp(local, vpath, meta, true)

	case !sameID && pending:
		f.logger.Debug("Local upload pending at remote path",
			zap.String("path", vpath),
			zap.String("local", local.GUID()),
			zap.String("remote", meta.ID))
		return noop(vpath)

	default:
		return f.replaceOp(local, vpath, meta, false)
	}
}

func (f *SharedFolder) diskHash(vpath string) string {
	data, err := f.vault.Read(vpath)
	if err != nil {
		return ""
	}
	return document.ContentHash(data)
}

func (f *SharedFolder) ensureParent(vpath string) error {
	parent := types.ParentPath(vpath)
	if parent == "/" {
		return nil
	}
	return f.vault.Mkdir(parent)
}

func (f *SharedFolder) createOp(vpath string, meta types.Meta, deferred bool) operation {
	return operation{
		kind:     opCreate,
		path:     vpath,
		deferred: deferred,
		run: func(ctx context.Context) error {
			if err := f.ensureParent(vpath); err != nil {
				return err
			}
			file, err := f.openFile(ctx, meta.ID, vpath, types.Meta{Type: meta.Type, Mimetype: meta.Mimetype}, document.OriginRemote)
			if err != nil {
				return err
			}
			f.mu.Lock()
			f.addLocked(file)
			f.mu.Unlock()
			return f.download(file, meta)
		},
	}
}

// download fetches the content of a handle created from remote metadata.
func (f *SharedFolder) download(file document.File, meta types.Meta) error {
	switch file.(type) {
	case *document.SyncFolder:
		return f.vault.Mkdir(file.Path())
	case *document.SyncFile:
		if meta.Hash == "" {
			return nil
		}
		_, err := f.bg.EnqueueDownload(backgroundsync.Item{File: file, Folder: f, Hash: meta.Hash})
		return err
	case *document.Document, *document.Canvas:
		_, err := f.bg.EnqueueDownload(backgroundsync.Item{File: file, Folder: f})
		return err
	default:
		return fmt.Errorf("unsupported handle %T", file)
	}
}

func (f *SharedFolder) renameOp(file document.File, vpath string) operation {
	from := file.Path()
	return operation{
		kind: opRename,
		path: vpath,
		from: from,
		run: func(context.Context) error {
			if f.vault.Exists(from) && !f.vault.Exists(vpath) {
				if err := f.vault.Rename(from, vpath); err != nil {
					return err
				}
			}
			f.mu.Lock()
			moved := f.relocateLocked(file, vpath)
			f.mu.Unlock()
			f.recordPath(moved)
			return nil
		},
	}
}

func (f *SharedFolder) updateOp(file *document.SyncFile, meta types.Meta) operation {
	return operation{
		kind:     opUpdate,
		path:     file.Path(),
		deferred: true,
		run: func(context.Context) error {
			_, err := f.bg.EnqueueDownload(backgroundsync.Item{File: file, Folder: f, Hash: meta.Hash})
			return err
		},
	}
}

// upgradeOp turns a generic-file placeholder into a canvas, keeping the
// content on disk as the canvas's initial state.
func (f *SharedFolder) upgradeOp(local document.File, vpath string, meta types.Meta) operation {
	return operation{
		kind: opUpgrade,
		path: vpath,
		run: func(ctx context.Context) error {
			disk, _ := f.vault.Read(vpath)

			f.mu.Lock()
			f.removeLocked(local)
			f.mu.Unlock()
			f.discard(local, false)

			file, err := f.openFile(ctx, meta.ID, vpath, meta, document.OriginLocal)
			if err != nil {
				return err
			}
			canvas := file.(*document.Canvas)
			if canvas.Doc().IsEmpty() && len(disk) > 0 {
				if err := canvas.ApplyJSON(disk); err != nil {
					f.logger.Warn("Placeholder is not a valid canvas", zap.String("path", vpath), zap.Error(err))
				} else if rendered, err := canvas.Render(); err == nil {
					if err := f.vault.Write(vpath, rendered); err != nil {
						return err
					}
					canvas.SetDiskBuffer(rendered)
				}
			}

			f.mu.Lock()
			f.addLocked(canvas)
			f.mu.Unlock()
			f.syncStore.ClearPending(vpath)
			_, err = f.bg.EnqueueSync(backgroundsync.Item{File: canvas, Folder: f})
			return err
		},
	}
}

// remapOp adopts the remote id for a pending local file with identical
// content, so the same bytes are not uploaded twice.
func (f *SharedFolder) remapOp(local document.File, vpath string, meta types.Meta) operation {
	return operation{
		kind: opRemap,
		path: vpath,
		run: func(context.Context) error {
			f.mu.Lock()
			f.removeLocked(local)
			f.addLocked(document.NewSyncFile(meta.ID, vpath, meta.Hash, meta.Mimetype))
			f.mu.Unlock()
			f.bg.Cancel(local.GUID())
			f.discard(local, false)
			f.syncStore.ClearPending(vpath)
			return nil
		},
	}
}

// replaceOp drops the local handle and creates the remote one in its place.
// trash also moves the local content away, for folder and file collisions.
func (f *SharedFolder) replaceOp(local document.File, vpath string, meta types.Meta, trash bool) operation {
	create := f.createOp(vpath, meta, false)
	return operation{
		kind: opReplace,
		path: vpath,
		run: func(ctx context.Context) error {
			f.mu.Lock()
			f.removeLocked(local)
			dropped := []document.File{local}
			if local.Kind() == types.KindFolder {
				for _, d := range f.descendantsLocked(vpath) {
					f.removeLocked(d)
					dropped = append(dropped, d)
				}
			}
			f.mu.Unlock()
			for _, d := range dropped {
				f.discard(d, false)
			}
			if trash {
				if err := f.vault.Trash(vpath); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return err
				}
			}
			return create.run(ctx)
		},
	}
}

// deletions trashes local files the remote no longer lists, deepest first.
func (f *SharedFolder) deletions(remotePaths map[string]struct{}) []operation {
	var ops []operation
	for _, file := range f.Files() {
		vpath := file.Path()
		if _, ok := remotePaths[vpath]; ok || !types.Syncable(vpath) {
			continue
		}
		if f.syncStore.PendingUpload(vpath) || f.bg.InFlight(file.GUID()) {
			continue
		}
		ops = append(ops, f.deleteOp(file))
	}
	sort.SliceStable(ops, func(i, j int) bool {
		return types.ComparePaths(ops[i].path, ops[j].path) > 0
	})
	return ops
}

func (f *SharedFolder) deleteOp(file document.File) operation {
	vpath := file.Path()
	return operation{
		kind: opDelete,
		path: vpath,
		run: func(context.Context) error {
			if err := f.vault.Trash(vpath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			f.mu.Lock()
			f.removeLocked(file)
			f.mu.Unlock()
			f.discard(file, true)
			return nil
		},
	}
}
