package sharedfolder

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"relaysync/pkg/crdt"
	"relaysync/pkg/document"
	"relaysync/pkg/fsys"
	"relaysync/pkg/provider"
	"relaysync/pkg/store"
	"relaysync/pkg/types"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// crdtFile is implemented by Document and Canvas.
type crdtFile interface {
	document.File
	Doc() *crdt.Doc
	Persistence() *store.Persistence
	Connection() *provider.Connection
	SetConnection(conn *provider.Connection)
}

func (f *SharedFolder) addLocked(file document.File) {
	f.files[file.GUID()] = file
	f.paths[file.Path()] = file
}

func (f *SharedFolder) removeLocked(file document.File) {
	if cur, ok := f.files[file.GUID()]; ok && cur == file {
		delete(f.files, file.GUID())
	}
	if cur, ok := f.paths[file.Path()]; ok && cur == file {
		delete(f.paths, file.Path())
	}
}

func (f *SharedFolder) moveLocked(file document.File, newPath string) {
	if cur, ok := f.paths[file.Path()]; ok && cur == file {
		delete(f.paths, file.Path())
	}
	file.Move(newPath)
	f.paths[newPath] = file
}

// relocateLocked moves file and, for folders, everything below it.
func (f *SharedFolder) relocateLocked(file document.File, newPath string) []document.File {
	oldPath := file.Path()
	moved := []document.File{file}
	if file.Kind() == types.KindFolder {
		for _, d := range f.descendantsLocked(oldPath) {
			f.moveLocked(d, types.Rebase(d.Path(), oldPath, newPath))
			moved = append(moved, d)
		}
	}
	f.moveLocked(file, newPath)
	return moved
}

func (f *SharedFolder) descendantsLocked(dir string) []document.File {
	var out []document.File
	for p, file := range f.paths {
		if types.IsDescendant(p, dir) {
			out = append(out, file)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return types.ComparePaths(out[i].Path(), out[j].Path()) > 0
	})
	return out
}

// File returns the handle at vpath.
func (f *SharedFolder) File(vpath string) (document.File, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.paths[types.NormalizePath(vpath)]
	return file, ok
}

func (f *SharedFolder) fileByID(id string) (document.File, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[id]
	return file, ok
}

// owns reports whether file is still the live handle of its id.
func (f *SharedFolder) owns(file document.File) bool {
	cur, ok := f.fileByID(file.GUID())
	return ok && cur == file
}

// Files returns every handle ordered shallow first.
func (f *SharedFolder) Files() []document.File {
	f.mu.Lock()
	files := lo.Values(f.files)
	f.mu.Unlock()
	sort.Slice(files, func(i, j int) bool {
		return types.ComparePaths(files[i].Path(), files[j].Path()) < 0
	})
	return files
}

// openFile builds the handle of one kind. CRDT kinds get their persisted
// history replayed; origin is recorded only for new documents.
func (f *SharedFolder) openFile(ctx context.Context, id, vpath string, meta types.Meta, origin string) (document.File, error) {
	switch meta.Type {
	case types.KindFolder:
		return document.NewSyncFolder(id, vpath), nil
	case types.KindFile:
		return document.NewSyncFile(id, vpath, meta.Hash, meta.Mimetype), nil
	case types.KindDocument, types.KindCanvas:
		doc := crdt.NewDoc(id)
		ds := f.st.Doc(id)
		p := store.NewPersistence(doc, ds, f.logger)
		if err := p.Load(ctx); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", vpath, err)
		}
		md := document.Metadata{Path: vpath, Relay: f.cfg.Relay, Folder: f.cfg.GUID, Origin: origin}
		if err := document.WriteMetadata(ds, md); err != nil {
			f.logger.Warn("Failed to write document metadata", zap.String("path", vpath), zap.Error(err))
		}
		if meta.Type == types.KindCanvas {
			return document.NewCanvas(id, vpath, doc, p, f.logger, f.metrics), nil
		}
		d := document.NewDocument(id, vpath, doc, p, f.logger, f.metrics)
		d.OnStale(func(stale bool) {
			if stale {
				f.logger.Warn("Document needs a manual merge", zap.String("path", d.Path()))
			}
		})
		return d, nil
	default:
		return nil, fmt.Errorf("%s: unknown kind %q", vpath, meta.Type)
	}
}

// discard releases a handle. wipe also deletes its stored history.
func (f *SharedFolder) discard(file document.File, wipe bool) {
	var p *store.Persistence
	if c, ok := file.(crdtFile); ok {
		p = c.Persistence()
	}
	file.Destroy()
	if wipe && p != nil {
		if err := p.Destroy(); err != nil {
			f.logger.Warn("Failed to delete document history", zap.String("id", file.GUID()), zap.Error(err))
		}
	}
}

func (f *SharedFolder) recordPath(files []document.File) {
	for _, file := range files {
		c, ok := file.(crdtFile)
		if !ok || c.Persistence() == nil {
			continue
		}
		if err := c.Persistence().Store().SetMeta(store.MetaPath, file.Path()); err != nil {
			f.logger.Warn("Failed to record document path", zap.String("path", file.Path()), zap.Error(err))
		}
	}
}

// loadLocal adopts every file on disk. Paths known to the SyncStore keep
// their id; the rest are treated as local creations.
func (f *SharedFolder) loadLocal(ctx context.Context) error {
	var unknown []fsys.Info
	var uploads []document.File
	err := f.vault.Walk(func(info fsys.Info) error {
		meta, ok := f.syncStore.GetMeta(info.Path)
		if !ok || meta.IsFolder() != info.IsDir {
			unknown = append(unknown, info)
			return nil
		}

		var upload bool
		if meta.Type == types.KindFile {
			meta, upload = f.localFileState(info, meta)
		}
		file, err := f.openFile(ctx, meta.ID, info.Path, meta, "")
		if err != nil {
			return err
		}
		if err := f.seed(file, false); err != nil {
			f.logger.Warn("Failed to read local copy", zap.String("path", info.Path), zap.Error(err))
		}
		f.mu.Lock()
		f.addLocked(file)
		f.mu.Unlock()
		if upload {
			uploads = append(uploads, file)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, info := range unknown {
		if _, ok := f.File(info.Path); ok {
			continue
		}
		file, err := f.createLocal(ctx, info)
		if err != nil {
			f.logger.Warn("Failed to adopt local file", zap.String("path", info.Path), zap.Error(err))
			continue
		}
		if file != nil {
			uploads = append(uploads, file)
		}
	}
	f.uploadAll(uploads)
	f.publish()
	return nil
}

// localFileState decides how a generic file found at startup relates to its
// metadata. Content edited after the last upload is re-uploaded; otherwise
// an unknown hash is left empty so reconciliation pulls the remote copy.
func (f *SharedFolder) localFileState(info fsys.Info, meta types.Meta) (types.Meta, bool) {
	data, err := f.vault.Read(info.Path)
	if err != nil {
		return meta, false
	}
	if document.ContentHash(data) == meta.Hash {
		return meta, false
	}
	if meta.Synctime > 0 && info.ModTime.UnixMilli() > meta.Synctime {
		return meta, true
	}
	meta.Hash = ""
	return meta, false
}

// FileEntry is one published file.
type FileEntry struct {
	GUID string     `json:"guid"`
	Path string     `json:"path"`
	Kind types.Kind `json:"kind"`
}

// FileSet mirrors a folder's handles for subscribers.
type FileSet struct {
	mu      sync.Mutex
	entries []FileEntry
	subs    map[int]func([]FileEntry)
	nextSub int
}

func newFileSet() *FileSet {
	return &FileSet{subs: make(map[int]func([]FileEntry))}
}

// Entries returns the current set ordered shallow first.
func (s *FileSet) Entries() []FileEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FileEntry(nil), s.entries...)
}

// Subscribe registers fn for changes.
func (s *FileSet) Subscribe(fn func([]FileEntry)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// update replaces the set and notifies subscribers if it changed.
func (s *FileSet) update(entries []FileEntry) bool {
	s.mu.Lock()
	if slices.Equal(s.entries, entries) {
		s.mu.Unlock()
		return false
	}
	s.entries = entries
	fns := lo.Values(s.subs)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(append([]FileEntry(nil), entries...))
	}
	return true
}

func (f *SharedFolder) publish() bool {
	entries := lo.Map(f.Files(), func(file document.File, _ int) FileEntry {
		return FileEntry{GUID: file.GUID(), Path: file.Path(), Kind: file.Kind()}
	})
	return f.fileSet.update(entries)
}
