// Package syncstore maps virtual paths to file metadata inside a shared
// folder's replicated document.
package syncstore

import (
	"errors"
	"sort"
	"sync"

	"relaysync/pkg/crdt"
	"relaysync/pkg/types"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	metaMapName   = "filemeta_v0"
	legacyMapName = "docs"
)

var ErrMissingID = errors.New("syncstore: meta has no id")

// SyncStore is the path -> Meta view of one shared folder. Staged writes live
// in the overlay and delete-set until Commit.
type SyncStore struct {
	doc    *crdt.Doc
	meta   *crdt.Map
	legacy *crdt.Map
	logger *zap.Logger

	mu        sync.Mutex
	overlay   map[string]types.Meta
	deleteSet map[string]struct{}
	pending   map[string]string
}

// New binds a SyncStore to the shared folder's document.
func New(doc *crdt.Doc, logger *zap.Logger) *SyncStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncStore{
		doc:       doc,
		meta:      doc.Map(metaMapName),
		legacy:    doc.Map(legacyMapName),
		logger:    logger,
		overlay:   make(map[string]types.Meta),
		deleteSet: make(map[string]struct{}),
		pending:   make(map[string]string),
	}
}

func (s *SyncStore) committed(vpath string) (types.Meta, bool) {
	return crdt.GetValue[types.Meta](s.meta, vpath)
}

func (s *SyncStore) legacyID(vpath string) (string, bool) {
	return crdt.GetValue[string](s.legacy, vpath)
}

func synthesize(vpath, id string) types.Meta {
	kind := types.KindForPath(vpath)
	return types.Meta{ID: id, Type: kind, Mimetype: types.MimetypeForKind(kind)}
}

// Get resolves a path to its id: pending uploads first, then confirmed
// metadata, then the legacy id map.
func (s *SyncStore) Get(vpath string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.pending[vpath]; ok {
		return id, true
	}
	m, ok := s.lookupLocked(vpath)
	if !ok {
		return "", false
	}
	return m.ID, true
}

// GetMeta returns the full metadata of a path.
func (s *SyncStore) GetMeta(vpath string) (types.Meta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.lookupLocked(vpath); ok {
		return m, true
	}
	if id, ok := s.pending[vpath]; ok {
		return synthesize(vpath, id), true
	}
	return types.Meta{}, false
}

func (s *SyncStore) lookupLocked(vpath string) (types.Meta, bool) {
	if _, deleted := s.deleteSet[vpath]; deleted {
		return types.Meta{}, false
	}
	if m, ok := s.overlay[vpath]; ok {
		return m, true
	}
	if m, ok := s.committed(vpath); ok {
		return m, true
	}
	if id, ok := s.legacyID(vpath); ok {
		m := synthesize(vpath, id)
		s.overlay[vpath] = m
		return m, true
	}
	return types.Meta{}, false
}

// Set writes meta for vpath, straight into the document when commit is true
// and into the overlay otherwise. Writes that change nothing are skipped.
func (s *SyncStore) Set(vpath string, meta types.Meta, commit bool) error {
	if meta.ID == "" {
		return ErrMissingID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.pending[vpath]; ok && id == meta.ID {
		delete(s.pending, vpath)
	}
	delete(s.deleteSet, vpath)

	existing, ok := s.committed(vpath)
	if ok && existing.Redundant(meta) {
		delete(s.overlay, vpath)
		return nil
	}

	if !commit {
		s.overlay[vpath] = meta
		return nil
	}

	delete(s.overlay, vpath)
	s.doc.Transact(s, func(tx *crdt.Tx) {
		s.writeLocked(tx, vpath, meta)
	})
	return nil
}

func (s *SyncStore) writeLocked(tx *crdt.Tx, vpath string, meta types.Meta) {
	if err := crdt.SetValue(tx, s.meta, vpath, meta); err != nil {
		s.logger.Error("Failed to encode meta", zap.String("path", vpath), zap.Error(err))
		return
	}
	if meta.Type.HasCRDT() {
		if err := crdt.SetValue(tx, s.legacy, vpath, meta.ID); err != nil {
			s.logger.Error("Failed to encode legacy id", zap.String("path", vpath), zap.Error(err))
		}
	}
}

// Delete removes vpath, immediately when commit is true, otherwise by
// staging it in the delete-set.
func (s *SyncStore) Delete(vpath string, commit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.overlay, vpath)
	delete(s.pending, vpath)

	if !commit {
		s.deleteSet[vpath] = struct{}{}
		return
	}
	delete(s.deleteSet, vpath)
	s.doc.Transact(s, func(tx *crdt.Tx) {
		s.meta.Delete(tx, vpath)
		s.legacy.Delete(tx, vpath)
	})
}

// Move relocates an entry and commits the result. Moving a folder relocates
// every descendant as well. Ids are preserved.
func (s *SyncStore) Move(oldPath, newPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if oldPath == newPath {
		return
	}
	s.movePendingLocked(oldPath, newPath)

	view := s.viewLocked()
	moves := s.relocationsLocked(view, oldPath, newPath)
	if len(moves) == 0 {
		return
	}

	s.doc.Transact(s, func(tx *crdt.Tx) {
		for from := range moves {
			s.meta.Delete(tx, from)
			s.legacy.Delete(tx, from)
			delete(s.overlay, from)
			delete(s.deleteSet, from)
		}
		for from, to := range moves {
			delete(s.overlay, to)
			delete(s.deleteSet, to)
			s.writeLocked(tx, to, view[from])
		}
	})

	s.logger.Debug("Moved entries",
		zap.String("from", oldPath),
		zap.String("to", newPath),
		zap.Int("entries", len(moves)))
}

func (s *SyncStore) movePendingLocked(oldPath, newPath string) {
	for p, id := range s.pending {
		if p == oldPath || types.IsDescendant(p, oldPath) {
			delete(s.pending, p)
			s.pending[types.Rebase(p, oldPath, newPath)] = id
		}
	}
}

// relocationsLocked lists from -> to for everything a move of oldPath touches.
func (s *SyncStore) relocationsLocked(view map[string]types.Meta, oldPath, newPath string) map[string]string {
	m, ok := view[oldPath]
	if !ok {
		return nil
	}
	moves := map[string]string{oldPath: newPath}
	if m.IsFolder() {
		for p := range view {
			if types.IsDescendant(p, oldPath) {
				moves[p] = types.Rebase(p, oldPath, newPath)
			}
		}
	}
	return moves
}

func (s *SyncStore) moveStagedLocked(oldPath, newPath string) int {
	view := s.viewLocked()
	moves := s.relocationsLocked(view, oldPath, newPath)
	for from := range moves {
		delete(s.overlay, from)
		s.deleteSet[from] = struct{}{}
	}
	for from, to := range moves {
		delete(s.deleteSet, to)
		s.overlay[to] = view[from]
	}
	s.movePendingLocked(oldPath, newPath)
	return len(moves)
}

// MigrateUp repairs folder renames made by peers that only record document
// moves in the legacy id map, then imports legacy-only records into the
// overlay. Changes are staged; call Commit to flush them.
func (s *SyncStore) MigrateUp() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := s.viewLocked()
	idToPath := make(map[string]string)
	folderPaths := make(map[string][]string)
	for _, p := range s.meta.Keys() {
		m, ok := view[p]
		if !ok {
			continue
		}
		if m.IsFolder() {
			folderPaths[m.ID] = append(folderPaths[m.ID], p)
			continue
		}
		idToPath[m.ID] = p
	}

	folderMoves := make(map[string]string)
	entryMoves := make(map[string]string)
	legacy := s.legacyEntries()

	for lpath, id := range legacy {
		mpath, ok := idToPath[id]
		if !ok || mpath == lpath {
			continue
		}
		if s.meta.Has(lpath) {
			continue
		}
		if from, to, ok := inferFolderRename(mpath, lpath); ok {
			_, occupied := view[to]
			if fm, isFolder := view[from]; isFolder && fm.IsFolder() && !occupied {
				if prev, exists := folderMoves[from]; !exists || to < prev {
					folderMoves[from] = to
				}
				continue
			}
		}
		entryMoves[mpath] = lpath
	}

	for _, paths := range folderPaths {
		if len(paths) < 2 {
			continue
		}
		sort.Slice(paths, func(i, j int) bool {
			a, b := view[paths[i]], view[paths[j]]
			if a.Synctime != b.Synctime {
				return a.Synctime > b.Synctime
			}
			return paths[i] < paths[j]
		})
		for _, stale := range paths[1:] {
			if _, exists := folderMoves[stale]; !exists {
				folderMoves[stale] = paths[0]
			}
		}
	}

	moved := 0
	for from, to := range entryMoves {
		moved += s.moveStagedLocked(from, to)
	}

	olds := lo.Keys(folderMoves)
	sort.Slice(olds, func(i, j int) bool {
		di, dj := types.Depth(olds[i]), types.Depth(olds[j])
		if di != dj {
			return di > dj
		}
		return olds[i] < olds[j]
	})
	for _, from := range olds {
		n := s.moveStagedLocked(from, folderMoves[from])
		if n > 0 {
			s.logger.Info("Replayed folder rename",
				zap.String("from", from),
				zap.String("to", folderMoves[from]),
				zap.Int("entries", n))
		}
		moved += n
	}

	view = s.viewLocked()
	for lpath, id := range legacy {
		if _, ok := view[lpath]; ok {
			continue
		}
		if _, known := idToPath[id]; known {
			continue
		}
		s.overlay[lpath] = synthesize(lpath, id)
	}

	return moved
}

// inferFolderRename treats a document that kept its name but changed parent
// as evidence that the parent folder itself was moved.
func inferFolderRename(oldPath, newPath string) (string, string, bool) {
	if types.BaseName(oldPath) != types.BaseName(newPath) {
		return "", "", false
	}
	from, to := types.ParentPath(oldPath), types.ParentPath(newPath)
	if from == to || from == "/" || to == "/" {
		return "", "", false
	}
	return from, to, true
}

func (s *SyncStore) legacyEntries() map[string]string {
	out := make(map[string]string)
	for _, k := range s.legacy.Keys() {
		if id, ok := s.legacyID(k); ok {
			out[k] = id
		}
	}
	return out
}

// Commit flushes the overlay and then the delete-set in one transaction.
func (s *SyncStore) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.overlay) == 0 && len(s.deleteSet) == 0 {
		return
	}

	overlay, deletes := s.overlay, s.deleteSet
	s.overlay = make(map[string]types.Meta)
	s.deleteSet = make(map[string]struct{})

	s.doc.Transact(s, func(tx *crdt.Tx) {
		for p, m := range overlay {
			if existing, ok := s.committed(p); ok && existing.Redundant(m) {
				if !m.Type.HasCRDT() || s.legacy.Has(p) {
					continue
				}
			}
			s.writeLocked(tx, p, m)
		}
		for p := range deletes {
			s.meta.Delete(tx, p)
			s.legacy.Delete(tx, p)
		}
	})

	s.logger.Debug("Committed staged metadata",
		zap.Int("writes", len(overlay)),
		zap.Int("deletes", len(deletes)))
}

// HasStaged reports whether Commit has anything to flush.
func (s *SyncStore) HasStaged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.overlay) > 0 || len(s.deleteSet) > 0
}

func (s *SyncStore) viewLocked() map[string]types.Meta {
	view := make(map[string]types.Meta)
	for _, k := range s.meta.Keys() {
		if m, ok := s.committed(k); ok {
			view[k] = m
		}
	}
	for k, m := range s.overlay {
		view[k] = m
	}
	for k := range s.deleteSet {
		delete(view, k)
	}
	return view
}

// Entry is one path of the store's current view.
type Entry struct {
	Path string
	Meta types.Meta
}

// Entries returns the current view (committed plus staged) ordered shallow first.
func (s *SyncStore) Entries() []Entry {
	s.mu.Lock()
	view := s.viewLocked()
	s.mu.Unlock()

	entries := make([]Entry, 0, len(view))
	for p, m := range view {
		entries = append(entries, Entry{Path: p, Meta: m})
	}
	sort.Slice(entries, func(i, j int) bool {
		return types.ComparePaths(entries[i].Path, entries[j].Path) < 0
	})
	return entries
}

// ForEach calls fn for every entry of the current view.
func (s *SyncStore) ForEach(fn func(vpath string, meta types.Meta)) {
	for _, e := range s.Entries() {
		fn(e.Path, e.Meta)
	}
}

// RemoteIDs returns the set of ids present in the current view.
func (s *SyncStore) RemoteIDs() map[string]struct{} {
	ids := make(map[string]struct{})
	s.ForEach(func(_ string, m types.Meta) {
		ids[m.ID] = struct{}{}
	})
	return ids
}

// PathForID finds the path currently holding id.
func (s *SyncStore) PathForID(id string) (string, bool) {
	for _, e := range s.Entries() {
		if e.Meta.ID == id {
			return e.Path, true
		}
	}
	return "", false
}

// SetPending stages a local file that has not been uploaded yet.
func (s *SyncStore) SetPending(vpath, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[vpath] = id
}

// ClearPending drops a pending upload.
func (s *SyncStore) ClearPending(vpath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, vpath)
}

// PendingUpload reports whether vpath is waiting for its first upload.
func (s *SyncStore) PendingUpload(vpath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[vpath]
	return ok
}

// Pending returns a copy of the staged uploads.
func (s *SyncStore) Pending() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Assign(s.pending)
}

// Observe calls fn whenever the replicated metadata changes.
func (s *SyncStore) Observe(fn func(crdt.MapEvent)) func() {
	unMeta := s.meta.Observe(fn)
	unLegacy := s.legacy.Observe(fn)
	return func() {
		unMeta()
		unLegacy()
	}
}

// IsLocalOrigin reports whether a change was written by this store.
func (s *SyncStore) IsLocalOrigin(origin any) bool {
	o, ok := origin.(*SyncStore)
	return ok && o == s
}
