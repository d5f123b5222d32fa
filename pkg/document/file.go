// Package document holds the in-memory file handles of a shared folder and
// the staleness protocol for CRDT-backed documents.
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"relaysync/pkg/types"

	"github.com/gabriel-vasile/mimetype"
)

// File is implemented by Document, Canvas, SyncFile and SyncFolder only.
type File interface {
	GUID() string
	Path() string
	Kind() types.Kind
	Move(newPath string)
	Destroy()
	isFile()
}

type handle struct {
	guid string

	pathMu    sync.RWMutex
	path      string
	destroyed bool
}

func (h *handle) GUID() string {
	return h.guid
}

func (h *handle) Path() string {
	h.pathMu.RLock()
	defer h.pathMu.RUnlock()
	return h.path
}

// Move records a new virtual path. The caller moves the bytes on disk.
func (h *handle) Move(newPath string) {
	h.pathMu.Lock()
	defer h.pathMu.Unlock()
	h.path = types.NormalizePath(newPath)
}

func (h *handle) markDestroyed() bool {
	h.pathMu.Lock()
	defer h.pathMu.Unlock()
	if h.destroyed {
		return false
	}
	h.destroyed = true
	return true
}

// Destroyed reports whether Destroy was called.
func (h *handle) Destroyed() bool {
	h.pathMu.RLock()
	defer h.pathMu.RUnlock()
	return h.destroyed
}

func (*handle) isFile() {}

// SyncFolder is a directory tracked in the SyncStore.
type SyncFolder struct {
	handle
}

// NewSyncFolder creates a folder handle.
func NewSyncFolder(guid, vpath string) *SyncFolder {
	return &SyncFolder{handle: handle{guid: guid, path: types.NormalizePath(vpath)}}
}

func (f *SyncFolder) Kind() types.Kind { return types.KindFolder }

func (f *SyncFolder) Destroy() { f.markDestroyed() }

// SyncFile is a generic file synchronized as an opaque blob.
type SyncFile struct {
	handle

	mu       sync.Mutex
	hash     string
	mimetype string
	synctime int64
}

// NewSyncFile creates a generic-file handle. hash is the last synced content
// hash and may be empty for files never uploaded.
func NewSyncFile(guid, vpath, hash, mime string) *SyncFile {
	return &SyncFile{
		handle:   handle{guid: guid, path: types.NormalizePath(vpath)},
		hash:     hash,
		mimetype: mime,
	}
}

func (f *SyncFile) Kind() types.Kind { return types.KindFile }

func (f *SyncFile) Destroy() { f.markDestroyed() }

// Hash returns the last synced content hash.
func (f *SyncFile) Hash() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hash
}

// Mimetype returns the recorded content type.
func (f *SyncFile) Mimetype() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mimetype
}

// Synctime returns the upload timestamp of the synced content.
func (f *SyncFile) Synctime() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.synctime
}

// MarkSynced records the hash and type of content now matching the remote.
func (f *SyncFile) MarkSynced(hash, mime string, synctime int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hash = hash
	if mime != "" {
		f.mimetype = mime
	}
	if synctime != 0 {
		f.synctime = synctime
	}
}

// ContentHash is the hex sha256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DetectMimetype sniffs the content type of data.
func DetectMimetype(data []byte) string {
	return mimetype.Detect(data).String()
}
