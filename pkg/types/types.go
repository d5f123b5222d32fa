package types

import (
	"fmt"
	"path"
	"strings"
)

// Kind is the discriminant stored in Meta for every synced path.
type Kind string

const (
	KindDocument Kind = "markdown"
	KindCanvas   Kind = "canvas"
	KindFolder   Kind = "folder"
	KindFile     Kind = "file"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindDocument, KindCanvas, KindFolder, KindFile:
		return true
	}
	return false
}

// HasCRDT reports whether content of this kind lives in its own CRDT document.
func (k Kind) HasCRDT() bool {
	return k == KindDocument || k == KindCanvas
}

// ParseKind converts a stored discriminant back into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown file kind %q", s)
	}
	return k, nil
}

// Meta is the replicated metadata record for one virtual path.
type Meta struct {
	ID       string `msgpack:"id" json:"id"`
	Type     Kind   `msgpack:"type" json:"type"`
	Mimetype string `msgpack:"mimetype,omitempty" json:"mimetype,omitempty"`
	Hash     string `msgpack:"hash,omitempty" json:"hash,omitempty"`
	Synctime int64  `msgpack:"synctime,omitempty" json:"synctime,omitempty"`
}

// IsFolder reports whether the entry describes a directory.
func (m Meta) IsFolder() bool {
	return m.Type == KindFolder
}

// Redundant reports whether writing next over m would change nothing.
func (m Meta) Redundant(next Meta) bool {
	if m.ID != next.ID || m.Type != next.Type || m.Mimetype != next.Mimetype {
		return false
	}
	if next.Hash != "" && next.Hash != m.Hash {
		return false
	}
	if next.Synctime != 0 && next.Synctime != m.Synctime {
		return false
	}
	return true
}

// KindForPath guesses the kind of a file from its extension.
func KindForPath(vpath string) Kind {
	switch strings.ToLower(path.Ext(vpath)) {
	case ".md":
		return KindDocument
	case ".canvas":
		return KindCanvas
	default:
		return KindFile
	}
}

// MimetypeForKind returns the fixed mimetype of CRDT-backed kinds.
func MimetypeForKind(k Kind) string {
	switch k {
	case KindDocument:
		return "text/markdown"
	case KindCanvas:
		return "application/json"
	case KindFolder:
		return "inode/directory"
	}
	return ""
}

// NormalizePath returns a cleaned virtual path with a leading slash.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// ParentPath returns the parent of a virtual path, "/" for top-level entries.
func ParentPath(p string) string {
	if p == "/" || p == "" {
		return ""
	}
	lastSlash := strings.LastIndex(p, "/")
	if lastSlash <= 0 {
		return "/"
	}
	return p[:lastSlash]
}

// BaseName returns the last element of a virtual path.
func BaseName(p string) string {
	if p == "/" {
		return "/"
	}
	return p[strings.LastIndex(p, "/")+1:]
}

// Depth counts the segments of a virtual path.
func Depth(p string) int {
	p = strings.Trim(p, "/")
	if p == "" {
		return 0
	}
	return strings.Count(p, "/") + 1
}

// IsDescendant reports whether p lies strictly below dir.
func IsDescendant(p, dir string) bool {
	if dir == "/" {
		return p != "/"
	}
	return strings.HasPrefix(p, dir+"/")
}

// Rebase moves p from under oldDir to under newDir.
func Rebase(p, oldDir, newDir string) string {
	if p == oldDir {
		return newDir
	}
	return newDir + strings.TrimPrefix(p, oldDir)
}

// Syncable reports whether a virtual path takes part in synchronization.
// Hidden segments and the trash directory are skipped.
func Syncable(p string) bool {
	if p == "" || p == "/" {
		return false
	}
	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		if seg == "" || strings.HasPrefix(seg, ".") {
			return false
		}
	}
	return true
}

// ComparePaths orders paths shallow first, then lexically.
func ComparePaths(a, b string) int {
	da, db := Depth(a), Depth(b)
	if da != db {
		return da - db
	}
	return strings.Compare(a, b)
}
