// Package fsys is the file-system boundary: a Vault rooted at the shared
// folder directory and a Watcher reporting local changes.
package fsys

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strconv"
	"time"

	"relaysync/pkg/types"

	"github.com/spf13/afero"
)

// TrashDir holds trashed files, relative to the vault root.
const TrashDir = "/.trash"

// Info describes one vault entry.
type Info struct {
	Path    string
	Size    int64
	IsDir   bool
	ModTime time.Time
}

// Vault reads and writes files by virtual path ("/notes/a.md").
type Vault interface {
	Read(vpath string) ([]byte, error)
	Write(vpath string, data []byte) error
	Exists(vpath string) bool
	Mkdir(vpath string) error
	Trash(vpath string) error
	Rename(oldPath, newPath string) error
	Stat(vpath string) (Info, error)
	// Walk visits every syncable entry below the root in lexical order.
	Walk(fn func(info Info) error) error
}

// AferoVault implements Vault on an afero file system.
type AferoVault struct {
	fs afero.Fs
}

var _ Vault = (*AferoVault)(nil)

// NewOSVault roots a vault at dir on the host file system.
func NewOSVault(dir string) (*AferoVault, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create vault root: %w", err)
	}
	return &AferoVault{fs: afero.NewBasePathFs(afero.NewOsFs(), dir)}, nil
}

// NewMemVault returns an in-memory vault.
func NewMemVault() *AferoVault {
	return &AferoVault{fs: afero.NewMemMapFs()}
}

// NewVault wraps an existing afero file system.
func NewVault(fsys afero.Fs) *AferoVault {
	return &AferoVault{fs: fsys}
}

// Fs exposes the underlying file system.
func (v *AferoVault) Fs() afero.Fs {
	return v.fs
}

func (v *AferoVault) Read(vpath string) ([]byte, error) {
	return afero.ReadFile(v.fs, types.NormalizePath(vpath))
}

// Write replaces the file content, creating parent directories.
func (v *AferoVault) Write(vpath string, data []byte) error {
	vpath = types.NormalizePath(vpath)
	if err := v.fs.MkdirAll(path.Dir(vpath), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(v.fs, vpath, data, 0o644)
}

func (v *AferoVault) Exists(vpath string) bool {
	ok, err := afero.Exists(v.fs, types.NormalizePath(vpath))
	return err == nil && ok
}

func (v *AferoVault) Mkdir(vpath string) error {
	return v.fs.MkdirAll(types.NormalizePath(vpath), 0o755)
}

// Trash moves vpath into TrashDir, suffixing the name on collision.
func (v *AferoVault) Trash(vpath string) error {
	vpath = types.NormalizePath(vpath)
	if !v.Exists(vpath) {
		return fs.ErrNotExist
	}
	if err := v.fs.MkdirAll(TrashDir, 0o755); err != nil {
		return err
	}

	base := path.Base(vpath)
	target := path.Join(TrashDir, base)
	for i := 1; v.Exists(target); i++ {
		target = path.Join(TrashDir, base+"."+strconv.Itoa(i))
	}
	return v.fs.Rename(vpath, target)
}

// Rename moves a file or directory, creating the destination's parents.
func (v *AferoVault) Rename(oldPath, newPath string) error {
	oldPath = types.NormalizePath(oldPath)
	newPath = types.NormalizePath(newPath)
	if v.Exists(newPath) {
		return fmt.Errorf("rename %s -> %s: %w", oldPath, newPath, fs.ErrExist)
	}
	if err := v.fs.MkdirAll(path.Dir(newPath), 0o755); err != nil {
		return err
	}
	return v.fs.Rename(oldPath, newPath)
}

func (v *AferoVault) Stat(vpath string) (Info, error) {
	vpath = types.NormalizePath(vpath)
	fi, err := v.fs.Stat(vpath)
	if err != nil {
		return Info{}, err
	}
	return Info{Path: vpath, Size: fi.Size(), IsDir: fi.IsDir(), ModTime: fi.ModTime()}, nil
}

func (v *AferoVault) Walk(fn func(info Info) error) error {
	var infos []Info
	err := afero.Walk(v.fs, "/", func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		vpath := types.NormalizePath(p)
		if vpath == "/" {
			return nil
		}
		if !types.Syncable(vpath) {
			if fi.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		infos = append(infos, Info{Path: vpath, Size: fi.Size(), IsDir: fi.IsDir(), ModTime: fi.ModTime()})
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	for _, info := range infos {
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}
