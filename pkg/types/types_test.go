package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{KindDocument, KindCanvas, KindFolder, KindFile} {
		got, err := ParseKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	_, err := ParseKind("image")
	assert.Error(t, err)
}

func TestKindForPath(t *testing.T) {
	assert.Equal(t, KindDocument, KindForPath("/notes/a.md"))
	assert.Equal(t, KindDocument, KindForPath("/notes/A.MD"))
	assert.Equal(t, KindCanvas, KindForPath("/board.canvas"))
	assert.Equal(t, KindFile, KindForPath("/img/cat.png"))
	assert.Equal(t, KindFile, KindForPath("/Makefile"))
}

func TestMetaRedundant(t *testing.T) {
	base := Meta{ID: "a", Type: KindFile, Mimetype: "image/png", Hash: "h1", Synctime: 10}

	t.Run("identical", func(t *testing.T) {
		assert.True(t, base.Redundant(base))
	})

	t.Run("no new hash or synctime", func(t *testing.T) {
		assert.True(t, base.Redundant(Meta{ID: "a", Type: KindFile, Mimetype: "image/png"}))
	})

	t.Run("new hash", func(t *testing.T) {
		next := base
		next.Hash = "h2"
		assert.False(t, base.Redundant(next))
	})

	t.Run("new synctime", func(t *testing.T) {
		next := base
		next.Synctime = 11
		assert.False(t, base.Redundant(next))
	})

	t.Run("type change", func(t *testing.T) {
		next := base
		next.Type = KindCanvas
		assert.False(t, base.Redundant(next))
	})
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "/a/b", NormalizePath("a/b/"))
	assert.Equal(t, "/a/b", NormalizePath(`a\b`))
	assert.Equal(t, "/", NormalizePath(""))

	assert.Equal(t, "/a", ParentPath("/a/b"))
	assert.Equal(t, "/", ParentPath("/a"))
	assert.Equal(t, "", ParentPath("/"))

	assert.Equal(t, "b.md", BaseName("/a/b.md"))
	assert.Equal(t, 0, Depth("/"))
	assert.Equal(t, 2, Depth("/a/b"))

	assert.True(t, IsDescendant("/a/b", "/a"))
	assert.False(t, IsDescendant("/ab", "/a"))
	assert.False(t, IsDescendant("/a", "/a"))

	assert.Equal(t, "/c/b.md", Rebase("/a/b.md", "/a", "/c"))
	assert.Equal(t, "/c", Rebase("/a", "/a", "/c"))
}

func TestSyncable(t *testing.T) {
	assert.True(t, Syncable("/notes/a.md"))
	assert.False(t, Syncable("/.obsidian/config"))
	assert.False(t, Syncable("/notes/.hidden.md"))
	assert.False(t, Syncable("/"))
}

func TestComparePaths(t *testing.T) {
	assert.Less(t, ComparePaths("/z", "/a/b"), 0)
	assert.Less(t, ComparePaths("/a", "/b"), 0)
	assert.Equal(t, 0, ComparePaths("/a", "/a"))
}
