package dircachefingerprint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIterateCacheIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), CacheIndex)
	store, err := OpenIndexCacheStore(path)
	require.NoError(t, err)
	mtime := time.Unix(1700000000, 42)
	require.NoError(t, store.Put(testFingerprint(t, FileIdentity{Path: "/r/z", Size: 1, ModTime: mtime}, "z", "sha1")))
	require.NoError(t, store.Put(testFingerprint(t, FileIdentity{Path: "/r/a.zip!/in", Size: 2, ModTime: mtime, Container: "/r/a.zip"}, "in", "sha1", "md5")))
	require.NoError(t, store.Close())

	var entries []*EntryInfo
	require.NoError(t, IterateCacheIndex(path, func(e *EntryInfo) bool {
		entries = append(entries, e)
		return true
	}))
	require.Len(t, entries, 2)

	archived := entries[0]
	assert.Equal(t, "/r/a.zip!/in", archived.Path)
	assert.True(t, archived.Archived())
	assert.Equal(t, HashStringToHexString("in", mustAlgorithm(t, "md5")), archived.HexDigest("md5"))
	assert.Equal(t, "", archived.HexDigest("blake3"))
	assert.True(t, archived.Identity().Matches(FileIdentity{Path: "/r/a.zip!/in", Size: 2, ModTime: mtime, Container: "/r/a.zip"}))
	assert.Equal(t, mtime.UnixNano(), archived.ModTime.UnixNano())
	assert.Equal(t, TimeToWall(mtime), archived.MTimeWall)

	var count int
	require.NoError(t, IterateCacheIndex(path, func(e *EntryInfo) bool {
		count++
		return false
	}))
	assert.Equal(t, 1, count, "returning false stops iteration")

	require.NoError(t, IterateCacheIndex(filepath.Join(t.TempDir(), "none.idx"), func(e *EntryInfo) bool {
		t.Fatal("missing index has no entries")
		return false
	}))
}

func TestEntryInfo_IsStale(t *testing.T) {
	fs := afero.NewMemMapFs()
	mtime := time.Unix(1700000000, 0)
	require.NoError(t, afero.WriteFile(fs, "/r/file", []byte("1234"), 0644))
	require.NoError(t, fs.Chtimes("/r/file", mtime, mtime))
	require.NoError(t, afero.WriteFile(fs, "/r/a.zip", []byte("zip"), 0644))

	fresh := &EntryInfo{Path: "/r/file", Size: 4, MTimeWall: TimeToWall(mtime)}
	assert.False(t, fresh.IsStale(fs))

	resized := &EntryInfo{Path: "/r/file", Size: 5, MTimeWall: TimeToWall(mtime)}
	assert.True(t, resized.IsStale(fs))

	retimed := &EntryInfo{Path: "/r/file", Size: 4, MTimeWall: TimeToWall(mtime.Add(time.Second))}
	assert.True(t, retimed.IsStale(fs))

	gone := &EntryInfo{Path: "/r/gone", Size: 4}
	assert.True(t, gone.IsStale(fs))

	inArchive := &EntryInfo{Path: "/r/a.zip!/x", Container: "/r/a.zip"}
	assert.False(t, inArchive.IsStale(fs))
	orphan := &EntryInfo{Path: "/r/b.zip!/x", Container: "/r/b.zip"}
	assert.True(t, orphan.IsStale(fs))
}

func TestResolveCacheIndex(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, RepoDirName), 0755))
	nested := filepath.Join(root, "deep", "dir")
	require.NoError(t, os.MkdirAll(nested, 0755))
	expected := filepath.Join(root, RepoDirName, CacheIndex)

	got, err := ResolveCacheIndex(nested)
	require.NoError(t, err)
	assert.Equal(t, expected, got)

	got, err = ResolveCacheIndex(filepath.Join(root, RepoDirName))
	require.NoError(t, err)
	assert.Equal(t, expected, got)

	_, err = ResolveCacheIndex(filepath.Join(root, "missing.idx"))
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "other.idx"), nil, 0644))
	got, err = ResolveCacheIndex(filepath.Join(root, "other.idx"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "other.idx"), got)

	_, err = ResolveCacheIndex(t.TempDir())
	assert.Error(t, err)
}
