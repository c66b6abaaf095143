package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	dcfp "github.com/mattkeenan/dircachefingerprint/pkg"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMTime = time.Unix(1700000000, 0)

func testEntry(t *testing.T, path, container, content string) *dcfp.EntryInfo {
	t.Helper()
	entry := &dcfp.EntryInfo{
		Path:      path,
		Container: container,
		Size:      int64(len(content)),
		ModTime:   testMTime,
		MTimeWall: dcfp.TimeToWall(testMTime),
	}
	for _, name := range []string{"sha256", "xxh64"} {
		alg, err := dcfp.GetHashAlgorithm(name)
		require.NoError(t, err)
		entry.Digests = append(entry.Digests, dcfp.Digest{Algorithm: name, Sum: dcfp.HashBytes([]byte(content), alg)})
	}
	return entry
}

func evalArgs(t *testing.T, entry *dcfp.EntryInfo, argv ...string) bool {
	t.Helper()
	args, err := parseArguments(argv)
	require.NoError(t, err)
	if args.Expression == nil {
		return true
	}
	ctx := &EvalContext{Fs: afero.NewMemMapFs(), Now: testMTime.Add(36 * time.Hour), Out: &bytes.Buffer{}}
	match, err := args.Expression.Evaluate(entry, ctx)
	require.NoError(t, err)
	return match
}

func TestParseArguments_Defaults(t *testing.T) {
	args, err := parseArguments(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"cache"}, args.StartingPoints)
	assert.Nil(t, args.Expression)
	require.Len(t, args.Actions, 1)
	assert.IsType(t, &PrintAction{}, args.Actions[0])
	assert.True(t, args.Warn)

	args, err = parseArguments([]string{"/tmp/a.idx", "other", "--name", "*.go", "--nowarn", "--repo", "/r", "--print0", "--ls"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/tmp/a.idx", "other"}, args.StartingPoints)
	assert.Equal(t, "/r", args.Repo)
	assert.False(t, args.Warn)
	assert.Len(t, args.Actions, 2)
	assert.Equal(t, "--name *.go", args.Expression.String())
}

func TestParseArguments_Operators(t *testing.T) {
	args, err := parseArguments([]string{"--name", "*.jpg", "--or", "--not", "--size", "-10", "--empty"})
	require.NoError(t, err)
	assert.Equal(t, "(--name *.jpg --or (--not --size -10c --and --empty))", args.Expression.String())

	args, err = parseArguments([]string{"(", "--name", "a*", "-o", "--name", "b*", ")", "--archived"})
	require.NoError(t, err)
	assert.Equal(t, "((--name a* --or --name b*) --and --archived)", args.Expression.String())
}

func TestParseArguments_Errors(t *testing.T) {
	cases := [][]string{
		{"--bogus"},
		{"--name"},
		{"--printf"},
		{"(", "--name", "x"},
		{"--name", "x", ")"},
		{"(", ")"},
		{"--not"},
		{"--or", "--name", "x"},
		{"--size", "lots"},
		{"--mtime", "-x"},
		{"--hash", "xyz"},
		{"--hash", "nosuchalg:00"},
		{"--algorithm", "nosuchalg"},
	}
	for _, argv := range cases {
		_, err := parseArguments(argv)
		assert.Error(t, err, "%q", argv)
	}
}

func TestTests(t *testing.T) {
	plain := testEntry(t, "/r/photos/Cat.JPG", "", "meow")
	member := testEntry(t, "/r/x.zip!/inner/dog.jpg", "/r/x.zip", "woof!")
	empty := testEntry(t, "/r/empty", "", "")

	sha := plain.HexDigest("sha256")
	xxh := plain.HexDigest("xxh64")

	cases := []struct {
		entry *dcfp.EntryInfo
		argv  []string
		want  bool
	}{
		{plain, []string{"--name", "*.JPG"}, true},
		{plain, []string{"--name", "*.jpg"}, false},
		{plain, []string{"--iname", "*.jpg"}, true},
		{member, []string{"--name", "dog.jpg"}, true},
		{plain, []string{"--path", "/r/*.JPG"}, true},
		{plain, []string{"--ipath", "*/PHOTOS/*"}, true},
		{member, []string{"--container", "*.zip"}, true},
		{plain, []string{"--container", "*"}, false},
		{plain, []string{"--size", "4"}, true},
		{plain, []string{"--size", "+3c"}, true},
		{plain, []string{"--size", "-4"}, false},
		{plain, []string{"--size", "-1K"}, true},
		{empty, []string{"--empty"}, true},
		{empty, []string{"--size", "0"}, true},
		{plain, []string{"--mtime", "1"}, true},
		{plain, []string{"--mtime", "+1"}, false},
		{plain, []string{"--mmin", "+2000"}, true},
		{plain, []string{"--hash", sha}, true},
		{plain, []string{"--hash", "sha256:" + xxh}, false},
		{plain, []string{"--hash", "xxh64:" + xxh}, true},
		{plain, []string{"--hash-prefix", sha[:6]}, true},
		{plain, []string{"--hash-prefix", "xxh64:" + sha[:6]}, false},
		{plain, []string{"--algorithm", "xxh64"}, true},
		{plain, []string{"--algorithm", "md5"}, false},
		{member, []string{"--archived"}, true},
		{plain, []string{"--not", "--archived"}, true},
		{plain, []string{"--name", "nope", "--or", "--size", "4"}, true},
		{plain, []string{"--name", "nope", "--size", "4"}, false},
		{plain, []string{"--stale"}, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, evalArgs(t, tc.entry, tc.argv...), "%s %q", tc.entry.Path, tc.argv)
	}
}

func TestFormatEntry(t *testing.T) {
	entry := testEntry(t, "/r/x.zip!/inner/dog.jpg", "/r/x.zip", "woof!")
	ctx := &EvalContext{IndexPath: "/r/.dcfp/cache.idx"}

	got := formatEntry(`%p|%f|%s|%c|%Y|%i|%%|%q\t\0\n`, entry, ctx)
	assert.Equal(t, "/r/x.zip!/inner/dog.jpg|dog.jpg|5|/r/x.zip|sha256|/r/.dcfp/cache.idx|%|%q\t\x00\n", got)

	assert.Equal(t, entry.HexDigest("sha256"), formatEntry("%H", entry, ctx))
	assert.Equal(t, "sha256:"+entry.HexDigest("sha256")+",xxh64:"+entry.HexDigest("xxh64"), formatEntry("%D", entry, ctx))
	assert.Equal(t, "1700000000000000000", formatEntry("%T", entry, ctx))
	assert.Equal(t, "trailing %", formatEntry("trailing %", entry, ctx))
}

func TestExecuteFind(t *testing.T) {
	root := t.TempDir()
	indexPath := filepath.Join(root, dcfp.RepoDirName, dcfp.CacheIndex)
	store, err := dcfp.OpenIndexCacheStore(indexPath)
	require.NoError(t, err)
	for _, e := range []*dcfp.EntryInfo{
		testEntry(t, "/r/b.jpg", "", "bb"),
		testEntry(t, "/r/a.txt", "", "a"),
		testEntry(t, "/r/x.zip!/c.jpg", "/r/x.zip", "ccc"),
	} {
		require.NoError(t, store.Put(&dcfp.Fingerprint{Identity: e.Identity(), Digests: e.Digests, BytesRead: e.Size}))
	}
	require.NoError(t, store.Close())

	resolved, err := resolveStartingPoints([]string{"cache", indexPath}, root)
	require.NoError(t, err)
	assert.Equal(t, []string{indexPath}, resolved)

	args, err := parseArguments([]string{"--name", "*.jpg", "--printf", `%p %s\n`})
	require.NoError(t, err)
	var out bytes.Buffer
	assert.False(t, executeFind(resolved, args, &out))
	assert.Equal(t, "/r/b.jpg 2\n/r/x.zip!/c.jpg 3\n", out.String())

	out.Reset()
	args, err = parseArguments([]string{"--print0"})
	require.NoError(t, err)
	badIndex := filepath.Join(root, "bad.idx")
	require.NoError(t, os.WriteFile(badIndex, bytes.Repeat([]byte("x"), 4096), 0644))
	assert.True(t, executeFind([]string{badIndex, indexPath}, args, &out),
		"an unreadable index is reported")
	assert.Equal(t, "/r/a.txt\x00/r/b.jpg\x00/r/x.zip!/c.jpg\x00", out.String())

	_, err = resolveStartingPoints([]string{"cache"}, t.TempDir())
	assert.Error(t, err)
}
