package dircachefingerprint

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var archiveFixture = map[string]string{
	"docs/readme.txt": "read me first\n",
	"docs/copy.txt":   "read me first\n",
	"bin/tool":        "not really a binary",
	"empty":           "",
}

func fixtureNames() []string {
	names := make([]string, 0, len(archiveFixture))
	for name := range archiveFixture {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	_, err := zw.Create("docs/")
	require.NoError(t, err)
	for _, name := range names {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: time.Unix(1700000000, 0)})
		require.NoError(t, err)
		_, err = io.WriteString(w, files[name])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func buildTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "docs/", Typeflag: tar.TypeDir, Mode: 0755}))
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(files[name])),
			ModTime:  time.Unix(1700000000, 0),
		}))
		_, err := io.WriteString(tw, files[name])
		require.NoError(t, err)
	}
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "link", Typeflag: tar.TypeSymlink, Linkname: "bin/tool"}))
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write(data)
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func zstdBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func TestDetectArchiveKind(t *testing.T) {
	testCases := map[string]ArchiveKind{
		"a.zip":        ArchiveZip,
		"A.JAR":        ArchiveZip,
		"a.tar":        ArchiveTar,
		"a.tar.gz":     ArchiveTarGzip,
		"a.tgz":        ArchiveTarGzip,
		"a.tar.zst":    ArchiveTarZstd,
		"a.tzst":       ArchiveTarZstd,
		"a.gz":         ArchiveNone,
		"notes.txt":    ArchiveNone,
		"zip":          ArchiveNone,
		"backup.tar.x": ArchiveNone,
	}
	for path, expected := range testCases {
		assert.Equal(t, expected, DetectArchiveKind(path), path)
		assert.Equal(t, expected != ArchiveNone, IsArchive(path), path)
	}
}

func TestListArchive(t *testing.T) {
	tarData := buildTar(t, archiveFixture)
	archives := map[string][]byte{
		"/data/fixture.zip":     buildZip(t, archiveFixture),
		"/data/fixture.tar":     tarData,
		"/data/fixture.tar.gz":  gzipBytes(t, tarData),
		"/data/fixture.tar.zst": zstdBytes(t, tarData),
	}

	sha256Alg := mustAlgorithm(t, "sha256")
	algorithms := []*HashAlgorithm{sha256Alg}

	for archivePath, content := range archives {
		t.Run(DetectArchiveKind(archivePath).String(), func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, archivePath, content, 0644))

			sources, err := ListArchive(fs, archivePath)
			require.NoError(t, err)
			require.Len(t, sources, len(archiveFixture), "directories and symlinks are not entries")

			var names []string
			pipeline := NewDigestPipeline(3)
			for _, src := range sources {
				id := src.Identity()
				assert.Equal(t, archivePath, id.Container)
				assert.True(t, id.InArchive())
				names = append(names, id.EntryName())

				expected, ok := archiveFixture[id.EntryName()]
				require.True(t, ok, "unexpected entry %s", id.EntryName())
				assert.Equal(t, int64(len(expected)), id.Size)

				fp, err := pipeline.Compute(nil, src, algorithms)
				require.NoError(t, err, id.Path)
				assert.Equal(t, HashBytes([]byte(expected), sha256Alg), fp.Digests[0].Sum, id.Path)
			}
			sort.Strings(names)
			assert.Equal(t, fixtureNames(), names)
		})
	}
}

func TestListArchive_Errors(t *testing.T) {
	fs := afero.NewMemMapFs()

	_, err := ListArchive(fs, "/missing.zip")
	assert.ErrorIs(t, err, ErrUnreadable)

	require.NoError(t, afero.WriteFile(fs, "/broken.zip", []byte("this is not a zip"), 0644))
	_, err = ListArchive(fs, "/broken.zip")
	assert.ErrorIs(t, err, ErrUnreadable)

	require.NoError(t, afero.WriteFile(fs, "/broken.tar.gz", []byte("nor a gzip"), 0644))
	_, err = ListArchive(fs, "/broken.tar.gz")
	assert.ErrorIs(t, err, ErrUnreadable)

	require.NoError(t, afero.WriteFile(fs, "/plain.txt", []byte("text"), 0644))
	_, err = ListArchive(fs, "/plain.txt")
	assert.ErrorIs(t, err, ErrUnreadable)
}

func TestListArchive_ChangedAfterListing(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/a.tar", buildTar(t, archiveFixture), 0644))

	sources, err := ListArchive(fs, "/a.tar")
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(fs, "/a.tar", buildTar(t, map[string]string{"other": "x"}), 0644))
	_, err = sources[len(sources)-1].Open()
	assert.ErrorIs(t, err, ErrTruncated)
}

// countingFs counts bytes read through files it opens
type countingFs struct {
	afero.Fs
	read  atomic.Int64
	opens atomic.Int64
}

func (cf *countingFs) Open(name string) (afero.File, error) {
	f, err := cf.Fs.Open(name)
	if err != nil {
		return nil, err
	}
	cf.opens.Add(1)
	return &countingFile{File: f, fs: cf}, nil
}

type countingFile struct {
	afero.File
	fs *countingFs
}

func (cf *countingFile) Read(p []byte) (int, error) {
	n, err := cf.File.Read(p)
	cf.fs.read.Add(int64(n))
	return n, err
}

func (cf *countingFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := cf.File.ReadAt(p, off)
	cf.fs.read.Add(int64(n))
	return n, err
}

func manyEntryFixture(count int) map[string]string {
	rng := rand.New(rand.NewSource(7))
	files := make(map[string]string, count)
	for i := 0; i < count; i++ {
		data := make([]byte, 2048)
		rng.Read(data)
		files[fmt.Sprintf("entries/%03d.bin", i)] = string(data)
	}
	return files
}

func TestTarEntries_ReadArchiveOnce(t *testing.T) {
	files := manyEntryFixture(50)
	tarData := buildTar(t, files)
	archives := map[string][]byte{
		"/data/many.tar":     tarData,
		"/data/many.tar.gz":  gzipBytes(t, tarData),
		"/data/many.tar.zst": zstdBytes(t, tarData),
	}
	sha256Alg := mustAlgorithm(t, "sha256")

	for archivePath, content := range archives {
		t.Run(DetectArchiveKind(archivePath).String(), func(t *testing.T) {
			fs := &countingFs{Fs: afero.NewMemMapFs()}
			require.NoError(t, afero.WriteFile(fs.Fs, archivePath, content, 0644))

			sources, err := ListArchive(fs, archivePath)
			require.NoError(t, err)
			require.Len(t, sources, len(files))

			pipeline := NewDigestPipeline(0)
			for _, src := range sources {
				fp, err := pipeline.Compute(nil, src, []*HashAlgorithm{sha256Alg})
				require.NoError(t, err)
				assert.Equal(t, HashBytes([]byte(files[src.Identity().EntryName()]), sha256Alg), fp.Digests[0].Sum)
			}

			// One pass to list, one to hash, plus reader buffering
			size := int64(len(content))
			assert.LessOrEqual(t, fs.read.Load(), 2*size+64<<10, "archive of %d bytes", size)
			assert.Equal(t, int64(2), fs.opens.Load())

			ta := sources[0].(*tarEntrySource).archive
			assert.Nil(t, ta.stream, "stream stays open after the last entry")
			assert.Equal(t, 0, ta.reopens)
		})
	}
}

func TestTarEntries_OutOfOrderAndReleased(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/a.tar.gz", gzipBytes(t, buildTar(t, archiveFixture)), 0644))

	sources, err := ListArchive(fs, "/a.tar.gz")
	require.NoError(t, err)
	require.Len(t, sources, 4)

	readEntry := func(src FileSource) string {
		rc, err := src.Open()
		require.NoError(t, err)
		defer rc.Close()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		return string(data)
	}

	ta := sources[0].(*tarEntrySource).archive
	assert.Equal(t, archiveFixture[sources[2].Identity().EntryName()], readEntry(sources[2]))
	assert.Equal(t, archiveFixture[sources[0].Identity().EntryName()], readEntry(sources[0]))
	assert.Equal(t, 1, ta.reopens)
	assert.NotNil(t, ta.stream)

	// Cache hits never open their source
	releaseSource(sources[1])
	releaseSource(sources[3])
	assert.Nil(t, ta.stream)
}

func TestTarEntries_ConcurrentOpens(t *testing.T) {
	files := manyEntryFixture(20)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/c.tar.zst", zstdBytes(t, buildTar(t, files)), 0644))

	sources, err := ListArchive(fs, "/c.tar.zst")
	require.NoError(t, err)

	sha256Alg := mustAlgorithm(t, "sha256")
	pool := NewHashPool(PoolOptions{Workers: 4, Algorithms: []*HashAlgorithm{sha256Alg}})
	results := collectResults(pool.Run(nil, sourceChan(sources...)))
	require.Len(t, results, len(files))
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, HashBytes([]byte(files[r.Identity.EntryName()]), sha256Alg), r.Fingerprint.Digests[0].Sum)
	}
	assert.Nil(t, sources[0].(*tarEntrySource).archive.stream)
}
