package dircachefingerprint

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memorySource(path string, data []byte) FileSource {
	return NewReaderSource(
		FileIdentity{Path: path, Size: int64(len(data)), ModTime: time.Unix(1700000000, 0)},
		func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	)
}

func TestDigestPipeline_MatchesOneShotHash(t *testing.T) {
	algorithms, err := ParseAlgorithmList("sha256,blake3,xxh3,crc64")
	require.NoError(t, err)

	data := make([]byte, 1<<20+17)
	rand.New(rand.NewSource(1)).Read(data)

	for _, bufferSize := range []int{1, 7, 4096, 1 << 20, 4 << 20} {
		if bufferSize == 1 && testing.Short() {
			continue
		}
		p := NewDigestPipeline(bufferSize)
		fp, err := p.Compute(nil, memorySource("random.bin", data), algorithms)
		require.NoError(t, err, "buffer size %d", bufferSize)
		assert.False(t, fp.Incomplete)
		assert.Equal(t, int64(len(data)), fp.BytesRead)
		require.Len(t, fp.Digests, len(algorithms))
		for i, alg := range algorithms {
			assert.Equal(t, alg.Name, fp.Digests[i].Algorithm)
			assert.Equal(t, HashBytes(data, alg), fp.Digests[i].Sum, "%s with buffer size %d", alg.Name, bufferSize)
		}
	}
}

func TestDigestPipeline_ShortReads(t *testing.T) {
	algorithms, err := ParseAlgorithmList("sha1")
	require.NoError(t, err)
	data := bytes.Repeat([]byte("dcfp"), 5000)

	src := NewReaderSource(
		FileIdentity{Path: "slow.bin", Size: int64(len(data))},
		func() (io.ReadCloser, error) { return io.NopCloser(iotest.OneByteReader(bytes.NewReader(data))), nil },
	)
	fp, err := NewDigestPipeline(4096).Compute(nil, src, algorithms)
	require.NoError(t, err)
	assert.Equal(t, HashBytes(data, algorithms[0]), fp.Digests[0].Sum)
}

func TestDigestPipeline_ZeroBytes(t *testing.T) {
	algorithms, err := ParseAlgorithmList("sha256,md5")
	require.NoError(t, err)

	fp, err := NewDigestPipeline(0).Compute(nil, memorySource("empty", nil), algorithms)
	require.NoError(t, err)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", fp.HexDigest("sha256"))
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", fp.HexDigest("md5"))
	assert.Equal(t, int64(0), fp.BytesRead)
}

func TestDigestPipeline_Truncated(t *testing.T) {
	algorithms, err := ParseAlgorithmList("sha256")
	require.NoError(t, err)

	data := []byte("only part of the file")
	src := NewReaderSource(
		FileIdentity{Path: "short.bin", Size: int64(len(data)) + 100},
		func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	)
	fp, err := NewDigestPipeline(8).Compute(nil, src, algorithms)
	assert.ErrorIs(t, err, ErrTruncated)
	require.NotNil(t, fp)
	assert.True(t, fp.Incomplete)
	assert.Equal(t, int64(len(data)), fp.BytesRead)

	grown := NewReaderSource(
		FileIdentity{Path: "grown.bin", Size: 4},
		func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	)
	fp, err = NewDigestPipeline(8).Compute(nil, grown, algorithms)
	assert.ErrorIs(t, err, ErrTruncated)
	require.NotNil(t, fp)
	assert.True(t, fp.Incomplete)
}

func TestDigestPipeline_ReadError(t *testing.T) {
	algorithms, err := ParseAlgorithmList("sha256")
	require.NoError(t, err)

	boom := errors.New("device went away")
	src := NewReaderSource(
		FileIdentity{Path: "bad.bin", Size: 100},
		func() (io.ReadCloser, error) { return io.NopCloser(iotest.ErrReader(boom)), nil },
	)
	fp, err := NewDigestPipeline(8).Compute(nil, src, algorithms)
	assert.ErrorIs(t, err, ErrUnreadable)
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, fp)
	assert.True(t, fp.Incomplete)

	unopenable := NewReaderSource(FileIdentity{Path: "gone.bin"}, func() (io.ReadCloser, error) { return nil, boom })
	fp, err = NewDigestPipeline(8).Compute(nil, unopenable, algorithms)
	assert.ErrorIs(t, err, ErrUnreadable)
	assert.Nil(t, fp)
}

func TestDigestPipeline_Cancelled(t *testing.T) {
	algorithms, err := ParseAlgorithmList("sha256")
	require.NoError(t, err)

	shutdown := make(chan struct{})
	close(shutdown)
	fp, err := NewDigestPipeline(8).Compute(shutdown, memorySource("x", []byte("data")), algorithms)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Nil(t, fp)
}

// blockingReader delivers one chunk, then blocks until released or shut down
type blockingReader struct {
	first    []byte
	entered  chan<- struct{}
	release  <-chan struct{}
	shutdown <-chan struct{}
	sent     bool
}

func (br *blockingReader) Read(p []byte) (int, error) {
	if !br.sent {
		br.sent = true
		return copy(p, br.first), nil
	}
	if br.entered != nil {
		br.entered <- struct{}{}
		br.entered = nil
	}
	select {
	case <-br.release:
		return 0, io.EOF
	case <-br.shutdown:
		return 0, errors.New("interrupted")
	}
}

func (br *blockingReader) Close() error { return nil }

func TestDigestPipeline_CancelledMidStream(t *testing.T) {
	algorithms, err := ParseAlgorithmList("sha256")
	require.NoError(t, err)

	shutdown := make(chan struct{})
	entered := make(chan struct{}, 1)
	src := NewReaderSource(FileIdentity{Path: "stuck.bin", Size: 1 << 20}, func() (io.ReadCloser, error) {
		return &blockingReader{first: []byte("abcd"), entered: entered, shutdown: shutdown}, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := NewDigestPipeline(4).Compute(shutdown, src, algorithms)
		done <- err
	}()

	<-entered
	close(shutdown)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after shutdown")
	}
}

func TestDigestPipeline_NoAlgorithms(t *testing.T) {
	_, err := NewDigestPipeline(8).Compute(nil, memorySource("x", nil), nil)
	assert.Error(t, err)
}
