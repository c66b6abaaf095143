package dircachefingerprint

import (
	"errors"
	"fmt"
	"hash"
	"io"
	"sync"
)

// DigestPipeline reads a source once, in fixed-size chunks, feeding every
// requested accumulator with each chunk before reading the next one
type DigestPipeline struct {
	bufferSize int
	buffers    sync.Pool
}

// NewDigestPipeline creates a pipeline that reads bufferSize bytes per chunk
func NewDigestPipeline(bufferSize int) *DigestPipeline {
	if bufferSize <= 0 {
		bufferSize = 2 * 1024 * 1024
	}
	p := &DigestPipeline{bufferSize: bufferSize}
	p.buffers.New = func() interface{} {
		buf := make([]byte, p.bufferSize)
		return &buf
	}
	return p
}

// BufferSize returns the chunk size in bytes
func (p *DigestPipeline) BufferSize() int {
	return p.bufferSize
}

// Compute digests src with every algorithm in one pass. The shutdown channel
// is checked before each chunk read.
//
// A stream that stops short of (or runs past) the declared size yields a
// partial Fingerprint with Incomplete set and an ErrTruncated error. A read
// failure yields a partial Fingerprint and ErrUnreadable. Cancellation yields
// no Fingerprint and ErrCancelled.
func (p *DigestPipeline) Compute(shutdownChan <-chan struct{}, src FileSource, algorithms []*HashAlgorithm) (*Fingerprint, error) {
	id := src.Identity()
	if len(algorithms) == 0 {
		return nil, fmt.Errorf("no hash algorithms requested for %s", id.Path)
	}

	select {
	case <-shutdownChan:
		return nil, fmt.Errorf("%w: %s", ErrCancelled, id.Path)
	default:
	}

	reader, err := src.Open()
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	hashers := make([]hash.Hash, len(algorithms))
	for i, alg := range algorithms {
		hashers[i] = alg.NewFunc()
	}

	bufPtr := p.buffers.Get().(*[]byte)
	defer p.buffers.Put(bufPtr)
	buffer := *bufPtr

	var bytesRead int64
	for {
		select {
		case <-shutdownChan:
			debugLog("pipeline", "Interrupted %s after %d bytes", id.Path, bytesRead)
			return nil, fmt.Errorf("%w: %s", ErrCancelled, id.Path)
		default:
		}

		n, err := reader.Read(buffer)
		if n > 0 {
			chunk := buffer[:n]
			for _, h := range hashers {
				h.Write(chunk)
			}
			bytesRead += int64(n)
			if bytesRead > id.Size {
				return finishFingerprint(id, algorithms, hashers, bytesRead, true),
					fmt.Errorf("%w: %s grew past its declared size of %d bytes", ErrTruncated, id.Path, id.Size)
			}
		}

		if err == io.EOF {
			break
		}
		if err != nil {
			select {
			case <-shutdownChan:
				return nil, fmt.Errorf("%w: %s", ErrCancelled, id.Path)
			default:
			}
			partial := finishFingerprint(id, algorithms, hashers, bytesRead, true)
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return partial, fmt.Errorf("%w: %s after %d bytes: %w", ErrTruncated, id.Path, bytesRead, err)
			}
			return partial, fmt.Errorf("%w: failed to read %s: %w", ErrUnreadable, id.Path, err)
		}
	}

	if bytesRead != id.Size {
		return finishFingerprint(id, algorithms, hashers, bytesRead, true),
			fmt.Errorf("%w: %s ended after %d of %d bytes", ErrTruncated, id.Path, bytesRead, id.Size)
	}

	debugLog("pipeline", "Digested %s (%d bytes, %d algorithms)", id.Path, bytesRead, len(algorithms))
	return finishFingerprint(id, algorithms, hashers, bytesRead, false), nil
}

func finishFingerprint(id FileIdentity, algorithms []*HashAlgorithm, hashers []hash.Hash, bytesRead int64, incomplete bool) *Fingerprint {
	fp := &Fingerprint{
		Identity:   id,
		Digests:    make([]Digest, len(algorithms)),
		BytesRead:  bytesRead,
		Incomplete: incomplete,
	}
	for i, alg := range algorithms {
		fp.Digests[i] = Digest{Algorithm: alg.Name, Sum: hashers[i].Sum(nil)}
	}
	return fp
}
