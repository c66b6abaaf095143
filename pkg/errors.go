package dircachefingerprint

import (
	"errors"
	"io"
)

// Error categories for per-file and run-level failures. Per-file errors are
// collected into the run report and never abort a run; only ErrRootNotFound
// is fatal, and it is raised before any work begins.
var (
	// ErrUnreadable marks a source that could not be opened or read.
	ErrUnreadable = errors.New("unreadable")

	// ErrTruncated marks a stream that ended before (or ran past) its declared size.
	ErrTruncated = errors.New("truncated")

	// ErrCacheUnavailable marks a cache I/O failure; callers fall back to recomputation.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrCancelled marks work stopped by the shutdown channel.
	ErrCancelled = errors.New("cancelled")

	// ErrRootNotFound marks an enumeration root that does not exist.
	ErrRootNotFound = errors.New("root path not found")
)

// ErrorKind returns the short report label for a per-file error
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrTruncated), errors.Is(err, io.ErrUnexpectedEOF):
		return "truncated"
	case errors.Is(err, ErrCacheUnavailable):
		return "cache-unavailable"
	default:
		return "unreadable"
	}
}
