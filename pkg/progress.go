package dircachefingerprint

import (
	"fmt"
	"io"
	"time"
)

// Progress is a running total delivered after each finished file
type Progress struct {
	FilesCompleted int64
	BytesProcessed int64
	CacheHits      int64
	Errors         int64
}

// ProgressFunc receives progress on the engine's consumer goroutine; it
// must return quickly
type ProgressFunc func(Progress)

// NewLineProgress returns a ProgressFunc that writes a status line to w at
// most once per interval
func NewLineProgress(w io.Writer, interval time.Duration) ProgressFunc {
	var last time.Time
	return func(p Progress) {
		now := time.Now()
		if now.Sub(last) < interval {
			return
		}
		last = now
		fmt.Fprintf(w, "\r%d files, %s, %d cached, %d errors", p.FilesCompleted,
			FormatHumanSize(p.BytesProcessed), p.CacheHits, p.Errors)
	}
}
