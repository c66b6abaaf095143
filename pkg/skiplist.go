package dircachefingerprint

import (
	"strings"
	"syscall"

	zcsl "github.com/mattkeenan/zerocopyskiplist"
)

// skiplistWrapper keeps cache entries sorted by identity key, tagged with the
// context they came from (DiskContext or RunContext)
type skiplistWrapper struct {
	skiplist *zcsl.ZeroCopySkiplist[cacheEntryRef, string, string]
}

// NewSkiplistWrapper creates a new skiplist wrapper with context tracking
func NewSkiplistWrapper(maxLevels int) *skiplistWrapper {
	if maxLevels < 8 {
		maxLevels = 16
	}

	// Keys are copied out of the entry so they survive an unmap of the source file
	getKeyFromItem := func(ref *cacheEntryRef) string {
		return ref.Key()
	}

	getItemSize := func(ref *cacheEntryRef) int {
		return len(ref.data)
	}

	skiplist := zcsl.MakeZeroCopySkiplist[cacheEntryRef, string, string](
		maxLevels,
		getKeyFromItem,
		getItemSize,
		strings.Compare,
	)

	return &skiplistWrapper{skiplist: skiplist}
}

// Insert adds an entry with a context
func (sw *skiplistWrapper) Insert(ref cacheEntryRef, context string) bool {
	return sw.skiplist.Insert(&ref, context)
}

// Replace inserts ref, dropping any entry that had the same key
func (sw *skiplistWrapper) Replace(ref cacheEntryRef, context string) bool {
	sw.skiplist.Delete(ref.Key())
	return sw.skiplist.Insert(&ref, context)
}

// Find searches for an entry by key and returns it with its context
func (sw *skiplistWrapper) Find(key string) (*cacheEntryRef, string) {
	itemPtr, context := sw.skiplist.Find(key)
	if itemPtr != nil {
		return itemPtr.Item(), context
	}
	return nil, ""
}

// Delete removes an entry by key
func (sw *skiplistWrapper) Delete(key string) bool {
	return sw.skiplist.Delete(key)
}

// ForEach iterates through all entries in key order
func (sw *skiplistWrapper) ForEach(callback func(*cacheEntryRef, string) bool) {
	for current := sw.skiplist.First(); current != nil; current = current.Next() {
		if !callback(current.Item(), current.Context()) {
			break
		}
	}
}

// Length returns the number of entries in the skiplist
func (sw *skiplistWrapper) Length() int {
	return sw.skiplist.Length()
}

// ToIovecSlice returns one iovec per entry, in key order, pointing at the encoded bytes
func (sw *skiplistWrapper) ToIovecSlice() []syscall.Iovec {
	iovecs := make([]syscall.Iovec, 0, sw.Length())
	sw.ForEach(func(ref *cacheEntryRef, context string) bool {
		iovec := syscall.Iovec{Base: &ref.data[0]}
		iovec.SetLen(len(ref.data))
		iovecs = append(iovecs, iovec)
		return true
	})
	return iovecs
}

// CountByContext returns how many entries carry each context
func (sw *skiplistWrapper) CountByContext() map[string]int {
	counts := make(map[string]int)
	sw.ForEach(func(ref *cacheEntryRef, context string) bool {
		counts[context]++
		return true
	})
	return counts
}
