package dircachefingerprint

import (
	"encoding/hex"
	"strings"
	"time"
)

// ArchiveSeparator joins an archive path and an entry name into a logical path
const ArchiveSeparator = "!/"

// FileIdentity is the cache key of a file: where it is, how big it is, when
// it was last modified and which container it lives in. It says nothing about
// content equality.
type FileIdentity struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"mtime"`
	Container string    `json:"container,omitempty"` // "" for plain files, archive path otherwise
}

// Key returns the lookup key for this identity (path and container only)
func (id FileIdentity) Key() string {
	return identityKey(id.Path, id.Container)
}

// Matches reports whether every identity field is equal, mtime to the nanosecond
func (id FileIdentity) Matches(other FileIdentity) bool {
	return id.Path == other.Path &&
		id.Container == other.Container &&
		id.Size == other.Size &&
		sameModTime(id.ModTime, other.ModTime)
}

// sameModTime compares to the nanosecond without going through UnixNano,
// which overflows outside 1678..2262
func sameModTime(a, b time.Time) bool {
	return a.Unix() == b.Unix() && a.Nanosecond() == b.Nanosecond()
}

// InArchive reports whether the identity names an archive entry
func (id FileIdentity) InArchive() bool {
	return id.Container != ""
}

// EntryName returns the name inside the container, or the path for plain files
func (id FileIdentity) EntryName() string {
	if id.Container == "" {
		return id.Path
	}
	return strings.TrimPrefix(id.Path, id.Container+ArchiveSeparator)
}

func identityKey(path, container string) string {
	return path + "\x00" + container
}

func archiveEntryPath(archivePath, entryName string) string {
	return archivePath + ArchiveSeparator + entryName
}

// Digest is one algorithm's raw digest bytes
type Digest struct {
	Algorithm string
	Sum       []byte
}

// Hex renders the digest as lowercase hexadecimal
func (d Digest) Hex() string {
	return hex.EncodeToString(d.Sum)
}

// Fingerprint is the set of digests computed for one file. It is not
// modified after it leaves the pipeline or the cache.
type Fingerprint struct {
	Identity   FileIdentity
	Digests    []Digest // configured algorithm order
	BytesRead  int64
	Incomplete bool
}

// Digest returns the raw digest for an algorithm
func (fp *Fingerprint) Digest(algorithm string) ([]byte, bool) {
	for _, d := range fp.Digests {
		if d.Algorithm == algorithm {
			return d.Sum, true
		}
	}
	return nil, false
}

// HexDigest returns the lowercase hex digest for an algorithm, or "" if absent
func (fp *Fingerprint) HexDigest(algorithm string) string {
	sum, ok := fp.Digest(algorithm)
	if !ok {
		return ""
	}
	return hex.EncodeToString(sum)
}

// HasAll reports whether the fingerprint carries every named algorithm
func (fp *Fingerprint) HasAll(algorithms []*HashAlgorithm) bool {
	for _, alg := range algorithms {
		if _, ok := fp.Digest(alg.Name); !ok {
			return false
		}
	}
	return true
}

// missingAlgorithms returns the algorithms the fingerprint lacks
func (fp *Fingerprint) missingAlgorithms(algorithms []*HashAlgorithm) []*HashAlgorithm {
	if fp == nil {
		return algorithms
	}
	var missing []*HashAlgorithm
	for _, alg := range algorithms {
		if _, ok := fp.Digest(alg.Name); !ok {
			missing = append(missing, alg)
		}
	}
	return missing
}

// mergeFingerprints combines cached and freshly computed digests, ordered by algorithms
func mergeFingerprints(id FileIdentity, algorithms []*HashAlgorithm, parts ...*Fingerprint) *Fingerprint {
	merged := &Fingerprint{Identity: id}
	for _, alg := range algorithms {
		for _, part := range parts {
			if part == nil {
				continue
			}
			if sum, ok := part.Digest(alg.Name); ok {
				merged.Digests = append(merged.Digests, Digest{Algorithm: alg.Name, Sum: sum})
				break
			}
		}
	}
	for _, part := range parts {
		if part != nil && part.BytesRead > merged.BytesRead {
			merged.BytesRead = part.BytesRead
		}
	}
	return merged
}
