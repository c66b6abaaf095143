package dircachefingerprint

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// GroupingMode selects which digests form the duplicate grouping key
type GroupingMode int

const (
	GroupAllAlgorithms GroupingMode = iota // size plus every configured digest
	GroupPrimaryOnly                       // size plus the first configured digest
)

// Config spellings of the grouping modes
const (
	GroupModeAll     = "all"
	GroupModePrimary = "primary"
)

func (m GroupingMode) String() string {
	if m == GroupPrimaryOnly {
		return GroupModePrimary
	}
	return GroupModeAll
}

// ParseGroupingMode parses "all" or "primary"
func ParseGroupingMode(mode string) (GroupingMode, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", GroupModeAll:
		return GroupAllAlgorithms, nil
	case GroupModePrimary:
		return GroupPrimaryOnly, nil
	default:
		return GroupAllAlgorithms, fmt.Errorf("unsupported grouping mode: %s (supported: all, primary)", mode)
	}
}

// DigestHex is one algorithm's digest in lowercase hex
type DigestHex struct {
	Algorithm string `json:"algorithm"`
	Hex       string `json:"hex"`
}

// DuplicateGroup is a set of files with identical content
type DuplicateGroup struct {
	Key         string         `json:"key"`
	Digests     []DigestHex    `json:"digests"`
	Members     []FileIdentity `json:"members"`
	Count       int            `json:"count"`
	FileSize    int64          `json:"file_size"`
	Reclaimable int64          `json:"reclaimable"` // (Count-1) * FileSize
}

type dupMember struct {
	identity FileIdentity
	digests  []DigestHex // every configured algorithm the fingerprint carries
}

type dupBucket struct {
	size    int64
	members map[string]dupMember // by identity key
}

// DuplicateIndex groups complete fingerprints by content key. It is not
// safe for concurrent use; one consumer owns it.
type DuplicateIndex struct {
	algorithms    []string
	keyAlgorithms []string
	mode          GroupingMode
	buckets       map[string]*dupBucket
	memberBucket  map[string]string // identity key -> bucket key
}

// NewDuplicateIndex creates an index over the configured algorithm order
func NewDuplicateIndex(algorithms []string, mode GroupingMode) *DuplicateIndex {
	keyAlgorithms := append([]string(nil), algorithms...)
	if mode == GroupPrimaryOnly && len(keyAlgorithms) > 1 {
		keyAlgorithms = keyAlgorithms[:1]
	}
	return &DuplicateIndex{
		algorithms:    append([]string(nil), algorithms...),
		keyAlgorithms: keyAlgorithms,
		mode:          mode,
		buckets:       make(map[string]*dupBucket),
		memberBucket:  make(map[string]string),
	}
}

// KeyAlgorithms returns the algorithms that form the grouping key
func (di *DuplicateIndex) KeyAlgorithms() []string {
	return di.keyAlgorithms
}

// Insert adds fp to its group. Re-inserting an identity moves it rather than
// duplicating it.
func (di *DuplicateIndex) Insert(fp *Fingerprint) error {
	if fp == nil {
		return fmt.Errorf("nil fingerprint")
	}
	if fp.Incomplete {
		return fmt.Errorf("%w: incomplete fingerprint for %s", ErrTruncated, fp.Identity.Path)
	}
	if len(di.keyAlgorithms) == 0 {
		return fmt.Errorf("duplicate index has no key algorithms")
	}

	var key strings.Builder
	key.WriteString(strconv.FormatInt(fp.Identity.Size, 10))
	for _, alg := range di.keyAlgorithms {
		hexSum := fp.HexDigest(alg)
		if hexSum == "" {
			return fmt.Errorf("fingerprint for %s lacks %s digest", fp.Identity.Path, alg)
		}
		key.WriteString(":" + alg + "=" + hexSum)
	}

	// Reported digests cover every configured algorithm, not just the key
	digests := make([]DigestHex, 0, len(di.algorithms))
	for _, alg := range di.algorithms {
		if hexSum := fp.HexDigest(alg); hexSum != "" {
			digests = append(digests, DigestHex{Algorithm: alg, Hex: hexSum})
		}
	}
	bucketKey := key.String()
	memberKey := fp.Identity.Key()

	if previous, ok := di.memberBucket[memberKey]; ok && previous != bucketKey {
		bucket := di.buckets[previous]
		delete(bucket.members, memberKey)
		if len(bucket.members) == 0 {
			delete(di.buckets, previous)
		}
	}

	bucket, ok := di.buckets[bucketKey]
	if !ok {
		bucket = &dupBucket{
			size:    fp.Identity.Size,
			members: make(map[string]dupMember),
		}
		di.buckets[bucketKey] = bucket
	}
	bucket.members[memberKey] = dupMember{identity: fp.Identity, digests: digests}
	di.memberBucket[memberKey] = bucketKey
	return nil
}

// Len returns the number of distinct identities inserted
func (di *DuplicateIndex) Len() int {
	return len(di.memberBucket)
}

// Groups returns every group with at least max(minSize, 2) members, largest
// reclaimable first. The result is the same on every call.
func (di *DuplicateIndex) Groups(minSize int) []DuplicateGroup {
	if minSize < 2 {
		minSize = 2
	}

	var groups []DuplicateGroup
	for key, bucket := range di.buckets {
		if len(bucket.members) < minSize {
			continue
		}

		sorted := make([]dupMember, 0, len(bucket.members))
		for _, m := range bucket.members {
			sorted = append(sorted, m)
		}
		sort.Slice(sorted, func(i, j int) bool {
			a, b := sorted[i].identity, sorted[j].identity
			if a.Path != b.Path {
				return a.Path < b.Path
			}
			return a.Container < b.Container
		})
		members := make([]FileIdentity, len(sorted))
		for i, m := range sorted {
			members[i] = m.identity
		}

		count := len(members)
		groups = append(groups, DuplicateGroup{
			Key:         key,
			Digests:     append([]DigestHex(nil), sorted[0].digests...),
			Members:     members,
			Count:       count,
			FileSize:    bucket.size,
			Reclaimable: int64(count-1) * bucket.size,
		})
	}

	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.Reclaimable != b.Reclaimable {
			return a.Reclaimable > b.Reclaimable
		}
		if a.Members[0].Path != b.Members[0].Path {
			return a.Members[0].Path < b.Members[0].Path
		}
		return a.Key < b.Key
	})
	return groups
}
