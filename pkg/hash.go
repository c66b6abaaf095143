package dircachefingerprint

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"hash/crc64"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// HashAlgorithm represents a hash algorithm configuration. NewFunc returns a
// fresh accumulator: Write is the chunk update, Sum the finalize step.
type HashAlgorithm struct {
	Name    string
	TypeID  uint16
	Size    int
	NewFunc func() hash.Hash
}

var (
	algorithmMutex  sync.RWMutex
	algorithmByName = make(map[string]*HashAlgorithm)
	algorithmByType = make(map[uint16]*HashAlgorithm)
	nextCustomType  = HashTypeCustomBase
)

var crc64Table = crc64.MakeTable(crc64.ECMA)

func init() {
	builtins := []*HashAlgorithm{
		{Name: "md5", TypeID: HashTypeMD5, Size: md5.Size, NewFunc: md5.New},
		{Name: "sha1", TypeID: HashTypeSHA1, Size: HashSizeSHA1, NewFunc: sha1.New},
		{Name: "sha256", TypeID: HashTypeSHA256, Size: HashSizeSHA256, NewFunc: sha256.New},
		{Name: "sha512", TypeID: HashTypeSHA512, Size: HashSizeSHA512, NewFunc: sha512.New},
		{Name: "crc32", TypeID: HashTypeCRC32, Size: crc32.Size, NewFunc: func() hash.Hash { return crc32.NewIEEE() }},
		{Name: "crc64", TypeID: HashTypeCRC64, Size: crc64.Size, NewFunc: func() hash.Hash { return crc64.New(crc64Table) }},
		{Name: "sha3-256", TypeID: HashTypeSHA3_256, Size: 32, NewFunc: sha3.New256},
		{Name: "sha3-512", TypeID: HashTypeSHA3_512, Size: 64, NewFunc: sha3.New512},
		{Name: "blake2b-256", TypeID: HashTypeBLAKE2b256, Size: blake2b.Size256, NewFunc: func() hash.Hash {
			h, _ := blake2b.New256(nil) // only fails for oversized keys
			return h
		}},
		{Name: "blake2b-512", TypeID: HashTypeBLAKE2b512, Size: blake2b.Size, NewFunc: func() hash.Hash {
			h, _ := blake2b.New512(nil)
			return h
		}},
		{Name: "blake3", TypeID: HashTypeBLAKE3, Size: 32, NewFunc: func() hash.Hash { return blake3.New() }},
		{Name: "xxh3", TypeID: HashTypeXXH3, Size: 8, NewFunc: func() hash.Hash { return xxh3.New() }},
		{Name: "xxh64", TypeID: HashTypeXXH64, Size: 8, NewFunc: func() hash.Hash { return xxhash.New() }},
	}
	for _, alg := range builtins {
		algorithmByName[alg.Name] = alg
		algorithmByType[alg.TypeID] = alg
	}
}

// RegisterHashAlgorithm adds an algorithm to the registry. The digest pipeline
// picks it up by name without any change to the read loop.
func RegisterHashAlgorithm(name string, size int, newFunc func() hash.Hash) (*HashAlgorithm, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || strings.Contains(name, ",") {
		return nil, fmt.Errorf("invalid hash algorithm name: %q", name)
	}
	if len(name) > maxAlgorithmNameLen {
		return nil, fmt.Errorf("hash algorithm name too long: %q", name)
	}
	if size <= 0 || size > maxDigestLen {
		return nil, fmt.Errorf("invalid digest size %d for %s", size, name)
	}
	if newFunc == nil {
		return nil, fmt.Errorf("hash algorithm %s has no constructor", name)
	}

	algorithmMutex.Lock()
	defer algorithmMutex.Unlock()

	if _, exists := algorithmByName[name]; exists {
		return nil, fmt.Errorf("hash algorithm already registered: %s", name)
	}
	alg := &HashAlgorithm{Name: name, TypeID: nextCustomType, Size: size, NewFunc: newFunc}
	nextCustomType++
	algorithmByName[name] = alg
	algorithmByType[alg.TypeID] = alg
	VerboseLog(2, "Registered hash algorithm %s (type %d, %d bytes)", name, alg.TypeID, size)
	return alg, nil
}

// GetHashAlgorithm returns the hash algorithm configuration for the given name
func GetHashAlgorithm(name string) (*HashAlgorithm, error) {
	algorithmMutex.RLock()
	defer algorithmMutex.RUnlock()

	if alg, ok := algorithmByName[strings.ToLower(strings.TrimSpace(name))]; ok {
		return alg, nil
	}
	return nil, fmt.Errorf("unsupported hash algorithm: %s", name)
}

// GetHashAlgorithmByType returns the hash algorithm configuration for the given type ID
func GetHashAlgorithmByType(typeID uint16) (*HashAlgorithm, error) {
	algorithmMutex.RLock()
	defer algorithmMutex.RUnlock()

	if alg, ok := algorithmByType[typeID]; ok {
		return alg, nil
	}
	return nil, fmt.Errorf("unsupported hash type ID: %d", typeID)
}

// HashAlgorithmNames returns every registered algorithm name, sorted
func HashAlgorithmNames() []string {
	algorithmMutex.RLock()
	defer algorithmMutex.RUnlock()

	names := make([]string, 0, len(algorithmByName))
	for name := range algorithmByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseAlgorithmList resolves a comma-separated list such as "sha256,blake3".
// Order is preserved and the first entry is the primary algorithm.
func ParseAlgorithmList(list string) ([]*HashAlgorithm, error) {
	var algorithms []*HashAlgorithm
	seen := make(map[string]bool)
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		alg, err := GetHashAlgorithm(part)
		if err != nil {
			return nil, err
		}
		if seen[alg.Name] {
			continue
		}
		seen[alg.Name] = true
		algorithms = append(algorithms, alg)
	}
	if len(algorithms) == 0 {
		return nil, fmt.Errorf("no hash algorithms in %q", list)
	}
	return algorithms, nil
}

// AlgorithmNames returns the names of the given algorithms in order
func AlgorithmNames(algorithms []*HashAlgorithm) []string {
	names := make([]string, len(algorithms))
	for i, alg := range algorithms {
		names[i] = alg.Name
	}
	return names
}

// HashBytes digests an in-memory buffer in one call
func HashBytes(data []byte, algorithm *HashAlgorithm) []byte {
	hasher := algorithm.NewFunc()
	hasher.Write(data)
	return hasher.Sum(nil)
}

// HashStringToHexString calculates the hash of a string and returns it as a hex string
func HashStringToHexString(data string, algorithm *HashAlgorithm) string {
	return hex.EncodeToString(HashBytes([]byte(data), algorithm))
}
