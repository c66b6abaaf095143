package dircachefingerprint

import (
	zcsl "github.com/mattkeenan/zerocopyskiplist"
)

// Repository layout
const (
	RepoDirName    = ".dcfp"
	ConfigFileName = "config"
	IgnoreFileName = "ignore"
	CacheIndex     = "cache.idx"
	CacheDuckDB    = "cache.duckdb"
)

// Context constants for skiplist operations
const (
	DiskContext = "disk" // loaded from the cache file
	RunContext  = "run"  // written during this run
)

// Header and file format constants
const (
	HeaderSize          = 88 // signature(4) + version(4) + byte_order(8) + entry_count(4) + flags(2) + checksum_type(2) + checksum(64)
	ChecksumSize        = 64 // Maximum checksum size (512 bits)
	CurrentIndexVersion = 1  // Current cache index format version
	EntryHeaderSize     = 32 // fixed part of binaryEntry
	MaxEntrySize        = 1 << 20
)

// Byte order magic for file format validation
const ByteOrderMagic uint64 = 0x0102030405060708

// CacheSignature identifies a cache index file
var CacheSignature = [4]byte{'d', 'c', 'f', 'p'}

// Hash type constants. Custom algorithms are numbered from HashTypeCustomBase.
const (
	HashTypeSHA1       uint16 = 1
	HashTypeSHA256     uint16 = 2
	HashTypeSHA512     uint16 = 3
	HashTypeMD5        uint16 = 4
	HashTypeCRC32      uint16 = 5
	HashTypeCRC64      uint16 = 6
	HashTypeSHA3_256   uint16 = 7
	HashTypeSHA3_512   uint16 = 8
	HashTypeBLAKE2b256 uint16 = 9
	HashTypeBLAKE2b512 uint16 = 10
	HashTypeBLAKE3     uint16 = 11
	HashTypeXXH3       uint16 = 12
	HashTypeXXH64      uint16 = 13
	HashTypeCustomBase uint16 = 1000
)

// Hash size constants
const (
	HashSizeSHA1   = 20
	HashSizeSHA256 = 32
	HashSizeSHA512 = 64
)

// Digest record limits in the cache index
const (
	maxAlgorithmNameLen = 255
	maxDigestLen        = 255
)

// Index header flags
const (
	IndexFlagClean uint16 = 1 << 1 // Index file is in clean/complete state
)

// Entry flags
const (
	EntryFlagArchived uint16 = 1 << 0 // Entry lives inside an archive container
)

// Defaults
const (
	DefaultAlgorithms = "sha256,blake3"
	DefaultHashBuffer = "2M"
)

// Import merge strategies from zerocopyskiplist
const (
	MergeTheirs = zcsl.MergeTheirs
	MergeOurs   = zcsl.MergeOurs
)
