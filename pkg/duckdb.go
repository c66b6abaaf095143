package dircachefingerprint

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/marcboeker/go-duckdb/v2"
)

// DuckDBSchemaVersion is stored in cache_metadata; encoded major<<24 | minor<<8 | patch
const DuckDBSchemaVersion = 2 << 24 // 2.0.0

// duckdbCacheStore keeps one row per (identity, algorithm). Rows added by a
// newer engine for algorithms this one does not know are left alone.
type duckdbCacheStore struct {
	path string
	db   *sql.DB
}

// OpenDuckDBCacheStore opens (creating if needed) the DuckDB cache at path
func OpenDuckDBCacheStore(path string) (CacheStore, error) {
	defer VerboseEnter()()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create cache directory: %w", ErrCacheUnavailable, err)
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open duckdb cache %s: %w", ErrCacheUnavailable, path, err)
	}

	createTablesSQL := `
	CREATE TABLE IF NOT EXISTS fingerprints (
		path VARCHAR NOT NULL,
		container VARCHAR NOT NULL,
		size BIGINT NOT NULL,
		mtime_sec BIGINT NOT NULL,
		mtime_nsec INTEGER NOT NULL,
		algorithm VARCHAR NOT NULL,
		digest_hex VARCHAR NOT NULL,
		PRIMARY KEY (path, container, algorithm)
	);

	CREATE TABLE IF NOT EXISTS cache_metadata (
		key VARCHAR PRIMARY KEY,
		value VARCHAR
	);
	`
	if _, err := db.Exec(createTablesSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to create tables: %w", ErrCacheUnavailable, err)
	}

	store := &duckdbCacheStore{path: path, db: db}
	if err := store.checkSchemaVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *duckdbCacheStore) checkSchemaVersion() error {
	var value string
	err := s.db.QueryRow("SELECT value FROM cache_metadata WHERE key = 'schema_version'").Scan(&value)
	if err == sql.ErrNoRows {
		_, err = s.db.Exec("INSERT INTO cache_metadata (key, value) VALUES (?, ?)",
			"schema_version", fmt.Sprintf("%d", DuckDBSchemaVersion))
		if err != nil {
			return fmt.Errorf("%w: failed to record schema version: %w", ErrCacheUnavailable, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: failed to read schema version: %w", ErrCacheUnavailable, err)
	}

	var version int
	if _, err := fmt.Sscanf(value, "%d", &version); err != nil {
		return fmt.Errorf("%w: bad schema version %q", ErrCacheUnavailable, value)
	}
	if version>>24 != DuckDBSchemaVersion>>24 {
		return fmt.Errorf("%w: schema major version %d, expected %d", ErrCacheUnavailable, version>>24, DuckDBSchemaVersion>>24)
	}
	return nil
}

func (s *duckdbCacheStore) Lookup(id FileIdentity) (*Fingerprint, error) {
	rows, err := s.db.Query(`
		SELECT algorithm, digest_hex FROM fingerprints
		WHERE path = ? AND container = ? AND size = ? AND mtime_sec = ? AND mtime_nsec = ?
		ORDER BY algorithm`,
		id.Path, id.Container, id.Size, id.ModTime.Unix(), id.ModTime.Nanosecond())
	if err != nil {
		return nil, fmt.Errorf("%w: lookup %s: %w", ErrCacheUnavailable, id.Path, err)
	}
	defer rows.Close()

	fp := &Fingerprint{Identity: id, BytesRead: id.Size}
	for rows.Next() {
		var algorithm, digestHex string
		if err := rows.Scan(&algorithm, &digestHex); err != nil {
			return nil, fmt.Errorf("%w: scan row for %s: %w", ErrCacheUnavailable, id.Path, err)
		}
		sum, err := hex.DecodeString(digestHex)
		if err != nil {
			debugLog("cache", "Ignoring corrupt %s digest for %s", algorithm, id.Path)
			continue
		}
		fp.Digests = append(fp.Digests, Digest{Algorithm: algorithm, Sum: sum})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: lookup %s: %w", ErrCacheUnavailable, id.Path, err)
	}
	if len(fp.Digests) == 0 {
		return nil, nil
	}
	return fp, nil
}

// Put drops rows left from an older version of the file, then upserts one
// row per algorithm in a single transaction
func (s *duckdbCacheStore) Put(fp *Fingerprint) error {
	if err := checkCacheable(fp); err != nil {
		return err
	}
	id := fp.Identity

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrCacheUnavailable, err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`DELETE FROM fingerprints WHERE path = ? AND container = ? AND (size <> ? OR mtime_sec <> ? OR mtime_nsec <> ?)`,
		id.Path, id.Container, id.Size, id.ModTime.Unix(), id.ModTime.Nanosecond())
	if err != nil {
		return fmt.Errorf("%w: clear stale rows for %s: %w", ErrCacheUnavailable, id.Path, err)
	}

	for _, d := range fp.Digests {
		_, err = tx.Exec(`
			INSERT INTO fingerprints (path, container, size, mtime_sec, mtime_nsec, algorithm, digest_hex)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (path, container, algorithm) DO UPDATE SET
				size = EXCLUDED.size,
				mtime_sec = EXCLUDED.mtime_sec,
				mtime_nsec = EXCLUDED.mtime_nsec,
				digest_hex = EXCLUDED.digest_hex`,
			id.Path, id.Container, id.Size, id.ModTime.Unix(), id.ModTime.Nanosecond(), d.Algorithm, d.Hex())
		if err != nil {
			return fmt.Errorf("%w: store %s digest for %s: %w", ErrCacheUnavailable, d.Algorithm, id.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit %s: %w", ErrCacheUnavailable, id.Path, err)
	}
	return nil
}

// Flush is a no-op: every Put commits
func (s *duckdbCacheStore) Flush() error {
	return nil
}

func (s *duckdbCacheStore) Stats() (*CacheStats, error) {
	stats := &CacheStats{Backend: CacheBackendDuckDB, Location: s.path, Algorithms: make(map[string]int)}

	err := s.db.QueryRow(`SELECT COUNT(*) FROM (SELECT DISTINCT path, container FROM fingerprints)`).Scan(&stats.Entries)
	if err != nil {
		return nil, fmt.Errorf("%w: count entries: %w", ErrCacheUnavailable, err)
	}
	err = s.db.QueryRow(`SELECT COUNT(*) FROM (SELECT DISTINCT path, container FROM fingerprints WHERE container <> '')`).Scan(&stats.Archived)
	if err != nil {
		return nil, fmt.Errorf("%w: count archived entries: %w", ErrCacheUnavailable, err)
	}

	rows, err := s.db.Query(`SELECT algorithm, COUNT(*) FROM fingerprints GROUP BY algorithm ORDER BY algorithm`)
	if err != nil {
		return nil, fmt.Errorf("%w: algorithm coverage: %w", ErrCacheUnavailable, err)
	}
	defer rows.Close()
	for rows.Next() {
		var algorithm string
		var count int
		if err := rows.Scan(&algorithm, &count); err != nil {
			return nil, fmt.Errorf("%w: algorithm coverage: %w", ErrCacheUnavailable, err)
		}
		stats.Algorithms[algorithm] = count
	}
	return stats, rows.Err()
}

func (s *duckdbCacheStore) Close() error {
	return s.db.Close()
}
