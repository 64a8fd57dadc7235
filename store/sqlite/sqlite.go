// Package sqlite provides a store.Backend backed by a pure-Go SQLite driver,
// for single-process deployments that want persistence across restarts
// without a cgo dependency. Grounded on the teacher's SQLiteCache.
package sqlite

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/cachefront/cachefront/store"
	"github.com/cachefront/cachefront/store/serialize"
)

// Backend is a SQLite-backed store.Backend. Reads go straight to the
// database; writes and deletes are serialized through a mutex since the
// pure-Go driver does not tolerate concurrent writers well under WAL mode.
type Backend struct {
	db         *sql.DB
	writeMutex sync.Mutex
}

// Open opens (creating if needed) a SQLite database at path and prepares
// the cache table.
func Open(path string) (*Backend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	for _, stmt := range []string{
		"CREATE TABLE IF NOT EXISTS cache (key TEXT PRIMARY KEY, expires INTEGER, bytes BLOB)",
		"CREATE INDEX IF NOT EXISTS expires_idx ON cache (expires)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: init: %w", err)
		}
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) Get(key string) (*store.Entry, bool, error) {
	var expires int64
	var bytes []byte
	err := b.db.QueryRow("SELECT expires, bytes FROM cache WHERE key = ?", key).Scan(&expires, &bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: get: %w", err)
	}
	if expires != 0 && time.Now().After(time.Unix(expires, 0)) {
		_ = b.Delete(key)
		return nil, false, nil
	}
	entry, err := serialize.Decode(key, bytes)
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: decode %s: %w", key, err)
	}
	return entry, true, nil
}

func (b *Backend) Put(key string, ttl time.Duration, entry *store.Entry) error {
	bytes, err := serialize.Encode(entry)
	if err != nil {
		return fmt.Errorf("sqlite: encode %s: %w", key, err)
	}
	var expires int64
	if ttl > 0 {
		expires = time.Now().Add(ttl).Unix()
	}
	b.writeMutex.Lock()
	defer b.writeMutex.Unlock()
	_, err = b.db.Exec("INSERT OR REPLACE INTO cache (key, expires, bytes) VALUES (?, ?, ?)", key, expires, bytes)
	if err != nil {
		return fmt.Errorf("sqlite: put: %w", err)
	}
	return nil
}

func (b *Backend) Delete(key string) error {
	b.writeMutex.Lock()
	defer b.writeMutex.Unlock()
	_, err := b.db.Exec("DELETE FROM cache WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("sqlite: delete: %w", err)
	}
	return nil
}

func (b *Backend) Keys(prefix string) ([]string, error) {
	rows, err := b.db.Query("SELECT key FROM cache WHERE key LIKE ?", prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("sqlite: keys: %w", err)
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, fmt.Errorf("sqlite: keys scan: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
