// Package memory provides an in-process, map-backed store.Backend. Entries
// are held as live *store.Entry values — no serialization round-trip —
// matching the teacher's original MemCache.
package memory

import (
	"strings"
	"sync"
	"time"

	"github.com/cachefront/cachefront/store"
)

type item struct {
	entry   *store.Entry
	expires time.Time
}

// Backend is a sync.RWMutex-guarded map implementing store.Backend.
type Backend struct {
	mu sync.RWMutex
	db map[string]item
}

// New returns an empty Backend.
func New() *Backend {
	return &Backend{db: make(map[string]item)}
}

func (b *Backend) Get(key string) (*store.Entry, bool, error) {
	b.mu.RLock()
	it, ok := b.db[key]
	b.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !it.expires.IsZero() && time.Now().After(it.expires) {
		b.mu.Lock()
		delete(b.db, key)
		b.mu.Unlock()
		return nil, false, nil
	}
	return it.entry, true, nil
}

func (b *Backend) Put(key string, ttl time.Duration, entry *store.Entry) error {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	b.mu.Lock()
	b.db[key] = item{entry: entry, expires: expires}
	b.mu.Unlock()
	return nil
}

func (b *Backend) Delete(key string) error {
	b.mu.Lock()
	delete(b.db, key)
	b.mu.Unlock()
	return nil
}

func (b *Backend) Keys(prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0)
	for k := range b.db {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
