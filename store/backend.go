package store

import "time"

// Backend is the minimal key/value contract a storage medium must satisfy.
// Implementations must be safe for concurrent use, matching the foreground
// and background revalidation paths hitting it concurrently.
type Backend interface {
	// Get returns the entry stored under key, or ok=false if absent or
	// expired (in which case the backend should also drop it).
	Get(key string) (entry *Entry, ok bool, err error)
	// Put stores entry under key with the given time-to-live. A zero ttl
	// means "no expiry" (the entry is still subject to whatever capacity
	// policy the backend enforces).
	Put(key string, ttl time.Duration, entry *Entry) error
	// Delete removes key, if present. Deleting an absent key is not an error.
	Delete(key string) error
	// Keys lists every key with the given prefix.
	Keys(prefix string) ([]string, error)
}
