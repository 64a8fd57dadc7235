// Package redis provides a store.Backend backed by Redis, for sharing a
// cache across multiple process instances. Entries are serialized with
// store/serialize and stored with a native Redis TTL so expiry is enforced
// by Redis itself rather than polled by the cache.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cachefront/cachefront/store"
	"github.com/cachefront/cachefront/store/serialize"
)

// noExpiryTTL is what a zero store.Backend ttl (meaning "no expiry") maps
// to: Redis has no literal "forever" distinct from "no EX option", so we
// simply omit EX rather than picking an arbitrarily long duration.
const noExpiryTTL = 0

// Backend is a Redis-backed store.Backend.
type Backend struct {
	client *goredis.Client
	// KeyPrefix is prepended to every cache key, letting one Redis
	// instance host several unrelated caches.
	KeyPrefix string
}

// New wraps an existing *goredis.Client.
func New(client *goredis.Client, keyPrefix string) *Backend {
	return &Backend{client: client, KeyPrefix: keyPrefix}
}

func (b *Backend) key(key string) string {
	return b.KeyPrefix + key
}

func (b *Backend) Get(key string) (*store.Entry, bool, error) {
	ctx := context.Background()
	raw, err := b.client.Get(ctx, b.key(key)).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis: get: %w", err)
	}
	entry, err := serialize.Decode(key, raw)
	if err != nil {
		return nil, false, fmt.Errorf("redis: decode %s: %w", key, err)
	}
	return entry, true, nil
}

func (b *Backend) Put(key string, ttl time.Duration, entry *store.Entry) error {
	raw, err := serialize.Encode(entry)
	if err != nil {
		return fmt.Errorf("redis: encode %s: %w", key, err)
	}
	ctx := context.Background()
	expiry := ttl
	if expiry <= 0 {
		expiry = noExpiryTTL
	}
	if err := b.client.Set(ctx, b.key(key), raw, expiry).Err(); err != nil {
		return fmt.Errorf("redis: put: %w", err)
	}
	return nil
}

func (b *Backend) Delete(key string) error {
	ctx := context.Background()
	if err := b.client.Del(ctx, b.key(key)).Err(); err != nil {
		return fmt.Errorf("redis: delete: %w", err)
	}
	return nil
}

func (b *Backend) Keys(prefix string) ([]string, error) {
	ctx := context.Background()
	var keys []string
	iter := b.client.Scan(ctx, 0, b.key(prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(b.KeyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return keys, fmt.Errorf("redis: keys: %w", err)
	}
	return keys, nil
}
