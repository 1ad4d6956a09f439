// Package keycache caches public key lookups of the key directory.
package keycache

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cryptdrive/drivedl/internal/debug"
	"github.com/cryptdrive/drivedl/internal/drive"
	"github.com/cryptdrive/drivedl/internal/pgp"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Default settings used by the CLI.
const (
	DefaultSize = 256
	DefaultTTL  = 10 * time.Minute
)

// Cache is a drive.KeyDirectory that remembers resolved key rings for a
// while. Concurrent lookups of the same address share one request. Failed
// lookups are not cached.
type Cache struct {
	dir   drive.KeyDirectory
	lru   *expirable.LRU[string, pgp.KeyRing]
	group singleflight.Group

	hits, misses atomic.Int64
}

// statically ensure that Cache implements drive.KeyDirectory.
var _ drive.KeyDirectory = &Cache{}

// New returns a cache of up to size addresses in front of dir. Entries
// expire after ttl.
func New(dir drive.KeyDirectory, size int, ttl time.Duration) *Cache {
	return &Cache{
		dir: dir,
		lru: expirable.NewLRU[string, pgp.KeyRing](size, nil, ttl),
	}
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ResolvePublicKeys returns the public keys of email.
func (c *Cache) ResolvePublicKeys(ctx context.Context, email string) (pgp.KeyRing, error) {
	key := normalize(email)
	if ring, ok := c.lru.Get(key); ok {
		c.hits.Add(1)
		return ring, nil
	}
	c.misses.Add(1)

	ch := c.group.DoChan(key, func() (interface{}, error) {
		// the lookup is shared, a single caller giving up must not abort it
		ring, err := c.dir.ResolvePublicKeys(context.WithoutCancel(ctx), email)
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, ring)
		debug.Log("cached %d keys for %v", ring.Len(), key)
		return ring, nil
	})

	select {
	case <-ctx.Done():
		return pgp.KeyRing{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return pgp.KeyRing{}, res.Err
		}
		return res.Val.(pgp.KeyRing), nil
	}
}

// Forget removes the cached keys of email.
func (c *Cache) Forget(email string) {
	c.lru.Remove(normalize(email))
}

// Stats returns the number of cache hits and misses.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
