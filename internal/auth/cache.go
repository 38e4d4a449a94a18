package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// minStaleFor is the shortest time an expired entry is kept for
// stale-while-revalidate before the janitor evicts it.
const minStaleFor = 5 * time.Minute

// AuthCache caches authenticated principals by API key digest.
//
// Entries are fresh for ttl. After that Get still serves them (stale) and
// hands exactly one caller the job of refreshing, so no request blocks on
// DB + bcrypt after the first lookup. Keys unused for staleFor past their
// ttl are evicted.
type AuthCache struct {
	entries *gocache.Cache
	ttl     time.Duration
	life    time.Duration // ttl + staleFor
}

type cacheEntry struct {
	principal  *Principal
	freshUntil time.Time
	refreshing atomic.Bool
}

// NewAuthCache creates a cache whose entries are fresh for ttl.
func NewAuthCache(ttl time.Duration) *AuthCache {
	return newAuthCache(ttl, max(10*ttl, minStaleFor))
}

func newAuthCache(ttl, staleFor time.Duration) *AuthCache {
	return &AuthCache{
		entries: gocache.New(ttl+staleFor, staleFor),
		ttl:     ttl,
		life:    ttl + staleFor,
	}
}

// GetResult holds the result of a cache lookup.
type GetResult struct {
	Principal    *Principal
	Hit          bool // a value was found, fresh or stale
	NeedsRefresh bool // stale, and this caller should refresh it
}

// Get looks up apiKey. A miss returns the zero GetResult.
func (c *AuthCache) Get(apiKey string) GetResult {
	v, ok := c.entries.Get(digest(apiKey))
	if !ok {
		return GetResult{}
	}
	e := v.(*cacheEntry)
	if time.Now().Before(e.freshUntil) {
		return GetResult{Principal: e.principal, Hit: true}
	}
	return GetResult{
		Principal:    e.principal,
		Hit:          true,
		NeedsRefresh: e.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores p as fresh for the cache ttl.
func (c *AuthCache) Set(apiKey string, p *Principal) {
	c.entries.Set(digest(apiKey), &cacheEntry{
		principal:  p,
		freshUntil: time.Now().Add(c.ttl),
	}, c.life)
}

// Delete removes apiKey, e.g. after a failed refresh.
func (c *AuthCache) Delete(apiKey string) {
	c.entries.Delete(digest(apiKey))
}

// Len reports the number of cached keys, expired ones included until evicted.
func (c *AuthCache) Len() int {
	return c.entries.ItemCount()
}

// digest keeps plaintext keys out of the cache's key space.
func digest(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}
