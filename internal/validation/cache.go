package validation

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/tokencipher"
)

const (
	// DefaultCacheSize is the default number of cached results.
	DefaultCacheSize = 10000
	// DefaultCacheTTL is the default lifetime of a cached result.
	DefaultCacheTTL = time.Hour
)

// CacheKey identifies one proof.
type CacheKey [sha256.Size]byte

// Cache holds recent validation results keyed by a hash of the proof.
// Every Purge starts a new generation. Results computed under an older
// generation are dropped on Add.
type Cache struct {
	lru *expirable.LRU[CacheKey, Result]

	mu  sync.Mutex
	gen uint64
}

// NewCache creates a result cache. Non-positive arguments select defaults.
func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{lru: expirable.NewLRU[CacheKey, Result](size, nil, ttl)}
}

// ProofKey hashes every field of p.
func ProofKey(p *tokencipher.EncryptedProof) CacheKey {
	h := sha256.New()
	h.Write(p.Ciphertext)
	h.Write(p.Nonce)
	h.Write(p.Tag)
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], uint32(p.TableID))
	binary.BigEndian.PutUint32(buf[4:], uint32(p.KeyIndex))
	h.Write(buf[:])

	var k CacheKey
	copy(k[:], h.Sum(nil))
	return k
}

// Get returns a cached result.
func (c *Cache) Get(k CacheKey) (Result, bool) {
	return c.lru.Get(k)
}

// Generation returns the current generation. Read it before computing a
// result that will be passed to Add.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Add caches r if no Purge happened since gen was read. Results that depend
// on registry state which may later change without a blacklist transition
// are not cached. It reports whether r was stored.
func (c *Cache) Add(k CacheKey, r Result, gen uint64) bool {
	switch r.Reason {
	case ReasonInternalError, ReasonUnknownTable, ReasonUnknownDevice:
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.lru.Add(k, r)
	return true
}

// Purge drops every cached result and invalidates results still being
// computed.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.lru.Purge()
}

// Len returns the number of cached results.
func (c *Cache) Len() int {
	return c.lru.Len()
}
