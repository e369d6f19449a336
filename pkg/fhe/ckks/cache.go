package ckks

import (
	"crypto/sha256"
	"sync"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
)

// ciphertextCache keeps deserialized ciphertexts keyed by the digest of their
// wire bytes. Stored points are read on every query, and parsing a full-level
// ciphertext is expensive.
//
// Cached values are shared: evaluation must only use *New operations on them.
// Eviction is FIFO.
type ciphertextCache struct {
	entries map[[32]byte]*rlwe.Ciphertext
	order   [][32]byte
	limit   int

	hits   int64
	misses int64

	mu sync.Mutex
}

func newCiphertextCache(limit int) *ciphertextCache {
	return &ciphertextCache{
		entries: make(map[[32]byte]*rlwe.Ciphertext),
		limit:   limit,
	}
}

func (c *ciphertextCache) get(data []byte) (*rlwe.Ciphertext, [32]byte, bool) {
	key := sha256.Sum256(data)
	if c.limit <= 0 {
		return nil, key, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ct, ok := c.entries[key]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return ct, key, ok
}

func (c *ciphertextCache) put(key [32]byte, ct *rlwe.Ciphertext) {
	if c.limit <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		return
	}
	for len(c.order) >= c.limit {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = ct
	c.order = append(c.order, key)
}

// stats returns the entry count and hit/miss counters.
func (c *ciphertextCache) stats() (size int, hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), c.hits, c.misses
}
