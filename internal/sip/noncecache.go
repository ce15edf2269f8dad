package sip

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// nonceCache tracks issued digest nonces and their age, so a replayed or
// stale Authorization header gets re-challenged instead of accepted. One
// lock guards the whole map; the cache is small and short-lived enough
// that a single mutex is simpler than sync.Map and just as fast here.
type nonceCache struct {
	mu     sync.Mutex
	issued map[string]time.Time
	ttl    time.Duration
}

func newNonceCache(ttl time.Duration) *nonceCache {
	return &nonceCache{
		issued: make(map[string]time.Time),
		ttl:    ttl,
	}
}

// Generate mints a new nonce and records its issue time.
func (c *nonceCache) Generate() string {
	nonce := randomHex(16)
	c.mu.Lock()
	c.issued[nonce] = time.Now()
	c.mu.Unlock()
	return nonce
}

// Valid reports whether nonce was issued by this cache and has not expired.
// It does not consume the nonce — callers consume explicitly once the
// digest response has also been verified.
func (c *nonceCache) Valid(nonce string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	issuedAt, ok := c.issued[nonce]
	if !ok {
		return false
	}
	return time.Since(issuedAt) <= c.ttl
}

// Consume removes a nonce so it cannot be replayed.
func (c *nonceCache) Consume(nonce string) {
	c.mu.Lock()
	delete(c.issued, nonce)
	c.mu.Unlock()
}

// Sweep removes expired nonces. Intended to run on a periodic ticker
// alongside the brute-force guard's own cleanup.
func (c *nonceCache) Sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for nonce, issuedAt := range c.issued {
		if now.Sub(issuedAt) > c.ttl {
			delete(c.issued, nonce)
		}
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
