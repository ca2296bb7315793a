package udss

import (
	"crypto/tls"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// LeafCache reuses issued leaf certificates for a bounded time so that
// repeated tunnels to the same host skip key generation.
type LeafCache struct {
	ca      *CertAuthority
	entries *cache.Cache
	maxSize int

	// Metrics receives hit/miss and size updates (optional).
	Metrics *Metrics

	mu sync.Mutex
}

// NewLeafCache returns a cache in front of ca holding at most size leaves
// for ttl each. A non-positive size means unbounded.
func NewLeafCache(ca *CertAuthority, size int, ttl time.Duration) *LeafCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	// Leaves must not outlive their cache entry.
	if ca.LeafValidity > 0 && ttl > ca.LeafValidity {
		ttl = ca.LeafValidity
	}
	return &LeafCache{
		ca:      ca,
		entries: cache.New(ttl, ttl),
		maxSize: size,
	}
}

// GetCertificateForHost returns a cached leaf for host or issues and caches
// a new one.
func (c *LeafCache) GetCertificateForHost(host string) (*tls.Certificate, error) {
	host = normalizeHost(host)
	if v, ok := c.entries.Get(host); ok {
		c.recordHit()
		return v.(*tls.Certificate), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.entries.Get(host); ok {
		c.recordHit()
		return v.(*tls.Certificate), nil
	}
	c.recordMiss()

	cert, err := c.ca.IssueLeaf(host)
	if err != nil {
		return nil, err
	}

	c.makeRoom()
	c.entries.SetDefault(host, cert)
	if c.Metrics != nil {
		c.Metrics.SetCertCacheSize(c.entries.ItemCount())
	}
	return cert, nil
}

// makeRoom purges expired entries and, if the cache is still full, evicts
// the entry closest to expiry. Callers hold c.mu.
func (c *LeafCache) makeRoom() {
	if c.maxSize <= 0 || c.entries.ItemCount() < c.maxSize {
		return
	}
	c.entries.DeleteExpired()

	for c.entries.ItemCount() >= c.maxSize {
		var (
			oldestKey string
			oldestExp int64
		)
		for k, item := range c.entries.Items() {
			if oldestKey == "" || item.Expiration < oldestExp {
				oldestKey, oldestExp = k, item.Expiration
			}
		}
		if oldestKey == "" {
			return
		}
		c.entries.Delete(oldestKey)
	}
}

// Len returns the number of cached leaves, including any expired ones not
// yet purged.
func (c *LeafCache) Len() int {
	return c.entries.ItemCount()
}

// Flush drops every cached leaf.
func (c *LeafCache) Flush() {
	c.entries.Flush()
	if c.Metrics != nil {
		c.Metrics.SetCertCacheSize(0)
	}
}

func (c *LeafCache) recordHit() {
	if c.Metrics != nil {
		c.Metrics.RecordCertCacheHit()
	}
}

func (c *LeafCache) recordMiss() {
	if c.Metrics != nil {
		c.Metrics.RecordCertCacheMiss()
	}
}
