// internal/verifier/cert_cache.go
package verifier

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var errCacheMiss = errors.New("cache miss")

// KeyValueStore is the subset of the shared redis client the cache needs.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
}

// CertCache keeps verified signing certificates in two layers: process
// memory first, then Redis shared across replicas.
type CertCache struct {
	store    KeyValueStore
	logger   *zap.Logger
	memCache *memoryCache
	ttl      time.Duration
}

type memoryCache struct {
	mu     sync.RWMutex
	data   map[string]*cacheEntry
	maxAge time.Duration
}

type cacheEntry struct {
	cert     *x509.Certificate
	cachedAt time.Time
}

// NewCertCache creates a cache. store may be nil for a memory-only cache.
func NewCertCache(store KeyValueStore, ttl time.Duration, logger *zap.Logger) *CertCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CertCache{
		store:  store,
		logger: logger,
		memCache: &memoryCache{
			data:   make(map[string]*cacheEntry),
			maxAge: ttl,
		},
		ttl: ttl,
	}
}

// Get returns the cached certificate for certURL, checking memory then Redis.
// Entries read from Redis were verified by the replica that stored them.
func (c *CertCache) Get(ctx context.Context, certURL string) (*x509.Certificate, error) {
	key := c.cacheKey(certURL)

	if cert := c.memCache.get(key); cert != nil {
		c.logger.Debug("cache hit (memory)", zap.String("cert_url", certURL))
		return cert, nil
	}

	if c.store == nil {
		return nil, errCacheMiss
	}
	data, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Debug("cache miss", zap.String("cert_url", certURL))
		return nil, errCacheMiss
	}
	certs, err := ParsePEMChain([]byte(data))
	if err != nil {
		c.logger.Warn("dropping unreadable cached certificate", zap.String("cert_url", certURL), zap.Error(err))
		_ = c.store.Delete(ctx, key)
		return nil, errCacheMiss
	}

	c.logger.Debug("cache hit (redis)", zap.String("cert_url", certURL))
	c.memCache.set(key, certs[0])
	return certs[0], nil
}

// Set stores a verified certificate in both layers.
func (c *CertCache) Set(ctx context.Context, certURL string, pemBytes []byte, cert *x509.Certificate) error {
	key := c.cacheKey(certURL)
	c.memCache.set(key, cert)

	if c.store == nil {
		return nil
	}
	ttl := c.ttl
	if until := time.Until(cert.NotAfter); until < ttl {
		ttl = until
	}
	if ttl <= 0 {
		return nil
	}
	if err := c.store.Set(ctx, key, string(pemBytes), ttl); err != nil {
		return fmt.Errorf("cache certificate: %w", err)
	}
	return nil
}

// Delete removes a certificate from both layers.
func (c *CertCache) Delete(ctx context.Context, certURL string) error {
	key := c.cacheKey(certURL)
	c.memCache.delete(key)
	if c.store == nil {
		return nil
	}
	return c.store.Delete(ctx, key)
}

// GetStats returns cache statistics
func (c *CertCache) GetStats() map[string]interface{} {
	c.memCache.mu.RLock()
	defer c.memCache.mu.RUnlock()

	return map[string]interface{}{
		"memory_cache_size": len(c.memCache.data),
		"ttl":               c.ttl.String(),
		"redis_enabled":     c.store != nil,
	}
}

func (c *CertCache) cacheKey(certURL string) string {
	return fmt.Sprintf("wallet-cert:%s", certURL)
}

func (mc *memoryCache) get(key string) *x509.Certificate {
	mc.mu.RLock()
	entry, exists := mc.data[key]
	mc.mu.RUnlock()
	if !exists {
		return nil
	}

	if time.Since(entry.cachedAt) > mc.maxAge {
		mc.delete(key)
		return nil
	}
	return entry.cert
}

func (mc *memoryCache) set(key string, cert *x509.Certificate) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.data[key] = &cacheEntry{cert: cert, cachedAt: time.Now()}
}

func (mc *memoryCache) delete(key string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	delete(mc.data, key)
}
