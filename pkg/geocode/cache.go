package geocode

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/radar-cli/internal/cache"
)

// cacheKey returns SHA-256 hex of the normalized query.
func cacheKey(query string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	h := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", h)
}

// Cached wraps a Client with a TTL cache. Non-matches are cached too so the
// same bad address is not re-sent within the TTL; errors are not cached.
type Cached struct {
	inner Client
	store *cache.TTL[string, Result]
}

// NewCached wraps inner with store.
func NewCached(inner Client, store *cache.TTL[string, Result]) *Cached {
	return &Cached{inner: inner, store: store}
}

// Geocode serves from cache when possible.
func (c *Cached) Geocode(ctx context.Context, query string) (*Result, error) {
	key := cacheKey(query)
	if r, ok := c.store.Get(key); ok {
		zap.L().Debug("geocode cache hit", zap.String("key", key[:12]), zap.Bool("matched", r.Matched))
		return &r, nil
	}

	r, err := c.inner.Geocode(ctx, query)
	if err != nil {
		return nil, err
	}
	c.store.Set(key, *r)
	return r, nil
}
