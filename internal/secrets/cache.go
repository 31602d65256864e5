package secrets

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	cacheSize = 100
	cacheTTL  = 5 * time.Second
)

// cached wraps a Resolver with a short-TTL LRU keyed by the full reference,
// so the burst of lookups at startup coalesces while rotated secrets are
// still picked up quickly.
type cached struct {
	inner Resolver
	lru   *expirable.LRU[string, string]
}

func newCached(inner Resolver) *cached {
	return &cached{
		inner: inner,
		lru:   expirable.NewLRU[string, string](cacheSize, nil, cacheTTL),
	}
}

func (c *cached) Get(reference, def string) string {
	if v, ok := c.lru.Get(reference); ok {
		return v
	}
	v := c.inner.Get(reference, def)
	if v != def {
		c.lru.Add(reference, v)
	}
	return v
}

func (c *cached) SelfTest() (bool, string) {
	return c.inner.SelfTest()
}
