package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

const allServicesKey = "services:all"

// CachedCatalog caches the service listing for up to ttl. Single-service
// reads go straight to next because their price is snapshotted onto a line.
type CachedCatalog struct {
	next  Catalog
	cache *cache.Cache
}

func NewCachedCatalog(next Catalog, ttl time.Duration) *CachedCatalog {
	return &CachedCatalog{next: next, cache: cache.New(ttl, 2*ttl)}
}

func (c *CachedCatalog) GetService(ctx context.Context, id uuid.UUID) (*CatalogService, error) {
	return c.next.GetService(ctx, id)
}

func (c *CachedCatalog) ListServices(ctx context.Context) ([]*CatalogService, error) {
	if v, ok := c.cache.Get(allServicesKey); ok {
		return v.([]*CatalogService), nil
	}
	items, err := c.next.ListServices(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(allServicesKey, items)
	return items, nil
}

// Flush drops every cached entry.
func (c *CachedCatalog) Flush() { c.cache.Flush() }
