// Package rediscache caches catalog snapshots in Redis under versioned keys.
// Publishing a new catalog bumps its version, so stale entries are never
// read again and simply expire.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/slotbook/internal/domain/catalog"
)

var _ catalog.Provider = (*CatalogCache)(nil)

// Versioner reports the current catalog version of a tenant environment.
type Versioner interface {
	Version(ctx context.Context, tenant catalog.TenantEnvironment) (int64, error)
}

// CatalogCache serves catalogs from Redis, loading misses from the
// underlying provider.
type CatalogCache struct {
	rdb      redis.UniversalClient
	versions Versioner
	source   catalog.Provider
	ttl      time.Duration
}

// NewCatalogCache returns a cache in front of source. A non-positive ttl
// defaults to ten minutes.
func NewCatalogCache(rdb redis.UniversalClient, versions Versioner, source catalog.Provider, ttl time.Duration) *CatalogCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CatalogCache{rdb: rdb, versions: versions, source: source, ttl: ttl}
}

// Key is the cache key of a catalog version.
func Key(tenant catalog.TenantEnvironment, version int64) string {
	return fmt.Sprintf("catalog:%s:%s:v%d", tenant.EnvironmentID, tenant.TenantID, version)
}

// Catalog returns the snapshot for the tenant's current version. Redis
// failures degrade to loading from the source.
func (c *CatalogCache) Catalog(ctx context.Context, tenant catalog.TenantEnvironment) (*catalog.Catalog, error) {
	lg := zctx.From(ctx)

	version, err := c.versions.Version(ctx, tenant)
	if err != nil {
		return nil, err
	}
	key := Key(tenant, version)

	data, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cat catalog.Catalog
		decodeErr := json.Unmarshal(data, &cat)
		if decodeErr == nil {
			return &cat, nil
		}
		lg.Warn("Discarding undecodable catalog entry", zap.String("key", key), zap.Error(decodeErr))
	case !errors.Is(err, redis.Nil):
		lg.Warn("Catalog cache read failed", zap.String("key", key), zap.Error(err))
	}

	cat, err := c.source.Catalog(ctx, tenant)
	if err != nil {
		return nil, err
	}
	// The source may have moved on since Version; cache under what was read.
	if data, err := json.Marshal(cat); err == nil {
		if err := c.rdb.Set(ctx, Key(tenant, cat.Version), data, c.ttl).Err(); err != nil {
			lg.Warn("Catalog cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return cat, nil
}
