//go:build integration

package rediscache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/slotbook/internal/demo"
	"github.com/xenking/slotbook/internal/domain/catalog"
)

type versionedSource struct {
	mu      sync.Mutex
	version int64
	loads   int
}

func (s *versionedSource) Version(context.Context, catalog.TenantEnvironment) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version, nil
}

func (s *versionedSource) Catalog(_ context.Context, tenant catalog.TenantEnvironment) (*catalog.Catalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tenant != demo.CarWash {
		return nil, catalog.ErrUnknownTenant
	}
	s.loads++
	cat := demo.CarWashCatalog()
	cat.Version = s.version
	return cat, nil
}

func (s *versionedSource) bump() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
}

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	endpoint, err := c.Endpoint(ctx, "")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(ctx).Err())
	return rdb
}

func TestCatalogCache(t *testing.T) {
	ctx := context.Background()
	rdb := startRedis(t)
	src := &versionedSource{version: 1}
	cache := NewCatalogCache(rdb, src, src, time.Minute)

	first, err := cache.Catalog(ctx, demo.CarWash)
	require.NoError(t, err)
	second, err := cache.Catalog(ctx, demo.CarWash)
	require.NoError(t, err)
	assert.Equal(t, 1, src.loads, "second read is served from redis")
	require.Len(t, second.Services, len(first.Services))
	for i := range first.Services {
		assert.Equal(t, first.Services[i].ID, second.Services[i].ID)
		assert.True(t, first.Services[i].Price.Equal(second.Services[i].Price))
	}
	assert.Equal(t, first.Timeslots, second.Timeslots)
	require.Len(t, second.AddOns, len(first.AddOns))
	assert.True(t, second.AddOns[1].Price.Equal(first.AddOns[1].Price))

	ttl, err := rdb.TTL(ctx, Key(demo.CarWash, 1)).Result()
	require.NoError(t, err)
	assert.Positive(t, ttl)

	src.bump()
	third, err := cache.Catalog(ctx, demo.CarWash)
	require.NoError(t, err)
	assert.Equal(t, 2, src.loads, "a new version misses")
	assert.Equal(t, int64(2), third.Version)

	_, err = cache.Catalog(ctx, catalog.TenantEnvironment{EnvironmentID: "dev", TenantID: "nope"})
	require.ErrorIs(t, err, catalog.ErrUnknownTenant)
}

func TestCatalogCache_DiscardsCorruptEntries(t *testing.T) {
	ctx := context.Background()
	rdb := startRedis(t)
	src := &versionedSource{version: 7}
	require.NoError(t, rdb.Set(ctx, Key(demo.CarWash, 7), "{not json", time.Minute).Err())

	cat, err := NewCatalogCache(rdb, src, src, 0).Catalog(ctx, demo.CarWash)
	require.NoError(t, err)
	assert.Equal(t, int64(7), cat.Version)
	assert.Equal(t, 1, src.loads)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "catalog:dev:tenant1:v3", Key(demo.CarWash, 3))
}
