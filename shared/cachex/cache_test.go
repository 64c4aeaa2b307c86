package cachex

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"predictive-maintenance-core/shared/tenantx"
)

type rulEntry struct {
	Mean float64 `json:"mean"`
}

func setupRedisCache(t *testing.T) (*miniredis.Miniredis, *Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, New(NewRedisFromClient(client))
}

func TestKeyFormat(t *testing.T) {
	tenantID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	assetID := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	key, err := Key(tenantID, assetID, CooldownCategory("alert.triggered"))
	require.NoError(t, err)
	assert.Equal(t, "tenant:11111111-1111-1111-1111-111111111111:asset:22222222-2222-2222-2222-222222222222:cooldown:alert.triggered", key)

	_, err = Key(uuid.Nil, assetID, CategoryRUL)
	assert.ErrorIs(t, err, tenantx.ErrMissingTenant)
}

func TestTenantIsolation(t *testing.T) {
	_, cache := setupRedisCache(t)
	ctx := context.Background()
	tenantA, tenantB, assetID := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, cache.SetJSON(ctx, tenantA, assetID, CategoryRUL, rulEntry{Mean: 42}, time.Minute))

	var got rulEntry
	ok, err := cache.GetJSON(ctx, tenantB, assetID, CategoryRUL, &got)
	require.NoError(t, err)
	assert.False(t, ok, "tenant B must not see tenant A's value")

	ok, err = cache.GetJSON(ctx, tenantA, assetID, CategoryRUL, &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 42.0, got.Mean)
}

func TestMissingTenantFailsClosed(t *testing.T) {
	_, cache := setupRedisCache(t)
	ctx := context.Background()
	var got rulEntry

	_, err := cache.GetJSON(ctx, uuid.Nil, uuid.New(), CategoryRUL, &got)
	assert.True(t, IsTenantError(err))
	assert.True(t, IsTenantError(cache.SetJSON(ctx, uuid.Nil, uuid.New(), CategoryRUL, got, time.Minute)))
	assert.True(t, IsTenantError(cache.Delete(ctx, uuid.Nil, uuid.New(), CategoryRUL)))
}

func TestRedisTTLExpiry(t *testing.T) {
	mr, cache := setupRedisCache(t)
	ctx := context.Background()
	tenantID, assetID := uuid.New(), uuid.New()
	category := CooldownCategory("alert.triggered")

	require.NoError(t, cache.SetJSON(ctx, tenantID, assetID, category, true, 300*time.Second))
	ok, err := cache.Exists(ctx, tenantID, assetID, category)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(301 * time.Second)
	ok, err = cache.Exists(ctx, tenantID, assetID, category)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisOutageSurfacesError(t *testing.T) {
	mr, cache := setupRedisCache(t)
	mr.Close()

	var got rulEntry
	_, err := cache.GetJSON(context.Background(), uuid.New(), uuid.New(), CategoryRUL, &got)
	require.Error(t, err)
	assert.False(t, IsTenantError(err))
}

func TestMemoryExpiryAndDelete(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mem := NewMemory().WithClock(func() time.Time { return now })
	cache := New(mem)
	ctx := context.Background()
	tenantID, assetID := uuid.New(), uuid.New()

	require.NoError(t, cache.SetJSON(ctx, tenantID, assetID, CategoryMetadata, rulEntry{Mean: 1}, time.Minute))
	ok, err := cache.Exists(ctx, tenantID, assetID, CategoryMetadata)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = cache.Exists(ctx, tenantID, assetID, CategoryMetadata)
	assert.False(t, ok)

	require.NoError(t, cache.SetJSON(ctx, tenantID, assetID, CategoryMetadata, rulEntry{Mean: 2}, 0))
	require.NoError(t, cache.Delete(ctx, tenantID, assetID, CategoryMetadata))
	ok, _ = cache.Exists(ctx, tenantID, assetID, CategoryMetadata)
	assert.False(t, ok)
}
