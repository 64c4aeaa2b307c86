package assets

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"predictive-maintenance-core/core/internal/models"
	"predictive-maintenance-core/core/internal/store"
	"predictive-maintenance-core/shared/cachex"
	"predictive-maintenance-core/shared/logx"
)

func saveMeta(t *testing.T, mem *store.Memory, meta models.AssetMetadata) {
	t.Helper()
	require.NoError(t, mem.InAssetTx(context.Background(), meta.TenantID, meta.AssetID, func(tx store.Tx) error {
		return tx.SaveAssetMetadata(context.Background(), meta)
	}))
}

func TestGetDefaultsWhenMissing(t *testing.T) {
	svc := NewService(store.NewMemory(), cachex.New(cachex.NewMemory()), time.Minute, logx.Nop())
	meta, err := svc.Get(context.Background(), uuid.New(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, models.DefaultIdleRPMThreshold, meta.IdleRPMThreshold)
	assert.Equal(t, models.ModeContinuous, meta.OperationMode)
}

func TestGetReadsThroughAndInvalidates(t *testing.T) {
	mem := store.NewMemory()
	svc := NewService(mem, cachex.New(cachex.NewMemory()), time.Minute, logx.Nop())
	tenantID, assetID := uuid.New(), uuid.New()
	saveMeta(t, mem, models.AssetMetadata{TenantID: tenantID, AssetID: assetID, Name: "press-1", RatedTemperature: 80})

	meta, err := svc.Get(context.Background(), tenantID, assetID)
	require.NoError(t, err)
	assert.Equal(t, 80.0, meta.RatedTemperature)

	saveMeta(t, mem, models.AssetMetadata{TenantID: tenantID, AssetID: assetID, Name: "press-1", RatedTemperature: 90})
	meta, err = svc.Get(context.Background(), tenantID, assetID)
	require.NoError(t, err)
	assert.Equal(t, 80.0, meta.RatedTemperature, "served from cache")

	require.NoError(t, svc.Invalidate(context.Background(), tenantID, assetID))
	meta, err = svc.Get(context.Background(), tenantID, assetID)
	require.NoError(t, err)
	assert.Equal(t, 90.0, meta.RatedTemperature)
}

func TestGetIsTenantScoped(t *testing.T) {
	mem := store.NewMemory()
	svc := NewService(mem, cachex.New(cachex.NewMemory()), time.Minute, logx.Nop())
	tenantA, tenantB, assetID := uuid.New(), uuid.New(), uuid.New()
	saveMeta(t, mem, models.AssetMetadata{TenantID: tenantA, AssetID: assetID, RatedTemperature: 70})

	_, err := svc.Get(context.Background(), tenantA, assetID)
	require.NoError(t, err)
	meta, err := svc.Get(context.Background(), tenantB, assetID)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultRatedTemperature, meta.RatedTemperature)

	_, err = svc.Get(context.Background(), uuid.Nil, assetID)
	assert.Error(t, err)
}
