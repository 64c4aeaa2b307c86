package rul

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"predictive-maintenance-core/core/internal/health"
	"predictive-maintenance-core/core/internal/store"
	"predictive-maintenance-core/shared/cachex"
	"predictive-maintenance-core/shared/events"
	"predictive-maintenance-core/shared/logx"
	"predictive-maintenance-core/shared/tenantx"
)

func TestEstimateBoundsEmptyHistory(t *testing.T) {
	est := EstimateBounds(0.5, nil, DefaultConfidenceLevel, 0)
	assert.InDelta(t, 500.0, est.Mean, 1e-9)
	assert.InDelta(t, 0.1, est.VolatilityIndex, 1e-9)
	assert.InDelta(t, 500.0/1.1, est.Lower, 1e-9)
	assert.InDelta(t, 550.0, est.Upper, 1e-9)
	assert.InDelta(t, 0.4, est.Confidence, 1e-9)
}

func TestEstimateBoundsSteadyHistory(t *testing.T) {
	history := make([]float64, 12)
	for i := range history {
		history[i] = 0.01
	}
	est := EstimateBounds(1.0, history, DefaultConfidenceLevel, 0)
	assert.InDelta(t, 100.0, est.Mean, 1e-6)
	assert.InDelta(t, 0.0, est.VolatilityIndex, 1e-9)
	assert.InDelta(t, est.Mean, est.Lower, 1e-6)
	assert.InDelta(t, est.Mean, est.Upper, 1e-6)
	assert.InDelta(t, 1.0, est.Confidence, 1e-9)
}

func TestEstimateBoundsVolatileHistory(t *testing.T) {
	// mean 0.02, population std 0.01
	history := []float64{0.01, 0.03, 0.01, 0.03, 0.01, 0.03, 0.01, 0.03, 0.01, 0.03}
	est := EstimateBounds(1.0, history, DefaultConfidenceLevel, 0.1)
	assert.InDelta(t, 50.0, est.Mean, 1e-6)
	assert.InDelta(t, 0.5, est.VolatilityIndex, 1e-9)
	assert.InDelta(t, 50.0/1.5, est.Lower, 1e-6)
	assert.InDelta(t, 75.0, est.Upper, 1e-6)
	assert.InDelta(t, 0.4, est.Confidence, 1e-9)
}

func TestEstimateBoundsConfidenceFloorAndZeroRate(t *testing.T) {
	est := EstimateBounds(1.0, []float64{0, 0}, DefaultConfidenceLevel, 0.5)
	assert.InDelta(t, 1e9, est.Mean, 1)
	assert.Equal(t, 0.1, est.Confidence)
	assert.LessOrEqual(t, est.Lower, est.Mean)
	assert.GreaterOrEqual(t, est.Upper, est.Mean)
}

func newService(t *testing.T) (*Service, *store.Memory, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mem := store.NewMemory()
	svc := NewService(mem, cachex.New(cachex.NewRedisFromClient(client)), time.Minute, logx.Nop())
	return svc, mem, mr
}

func seedState(t *testing.T, mem *store.Memory, tenantID, assetID uuid.UUID) {
	t.Helper()
	require.NoError(t, mem.InAssetTx(context.Background(), tenantID, assetID, func(tx store.Tx) error {
		s := health.New(tenantID, assetID, time.Now())
		s.Cumulative.Mechanical = 0.5
		s.RateHistory = []float64{0.01, 0.01}
		return tx.SaveHealthState(context.Background(), s)
	}))
}

func countTopic(mem *store.Memory, topic string) int {
	n := 0
	for _, e := range mem.Events() {
		if e.Topic == topic {
			n++
		}
	}
	return n
}

func TestServiceMissRecomputesAndPublishes(t *testing.T) {
	svc, mem, _ := newService(t)
	tenantID, assetID := uuid.New(), uuid.New()
	seedState(t, mem, tenantID, assetID)

	est, err := svc.Get(context.Background(), tenantID, assetID)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, est.Mean, 1e-6)
	assert.Equal(t, 1, countTopic(mem, events.TopicRULUpdated))

	again, err := svc.Get(context.Background(), tenantID, assetID)
	require.NoError(t, err)
	assert.Equal(t, est, again)
	assert.Equal(t, 1, countTopic(mem, events.TopicRULUpdated), "cache hit has no side effects")

	require.NoError(t, svc.Invalidate(context.Background(), tenantID, assetID))
	_, err = svc.Get(context.Background(), tenantID, assetID)
	require.NoError(t, err)
	assert.Equal(t, 2, countTopic(mem, events.TopicRULUpdated))
}

func TestServiceFallsBackWhenCacheIsDown(t *testing.T) {
	svc, mem, mr := newService(t)
	tenantID, assetID := uuid.New(), uuid.New()
	seedState(t, mem, tenantID, assetID)
	mr.Close()

	est, err := svc.Get(context.Background(), tenantID, assetID)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, est.Mean, 1e-6)
}

func TestServiceRequiresTenant(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Get(context.Background(), uuid.Nil, uuid.New())
	assert.ErrorIs(t, err, tenantx.ErrMissingTenant)
}
