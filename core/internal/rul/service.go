package rul

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"predictive-maintenance-core/core/internal/models"
	"predictive-maintenance-core/core/internal/store"
	"predictive-maintenance-core/shared/cachex"
	"predictive-maintenance-core/shared/events"
	"predictive-maintenance-core/shared/logx"
	"predictive-maintenance-core/shared/metricsx"
	"predictive-maintenance-core/shared/tenantx"
)

const DefaultCacheTTL = 300 * time.Second

// Service is the read-through entry point. A cache hit has no side effects;
// a miss recomputes from the health state and queues rul.updated.
type Service struct {
	store store.AssetTx
	cache *cachex.Cache
	ttl   time.Duration
	log   logx.Logger
	now   func() time.Time
}

func NewService(st store.AssetTx, cache *cachex.Cache, ttl time.Duration, log logx.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Service{
		store: st,
		cache: cache,
		ttl:   ttl,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Get(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID) (Estimate, error) {
	if err := tenantx.Require(tenantID); err != nil {
		return Estimate{}, err
	}

	var cached Estimate
	hit, err := s.cache.GetJSON(ctx, tenantID, assetID, cachex.CategoryRUL, &cached)
	switch {
	case err != nil && cachex.IsTenantError(err):
		return Estimate{}, err
	case err != nil:
		s.cacheFallback(ctx, tenantID, assetID, "read", err)
	case hit:
		return cached, nil
	}

	var est Estimate
	err = s.store.InAssetTx(ctx, tenantID, assetID, func(tx store.Tx) error {
		state, err := tx.LockHealthState(ctx, tenantID, assetID, s.now())
		if err != nil {
			return err
		}
		est, err = s.Publish(ctx, tx, state)
		return err
	})
	if err != nil {
		return Estimate{}, fmt.Errorf("recompute rul: %w", err)
	}
	s.Remember(ctx, tenantID, assetID, est)
	return est, nil
}

// Publish computes the estimate for state and queues rul.updated on tx.
func (s *Service) Publish(ctx context.Context, tx store.Tx, state models.AssetHealthState) (Estimate, error) {
	est := FromState(state)
	_, err := store.EnqueuePayload(ctx, tx, state.TenantID, state.AssetID, events.TopicRULUpdated, est.Payload(state.AssetID), s.now())
	return est, err
}

// Remember writes est to the cache. Failures only cost a recomputation.
func (s *Service) Remember(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID, est Estimate) {
	if err := s.cache.SetJSON(ctx, tenantID, assetID, cachex.CategoryRUL, est, s.ttl); err != nil {
		s.cacheFallback(ctx, tenantID, assetID, "write", err)
	}
}

func (s *Service) Invalidate(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID) error {
	err := s.cache.Delete(ctx, tenantID, assetID, cachex.CategoryRUL)
	if err != nil && !cachex.IsTenantError(err) {
		s.cacheFallback(ctx, tenantID, assetID, "invalidate", err)
		return nil
	}
	return err
}

func (s *Service) cacheFallback(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID, op string, err error) {
	metricsx.IncCacheFallback(cachex.CategoryRUL)
	s.log.Warn(ctx, "rul_cache_unavailable", "rul cache "+op+" failed", logx.Tenant(tenantID), logx.Asset(assetID), logx.Err(err))
}

func (e Estimate) Payload(assetID uuid.UUID) events.RULUpdated {
	return events.RULUpdated{
		AssetID:    assetID,
		RULMean:    e.Mean,
		LowerBound: e.Lower,
		UpperBound: e.Upper,
		Confidence: e.Confidence,
	}
}
