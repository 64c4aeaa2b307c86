// Package assets serves asset metadata through a tenant-scoped read-through
// cache.
package assets

import (
	"context"
	"time"

	"github.com/google/uuid"

	"predictive-maintenance-core/core/internal/models"
	"predictive-maintenance-core/core/internal/store"
	"predictive-maintenance-core/shared/cachex"
	"predictive-maintenance-core/shared/logx"
	"predictive-maintenance-core/shared/metricsx"
	"predictive-maintenance-core/shared/tenantx"
)

const DefaultCacheTTL = 24 * time.Hour

type Service struct {
	reader store.Reader
	cache  *cachex.Cache
	ttl    time.Duration
	log    logx.Logger
}

func NewService(reader store.Reader, cache *cachex.Cache, ttl time.Duration, log logx.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Service{reader: reader, cache: cache, ttl: ttl, log: log}
}

// Get returns the asset's metadata with thresholds defaulted. Missing
// metadata is not an error: the asset runs on defaults.
func (s *Service) Get(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID) (models.AssetMetadata, error) {
	if err := tenantx.Require(tenantID); err != nil {
		return models.AssetMetadata{}, err
	}

	var meta models.AssetMetadata
	hit, err := s.cache.GetJSON(ctx, tenantID, assetID, cachex.CategoryMetadata, &meta)
	switch {
	case err != nil && cachex.IsTenantError(err):
		return models.AssetMetadata{}, err
	case err != nil:
		s.fallback(ctx, tenantID, assetID, err)
	case hit:
		return meta.WithDefaults(), nil
	}

	meta, found, err := s.reader.AssetMetadata(ctx, tenantID, assetID)
	if err != nil {
		return models.AssetMetadata{}, err
	}
	if !found {
		s.log.Debug(ctx, "asset_metadata_missing", "no metadata stored, using defaults", logx.Tenant(tenantID), logx.Asset(assetID))
		return models.AssetMetadata{TenantID: tenantID, AssetID: assetID}.WithDefaults(), nil
	}
	if err := s.cache.SetJSON(ctx, tenantID, assetID, cachex.CategoryMetadata, meta, s.ttl); err != nil {
		s.fallback(ctx, tenantID, assetID, err)
	}
	return meta.WithDefaults(), nil
}

func (s *Service) Invalidate(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID) error {
	err := s.cache.Delete(ctx, tenantID, assetID, cachex.CategoryMetadata)
	if err != nil && !cachex.IsTenantError(err) {
		s.fallback(ctx, tenantID, assetID, err)
		return nil
	}
	return err
}

func (s *Service) fallback(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID, err error) {
	metricsx.IncCacheFallback(cachex.CategoryMetadata)
	s.log.Warn(ctx, "metadata_cache_unavailable", "metadata cache unavailable, reading store", logx.Tenant(tenantID), logx.Asset(assetID), logx.Err(err))
}
