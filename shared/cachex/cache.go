package cachex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"predictive-maintenance-core/shared/tenantx"
)

const (
	CategoryRUL      = "rul"
	CategoryMetadata = "metadata"
)

var ErrNotInitialized = errors.New("cache store not initialized")

func CooldownCategory(topic string) string {
	return "cooldown:" + topic
}

// Key renders tenant:{tenant_id}:asset:{asset_id}:{category}.
func Key(tenantID uuid.UUID, assetID uuid.UUID, category string) (string, error) {
	if err := tenantx.Require(tenantID); err != nil {
		return "", err
	}
	category = strings.TrimSpace(category)
	if category == "" {
		return "", errors.New("cache category is required")
	}
	return fmt.Sprintf("tenant:%s:asset:%s:%s", tenantID, assetID, category), nil
}

// Store is the raw key/value backend. Implementations: Redis, Memory.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Cache is the tenant-scoped facade. Every call names its tenant explicitly.
type Cache struct {
	store Store
}

func New(store Store) *Cache {
	return &Cache{store: store}
}

func (c *Cache) GetJSON(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID, category string, dest any) (bool, error) {
	key, err := Key(tenantID, assetID, category)
	if err != nil {
		return false, err
	}
	if c == nil || c.store == nil {
		return false, ErrNotInitialized
	}
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", category, err)
	}
	return true, nil
}

func (c *Cache) SetJSON(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID, category string, value any, ttl time.Duration) error {
	key, err := Key(tenantID, assetID, category)
	if err != nil {
		return err
	}
	if c == nil || c.store == nil {
		return ErrNotInitialized
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, key, raw, ttl)
}

func (c *Cache) Exists(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID, category string) (bool, error) {
	key, err := Key(tenantID, assetID, category)
	if err != nil {
		return false, err
	}
	if c == nil || c.store == nil {
		return false, ErrNotInitialized
	}
	_, ok, err := c.store.Get(ctx, key)
	return ok, err
}

func (c *Cache) Delete(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID, category string) error {
	key, err := Key(tenantID, assetID, category)
	if err != nil {
		return err
	}
	if c == nil || c.store == nil {
		return ErrNotInitialized
	}
	return c.store.Delete(ctx, key)
}

// IsTenantError reports whether err must be treated as fatal instead of a
// cache outage the caller may fall back from.
func IsTenantError(err error) bool {
	return errors.Is(err, tenantx.ErrMissingTenant)
}
