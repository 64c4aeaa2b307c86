// Package repos is the Postgres implementation of the core store contracts.
package repos

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"predictive-maintenance-core/core/internal/models"
	"predictive-maintenance-core/core/internal/store"
	"predictive-maintenance-core/shared/dbx"
	"predictive-maintenance-core/shared/lockx"
	"predictive-maintenance-core/shared/tenantx"
)

//go:embed schema.sql
var schema string

var _ store.Store = (*Postgres)(nil)

type Postgres struct {
	pool   *pgxpool.Pool
	locker lockx.Locker
}

// NewPostgres wraps pool. locker is optional; row locks already serialize
// writers of one asset, a Redis locker additionally keeps contending
// processes from queueing on the database.
func NewPostgres(pool *pgxpool.Pool, locker lockx.Locker) *Postgres {
	return &Postgres{pool: pool, locker: locker}
}

func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}

func (p *Postgres) InAssetTx(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID, fn func(store.Tx) error) error {
	if err := tenantx.Require(tenantID); err != nil {
		return err
	}
	if p.locker != nil {
		unlock, err := p.locker.Lock(ctx, lockx.AssetKey(tenantID, assetID))
		if err != nil {
			return err
		}
		defer func() { _ = unlock(context.Background()) }()
	}
	return dbx.WithTx(ctx, p.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{db: tx, tenantID: tenantID})
	})
}

func (p *Postgres) AssetMetadata(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID) (models.AssetMetadata, bool, error) {
	if err := tenantx.Require(tenantID); err != nil {
		return models.AssetMetadata{}, false, err
	}
	return getMetadata(ctx, p.pool, tenantID, assetID)
}

func (p *Postgres) HealthState(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID) (models.AssetHealthState, bool, error) {
	if err := tenantx.Require(tenantID); err != nil {
		return models.AssetHealthState{}, false, err
	}
	return getHealthState(ctx, p.pool, tenantID, assetID, false)
}

func (p *Postgres) Alert(ctx context.Context, tenantID uuid.UUID, alertID uuid.UUID) (models.Alert, error) {
	if err := tenantx.Require(tenantID); err != nil {
		return models.Alert{}, err
	}
	return getAlert(ctx, p.pool, tenantID, alertID)
}

type pgTx struct {
	db       DBTX
	tenantID uuid.UUID
}

func (tx *pgTx) scope(tenantID uuid.UUID) error {
	if err := tenantx.Require(tenantID); err != nil {
		return err
	}
	if tenantID != tx.tenantID {
		return fmt.Errorf("transaction scoped to tenant %s, got %s", tx.tenantID, tenantID)
	}
	return nil
}

func (tx *pgTx) AssetMetadata(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID) (models.AssetMetadata, bool, error) {
	if err := tx.scope(tenantID); err != nil {
		return models.AssetMetadata{}, false, err
	}
	return getMetadata(ctx, tx.db, tenantID, assetID)
}

func (tx *pgTx) SaveAssetMetadata(ctx context.Context, meta models.AssetMetadata) error {
	if err := tx.scope(meta.TenantID); err != nil {
		return err
	}
	return upsertMetadata(ctx, tx.db, meta)
}

func (tx *pgTx) LockHealthState(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID, now time.Time) (models.AssetHealthState, error) {
	if err := tx.scope(tenantID); err != nil {
		return models.AssetHealthState{}, err
	}
	if err := ensureHealthState(ctx, tx.db, tenantID, assetID, now); err != nil {
		return models.AssetHealthState{}, err
	}
	state, found, err := getHealthState(ctx, tx.db, tenantID, assetID, true)
	if err != nil {
		return models.AssetHealthState{}, err
	}
	if !found {
		return models.AssetHealthState{}, fmt.Errorf("health state %s: %w", assetID, store.ErrNotFound)
	}
	return state, nil
}

func (tx *pgTx) SaveHealthState(ctx context.Context, state models.AssetHealthState) error {
	if err := tx.scope(state.TenantID); err != nil {
		return err
	}
	return saveHealthState(ctx, tx.db, state)
}

func (tx *pgTx) FindOpenAlert(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID, category string) (models.Alert, bool, error) {
	if err := tx.scope(tenantID); err != nil {
		return models.Alert{}, false, err
	}
	return findOpenAlert(ctx, tx.db, tenantID, assetID, category)
}

func (tx *pgTx) GetAlert(ctx context.Context, tenantID uuid.UUID, alertID uuid.UUID) (models.Alert, error) {
	if err := tx.scope(tenantID); err != nil {
		return models.Alert{}, err
	}
	return getAlert(ctx, tx.db, tenantID, alertID)
}

func (tx *pgTx) InsertAlert(ctx context.Context, alert models.Alert) error {
	if err := tx.scope(alert.TenantID); err != nil {
		return err
	}
	return insertAlert(ctx, tx.db, alert)
}

func (tx *pgTx) UpdateAlert(ctx context.Context, alert models.Alert) error {
	if err := tx.scope(alert.TenantID); err != nil {
		return err
	}
	return updateAlert(ctx, tx.db, alert)
}

func (tx *pgTx) Enqueue(ctx context.Context, event models.OutboxEvent) (models.OutboxEvent, error) {
	if err := tx.scope(event.TenantID); err != nil {
		return models.OutboxEvent{}, err
	}
	return insertOutboxEvent(ctx, tx.db, event)
}

func (tx *pgTx) MarkProcessed(ctx context.Context, tenantID uuid.UUID, eventID uuid.UUID, stage string) (bool, error) {
	if err := tx.scope(tenantID); err != nil {
		return false, err
	}
	tag, err := tx.db.Exec(ctx, `
		INSERT INTO processed_events (tenant_id, event_id, stage)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, event_id, stage) DO NOTHING
	`, tenantID, eventID, stage)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func notFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
