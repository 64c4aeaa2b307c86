// Package store defines the persistence contracts shared by the pipeline
// stages, the outbox dispatcher and the monitor loops. The pgx implementation
// lives in core/internal/repos; Memory backs tests and single-process runs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"predictive-maintenance-core/core/internal/models"
	"predictive-maintenance-core/shared/events"
	"predictive-maintenance-core/shared/tenantx"
	"predictive-maintenance-core/shared/workflow"
)

var ErrNotFound = errors.New("not found")

// ErrLeaseLost means another poller holds, or has finished, the outbox row.
var ErrLeaseLost = errors.New("outbox lease lost")

// Tx is the unit of work for one asset. Every write made through it commits
// or rolls back together, including queued outbox events.
type Tx interface {
	AssetMetadata(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID) (models.AssetMetadata, bool, error)
	SaveAssetMetadata(ctx context.Context, meta models.AssetMetadata) error

	// LockHealthState returns the asset's state, creating a fresh one when
	// none exists yet. The row stays locked until the transaction ends.
	LockHealthState(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID, now time.Time) (models.AssetHealthState, error)
	SaveHealthState(ctx context.Context, state models.AssetHealthState) error

	FindOpenAlert(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID, category string) (models.Alert, bool, error)
	GetAlert(ctx context.Context, tenantID uuid.UUID, alertID uuid.UUID) (models.Alert, error)
	InsertAlert(ctx context.Context, alert models.Alert) error
	UpdateAlert(ctx context.Context, alert models.Alert) error

	Enqueue(ctx context.Context, event models.OutboxEvent) (models.OutboxEvent, error)

	// MarkProcessed records that stage handled eventID. It reports false
	// when the pair was already recorded.
	MarkProcessed(ctx context.Context, tenantID uuid.UUID, eventID uuid.UUID, stage string) (bool, error)
}

type AssetTx interface {
	InAssetTx(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID, fn func(Tx) error) error
}

type Reader interface {
	AssetMetadata(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID) (models.AssetMetadata, bool, error)
	HealthState(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID) (models.AssetHealthState, bool, error)
	Alert(ctx context.Context, tenantID uuid.UUID, alertID uuid.UUID) (models.Alert, error)
}

type Outbox interface {
	// ClaimPending leases up to limit due PENDING events to owner. Rows whose
	// lease expired are claimable again.
	ClaimPending(ctx context.Context, owner string, limit int, lease time.Duration) ([]models.OutboxEvent, error)
	// RenewLease extends a live lease held by owner, or returns ErrLeaseLost.
	RenewLease(ctx context.Context, eventID uuid.UUID, owner string, lease time.Duration) error
	// MarkPublished and MarkFailed return ErrLeaseLost when owner is set and
	// no longer holds the row. An empty owner skips the check.
	MarkPublished(ctx context.Context, eventID uuid.UUID, owner string) error
	MarkFailed(ctx context.Context, eventID uuid.UUID, owner string, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error
	Requeue(ctx context.Context, eventID uuid.UUID) error
	RescanFailed(ctx context.Context, limit int) (int, error)
	GetEvent(ctx context.Context, eventID uuid.UUID) (models.OutboxEvent, error)
}

type Notifications interface {
	Preference(ctx context.Context, tenantID uuid.UUID, userID *uuid.UUID) (models.NotificationPreference, bool, error)
	SavePreference(ctx context.Context, pref models.NotificationPreference) error
	HasSentNotification(ctx context.Context, tenantID uuid.UUID, channel string, payloadHash string) (bool, error)
	InsertNotificationLog(ctx context.Context, entry models.NotificationLog) error
}

type Monitoring interface {
	OpenAlerts(ctx context.Context, limit int) ([]models.Alert, error)
	EscalationPolicy(ctx context.Context, tenantID uuid.UUID, category string) (models.EscalationPolicy, bool, error)
	SaveEscalationPolicy(ctx context.Context, policy models.EscalationPolicy) error
	// StaleHealthStates skips states already reminded since updatedBefore.
	StaleHealthStates(ctx context.Context, updatedBefore time.Time, limit int) ([]models.AssetHealthState, error)
}

// Store is everything a single core process needs.
type Store interface {
	AssetTx
	Reader
	Outbox
	Notifications
	Monitoring
}

// NewEvent builds a PENDING outbox row for payload.
func NewEvent(tenantID uuid.UUID, aggregateID uuid.UUID, topic string, payload any, now time.Time) (models.OutboxEvent, error) {
	if err := tenantx.Require(tenantID); err != nil {
		return models.OutboxEvent{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("encode %s payload: %w", topic, err)
	}
	return models.OutboxEvent{
		EventID:       uuid.New(),
		TenantID:      tenantID,
		AggregateID:   aggregateID,
		Topic:         topic,
		SchemaVersion: events.SchemaVersion,
		Payload:       raw,
		Status:        workflow.OutboxPending,
		CreatedAt:     now.UTC(),
	}, nil
}

// EnqueuePayload is NewEvent followed by tx.Enqueue.
func EnqueuePayload(ctx context.Context, tx Tx, tenantID uuid.UUID, aggregateID uuid.UUID, topic string, payload any, now time.Time) (models.OutboxEvent, error) {
	event, err := NewEvent(tenantID, aggregateID, topic, payload, now)
	if err != nil {
		return models.OutboxEvent{}, err
	}
	return tx.Enqueue(ctx, event)
}
