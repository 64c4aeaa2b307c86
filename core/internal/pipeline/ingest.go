package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"predictive-maintenance-core/core/internal/models"
	"predictive-maintenance-core/core/internal/store"
	"predictive-maintenance-core/shared/events"
	"predictive-maintenance-core/shared/tenantx"
)

// Ingest is the boundary the HTTP layer calls. Each operation commits one
// outbox event that starts a chain.
type Ingest struct {
	Store store.AssetTx
	Now   func() time.Time
}

func (in *Ingest) now() time.Time {
	if in.Now != nil {
		return in.Now()
	}
	return time.Now().UTC()
}

// IngestTelemetry queues sensor.batch.ingested for readings. Each row maps
// sensor names to values and may carry "timestamp" and "dt_hours".
func (in *Ingest) IngestTelemetry(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID, readings []map[string]any) (models.OutboxEvent, error) {
	if err := tenantx.Require(tenantID); err != nil {
		return models.OutboxEvent{}, err
	}
	if assetID == uuid.Nil {
		return models.OutboxEvent{}, fmt.Errorf("asset id is required")
	}
	payload := events.SensorBatchIngested{
		AssetID:    assetID,
		BatchID:    uuid.New(),
		RowCount:   len(readings),
		SensorData: readings,
	}
	return in.enqueue(ctx, tenantID, assetID, events.TopicSensorBatchIngested, payload)
}

func (in *Ingest) SubmitInspection(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID, severity string, notes string) (models.OutboxEvent, error) {
	switch severity {
	case models.InspectionMild, models.InspectionModerate, models.InspectionSevere:
	default:
		return models.OutboxEvent{}, fmt.Errorf("unknown inspection severity %q", severity)
	}
	payload := events.InspectionSubmitted{
		AssetID:      assetID,
		InspectionID: uuid.New(),
		Severity:     severity,
		Notes:        notes,
	}
	return in.enqueue(ctx, tenantID, assetID, events.TopicInspectionSubmitted, payload)
}

// UpdateMetadata stores meta and queues metadata.updated in one transaction.
func (in *Ingest) UpdateMetadata(ctx context.Context, meta models.AssetMetadata) (models.OutboxEvent, error) {
	if err := tenantx.Require(meta.TenantID); err != nil {
		return models.OutboxEvent{}, err
	}
	meta.UpdatedAt = in.now()
	var event models.OutboxEvent
	err := in.Store.InAssetTx(ctx, meta.TenantID, meta.AssetID, func(tx store.Tx) error {
		if err := tx.SaveAssetMetadata(ctx, meta); err != nil {
			return err
		}
		var err error
		event, err = store.EnqueuePayload(ctx, tx, meta.TenantID, meta.AssetID, events.TopicMetadataUpdated, events.MetadataUpdated{AssetID: meta.AssetID}, in.now())
		return err
	})
	return event, err
}

func (in *Ingest) enqueue(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID, topic string, payload any) (models.OutboxEvent, error) {
	var event models.OutboxEvent
	err := in.Store.InAssetTx(ctx, tenantID, assetID, func(tx store.Tx) error {
		var err error
		event, err = store.EnqueuePayload(ctx, tx, tenantID, assetID, topic, payload, in.now())
		return err
	})
	return event, err
}
