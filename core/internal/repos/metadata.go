package repos

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"predictive-maintenance-core/core/internal/models"
)

func getMetadata(ctx context.Context, db DBTX, tenantID uuid.UUID, assetID uuid.UUID) (models.AssetMetadata, bool, error) {
	var meta models.AssetMetadata
	var shift []byte
	err := db.QueryRow(ctx, `
		SELECT tenant_id, asset_id, name, operation_mode, shift, idle_rpm_threshold, high_load_threshold,
			fault_vibration_threshold, rated_temperature, updated_at
		FROM asset_metadata
		WHERE tenant_id = $1 AND asset_id = $2
	`, tenantID, assetID).Scan(
		&meta.TenantID, &meta.AssetID, &meta.Name, &meta.OperationMode, &shift, &meta.IdleRPMThreshold, &meta.HighLoadThreshold,
		&meta.FaultVibrationThreshold, &meta.RatedTemperature, &meta.UpdatedAt,
	)
	if notFound(err) {
		return models.AssetMetadata{}, false, nil
	}
	if err != nil {
		return models.AssetMetadata{}, false, err
	}
	if len(shift) > 0 && string(shift) != "null" {
		var schedule models.ShiftSchedule
		if err := json.Unmarshal(shift, &schedule); err != nil {
			return models.AssetMetadata{}, false, err
		}
		meta.Shift = &schedule
	}
	return meta, true, nil
}

func upsertMetadata(ctx context.Context, db DBTX, meta models.AssetMetadata) error {
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = time.Now().UTC()
	}
	var shift []byte
	if meta.Shift != nil {
		raw, err := json.Marshal(meta.Shift)
		if err != nil {
			return err
		}
		shift = raw
	}
	_, err := db.Exec(ctx, `
		INSERT INTO asset_metadata (
			tenant_id, asset_id, name, operation_mode, shift, idle_rpm_threshold, high_load_threshold,
			fault_vibration_threshold, rated_temperature, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, asset_id)
		DO UPDATE SET
			name = EXCLUDED.name,
			operation_mode = EXCLUDED.operation_mode,
			shift = EXCLUDED.shift,
			idle_rpm_threshold = EXCLUDED.idle_rpm_threshold,
			high_load_threshold = EXCLUDED.high_load_threshold,
			fault_vibration_threshold = EXCLUDED.fault_vibration_threshold,
			rated_temperature = EXCLUDED.rated_temperature,
			updated_at = EXCLUDED.updated_at
	`, meta.TenantID, meta.AssetID, meta.Name, meta.OperationMode, shift, meta.IdleRPMThreshold, meta.HighLoadThreshold,
		meta.FaultVibrationThreshold, meta.RatedTemperature, meta.UpdatedAt)
	return err
}
