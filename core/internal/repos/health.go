package repos

import (
	"context"
	"time"

	"github.com/google/uuid"

	"predictive-maintenance-core/core/internal/models"
)

const healthColumns = `tenant_id, asset_id, cum_mechanical, cum_thermal, cum_electrical, cum_strain, cum_environmental,
	threshold_mean, threshold_std, score_mechanical, score_thermal, score_electrical, score_environmental, score_operational,
	rate_history, violation_count, anomaly_score, confidence, confidence_penalty, rate_modifier, last_regime,
	last_updated, last_reminder_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHealthState(row rowScanner) (models.AssetHealthState, error) {
	var s models.AssetHealthState
	var regime string
	err := row.Scan(
		&s.TenantID, &s.AssetID, &s.Cumulative.Mechanical, &s.Cumulative.Thermal, &s.Cumulative.Electrical, &s.Cumulative.Strain, &s.Cumulative.Environmental,
		&s.ThresholdMean, &s.ThresholdStd, &s.Scores.Mechanical, &s.Scores.Thermal, &s.Scores.Electrical, &s.Scores.Environmental, &s.Scores.Operational,
		&s.RateHistory, &s.ViolationCount, &s.AnomalyScore, &s.Confidence, &s.ConfidencePenalty, &s.RateModifier, &regime,
		&s.LastUpdated, &s.LastReminderAt, &s.CreatedAt,
	)
	s.LastRegime = models.Regime(regime)
	return s, err
}

// ensureHealthState inserts the default row so the following SELECT ... FOR
// UPDATE always has something to lock.
func ensureHealthState(ctx context.Context, db DBTX, tenantID uuid.UUID, assetID uuid.UUID, now time.Time) error {
	_, err := db.Exec(ctx, `
		INSERT INTO asset_health_states (tenant_id, asset_id, last_updated, created_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (tenant_id, asset_id) DO NOTHING
	`, tenantID, assetID, now.UTC())
	return err
}

func getHealthState(ctx context.Context, db DBTX, tenantID uuid.UUID, assetID uuid.UUID, forUpdate bool) (models.AssetHealthState, bool, error) {
	query := `SELECT ` + healthColumns + ` FROM asset_health_states WHERE tenant_id = $1 AND asset_id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	s, err := scanHealthState(db.QueryRow(ctx, query, tenantID, assetID))
	if notFound(err) {
		return models.AssetHealthState{}, false, nil
	}
	if err != nil {
		return models.AssetHealthState{}, false, err
	}
	return s, true, nil
}

func saveHealthState(ctx context.Context, db DBTX, s models.AssetHealthState) error {
	history := s.RateHistory
	if history == nil {
		history = []float64{}
	}
	_, err := db.Exec(ctx, `
		UPDATE asset_health_states SET
			cum_mechanical = $3, cum_thermal = $4, cum_electrical = $5, cum_strain = $6, cum_environmental = $7,
			threshold_mean = $8, threshold_std = $9,
			score_mechanical = $10, score_thermal = $11, score_electrical = $12, score_environmental = $13, score_operational = $14,
			rate_history = $15, violation_count = $16, anomaly_score = $17, confidence = $18, confidence_penalty = $19,
			rate_modifier = $20, last_regime = $21, last_updated = $22, last_reminder_at = $23
		WHERE tenant_id = $1 AND asset_id = $2
	`, s.TenantID, s.AssetID,
		s.Cumulative.Mechanical, s.Cumulative.Thermal, s.Cumulative.Electrical, s.Cumulative.Strain, s.Cumulative.Environmental,
		s.ThresholdMean, s.ThresholdStd,
		s.Scores.Mechanical, s.Scores.Thermal, s.Scores.Electrical, s.Scores.Environmental, s.Scores.Operational,
		history, s.ViolationCount, s.AnomalyScore, s.Confidence, s.ConfidencePenalty,
		s.RateModifier, string(s.LastRegime), s.LastUpdated, s.LastReminderAt)
	return err
}

func (p *Postgres) StaleHealthStates(ctx context.Context, updatedBefore time.Time, limit int) ([]models.AssetHealthState, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+healthColumns+`
		FROM asset_health_states
		WHERE last_updated < $1
		  AND (last_reminder_at IS NULL OR last_reminder_at < $1)
		ORDER BY last_updated ASC
		LIMIT $2
	`, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make([]models.AssetHealthState, 0, limit)
	for rows.Next() {
		s, err := scanHealthState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, s)
	}
	return states, rows.Err()
}
