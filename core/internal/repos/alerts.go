package repos

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"predictive-maintenance-core/core/internal/models"
	"predictive-maintenance-core/core/internal/store"
	"predictive-maintenance-core/shared/workflow"
)

const alertColumns = `alert_id, tenant_id, asset_id, title, description, severity, status, category, risk_score, meta,
	escalation_level, created_at, updated_at, acknowledged_at, resolved_at`

func scanAlert(row rowScanner) (models.Alert, error) {
	var a models.Alert
	var severity string
	var meta []byte
	if err := row.Scan(
		&a.AlertID, &a.TenantID, &a.AssetID, &a.Title, &a.Description, &severity, &a.Status, &a.Category, &a.RiskScore, &meta,
		&a.EscalationLevel, &a.CreatedAt, &a.UpdatedAt, &a.AcknowledgedAt, &a.ResolvedAt,
	); err != nil {
		return models.Alert{}, err
	}
	a.Severity = models.Severity(severity)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Meta); err != nil {
			return models.Alert{}, fmt.Errorf("decode alert meta: %w", err)
		}
	}
	return a, nil
}

func getAlert(ctx context.Context, db DBTX, tenantID uuid.UUID, alertID uuid.UUID) (models.Alert, error) {
	a, err := scanAlert(db.QueryRow(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE tenant_id = $1 AND alert_id = $2
	`, tenantID, alertID))
	if notFound(err) {
		return models.Alert{}, store.ErrNotFound
	}
	return a, err
}

func findOpenAlert(ctx context.Context, db DBTX, tenantID uuid.UUID, assetID uuid.UUID, category string) (models.Alert, bool, error) {
	a, err := scanAlert(db.QueryRow(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE tenant_id = $1 AND asset_id = $2 AND category = $3 AND status = $4
		LIMIT 1
	`, tenantID, assetID, category, workflow.AlertOpen))
	if notFound(err) {
		return models.Alert{}, false, nil
	}
	if err != nil {
		return models.Alert{}, false, err
	}
	return a, true, nil
}

func insertAlert(ctx context.Context, db DBTX, a models.Alert) error {
	meta, err := json.Marshal(a.Meta)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, a.AlertID, a.TenantID, a.AssetID, a.Title, a.Description, string(a.Severity), a.Status, a.Category, a.RiskScore, meta,
		a.EscalationLevel, a.CreatedAt, a.UpdatedAt, a.AcknowledgedAt, a.ResolvedAt)
	return err
}

func updateAlert(ctx context.Context, db DBTX, a models.Alert) error {
	meta, err := json.Marshal(a.Meta)
	if err != nil {
		return err
	}
	tag, err := db.Exec(ctx, `
		UPDATE alerts SET
			severity = $3, status = $4, risk_score = $5, meta = $6, escalation_level = $7,
			updated_at = $8, acknowledged_at = $9, resolved_at = $10
		WHERE tenant_id = $1 AND alert_id = $2
	`, a.TenantID, a.AlertID, string(a.Severity), a.Status, a.RiskScore, meta, a.EscalationLevel,
		a.UpdatedAt, a.AcknowledgedAt, a.ResolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (p *Postgres) OpenAlerts(ctx context.Context, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, workflow.AlertOpen, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := make([]models.Alert, 0, limit)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (p *Postgres) EscalationPolicy(ctx context.Context, tenantID uuid.UUID, category string) (models.EscalationPolicy, bool, error) {
	policy := models.EscalationPolicy{TenantID: tenantID, Category: category}
	var steps []byte
	err := p.pool.QueryRow(ctx, `
		SELECT steps FROM escalation_policies WHERE tenant_id = $1 AND category = $2
	`, tenantID, category).Scan(&steps)
	if notFound(err) {
		return policy, false, nil
	}
	if err != nil {
		return policy, false, err
	}
	if err := json.Unmarshal(steps, &policy.Steps); err != nil {
		return policy, false, fmt.Errorf("decode escalation steps: %w", err)
	}
	return policy, true, nil
}

func (p *Postgres) SaveEscalationPolicy(ctx context.Context, policy models.EscalationPolicy) error {
	steps, err := json.Marshal(policy.Steps)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO escalation_policies (tenant_id, category, steps)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, category) DO UPDATE SET steps = EXCLUDED.steps
	`, policy.TenantID, policy.Category, steps)
	return err
}
