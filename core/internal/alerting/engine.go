// Package alerting decides when sustained degradation becomes an alert and
// drives the alert status workflow.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"predictive-maintenance-core/core/internal/health"
	"predictive-maintenance-core/core/internal/models"
	"predictive-maintenance-core/core/internal/store"
	"predictive-maintenance-core/shared/events"
	"predictive-maintenance-core/shared/logx"
	"predictive-maintenance-core/shared/metricsx"
	"predictive-maintenance-core/shared/workflow"
)

const (
	MinConfidence      = 0.7
	MinHistory         = 5
	PersistenceFactor  = 2.0
	ScoreThreshold     = 70.0
	HighSeverityBelow  = 40.0
	persistenceEpsilon = 1e-6
)

type Engine struct {
	store store.AssetTx
	log   logx.Logger
	now   func() time.Time
}

func NewEngine(st store.AssetTx, log logx.Logger) *Engine {
	return &Engine{store: st, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Evaluate runs the confidence, persistence and severity gates against state.
// It returns nil when any gate fails, the existing OPEN alert when there is
// one, or a new alert whose alert.triggered event was queued on tx.
func (e *Engine) Evaluate(ctx context.Context, tx store.Tx, state models.AssetHealthState) (*models.Alert, error) {
	attrs := []slog.Attr{logx.Tenant(state.TenantID), logx.Asset(state.AssetID)}

	if state.Confidence < MinConfidence {
		e.log.Debug(ctx, "alert_gate_confidence", "confidence below alert threshold", append(attrs, slog.Float64("confidence", state.Confidence))...)
		return nil, nil
	}
	recent, longTerm, ok := rateMeans(state.RateHistory)
	if !ok {
		e.log.Debug(ctx, "alert_gate_history", "not enough rate history for alerting", append(attrs, slog.Int("history", len(state.RateHistory)))...)
		return nil, nil
	}
	ratio, _ := PersistenceRatio(state.RateHistory)
	if recent <= PersistenceFactor*longTerm {
		e.log.Debug(ctx, "alert_gate_persistence", "damage rate elevation is not sustained", append(attrs, slog.Float64("ratio", ratio))...)
		return nil, nil
	}
	minScore, vector := health.MinVectorScore(state.Scores)
	if minScore >= ScoreThreshold {
		e.log.Debug(ctx, "alert_gate_severity", "health scores above alert threshold", append(attrs, slog.Float64("min_score", minScore))...)
		return nil, nil
	}

	existing, found, err := tx.FindOpenAlert(ctx, state.TenantID, state.AssetID, models.AlertCategoryPredictiveFailure)
	if err != nil {
		return nil, err
	}
	if found {
		return &existing, nil
	}

	severity := models.SeverityMedium
	if minScore < HighSeverityBelow {
		severity = models.SeverityHigh
	}
	now := e.now()
	probability := 1.0 - minScore/100.0
	alert := models.Alert{
		AlertID:     uuid.New(),
		TenantID:    state.TenantID,
		AssetID:     state.AssetID,
		Title:       fmt.Sprintf("Probabilistic Failure Risk: %s Sector", capitalize(vector)),
		Description: fmt.Sprintf("Degradation detected in %s health vector. Health Score: %.1f", vector, minScore),
		Severity:    severity,
		Status:      workflow.AlertOpen,
		Category:    models.AlertCategoryPredictiveFailure,
		RiskScore:   probability,
		Meta: events.AlertMeta{
			Probability:      probability,
			DominantVector:   vector,
			ConfidenceScore:  state.Confidence,
			PersistenceRatio: ratio,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.InsertAlert(ctx, alert); err != nil {
		return nil, err
	}
	if _, err := store.EnqueuePayload(ctx, tx, alert.TenantID, alert.AssetID, events.TopicAlertTriggered, alert.Payload(), now); err != nil {
		return nil, err
	}
	metricsx.IncAlertCreated(string(severity))
	e.log.Info(ctx, "alert_created", "predictive failure alert created", append(attrs,
		slog.String("alert_id", alert.AlertID.String()),
		slog.String("severity", string(severity)),
		slog.String("dominant_vector", vector),
	)...)
	return &alert, nil
}

// PersistenceRatio is the guarded recent/long-term ratio reported on alert
// metadata. It is not the gate: rates sit near the epsilon. ok is false while
// the history is too short.
func PersistenceRatio(history []float64) (float64, bool) {
	recent, longTerm, ok := rateMeans(history)
	if !ok {
		return 0, false
	}
	return recent / (longTerm + persistenceEpsilon), true
}

func rateMeans(history []float64) (recent, longTerm float64, ok bool) {
	if len(history) < MinHistory {
		return 0, 0, false
	}
	return mean(history[len(history)-MinHistory:]), mean(history), true
}

func (e *Engine) Acknowledge(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID, alertID uuid.UUID) (models.Alert, error) {
	return e.transition(ctx, tenantID, assetID, alertID, workflow.AlertAcknowledged)
}

func (e *Engine) Resolve(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID, alertID uuid.UUID) (models.Alert, error) {
	return e.transition(ctx, tenantID, assetID, alertID, workflow.AlertResolved)
}

func (e *Engine) transition(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID, alertID uuid.UUID, to string) (models.Alert, error) {
	var updated models.Alert
	var from string
	err := e.store.InAssetTx(ctx, tenantID, assetID, func(tx store.Tx) error {
		alert, err := tx.GetAlert(ctx, tenantID, alertID)
		if err != nil {
			return err
		}
		if alert.AssetID != assetID {
			return store.ErrNotFound
		}
		if err := workflow.CheckAlertTransition(alert.Status, to); err != nil {
			return err
		}
		from = alert.Status
		now := e.now()
		alert.Status = to
		alert.UpdatedAt = now
		switch to {
		case workflow.AlertAcknowledged:
			alert.AcknowledgedAt = &now
		case workflow.AlertResolved:
			alert.ResolvedAt = &now
		}
		updated = alert
		return tx.UpdateAlert(ctx, alert)
	})
	if err != nil {
		return models.Alert{}, err
	}
	if event := workflow.EventTypeForAlertTransition(from, to); event != "" {
		e.log.Info(ctx, event, "alert status changed",
			logx.Tenant(tenantID),
			logx.Asset(assetID),
			slog.String("alert_id", alertID.String()),
			slog.String("from", from),
			slog.String("to", to),
		)
	}
	return updated, nil
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
