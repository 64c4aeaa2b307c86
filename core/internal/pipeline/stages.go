package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"predictive-maintenance-core/core/internal/alerting"
	"predictive-maintenance-core/core/internal/assets"
	"predictive-maintenance-core/core/internal/degradation"
	"predictive-maintenance-core/core/internal/health"
	"predictive-maintenance-core/core/internal/models"
	"predictive-maintenance-core/core/internal/rul"
	"predictive-maintenance-core/core/internal/shift"
	"predictive-maintenance-core/core/internal/store"
	"predictive-maintenance-core/shared/events"
	"predictive-maintenance-core/shared/influxx"
	"predictive-maintenance-core/shared/logx"
	"predictive-maintenance-core/shared/metricsx"
)

// Stage names recorded in the processed-events ledger.
const (
	StageSensor     = "sensor"
	StageRUL        = "rul"
	StageAlert      = "alert"
	StageInspection = "inspection"
)

// Notifier fans an event out to the tenant's delivery channels.
type Notifier interface {
	Notify(ctx context.Context, env events.Envelope) error
}

// PointWriter receives the per-batch damage series. *influxx.Client fits.
type PointWriter interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
}

type Stages struct {
	Store    store.AssetTx
	Assets   *assets.Service
	RUL      *rul.Service
	Alerts   *alerting.Engine
	Notifier Notifier
	Series   PointWriter
	Log      logx.Logger
	Now      func() time.Time
}

// Register wires every stage into r.
func (s *Stages) Register(r *Router) {
	r.Register(events.TopicSensorBatchIngested, HandlerFunc(s.handleSensorBatch))
	r.Register(events.TopicDegradationUpdated, HandlerFunc(s.handleDegradation))
	r.Register(events.TopicRULUpdated, HandlerFunc(s.handleRUL))
	r.Register(events.TopicInspectionSubmitted, HandlerFunc(s.handleInspection))
	r.Register(events.TopicMetadataUpdated, HandlerFunc(s.handleMetadata))
	if s.Notifier != nil {
		RegisterNotifier(r, s.Notifier)
	}
}

// NotifyTopics are the events delivered to tenants.
var NotifyTopics = []string{
	events.TopicAlertTriggered,
	events.TopicAlertEscalated,
	events.TopicShiftViolation,
	events.TopicDeviceReminder,
}

// RegisterNotifier routes NotifyTopics to n. Used alone by a process that
// only delivers notifications.
func RegisterNotifier(r *Router, n Notifier) {
	for _, topic := range NotifyTopics {
		r.Register(topic, HandlerFunc(n.Notify))
	}
}

func (s *Stages) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

type batchResult struct {
	damage    models.DamageVector
	dtHours   float64
	regime    models.Regime
	malformed int
	modifier  float64
	at        time.Time
}

// handleSensorBatch folds a telemetry batch into the asset's health state and
// queues degradation.updated, plus shift.violation.detected once per batch
// when any row ran off shift.
func (s *Stages) handleSensorBatch(ctx context.Context, env events.Envelope) error {
	var p events.SensorBatchIngested
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	meta, err := s.Assets.Get(ctx, env.TenantID, p.AssetID)
	if err != nil {
		return fmt.Errorf("load metadata: %w", err)
	}
	batch := s.foldBatch(p.SensorData, meta, env.Timestamp)

	var applied bool
	err = s.Store.InAssetTx(ctx, env.TenantID, p.AssetID, func(tx store.Tx) error {
		first, err := tx.MarkProcessed(ctx, env.TenantID, env.EventID, StageSensor)
		if err != nil || !first {
			return err
		}
		if len(p.SensorData) == 0 {
			return nil
		}
		state, err := tx.LockHealthState(ctx, env.TenantID, p.AssetID, s.now())
		if err != nil {
			return err
		}
		health.Apply(&state, health.Window{
			Damage:         batch.damage,
			Regime:         batch.regime,
			DtHours:        batch.dtHours,
			ShiftViolation: batch.modifier > 1.0,
			Malformed:      batch.malformed,
			At:             batch.at,
		})
		if err := tx.SaveHealthState(ctx, state); err != nil {
			return err
		}
		if _, err := store.EnqueuePayload(ctx, tx, env.TenantID, p.AssetID, events.TopicDegradationUpdated, events.DegradationUpdated{
			AssetID:        p.AssetID,
			NewHealthScore: state.Scores.Operational,
			TotalDamage:    state.Cumulative.Total(),
		}, s.now()); err != nil {
			return err
		}
		if batch.modifier > 1.0 {
			if _, err := store.EnqueuePayload(ctx, tx, env.TenantID, p.AssetID, events.TopicShiftViolation, events.ShiftViolation{
				AssetID:           p.AssetID,
				ViolationType:     shift.ViolationOffShift,
				SeverityLevel:     shift.Severity(batch.modifier),
				MultiplierApplied: batch.modifier,
			}, s.now()); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	metricsx.ObserveDamage(string(batch.regime), batch.damage.Total())
	s.writeSeries(ctx, env.TenantID, p.AssetID, batch)
	return nil
}

func (s *Stages) foldBatch(rows []map[string]any, meta models.AssetMetadata, fallback time.Time) batchResult {
	out := batchResult{modifier: 1.0, at: fallback}
	if out.at.IsZero() {
		out.at = s.now()
	}
	for _, row := range rows {
		sample, malformed := degradation.SampleFromReadings(row)
		ts := rowTime(row, out.at)
		dt := rowDtHours(row)

		regime := degradation.Classify(sample, meta)
		within, _ := shift.IsWithinShift(meta.OperationMode, meta.Shift, ts)
		modifier := shift.Modifier(within, regime != models.RegimeIdle)
		inc := degradation.Compute(sample, meta, degradation.Context{DtHours: dt, ShiftModifier: modifier})

		out.damage.Mechanical += inc.Mechanical
		out.damage.Thermal += inc.Thermal
		out.damage.Electrical += inc.Electrical
		out.damage.Strain += inc.Strain
		out.damage.Environmental += inc.Environmental
		out.dtHours += dt
		out.malformed += malformed
		out.regime = inc.Regime
		out.modifier = max(out.modifier, modifier)
		if ts.After(out.at) {
			out.at = ts
		}
	}
	return out
}

func (s *Stages) writeSeries(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID, b batchResult) {
	if s.Series == nil {
		return
	}
	err := s.Series.WritePoint(ctx, influxx.MeasurementDamage,
		map[string]string{"tenant_id": tenantID.String(), "asset_id": assetID.String(), "regime": string(b.regime)},
		map[string]any{
			"mechanical":     b.damage.Mechanical,
			"thermal":        b.damage.Thermal,
			"electrical":     b.damage.Electrical,
			"strain":         b.damage.Strain,
			"environmental":  b.damage.Environmental,
			"total":          b.damage.Total(),
			"shift_modifier": b.modifier,
		}, b.at)
	if err != nil {
		metricsx.IncInfluxWriteFailure()
		s.Log.Warn(ctx, "damage_series_write_failed", "damage series write failed", logx.Tenant(tenantID), logx.Asset(assetID), logx.Err(err))
	}
}

// handleDegradation drops the cached RUL and recomputes it inside the
// asset transaction so the rul.updated event commits with the ledger entry.
func (s *Stages) handleDegradation(ctx context.Context, env events.Envelope) error {
	var p events.DegradationUpdated
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	if err := s.RUL.Invalidate(ctx, env.TenantID, p.AssetID); err != nil {
		return err
	}
	var est rul.Estimate
	var published bool
	err := s.Store.InAssetTx(ctx, env.TenantID, p.AssetID, func(tx store.Tx) error {
		first, err := tx.MarkProcessed(ctx, env.TenantID, env.EventID, StageRUL)
		if err != nil || !first {
			return err
		}
		state, err := tx.LockHealthState(ctx, env.TenantID, p.AssetID, s.now())
		if err != nil {
			return err
		}
		est, err = s.RUL.Publish(ctx, tx, state)
		published = err == nil
		return err
	})
	if err != nil {
		return err
	}
	if published {
		s.RUL.Remember(ctx, env.TenantID, p.AssetID, est)
	}
	return nil
}

func (s *Stages) handleRUL(ctx context.Context, env events.Envelope) error {
	var p events.RULUpdated
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	return s.Store.InAssetTx(ctx, env.TenantID, p.AssetID, func(tx store.Tx) error {
		first, err := tx.MarkProcessed(ctx, env.TenantID, env.EventID, StageAlert)
		if err != nil || !first {
			return err
		}
		state, err := tx.LockHealthState(ctx, env.TenantID, p.AssetID, s.now())
		if err != nil {
			return err
		}
		_, err = s.Alerts.Evaluate(ctx, tx, state)
		return err
	})
}

func (s *Stages) handleInspection(ctx context.Context, env events.Envelope) error {
	var p events.InspectionSubmitted
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	return s.Store.InAssetTx(ctx, env.TenantID, p.AssetID, func(tx store.Tx) error {
		first, err := tx.MarkProcessed(ctx, env.TenantID, env.EventID, StageInspection)
		if err != nil || !first {
			return err
		}
		state, err := tx.LockHealthState(ctx, env.TenantID, p.AssetID, s.now())
		if err != nil {
			return err
		}
		if err := health.ApplyInspection(&state, p.Severity, s.now()); err != nil {
			s.Log.Warn(ctx, "inspection_rejected", "inspection severity not recognised",
				logx.Tenant(env.TenantID), logx.Asset(p.AssetID), slog.String("severity", p.Severity))
			return nil
		}
		if err := tx.SaveHealthState(ctx, state); err != nil {
			return err
		}
		_, err = store.EnqueuePayload(ctx, tx, env.TenantID, p.AssetID, events.TopicDegradationUpdated, events.DegradationUpdated{
			AssetID:        p.AssetID,
			NewHealthScore: state.Scores.Operational,
			TotalDamage:    state.Cumulative.Total(),
		}, s.now())
		return err
	})
}

func (s *Stages) handleMetadata(ctx context.Context, env events.Envelope) error {
	var p events.MetadataUpdated
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	if err := s.Assets.Invalidate(ctx, env.TenantID, p.AssetID); err != nil {
		return err
	}
	return s.RUL.Invalidate(ctx, env.TenantID, p.AssetID)
}

// rowTime reads an optional RFC 3339 or unix-seconds "timestamp".
func rowTime(row map[string]any, fallback time.Time) time.Time {
	switch v := row["timestamp"].(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return ts
		}
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC()
		}
	case float64:
		return time.Unix(int64(v), 0).UTC()
	}
	return fallback
}

func rowDtHours(row map[string]any) float64 {
	if v, ok := degradation.ParseReading(row["dt_hours"]); ok && v > 0 {
		return v
	}
	return 1.0
}
