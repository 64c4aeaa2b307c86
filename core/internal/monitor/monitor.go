// Package monitor runs the periodic sweeps that sit outside the event
// chain: alert escalation, stale-asset reminders and FAILED outbox re-scans.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"predictive-maintenance-core/core/internal/models"
	"predictive-maintenance-core/core/internal/store"
	"predictive-maintenance-core/shared/events"
	"predictive-maintenance-core/shared/logx"
	"predictive-maintenance-core/shared/workflow"
)

const (
	ReminderRoutineCheck = "ROUTINE_CHECK"
	defaultBatch         = 100
)

type Store interface {
	store.AssetTx
	store.Monitoring
	RescanFailed(ctx context.Context, limit int) (int, error)
}

// Config intervals of zero disable a loop, except that escalation and
// reminders fall back to their defaults.
type Config struct {
	EscalationInterval time.Duration
	ReminderInterval   time.Duration
	StaleAfter         time.Duration
	RescanInterval     time.Duration
	BatchSize          int
}

func (c Config) withDefaults() Config {
	if c.EscalationInterval <= 0 {
		c.EscalationInterval = 5 * time.Minute
	}
	if c.ReminderInterval <= 0 {
		c.ReminderInterval = time.Hour
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatch
	}
	return c
}

type Monitor struct {
	store Store
	cfg   Config
	log   logx.Logger
	now   func() time.Time
}

func New(st Store, cfg Config, log logx.Logger) *Monitor {
	return &Monitor{store: st, cfg: cfg.withDefaults(), log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Run drives every enabled loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.loop(gctx, "escalation", m.cfg.EscalationInterval, m.Escalate) })
	g.Go(func() error { return m.loop(gctx, "reminder", m.cfg.ReminderInterval, m.Remind) })
	if m.cfg.RescanInterval > 0 {
		g.Go(func() error { return m.loop(gctx, "rescan", m.cfg.RescanInterval, m.Rescan) })
	}
	return g.Wait()
}

// loop never returns a sweep error; a failed sweep is logged and retried on
// the next tick.
func (m *Monitor) loop(ctx context.Context, name string, every time.Duration, sweep func(context.Context) (int, error)) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		n, err := sweep(ctx)
		if err != nil && ctx.Err() == nil {
			m.log.Error(ctx, "monitor_sweep_failed", "monitor sweep failed", slog.String("loop", name), logx.Err(err))
		} else if n > 0 {
			m.log.Info(ctx, "monitor_sweep", "monitor sweep emitted events", slog.String("loop", name), slog.Int("count", n))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Escalate advances every OPEN alert whose next policy step is due and
// queues alert.escalated for it. Returns how many alerts escalated.
func (m *Monitor) Escalate(ctx context.Context) (int, error) {
	alerts, err := m.store.OpenAlerts(ctx, m.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	escalated := 0
	for _, a := range alerts {
		policy, found, err := m.store.EscalationPolicy(ctx, a.TenantID, a.Category)
		if err != nil {
			return escalated, err
		}
		if !found || a.EscalationLevel >= len(policy.Steps) {
			continue
		}
		step := policy.Steps[a.EscalationLevel]
		if m.now().Before(a.CreatedAt.Add(time.Duration(step.DelayMinutes) * time.Minute)) {
			continue
		}
		ok, err := m.escalate(ctx, a, step)
		if err != nil {
			m.log.Error(ctx, "alert_escalation_failed", "could not escalate alert",
				logx.Tenant(a.TenantID), logx.Asset(a.AssetID), slog.String("alert_id", a.AlertID.String()), logx.Err(err))
			continue
		}
		if ok {
			escalated++
		}
	}
	return escalated, nil
}

func (m *Monitor) escalate(ctx context.Context, snapshot models.Alert, step models.EscalationStep) (bool, error) {
	var done bool
	err := m.store.InAssetTx(ctx, snapshot.TenantID, snapshot.AssetID, func(tx store.Tx) error {
		alert, err := tx.GetAlert(ctx, snapshot.TenantID, snapshot.AlertID)
		if err != nil {
			return err
		}
		// acknowledged or escalated by someone else since the scan
		if alert.Status != workflow.AlertOpen || alert.EscalationLevel != snapshot.EscalationLevel {
			return nil
		}
		alert.EscalationLevel++
		if step.Severity != "" {
			alert.Severity = step.Severity
		}
		alert.Meta.EscalationStep = alert.EscalationLevel
		alert.UpdatedAt = m.now()
		if err := tx.UpdateAlert(ctx, alert); err != nil {
			return err
		}
		if _, err := store.EnqueuePayload(ctx, tx, alert.TenantID, alert.AssetID, events.TopicAlertEscalated, alert.Payload(), m.now()); err != nil {
			return err
		}
		done = true
		return nil
	})
	if done {
		m.log.Warn(ctx, "alert_escalated", "alert escalated",
			logx.Tenant(snapshot.TenantID),
			logx.Asset(snapshot.AssetID),
			slog.String("alert_id", snapshot.AlertID.String()),
			slog.Int("level", snapshot.EscalationLevel+1),
		)
	}
	return done, err
}

// Remind queues one device.health.reminder per stale period for every asset
// whose health state has not moved for StaleAfter.
func (m *Monitor) Remind(ctx context.Context) (int, error) {
	now := m.now()
	cutoff := now.Add(-m.cfg.StaleAfter)
	states, err := m.store.StaleHealthStates(ctx, cutoff, m.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, s := range states {
		var queued bool
		err := m.store.InAssetTx(ctx, s.TenantID, s.AssetID, func(tx store.Tx) error {
			state, err := tx.LockHealthState(ctx, s.TenantID, s.AssetID, now)
			if err != nil {
				return err
			}
			if !state.LastUpdated.Before(cutoff) || (state.LastReminderAt != nil && !state.LastReminderAt.Before(cutoff)) {
				return nil
			}
			state.LastReminderAt = &now
			if err := tx.SaveHealthState(ctx, state); err != nil {
				return err
			}
			hours := int(now.Sub(state.LastUpdated).Hours())
			if _, err := store.EnqueuePayload(ctx, tx, s.TenantID, s.AssetID, events.TopicDeviceReminder, events.DeviceReminder{
				AssetID:      s.AssetID,
				ReminderType: ReminderRoutineCheck,
				Prompt:       fmt.Sprintf("No telemetry for %d hours; schedule a routine check", hours),
				LastSeenAt:   state.LastUpdated,
			}, now); err != nil {
				return err
			}
			queued = true
			return nil
		})
		if err != nil {
			m.log.Error(ctx, "reminder_failed", "could not queue reminder", logx.Tenant(s.TenantID), logx.Asset(s.AssetID), logx.Err(err))
			continue
		}
		if queued {
			sent++
		}
	}
	return sent, nil
}

// Rescan moves FAILED outbox rows back to PENDING.
func (m *Monitor) Rescan(ctx context.Context) (int, error) {
	return m.store.RescanFailed(ctx, m.cfg.BatchSize)
}
