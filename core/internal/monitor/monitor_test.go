package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"predictive-maintenance-core/core/internal/health"
	"predictive-maintenance-core/core/internal/models"
	"predictive-maintenance-core/core/internal/store"
	"predictive-maintenance-core/shared/events"
	"predictive-maintenance-core/shared/logx"
	"predictive-maintenance-core/shared/workflow"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func newMonitor(mem *store.Memory, now *time.Time) *Monitor {
	m := New(mem, Config{StaleAfter: 24 * time.Hour}, logx.Nop())
	m.now = func() time.Time { return *now }
	return m
}

func seedAlert(t *testing.T, mem *store.Memory, tenantID uuid.UUID) models.Alert {
	t.Helper()
	alert := models.Alert{
		AlertID:   uuid.New(),
		TenantID:  tenantID,
		AssetID:   uuid.New(),
		Title:     "Probabilistic Failure Risk: Thermal Sector",
		Severity:  models.SeverityMedium,
		Status:    workflow.AlertOpen,
		Category:  models.AlertCategoryPredictiveFailure,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
	require.NoError(t, mem.InAssetTx(context.Background(), tenantID, alert.AssetID, func(tx store.Tx) error {
		return tx.InsertAlert(context.Background(), alert)
	}))
	return alert
}

func countTopic(mem *store.Memory, topic string) int {
	n := 0
	for _, e := range mem.Events() {
		if e.Topic == topic {
			n++
		}
	}
	return n
}

func TestEscalationFollowsPolicySteps(t *testing.T) {
	mem := store.NewMemory()
	now := t0
	m := newMonitor(mem, &now)
	tenantID := uuid.New()
	alert := seedAlert(t, mem, tenantID)
	require.NoError(t, mem.SaveEscalationPolicy(context.Background(), models.EscalationPolicy{
		TenantID: tenantID,
		Category: models.AlertCategoryPredictiveFailure,
		Steps: []models.EscalationStep{
			{DelayMinutes: 30},
			{DelayMinutes: 120, Severity: models.SeverityCritical},
		},
	}))

	now = t0.Add(10 * time.Minute)
	n, err := m.Escalate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	now = t0.Add(31 * time.Minute)
	n, err = m.Escalate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = m.Escalate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "step 2 not due yet")

	now = t0.Add(3 * time.Hour)
	n, err = m.Escalate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = m.Escalate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "policy exhausted")

	got, err := mem.Alert(context.Background(), tenantID, alert.AlertID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.EscalationLevel)
	assert.Equal(t, models.SeverityCritical, got.Severity)
	assert.Equal(t, 2, countTopic(mem, events.TopicAlertEscalated))
}

func TestEscalationSkipsAlertsWithoutPolicy(t *testing.T) {
	mem := store.NewMemory()
	now := t0.Add(48 * time.Hour)
	m := newMonitor(mem, &now)
	seedAlert(t, mem, uuid.New())

	n, err := m.Escalate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, countTopic(mem, events.TopicAlertEscalated))
}

func TestReminderOncePerStalePeriod(t *testing.T) {
	mem := store.NewMemory()
	now := t0
	m := newMonitor(mem, &now)
	tenantID, staleAsset, freshAsset := uuid.New(), uuid.New(), uuid.New()
	for asset, at := range map[uuid.UUID]time.Time{staleAsset: t0.Add(-30 * time.Hour), freshAsset: t0.Add(-time.Hour)} {
		require.NoError(t, mem.InAssetTx(context.Background(), tenantID, asset, func(tx store.Tx) error {
			return tx.SaveHealthState(context.Background(), health.New(tenantID, asset, at))
		}))
	}

	n, err := m.Remind(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	now = t0.Add(time.Hour)
	n, err = m.Remind(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "already reminded this period")

	now = t0.Add(25 * time.Hour)
	n, err = m.Remind(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "next period reminds both assets")

	state, _, err := mem.HealthState(context.Background(), tenantID, staleAsset)
	require.NoError(t, err)
	require.NotNil(t, state.LastReminderAt)
	assert.Equal(t, now, *state.LastReminderAt)
	assert.Equal(t, t0.Add(-30*time.Hour), state.LastUpdated)
	assert.Equal(t, 3, countTopic(mem, events.TopicDeviceReminder))
}

func TestRescanRequeuesFailedRows(t *testing.T) {
	mem := store.NewMemory()
	now := t0
	m := newMonitor(mem, &now)
	tenantID, assetID := uuid.New(), uuid.New()
	var event models.OutboxEvent
	require.NoError(t, mem.InAssetTx(context.Background(), tenantID, assetID, func(tx store.Tx) error {
		var err error
		event, err = store.EnqueuePayload(context.Background(), tx, tenantID, assetID, events.TopicRULUpdated, events.RULUpdated{AssetID: assetID}, t0)
		return err
	}))
	require.NoError(t, mem.MarkFailed(context.Background(), event.EventID, "", 20, nil, "broker down", true))

	n, err := m.Rescan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := mem.GetEvent(context.Background(), event.EventID)
	require.NoError(t, err)
	assert.Equal(t, workflow.OutboxPending, got.Status)
}

func TestRunStopsOnCancel(t *testing.T) {
	mem := store.NewMemory()
	m := New(mem, Config{EscalationInterval: time.Millisecond, ReminderInterval: time.Millisecond, RescanInterval: time.Millisecond}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
