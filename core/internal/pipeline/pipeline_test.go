package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"predictive-maintenance-core/core/internal/alerting"
	"predictive-maintenance-core/core/internal/assets"
	"predictive-maintenance-core/core/internal/health"
	"predictive-maintenance-core/core/internal/models"
	"predictive-maintenance-core/core/internal/outbox"
	"predictive-maintenance-core/core/internal/rul"
	"predictive-maintenance-core/core/internal/store"
	"predictive-maintenance-core/shared/cachex"
	"predictive-maintenance-core/shared/events"
	"predictive-maintenance-core/shared/logx"
	"predictive-maintenance-core/shared/workflow"
)

type recordingNotifier struct {
	mu     sync.Mutex
	topics []string
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, env events.Envelope) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.topics = append(n.topics, env.Topic)
	return nil
}

func (n *recordingNotifier) count(topic string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, t := range n.topics {
		if t == topic {
			c++
		}
	}
	return c
}

type harness struct {
	mem      *store.Memory
	router   *Router
	ingest   *Ingest
	chain    Chain
	assets   *assets.Service
	notifier *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := store.NewMemory()
	cache := cachex.New(cachex.NewMemory())
	log := logx.Nop()
	h := &harness{
		mem:      mem,
		router:   NewRouter(log),
		ingest:   &Ingest{Store: mem},
		assets:   assets.NewService(mem, cache, time.Hour, log),
		notifier: &recordingNotifier{},
	}
	stages := &Stages{
		Store:    mem,
		Assets:   h.assets,
		RUL:      rul.NewService(mem, cache, time.Minute, log),
		Alerts:   alerting.NewEngine(mem, log),
		Notifier: h.notifier,
		Log:      log,
	}
	stages.Register(h.router)
	dispatcher := outbox.NewDispatcher(mem, LocalPublisher{Router: h.router}, outbox.Config{BatchSize: 10, MaxAttempts: 3}, log)
	h.chain = Chain{Dispatcher: dispatcher}
	return h
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	_, err := h.chain.Drain(context.Background())
	require.NoError(t, err)
}

func (h *harness) topicCount(topic string) int {
	n := 0
	for _, e := range h.mem.Events() {
		if e.Topic == topic {
			n++
		}
	}
	return n
}

func referenceRow() map[string]any {
	return map[string]any{
		"ambient_temp": 35.0,
		"humidity":     50.0,
		"rpm":          1500.0,
		"load":         0.5,
		"vibration":    0.2,
		"current":      10.0,
		"temperature":  60.0,
	}
}

func TestTelemetryFlowsThroughChain(t *testing.T) {
	h := newHarness(t)
	tenantID, assetID := uuid.New(), uuid.New()

	_, err := h.ingest.IngestTelemetry(context.Background(), tenantID, assetID, []map[string]any{referenceRow()})
	require.NoError(t, err)
	h.drain(t)

	state, found, err := h.mem.HealthState(context.Background(), tenantID, assetID)
	require.NoError(t, err)
	require.True(t, found)
	assert.InDelta(t, 2e-7, state.Cumulative.Environmental, 1e-12)
	assert.Greater(t, state.Cumulative.Mechanical, 0.0)
	assert.Equal(t, models.RegimeNormal, state.LastRegime)
	assert.InDelta(t, 100*(1-state.Cumulative.Total()), state.Scores.Operational, 1e-9)
	require.Len(t, state.RateHistory, 1)

	assert.Equal(t, 1, h.topicCount(events.TopicDegradationUpdated))
	assert.Equal(t, 1, h.topicCount(events.TopicRULUpdated))
	assert.Zero(t, h.topicCount(events.TopicAlertTriggered))
	for _, e := range h.mem.Events() {
		assert.Equal(t, workflow.OutboxPublished, e.Status, e.Topic)
	}
}

func TestRisingTelemetryTripsExactlyOneAlert(t *testing.T) {
	h := newHarness(t)
	tenantID, assetID := uuid.New(), uuid.New()

	require.NoError(t, h.mem.InAssetTx(context.Background(), tenantID, assetID, func(tx store.Tx) error {
		s := health.New(tenantID, assetID, time.Now())
		for i := 0; i < 20; i++ {
			s.RateHistory = append(s.RateHistory, 1e-6)
		}
		s.Cumulative.Thermal = 0.65
		s.Scores = health.Scores(s.Cumulative, s.ThresholdMean)
		return tx.SaveHealthState(context.Background(), s)
	}))

	for i := 0; i < 10; i++ {
		row := referenceRow()
		row["vibration"] = 0.2 + 0.05*float64(i)
		row["torque"] = 50.0 + 5*float64(i)
		_, err := h.ingest.IngestTelemetry(context.Background(), tenantID, assetID, []map[string]any{row})
		require.NoError(t, err)
		h.drain(t)
	}

	assert.Equal(t, 10, h.topicCount(events.TopicRULUpdated))
	assert.Equal(t, 1, h.topicCount(events.TopicAlertTriggered))
	assert.Equal(t, 1, h.notifier.count(events.TopicAlertTriggered))
	alerts := h.mem.Alerts(tenantID)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.SeverityHigh, alerts[0].Severity)
}

func TestOffShiftBatchEmitsOneViolation(t *testing.T) {
	h := newHarness(t)
	tenantID, assetID := uuid.New(), uuid.New()
	_, err := h.ingest.UpdateMetadata(context.Background(), models.AssetMetadata{
		TenantID:      tenantID,
		AssetID:       assetID,
		OperationMode: models.ModeShiftBased,
		Shift:         &models.ShiftSchedule{StartTime: "08:00", EndTime: "16:00", Timezone: "UTC"},
	})
	require.NoError(t, err)
	h.drain(t)

	saturday := "2024-01-06T12:00:00Z"
	rows := []map[string]any{referenceRow(), referenceRow(), referenceRow()}
	for _, r := range rows {
		r["timestamp"] = saturday
	}
	_, err = h.ingest.IngestTelemetry(context.Background(), tenantID, assetID, rows)
	require.NoError(t, err)
	h.drain(t)

	assert.Equal(t, 1, h.topicCount(events.TopicShiftViolation))
	assert.Equal(t, 1, h.notifier.count(events.TopicShiftViolation))
	state, _, err := h.mem.HealthState(context.Background(), tenantID, assetID)
	require.NoError(t, err)
	assert.Equal(t, 1, state.ViolationCount)
	assert.InDelta(t, 1.0, state.AnomalyScore, 1e-12)
}

func TestReplayedSensorEventAppliesOnce(t *testing.T) {
	h := newHarness(t)
	tenantID, assetID := uuid.New(), uuid.New()
	event, err := h.ingest.IngestTelemetry(context.Background(), tenantID, assetID, []map[string]any{referenceRow()})
	require.NoError(t, err)

	env := event.Envelope()
	require.NoError(t, h.router.Handle(context.Background(), env))
	first, _, err := h.mem.HealthState(context.Background(), tenantID, assetID)
	require.NoError(t, err)
	require.NoError(t, h.router.Handle(context.Background(), env))
	second, _, err := h.mem.HealthState(context.Background(), tenantID, assetID)
	require.NoError(t, err)

	assert.Equal(t, first.Cumulative, second.Cumulative)
	assert.Len(t, second.RateHistory, 1)
	assert.Equal(t, 1, h.topicCount(events.TopicDegradationUpdated))
}

func TestFailingStageKeepsCommittedStateAndRetries(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("smtp down")
	tenantID, assetID := uuid.New(), uuid.New()

	_, err := h.ingest.UpdateMetadata(context.Background(), models.AssetMetadata{
		TenantID:      tenantID,
		AssetID:       assetID,
		OperationMode: models.ModeShiftBased,
		Shift:         &models.ShiftSchedule{StartTime: "08:00", EndTime: "16:00", Timezone: "UTC"},
	})
	require.NoError(t, err)
	row := referenceRow()
	row["timestamp"] = "2024-01-06T12:00:00Z"
	_, err = h.ingest.IngestTelemetry(context.Background(), tenantID, assetID, []map[string]any{row})
	require.NoError(t, err)
	h.drain(t)

	var violation models.OutboxEvent
	for _, e := range h.mem.Events() {
		if e.Topic == events.TopicShiftViolation {
			violation = e
		}
	}
	assert.Equal(t, workflow.OutboxPending, violation.Status)
	assert.Equal(t, 1, violation.RetryCount)
	assert.Equal(t, "smtp down", violation.LastError)

	state, found, err := h.mem.HealthState(context.Background(), tenantID, assetID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Greater(t, state.Cumulative.Total(), 0.0)
	assert.Equal(t, 1, h.topicCount(events.TopicRULUpdated), "sibling chain continues")
}

func TestInspectionFeedsDegradation(t *testing.T) {
	h := newHarness(t)
	tenantID, assetID := uuid.New(), uuid.New()
	_, err := h.ingest.SubmitInspection(context.Background(), tenantID, assetID, models.InspectionSevere, "bearing noise")
	require.NoError(t, err)
	h.drain(t)

	state, found, err := h.mem.HealthState(context.Background(), tenantID, assetID)
	require.NoError(t, err)
	require.True(t, found)
	assert.InDelta(t, 0.002, state.Cumulative.Mechanical, 1e-12)
	assert.InDelta(t, 1.1, state.RateModifier, 1e-12)
	assert.Equal(t, 1, h.topicCount(events.TopicDegradationUpdated))
	assert.Equal(t, 1, h.topicCount(events.TopicRULUpdated))

	_, err = h.ingest.SubmitInspection(context.Background(), tenantID, assetID, "CATASTROPHIC", "")
	assert.Error(t, err)
}

func TestMetadataUpdateInvalidatesCache(t *testing.T) {
	h := newHarness(t)
	tenantID, assetID := uuid.New(), uuid.New()
	_, err := h.ingest.UpdateMetadata(context.Background(), models.AssetMetadata{TenantID: tenantID, AssetID: assetID, RatedTemperature: 80})
	require.NoError(t, err)
	h.drain(t)

	meta, err := h.assets.Get(context.Background(), tenantID, assetID)
	require.NoError(t, err)
	assert.Equal(t, 80.0, meta.RatedTemperature)

	_, err = h.ingest.UpdateMetadata(context.Background(), models.AssetMetadata{TenantID: tenantID, AssetID: assetID, RatedTemperature: 95})
	require.NoError(t, err)
	h.drain(t)

	meta, err = h.assets.Get(context.Background(), tenantID, assetID)
	require.NoError(t, err)
	assert.Equal(t, 95.0, meta.RatedTemperature)
}

func TestIngestRequiresTenant(t *testing.T) {
	h := newHarness(t)
	_, err := h.ingest.IngestTelemetry(context.Background(), uuid.Nil, uuid.New(), nil)
	assert.Error(t, err)
}
