package alerting

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

// risingState has a long flat baseline followed by five elevated windows and
// thermal damage that puts the thermal score at 35.
func risingState(tenantID, assetID uuid.UUID) models.AssetHealthState {
	s := health.New(tenantID, assetID, time.Now())
	for i := 0; i < 20; i++ {
		s.RateHistory = append(s.RateHistory, 0.001)
	}
	for i := 0; i < 5; i++ {
		s.RateHistory = append(s.RateHistory, 0.01)
	}
	s.Cumulative.Thermal = 0.65
	s.Scores = health.Scores(s.Cumulative, s.ThresholdMean)
	return s
}

func evaluate(t *testing.T, mem *store.Memory, engine *Engine, state models.AssetHealthState) *models.Alert {
	t.Helper()
	var alert *models.Alert
	require.NoError(t, mem.InAssetTx(context.Background(), state.TenantID, state.AssetID, func(tx store.Tx) error {
		var err error
		alert, err = engine.Evaluate(context.Background(), tx, state)
		return err
	}))
	return alert
}

func triggered(mem *store.Memory) int {
	n := 0
	for _, e := range mem.Events() {
		if e.Topic == events.TopicAlertTriggered {
			n++
		}
	}
	return n
}

func TestPersistenceRatio(t *testing.T) {
	_, ok := PersistenceRatio([]float64{1, 1, 1, 1})
	assert.False(t, ok)

	ratio, ok := PersistenceRatio([]float64{1, 1, 1, 1, 1})
	require.True(t, ok)
	assert.InDelta(t, 1.0, ratio, 1e-5)

	ratio, ok = PersistenceRatio([]float64{0, 0, 0, 0, 0, 1, 1, 1, 1, 1})
	require.True(t, ok)
	assert.InDelta(t, 2.0, ratio, 1e-4)
}

func TestEvaluateGatesOnMeansAtRealDamageScale(t *testing.T) {
	mem := store.NewMemory()
	state := risingState(uuid.New(), uuid.New())
	state.Confidence = 1.0
	state.RateHistory = state.RateHistory[:0]
	for i := 0; i < 20; i++ {
		state.RateHistory = append(state.RateHistory, 1e-7)
	}
	for i := 0; i < 5; i++ {
		state.RateHistory = append(state.RateHistory, 5e-7)
	}

	alert := evaluate(t, mem, NewEngine(mem, logx.Nop()), state)
	require.NotNil(t, alert, "recent mean 5e-7 is more than twice the long-term 1.8e-7")
	assert.Equal(t, 1, triggered(mem))
	ratio, ok := PersistenceRatio(state.RateHistory)
	require.True(t, ok)
	assert.InDelta(t, ratio, alert.Meta.PersistenceRatio, 1e-12)
}

func TestEvaluatePersistenceBoundary(t *testing.T) {
	// 20 baseline windows at 1.5e-7: the recent mean must exceed 4e-7
	history := func(recent float64) []float64 {
		h := make([]float64, 0, 25)
		for i := 0; i < 20; i++ {
			h = append(h, 1.5e-7)
		}
		for i := 0; i < 5; i++ {
			h = append(h, recent)
		}
		return h
	}
	for recent, want := range map[float64]bool{4.02e-7: true, 3.98e-7: false} {
		mem := store.NewMemory()
		state := risingState(uuid.New(), uuid.New())
		state.RateHistory = history(recent)
		alert := evaluate(t, mem, NewEngine(mem, logx.Nop()), state)
		assert.Equal(t, want, alert != nil, "recent mean %v", recent)
	}
}

func TestEvaluateCreatesExactlyOneAlert(t *testing.T) {
	mem := store.NewMemory()
	engine := NewEngine(mem, logx.Nop())
	state := risingState(uuid.New(), uuid.New())

	alert := evaluate(t, mem, engine, state)
	require.NotNil(t, alert)
	assert.Equal(t, models.SeverityHigh, alert.Severity)
	assert.Equal(t, "Probabilistic Failure Risk: Thermal Sector", alert.Title)
	assert.Equal(t, health.VectorThermal, alert.Meta.DominantVector)
	assert.InDelta(t, 0.65, alert.Meta.Probability, 1e-9)
	assert.Greater(t, alert.Meta.PersistenceRatio, PersistenceFactor)
	assert.Equal(t, 1, triggered(mem))

	again := evaluate(t, mem, engine, state)
	require.NotNil(t, again)
	assert.Equal(t, alert.AlertID, again.AlertID)
	assert.Equal(t, 1, triggered(mem), "open alert is not duplicated")
	assert.Len(t, mem.Alerts(state.TenantID), 1)
}

func TestEvaluateMediumSeverity(t *testing.T) {
	mem := store.NewMemory()
	state := risingState(uuid.New(), uuid.New())
	state.Cumulative.Thermal = 0.45
	state.Scores = health.Scores(state.Cumulative, state.ThresholdMean)

	alert := evaluate(t, mem, NewEngine(mem, logx.Nop()), state)
	require.NotNil(t, alert)
	assert.Equal(t, models.SeverityMedium, alert.Severity)
}

func TestEvaluateGates(t *testing.T) {
	cases := map[string]func(*models.AssetHealthState){
		"low confidence": func(s *models.AssetHealthState) {
			s.Confidence = 0.69
			s.Cumulative.Thermal = 0.99
			s.Scores = health.Scores(s.Cumulative, s.ThresholdMean)
		},
		"short history": func(s *models.AssetHealthState) {
			s.RateHistory = s.RateHistory[:4]
		},
		"transient spike": func(s *models.AssetHealthState) {
			s.RateHistory = append(s.RateHistory[:20], 0.001, 0.001, 0.001, 0.001, 0.008)
		},
		"healthy scores": func(s *models.AssetHealthState) {
			s.Cumulative.Thermal = 0.2
			s.Scores = health.Scores(s.Cumulative, s.ThresholdMean)
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			mem := store.NewMemory()
			state := risingState(uuid.New(), uuid.New())
			mutate(&state)
			assert.Nil(t, evaluate(t, mem, NewEngine(mem, logx.Nop()), state))
			assert.Zero(t, triggered(mem))
		})
	}
}

func TestAcknowledgeThenResolve(t *testing.T) {
	mem := store.NewMemory()
	engine := NewEngine(mem, logx.Nop())
	state := risingState(uuid.New(), uuid.New())
	alert := evaluate(t, mem, engine, state)
	require.NotNil(t, alert)

	acked, err := engine.Acknowledge(context.Background(), state.TenantID, state.AssetID, alert.AlertID)
	require.NoError(t, err)
	assert.Equal(t, workflow.AlertAcknowledged, acked.Status)
	assert.NotNil(t, acked.AcknowledgedAt)

	resolved, err := engine.Resolve(context.Background(), state.TenantID, state.AssetID, alert.AlertID)
	require.NoError(t, err)
	assert.Equal(t, workflow.AlertResolved, resolved.Status)

	_, err = engine.Acknowledge(context.Background(), state.TenantID, state.AssetID, alert.AlertID)
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)

	// a resolved alert no longer blocks a new one
	fresh := evaluate(t, mem, engine, state)
	require.NotNil(t, fresh)
	assert.NotEqual(t, alert.AlertID, fresh.AlertID)
}

func TestTransitionIsTenantScoped(t *testing.T) {
	mem := store.NewMemory()
	engine := NewEngine(mem, logx.Nop())
	state := risingState(uuid.New(), uuid.New())
	alert := evaluate(t, mem, engine, state)
	require.NotNil(t, alert)

	_, err := engine.Acknowledge(context.Background(), uuid.New(), state.AssetID, alert.AlertID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
