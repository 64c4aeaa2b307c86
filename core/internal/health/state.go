// Package health owns the per-asset cumulative damage state and the rules
// that derive scores, rate history and confidence from it.
package health

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"predictive-maintenance-core/core/internal/models"
)

const (
	RateHistoryCapacity  = 100
	DefaultThresholdMean = 1.0
	DefaultThresholdStd  = 0.1

	MinConfidence = 0.1
	MaxConfidence = 1.0

	anomalyDecay         = 0.9
	qualityDecay         = 0.95
	qualityRecovery      = 0.01
	maxInspectionPenalty = 0.5
	violationPenaltyStep = 0.05
	maxViolationPenalty  = 0.3
)

// Vector names used for the dominant-vector report.
const (
	VectorMechanical = "mechanical"
	VectorThermal    = "thermal"
	VectorElectrical = "electrical"
	VectorOverall    = "overall"
)

func New(tenantID uuid.UUID, assetID uuid.UUID, now time.Time) models.AssetHealthState {
	s := models.AssetHealthState{
		TenantID:      tenantID,
		AssetID:       assetID,
		ThresholdMean: DefaultThresholdMean,
		ThresholdStd:  DefaultThresholdStd,
		Confidence:    MaxConfidence,
		RateModifier:  1.0,
		CreatedAt:     now,
		LastUpdated:   now,
	}
	s.Scores = Scores(s.Cumulative, s.ThresholdMean)
	return s
}

type Window struct {
	Damage         models.DamageVector
	Regime         models.Regime
	DtHours        float64
	ShiftViolation bool
	Malformed      int
	At             time.Time
}

// Apply folds one telemetry window into the state. Cumulative damage never
// decreases.
func Apply(s *models.AssetHealthState, w Window) {
	mod := s.RateModifier
	if mod <= 0 || math.IsNaN(mod) {
		mod = 1.0
	}
	d := models.DamageVector{
		Mechanical:    clampIncrement(w.Damage.Mechanical * mod),
		Thermal:       clampIncrement(w.Damage.Thermal * mod),
		Electrical:    clampIncrement(w.Damage.Electrical * mod),
		Strain:        clampIncrement(w.Damage.Strain * mod),
		Environmental: clampIncrement(w.Damage.Environmental * mod),
	}
	s.Cumulative.Mechanical += d.Mechanical
	s.Cumulative.Thermal += d.Thermal
	s.Cumulative.Electrical += d.Electrical
	s.Cumulative.Strain += d.Strain
	s.Cumulative.Environmental += d.Environmental

	dt := w.DtHours
	if dt <= 0 || math.IsNaN(dt) {
		dt = 1.0
	}
	s.RateHistory = AppendRate(s.RateHistory, d.Total()/dt)

	s.AnomalyScore *= anomalyDecay
	if w.ShiftViolation {
		s.ViolationCount++
		s.AnomalyScore++
	}

	if w.Malformed > 0 {
		s.Confidence *= qualityDecay
	} else {
		s.Confidence += qualityRecovery
	}
	s.Confidence = clampConfidence(s.Confidence, s.ConfidencePenalty)

	s.Scores = Scores(s.Cumulative, s.ThresholdMean)
	if w.Regime != "" {
		s.LastRegime = w.Regime
	}
	if !w.At.IsZero() {
		s.LastUpdated = w.At
	}
	s.LastReminderAt = nil
}

// AppendRate appends to the ring, evicting the oldest entry past capacity.
func AppendRate(history []float64, rate float64) []float64 {
	history = append(history, rate)
	if over := len(history) - RateHistoryCapacity; over > 0 {
		history = append([]float64(nil), history[over:]...)
	}
	return history
}

// Scores maps cumulative damage onto 0-100 health scores.
func Scores(cum models.DamageVector, thresholdMean float64) models.HealthScores {
	if thresholdMean <= 0 {
		thresholdMean = DefaultThresholdMean
	}
	score := func(damage float64) float64 {
		return clamp(100*(1-damage/thresholdMean), 0, 100)
	}
	return models.HealthScores{
		Mechanical:    score(cum.Mechanical + cum.Strain),
		Thermal:       score(cum.Thermal),
		Electrical:    score(cum.Electrical),
		Environmental: score(cum.Environmental),
		Operational:   score(cum.Total()),
	}
}

// MinVectorScore returns the lowest of the alerting scores and the
// component vector carrying the most damage. The vector is "overall" when no
// single component has degraded.
func MinVectorScore(scores models.HealthScores) (float64, string) {
	minScore := scores.Operational
	vector, vectorScore := VectorOverall, 100.0
	for _, v := range []struct {
		name  string
		score float64
	}{
		{VectorMechanical, scores.Mechanical},
		{VectorThermal, scores.Thermal},
		{VectorElectrical, scores.Electrical},
	} {
		minScore = math.Min(minScore, v.score)
		if v.score < vectorScore {
			vector, vectorScore = v.name, v.score
		}
	}
	return minScore, vector
}

func RemainingCapacity(s models.AssetHealthState) float64 {
	mean := s.ThresholdMean
	if mean <= 0 {
		mean = DefaultThresholdMean
	}
	return math.Max(0, mean-s.Cumulative.Total())
}

// ViolationPenalty converts the decaying anomaly score into an RUL
// confidence penalty.
func ViolationPenalty(s models.AssetHealthState) float64 {
	return clamp(s.AnomalyScore*violationPenaltyStep, 0, maxViolationPenalty)
}

type inspectionImpact struct {
	stepDamage        float64
	rateModifier      float64
	confidencePenalty float64
}

var inspectionImpacts = map[string]inspectionImpact{
	models.InspectionMild:     {stepDamage: 0.0001},
	models.InspectionModerate: {stepDamage: 0.0005, confidencePenalty: 0.05},
	models.InspectionSevere:   {stepDamage: 0.002, rateModifier: 0.1, confidencePenalty: 0.15},
}

// ApplyInspection adds the step damage of a field inspection finding and
// tightens confidence for moderate and severe findings.
func ApplyInspection(s *models.AssetHealthState, severity string, at time.Time) error {
	impact, ok := inspectionImpacts[severity]
	if !ok {
		return fmt.Errorf("unknown inspection severity %q", severity)
	}
	s.Cumulative.Mechanical += impact.stepDamage
	if s.RateModifier <= 0 {
		s.RateModifier = 1.0
	}
	s.RateModifier += impact.rateModifier
	if impact.confidencePenalty > 0 {
		s.ConfidencePenalty = math.Min(maxInspectionPenalty, s.ConfidencePenalty+impact.confidencePenalty)
		s.Confidence -= impact.confidencePenalty
	}
	s.Confidence = clampConfidence(s.Confidence, s.ConfidencePenalty)
	s.Scores = Scores(s.Cumulative, s.ThresholdMean)
	if !at.IsZero() {
		s.LastUpdated = at
	}
	return nil
}

func clampConfidence(c float64, penalty float64) float64 {
	return clamp(c, MinConfidence, MaxConfidence-penalty)
}

func clampIncrement(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
