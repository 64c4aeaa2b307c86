// Package rul turns cumulative damage and the recent damage-rate history into
// remaining-useful-life bounds.
package rul

import (
	"math"

	"predictive-maintenance-core/core/internal/health"
	"predictive-maintenance-core/core/internal/models"
)

const (
	DefaultConfidenceLevel = 0.95

	defaultRate         = 0.001
	defaultRateStd      = 0.0001
	minRate             = 1e-9
	maxVolatilityImpact = 0.5
	scarceHistory       = 10
	scarcityPenalty     = 0.5
	minConfidence       = 0.1
	maxConfidence       = 1.0
)

// Estimate is expressed in operating hours.
type Estimate struct {
	Mean            float64 `json:"mean"`
	Lower           float64 `json:"lower_bound"`
	Upper           float64 `json:"upper_bound"`
	Confidence      float64 `json:"confidence"`
	VolatilityIndex float64 `json:"volatility_index"`
	ConfidenceLevel float64 `json:"confidence_level"`
}

// EstimateBounds divides the remaining capacity by the mean historical rate
// and widens the result by the rate's coefficient of variation.
// confidenceLevel is the nominal level the bounds are reported at.
func EstimateBounds(remainingCapacity float64, rateHistory []float64, confidenceLevel float64, violationPenalty float64) Estimate {
	rate, std := defaultRate, defaultRateStd
	if len(rateHistory) > 0 {
		rate, std = meanStd(rateHistory)
	}
	rate = math.Max(rate, minRate)
	if remainingCapacity < 0 || math.IsNaN(remainingCapacity) {
		remainingCapacity = 0
	}

	mean := remainingCapacity / rate
	cv := std / rate
	uncertainty := 1 + cv

	confidence := maxConfidence - math.Min(maxVolatilityImpact, cv) - math.Max(0, violationPenalty)
	if len(rateHistory) < scarceHistory {
		confidence -= scarcityPenalty
	}
	confidence = math.Max(minConfidence, math.Min(maxConfidence, confidence))

	return Estimate{
		Mean:            mean,
		Lower:           mean / uncertainty,
		Upper:           mean * uncertainty,
		Confidence:      confidence,
		VolatilityIndex: cv,
		ConfidenceLevel: confidenceLevel,
	}
}

func FromState(state models.AssetHealthState) Estimate {
	return EstimateBounds(health.RemainingCapacity(state), state.RateHistory, DefaultConfidenceLevel, health.ViolationPenalty(state))
}

// population statistics
func meanStd(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
