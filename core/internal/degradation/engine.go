// Package degradation converts one telemetry sample into a physically
// grounded damage increment. Everything here is pure.
package degradation

import (
	"math"

	"predictive-maintenance-core/core/internal/models"
)

const (
	EnvironmentalBaseRate = 1e-7
	usageScale            = 1e-5
	strainScale           = 1e-6
	epsilon               = 1e-6
)

var regimeFactors = map[models.Regime]float64{
	models.RegimeNormal:     1.0,
	models.RegimeHighStress: 1.5,
	models.RegimeTransient:  1.2,
	models.RegimeFault:      5.0,
}

// Usage defaults apply when a reading is missing or malformed.
const (
	defaultLoad        = 1.0
	defaultVibration   = 0.0
	defaultTemperature = 60.0
	defaultCurrent     = 10.0
	defaultRPM         = 1500.0
	defaultTorque      = 50.0
	defaultAmbient     = 25.0
	defaultHumidity    = 50.0
	defaultDtHours     = 1.0
)

type Context struct {
	DtHours       float64
	ShiftModifier float64
}

type Increment struct {
	Mechanical    float64
	Thermal       float64
	Electrical    float64
	Strain        float64
	Environmental float64
	Total         float64
	Regime        models.Regime
}

func (i Increment) Usage() float64 {
	return i.Mechanical + i.Thermal + i.Electrical + i.Strain
}

func (i Increment) Vector() models.DamageVector {
	return models.DamageVector{
		Mechanical:    i.Mechanical,
		Thermal:       i.Thermal,
		Electrical:    i.Electrical,
		Strain:        i.Strain,
		Environmental: i.Environmental,
	}
}

// Classify picks the operating regime. Missing readings count as zero here,
// so a sample without rpm is IDLE.
func Classify(s Sample, meta models.AssetMetadata) models.Regime {
	meta = meta.WithDefaults()
	switch {
	case value(s.RPM, 0) < meta.IdleRPMThreshold:
		return models.RegimeIdle
	case value(s.Vibration, 0) > meta.FaultVibrationThreshold:
		return models.RegimeFault
	case value(s.Load, 0) > meta.HighLoadThreshold:
		return models.RegimeHighStress
	default:
		return models.RegimeNormal
	}
}

// EnvironmentalDamage doubles for every +10°C over 25°C and scales linearly
// with humidity around 50%.
func EnvironmentalDamage(ambientTemp float64, humidity float64, dtHours float64) float64 {
	d := EnvironmentalBaseRate * math.Pow(2, (ambientTemp-25)/10) * (humidity / 50) * dtHours
	return nonNegative(d)
}

func RegimeFactor(r models.Regime) float64 {
	return regimeFactors[r]
}

func Compute(s Sample, meta models.AssetMetadata, c Context) Increment {
	meta = meta.WithDefaults()
	dt := c.DtHours
	if !finite(dt) || dt <= 0 {
		dt = defaultDtHours
	}
	modifier := c.ShiftModifier
	if !finite(modifier) || modifier < 1 {
		modifier = 1
	}

	inc := Increment{
		Regime:        Classify(s, meta),
		Environmental: EnvironmentalDamage(value(s.AmbientTemp, defaultAmbient), value(s.Humidity, defaultHumidity), dt),
	}

	if inc.Regime != models.RegimeIdle {
		factor := RegimeFactor(inc.Regime) * modifier
		load := value(s.Load, defaultLoad)
		vibration := value(s.Vibration, defaultVibration)
		temperature := value(s.Temperature, defaultTemperature)
		current := value(s.Current, defaultCurrent)
		rpm := value(s.RPM, defaultRPM)
		torque := value(s.Torque, defaultTorque)

		inc.Mechanical = nonNegative(math.Pow(vibration/(load+epsilon), 2) * usageScale * factor)
		inc.Thermal = nonNegative(math.Pow(math.Max(0, temperature/meta.RatedTemperature), 4) * usageScale * factor)
		inc.Electrical = nonNegative(math.Pow(current/(rpm+epsilon), 2) * usageScale * factor)
		inc.Strain = nonNegative(torque * load * strainScale * factor)
	}

	inc.Total = inc.Mechanical + inc.Thermal + inc.Electrical + inc.Strain + inc.Environmental
	return inc
}

func value(v float64, def float64) float64 {
	if !finite(v) {
		return def
	}
	return v
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func nonNegative(v float64) float64 {
	if !finite(v) || v < 0 {
		return 0
	}
	return v
}
