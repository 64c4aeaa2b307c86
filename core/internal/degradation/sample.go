package degradation

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Sample holds one telemetry reading set. NaN marks a missing value.
type Sample struct {
	Load        float64
	Vibration   float64
	Temperature float64
	Current     float64
	RPM         float64
	Torque      float64
	AmbientTemp float64
	Humidity    float64
}

func EmptySample() Sample {
	nan := math.NaN()
	return Sample{nan, nan, nan, nan, nan, nan, nan, nan}
}

// SampleFromReadings maps raw sensor keys onto a Sample. It returns how many
// present fields could not be read as finite numbers.
func SampleFromReadings(readings map[string]any) (Sample, int) {
	s := EmptySample()
	malformed := 0
	fields := map[string]*float64{
		"load":         &s.Load,
		"vibration":    &s.Vibration,
		"temperature":  &s.Temperature,
		"current":      &s.Current,
		"rpm":          &s.RPM,
		"torque":       &s.Torque,
		"ambient_temp": &s.AmbientTemp,
		"humidity":     &s.Humidity,
	}
	for key, dst := range fields {
		raw, ok := readings[key]
		if !ok || raw == nil {
			continue
		}
		v, ok := ParseReading(raw)
		if !ok {
			malformed++
			continue
		}
		*dst = v
	}
	return s, malformed
}

// ParseReading accepts numbers and numeric strings; non-finite values fail.
func ParseReading(raw any) (float64, bool) {
	var v float64
	switch t := raw.(type) {
	case float64:
		v = t
	case float32:
		v = float64(t)
	case int:
		v = float64(t)
	case int64:
		v = float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		v = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		v = f
	default:
		return 0, false
	}
	return v, finite(v)
}
