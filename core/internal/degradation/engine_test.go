package degradation

import (
	"math"
	"testing"

	"predictive-maintenance-core/core/internal/models"
)

func sample(readings map[string]any) Sample {
	s, _ := SampleFromReadings(readings)
	return s
}

func approx(a, b, rel float64) bool {
	if b == 0 {
		return math.Abs(a) < 1e-15
	}
	return math.Abs(a-b)/math.Abs(b) <= rel
}

func TestEnvironmentalDoublesPerTenDegrees(t *testing.T) {
	for _, temp := range []float64{-10, 0, 25, 35, 60} {
		lo := EnvironmentalDamage(temp, 50, 1)
		hi := EnvironmentalDamage(temp+10, 50, 1)
		if ratio := hi / lo; !approx(ratio, 2.0, 0.05) {
			t.Fatalf("T=%v: expected ratio ~2.0, got %v", temp, ratio)
		}
	}
}

func TestIdleYieldsNoUsageDamage(t *testing.T) {
	s := sample(map[string]any{
		"rpm": 50, "load": 3.0, "vibration": 9.0, "temperature": 400, "current": 80, "torque": 900,
		"ambient_temp": 30, "humidity": 70,
	})
	inc := Compute(s, models.AssetMetadata{}, Context{DtHours: 1})
	if inc.Regime != models.RegimeIdle {
		t.Fatalf("expected IDLE, got %s", inc.Regime)
	}
	if inc.Usage() != 0 {
		t.Fatalf("expected zero usage damage, got %v", inc.Usage())
	}
	if inc.Environmental <= 0 || inc.Total != inc.Environmental {
		t.Fatalf("environmental damage must still accrue: %+v", inc)
	}
}

func TestHighStressExceedsNormal(t *testing.T) {
	s := sample(map[string]any{"rpm": 1500, "load": 0.5, "vibration": 0.2, "temperature": 70, "current": 12, "torque": 40})
	normal := Compute(s, models.AssetMetadata{HighLoadThreshold: 0.8}, Context{DtHours: 1})
	stressed := Compute(s, models.AssetMetadata{HighLoadThreshold: 0.4}, Context{DtHours: 1})

	if normal.Regime != models.RegimeNormal || stressed.Regime != models.RegimeHighStress {
		t.Fatalf("unexpected regimes %s / %s", normal.Regime, stressed.Regime)
	}
	if !(stressed.Usage() > normal.Usage()) {
		t.Fatalf("expected high stress usage %v > normal %v", stressed.Usage(), normal.Usage())
	}
	if !approx(stressed.Usage()/normal.Usage(), 1.5, 1e-9) {
		t.Fatalf("expected 1.5x, got %v", stressed.Usage()/normal.Usage())
	}
}

func TestClassifyOrder(t *testing.T) {
	cases := []struct {
		name     string
		readings map[string]any
		want     models.Regime
	}{
		{"missing rpm is idle", map[string]any{"load": 0.5}, models.RegimeIdle},
		{"fault beats high stress", map[string]any{"rpm": 1500, "vibration": 0.9, "load": 0.95}, models.RegimeFault},
		{"high stress", map[string]any{"rpm": 1500, "vibration": 0.1, "load": 0.95}, models.RegimeHighStress},
		{"normal", map[string]any{"rpm": 1500, "vibration": 0.1, "load": 0.5}, models.RegimeNormal},
	}
	for _, tc := range cases {
		if got := Classify(sample(tc.readings), models.AssetMetadata{}); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestShiftModifierScalesUsageOnly(t *testing.T) {
	s := sample(map[string]any{"rpm": 1500, "load": 0.5, "vibration": 0.2, "temperature": 60, "current": 10, "ambient_temp": 35, "humidity": 50})
	base := Compute(s, models.AssetMetadata{}, Context{DtHours: 1, ShiftModifier: 1.0})
	penalized := Compute(s, models.AssetMetadata{}, Context{DtHours: 1, ShiftModifier: 1.2})

	if !approx(penalized.Usage(), base.Usage()*1.2, 1e-9) {
		t.Fatalf("usage must scale by 1.2: %v vs %v", penalized.Usage(), base.Usage())
	}
	if penalized.Environmental != base.Environmental {
		t.Fatalf("environmental damage must ignore shift modifier")
	}
}

func TestReferenceScenario(t *testing.T) {
	s := sample(map[string]any{
		"ambient_temp": 35, "humidity": 50, "rpm": 1500, "load": 0.5,
		"vibration": 0.2, "current": 10, "temperature": 60,
	})
	inc := Compute(s, models.AssetMetadata{}, Context{DtHours: 1})

	if inc.Regime != models.RegimeNormal {
		t.Fatalf("expected RUN_NORMAL, got %s", inc.Regime)
	}
	if !approx(inc.Environmental, 2e-7, 1e-9) {
		t.Fatalf("expected environmental 2e-7, got %v", inc.Environmental)
	}
	if !approx(inc.Thermal, math.Pow(0.6, 4)*1e-5, 1e-9) {
		t.Fatalf("unexpected thermal %v", inc.Thermal)
	}
	if !approx(inc.Strain, 50*0.5*1e-6, 1e-9) {
		t.Fatalf("missing torque must default to 50, strain=%v", inc.Strain)
	}
	if inc.Usage() <= 0 {
		t.Fatalf("expected non-zero usage increment")
	}
	if !approx(inc.Total, inc.Usage()+inc.Environmental, 1e-12) {
		t.Fatalf("total must be the component sum")
	}
}

func TestFaultFactor(t *testing.T) {
	s := sample(map[string]any{"rpm": 1500, "load": 0.5, "vibration": 0.9})
	inc := Compute(s, models.AssetMetadata{}, Context{DtHours: 1})
	want := math.Pow(0.9/(0.5+epsilon), 2) * usageScale * 5.0
	if inc.Regime != models.RegimeFault || !approx(inc.Mechanical, want, 1e-9) {
		t.Fatalf("unexpected fault increment %+v (want mechanical %v)", inc, want)
	}
}

func TestMalformedReadingsFallBackToDefaults(t *testing.T) {
	s, malformed := SampleFromReadings(map[string]any{
		"rpm": "1500", "load": "heavy", "vibration": true, "temperature": math.Inf(1),
	})
	if malformed != 3 {
		t.Fatalf("expected 3 malformed fields, got %d", malformed)
	}
	inc := Compute(s, models.AssetMetadata{}, Context{DtHours: math.NaN(), ShiftModifier: math.NaN()})
	if inc.Regime != models.RegimeNormal {
		t.Fatalf("expected numeric string rpm to parse, regime=%s", inc.Regime)
	}
	for _, v := range []float64{inc.Mechanical, inc.Thermal, inc.Electrical, inc.Strain, inc.Environmental, inc.Total} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			t.Fatalf("increment must stay finite and non-negative: %+v", inc)
		}
	}
}

func TestNegativeInputsNeverProduceNegativeDamage(t *testing.T) {
	s := sample(map[string]any{"rpm": 1500, "load": 0.5, "torque": -100, "temperature": -40, "humidity": -10})
	inc := Compute(s, models.AssetMetadata{}, Context{DtHours: 1})
	if inc.Strain != 0 || inc.Environmental != 0 || inc.Thermal != 0 {
		t.Fatalf("expected clamped components, got %+v", inc)
	}
}
