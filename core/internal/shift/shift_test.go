package shift

import (
	"testing"
	"time"

	"predictive-maintenance-core/core/internal/models"
)

func daySchedule() *models.ShiftSchedule {
	return &models.ShiftSchedule{
		StartTime:        "08:00",
		EndTime:          "17:00",
		ActiveDays:       []string{"MON", "TUE", "WED", "THU", "FRI"},
		Timezone:         "UTC",
		ToleranceMinutes: 15,
	}
}

// 2024-01-03 is a Wednesday.
func at(hour, minute int) time.Time {
	return time.Date(2024, 1, 3, hour, minute, 0, 0, time.UTC)
}

func TestNotShiftBasedIsAlwaysWithin(t *testing.T) {
	within, dist := IsWithinShift(models.ModeContinuous, daySchedule(), at(3, 0))
	if !within || dist != 0 {
		t.Fatalf("continuous assets must always be within shift")
	}
	within, _ = IsWithinShift(models.ModeShiftBased, nil, at(3, 0))
	if !within {
		t.Fatalf("missing schedule must count as within shift")
	}
}

func TestDayWindow(t *testing.T) {
	cases := []struct {
		name   string
		ts     time.Time
		within bool
	}{
		{"mid shift", at(12, 0), true},
		{"inside tolerance before start", at(7, 50), true},
		{"inside tolerance after end", at(17, 10), true},
		{"well before", at(6, 0), false},
		{"night", at(23, 0), false},
	}
	for _, tc := range cases {
		within, _ := IsWithinShift(models.ModeShiftBased, daySchedule(), tc.ts)
		if within != tc.within {
			t.Fatalf("%s: expected within=%v", tc.name, tc.within)
		}
	}
}

func TestOvernightWindow(t *testing.T) {
	s := &models.ShiftSchedule{StartTime: "22:00", EndTime: "06:00", ActiveDays: []string{"WED"}, Timezone: "UTC"}
	if within, _ := IsWithinShift(models.ModeShiftBased, s, at(23, 30)); !within {
		t.Fatalf("23:30 must be inside 22:00-06:00")
	}
	if within, _ := IsWithinShift(models.ModeShiftBased, s, at(2, 0)); !within {
		t.Fatalf("02:00 must be inside 22:00-06:00")
	}
	within, dist := IsWithinShift(models.ModeShiftBased, s, at(12, 0))
	if within || dist <= 0 {
		t.Fatalf("noon must be outside with positive distance, got %v %v", within, dist)
	}
}

func TestInactiveDay(t *testing.T) {
	saturday := time.Date(2024, 1, 6, 12, 0, 0, 0, time.UTC)
	within, dist := IsWithinShift(models.ModeShiftBased, daySchedule(), saturday)
	if within || dist != InactiveDay {
		t.Fatalf("expected inactive day, got within=%v dist=%v", within, dist)
	}
}

func TestTimezoneConversion(t *testing.T) {
	s := daySchedule()
	s.Timezone = "Asia/Tokyo"
	// 01:00 UTC Wednesday is 10:00 Wednesday in Tokyo.
	if within, _ := IsWithinShift(models.ModeShiftBased, s, at(1, 0)); !within {
		t.Fatalf("expected within shift after timezone conversion")
	}
	// 12:00 UTC is 21:00 in Tokyo.
	if within, _ := IsWithinShift(models.ModeShiftBased, s, at(12, 0)); within {
		t.Fatalf("expected outside shift after timezone conversion")
	}
}

func TestModifierBounds(t *testing.T) {
	for _, within := range []bool{true, false} {
		for _, running := range []bool{true, false} {
			m := Modifier(within, running)
			if m > MaxModifier || m < 1.0 {
				t.Fatalf("modifier out of bounds: %v", m)
			}
			if (within || !running) && m != 1.0 {
				t.Fatalf("expected exactly 1.0 for within=%v running=%v, got %v", within, running, m)
			}
		}
	}
	if m := Modifier(false, true); m != OffShiftPenalty {
		t.Fatalf("expected fixed penalty, got %v", m)
	}
}

func TestSeverity(t *testing.T) {
	if Severity(1.2) != SeverityModerate || Severity(1.05) != SeverityLow {
		t.Fatalf("unexpected severity mapping")
	}
}
