// Package shift evaluates whether an asset runs inside its scheduled shift
// and turns off-shift operation into a bounded stress multiplier.
package shift

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"predictive-maintenance-core/core/internal/models"
)

const (
	OffShiftPenalty  = 1.2
	MaxModifier      = 1.3
	InactiveDay      = 999.0
	DefaultTolerance = 15

	ViolationOffShift = "OFF_SHIFT_OPERATION"
	SeverityLow       = "LOW"
	SeverityModerate  = "MODERATE"
)

var dayCodes = [...]string{"SUN", "MON", "TUE", "WED", "THU", "FRI", "SAT"}

var defaultActiveDays = []string{"MON", "TUE", "WED", "THU", "FRI"}

// IsWithinShift reports whether ts falls inside the schedule and, when it
// does not, how far outside it is in hours (InactiveDay for a day off).
// Assets that are not shift based are always within shift.
func IsWithinShift(mode models.OperationMode, schedule *models.ShiftSchedule, ts time.Time) (bool, float64) {
	if mode != models.ModeShiftBased || schedule == nil {
		return true, 0
	}

	loc, err := time.LoadLocation(strings.TrimSpace(schedule.Timezone))
	if err != nil || schedule.Timezone == "" {
		loc = time.UTC
	}
	local := ts.In(loc)

	if !activeOn(schedule.ActiveDays, local.Weekday()) {
		return false, InactiveDay
	}

	start, errStart := parseClock(schedule.StartTime)
	end, errEnd := parseClock(schedule.EndTime)
	if errStart != nil || errEnd != nil {
		return true, 0
	}

	tolerance := schedule.ToleranceMinutes
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	now := local.Hour()*60 + local.Minute()
	start = wrap(start - tolerance)
	end = wrap(end + tolerance)

	if inWindow(now, start, end) {
		return true, 0
	}
	return false, float64(minDistance(now, start, end)) / 60
}

// Modifier returns 1.0 inside the shift or when the asset is not running,
// otherwise the fixed off-shift penalty, never above MaxModifier.
func Modifier(withinShift bool, running bool) float64 {
	if withinShift || !running {
		return 1.0
	}
	return min(OffShiftPenalty, MaxModifier)
}

func Severity(modifier float64) string {
	if modifier > 1.1 {
		return SeverityModerate
	}
	return SeverityLow
}

func activeOn(days []string, wd time.Weekday) bool {
	if len(days) == 0 {
		days = defaultActiveDays
	}
	code := dayCodes[wd]
	for _, d := range days {
		d = strings.ToUpper(strings.TrimSpace(d))
		if len(d) > 3 {
			d = d[:3]
		}
		if d == code {
			return true
		}
	}
	return false
}

func parseClock(raw string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", raw, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func wrap(minutes int) int {
	const day = 24 * 60
	return ((minutes % day) + day) % day
}

// inWindow handles windows that cross midnight, e.g. 22:00-06:00.
func inWindow(now, start, end int) bool {
	if start <= end {
		return now >= start && now <= end
	}
	return now >= start || now <= end
}

func minDistance(now, start, end int) int {
	return min(circular(now, start), circular(now, end))
}

func circular(a, b int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	return min(d, 24*60-d)
}
