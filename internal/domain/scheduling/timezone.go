package scheduling

import (
	"time"

	"cloud.google.com/go/civil"
)

// offsetProbe bounds how far from a wall-clock reading we look for zone
// transitions. No real zone shifts its offset by more than a day.
const offsetProbe = 26

// ToCanonical resolves a practice-local wall-clock reading to a UTC instant.
// Readings inside a DST gap or overlap fail with *ClockAmbiguityError instead
// of being silently normalized.
func ToCanonical(d civil.Date, t civil.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		return time.Time{}, validationErr("practice timezone is required")
	}
	if !d.IsValid() || !t.IsValid() {
		return time.Time{}, validationErr("invalid local date or time %s %s", d, t)
	}

	wall := time.Date(d.Year, d.Month, d.Day, t.Hour, t.Minute, t.Second, t.Nanosecond, time.UTC)

	var matches []time.Time
	seen := make(map[int]bool)
	for k := -offsetProbe; k <= offsetProbe; k++ {
		_, off := wall.Add(time.Duration(k) * time.Hour).In(loc).Zone()
		if seen[off] {
			continue
		}
		seen[off] = true
		candidate := wall.Add(-time.Duration(off) * time.Second)
		if _, got := candidate.In(loc).Zone(); got == off {
			matches = append(matches, candidate)
		}
	}

	switch len(matches) {
	case 1:
		return matches[0].UTC(), nil
	case 0:
		return time.Time{}, &ClockAmbiguityError{Date: d, Time: t, Location: loc.String(), Nonexistent: true}
	default:
		return time.Time{}, &ClockAmbiguityError{Date: d, Time: t, Location: loc.String()}
	}
}

// ToLocal renders a canonical instant as practice-local date and time.
func ToLocal(ts time.Time, loc *time.Location) (civil.Date, civil.Time) {
	local := ts.In(loc)
	return civil.DateOf(local), civil.TimeOf(local)
}

// LocalDate returns the practice-local calendar date of ts.
func LocalDate(ts time.Time, loc *time.Location) civil.Date {
	return civil.DateOf(ts.In(loc))
}

// startOfDay returns the first instant of d in loc. Unlike ToCanonical it never
// fails: a midnight that falls into a gap is normalized forward, which is the
// right thing for range bounds.
func startOfDay(d civil.Date, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc).UTC()
}

// dayRange returns [start of from, start of the day after to) in loc.
func dayRange(from, to civil.Date, loc *time.Location) (time.Time, time.Time) {
	return startOfDay(from, loc), startOfDay(to.AddDays(1), loc)
}

// lenientInstant resolves a wall-clock reading without ambiguity checks, used
// for working window bounds.
func lenientInstant(d civil.Date, t civil.Time, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, t.Hour, t.Minute, t.Second, t.Nanosecond, loc).UTC()
}
