package scheduling

import (
	"time"

	"cloud.google.com/go/civil"
)

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) intersect.
// Touching intervals do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// ConflictDetector decides whether an interval collides with existing
// reservations or blocks. It is pure; callers supply the data.
type ConflictDetector struct {
	loc *time.Location
}

// NewConflictDetector creates a detector that buckets by calendar day in loc.
func NewConflictDetector(loc *time.Location) *ConflictDetector {
	return &ConflictDetector{loc: loc}
}

// HasConflict reports whether any active reservation on res overlaps iv.
func (d *ConflictDetector) HasConflict(res ResourceRef, iv Interval, reservations []Reservation) bool {
	return d.FindConflict(res, iv, reservations) != nil
}

// FindConflict returns the first active reservation on res that overlaps iv.
func (d *ConflictDetector) FindConflict(res ResourceRef, iv Interval, reservations []Reservation) *Reservation {
	first, last := d.days(iv)
	for i := range reservations {
		r := &reservations[i]
		if !r.Status.Active() || !r.Holds(res) {
			continue
		}
		rFirst, rLast := d.days(r.Interval())
		if rLast.Before(first) || last.Before(rFirst) {
			continue
		}
		if Overlaps(iv.Start, iv.End, r.StartAt, r.EndAt()) {
			return r
		}
	}
	return nil
}

// FindBlock returns the first blocked interval overlapping iv.
func (d *ConflictDetector) FindBlock(iv Interval, blocks []BlockedInterval) *BlockedInterval {
	for i := range blocks {
		if Overlaps(iv.Start, iv.End, blocks[i].StartAt, blocks[i].EndAt) {
			return &blocks[i]
		}
	}
	return nil
}

// Check combines the provider-side checks and describes the first clash.
func (d *ConflictDetector) Check(res ResourceRef, iv Interval, reservations []Reservation, blocks []BlockedInterval) *ConflictError {
	if r := d.FindConflict(res, iv, reservations); r != nil {
		id := r.ID
		return &ConflictError{Resource: res, ReservationID: &id, Interval: r.Interval()}
	}
	if b := d.FindBlock(iv, blocks); b != nil {
		id := b.ID
		return &ConflictError{Resource: res, BlockedIntervalID: &id, Interval: b.Interval()}
	}
	return nil
}

// days returns the local calendar days touched by iv. The end is exclusive, so
// an interval ending exactly at midnight stays on its first day.
func (d *ConflictDetector) days(iv Interval) (civil.Date, civil.Date) {
	first := LocalDate(iv.Start, d.loc)
	last := first
	if iv.End.After(iv.Start) {
		last = LocalDate(iv.End.Add(-time.Nanosecond), d.loc)
	}
	return first, last
}
