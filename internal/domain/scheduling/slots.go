package scheduling

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
)

// MaxSlotRangeDays caps a single slot query.
const MaxSlotRangeDays = 62

// SlotQuery asks for the open start times of one provider.
type SlotQuery struct {
	ProviderID uuid.UUID
	From       civil.Date
	To         civil.Date
	ServiceID  uuid.UUID
	Modality   Modality
}

// SlotConfig holds the generator's tunables.
type SlotConfig struct {
	Granularity time.Duration
	MinNotice   time.Duration
}

// SlotGenerator computes bookable slots. It is read-only and keeps no state
// between calls.
type SlotGenerator struct {
	calendar     *Calendar
	directory    *Directory
	reservations ReservationRepository
	detector     *ConflictDetector
	loc          *time.Location
	cfg          SlotConfig
	now          func() time.Time
}

// NewSlotGenerator wires a generator. now is injected so tests can pin the clock.
func NewSlotGenerator(cal *Calendar, dir *Directory, reservations ReservationRepository, loc *time.Location, cfg SlotConfig, now func() time.Time) *SlotGenerator {
	if cfg.Granularity <= 0 {
		cfg.Granularity = 30 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &SlotGenerator{
		calendar:     cal,
		directory:    dir,
		reservations: reservations,
		detector:     NewConflictDetector(loc),
		loc:          loc,
		cfg:          cfg,
		now:          now,
	}
}

// GenerateSlots lists the open slots for every date in [q.From, q.To], in
// chronological order. A provider without working hours yields an empty list.
func (g *SlotGenerator) GenerateSlots(ctx context.Context, q SlotQuery) ([]Slot, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	duration, err := g.directory.ServiceDuration(ctx, q.ServiceID)
	if err != nil {
		return nil, err
	}
	length := time.Duration(duration) * time.Minute

	hours, err := g.calendar.WeeklyHours(ctx, q.ProviderID)
	if err != nil {
		return nil, err
	}
	slots := []Slot{}
	if !hasAnyWindow(hours, q.From, q.To) {
		return slots, nil
	}

	from, to := dayRange(q.From, q.To, g.loc)
	provider := ProviderRef(q.ProviderID)
	booked, err := g.reservations.GetActiveReservations(ctx, provider, from, to)
	if err != nil {
		return nil, infra("get provider reservations", err)
	}
	blocks, err := g.calendar.BlockedIntervals(ctx, q.ProviderID, from, to)
	if err != nil {
		return nil, err
	}

	rooms, err := g.directory.EligibleRooms(ctx, q.ProviderID, q.Modality)
	if err != nil {
		return nil, err
	}
	if q.Modality.NeedsRoom() && len(rooms) == 0 {
		return slots, nil
	}
	roomBooked := make(map[uuid.UUID][]Reservation, len(rooms))
	for _, r := range rooms {
		res, err := g.reservations.GetActiveReservations(ctx, RoomRef(r.ID), from, to)
		if err != nil {
			return nil, infra("get room reservations", err)
		}
		roomBooked[r.ID] = res
	}

	earliest := g.now().Add(g.cfg.MinNotice)
	step := int(g.cfg.Granularity / time.Minute)
	if step <= 0 {
		step = 1
	}

	for d := q.From; !d.After(q.To); d = d.AddDays(1) {
		win := hours.Window(d)
		if win == nil {
			continue
		}
		winEnd := lenientInstant(d, win.End, g.loc)
		first := win.Start.Hour*60 + win.Start.Minute
		last := win.End.Hour*60 + win.End.Minute

		for m := first; m < last; m += step {
			ct := civil.Time{Hour: m / 60, Minute: m % 60}
			start, err := ToCanonical(d, ct, g.loc)
			if errors.Is(err, ErrClockAmbiguity) {
				continue
			}
			if err != nil {
				return nil, err
			}
			iv := Interval{Start: start, End: start.Add(length)}
			if iv.End.After(winEnd) {
				continue
			}
			if start.Before(earliest) {
				continue
			}
			if g.detector.Check(provider, iv, booked, blocks) != nil {
				continue
			}
			if q.Modality.NeedsRoom() && !g.anyRoomFree(rooms, roomBooked, iv) {
				continue
			}
			slots = append(slots, Slot{Start: iv.Start, End: iv.End})
		}
	}
	return slots, nil
}

func (g *SlotGenerator) anyRoomFree(rooms []Room, booked map[uuid.UUID][]Reservation, iv Interval) bool {
	for _, r := range rooms {
		if !g.detector.HasConflict(RoomRef(r.ID), iv, booked[r.ID]) {
			return true
		}
	}
	return false
}

func (q SlotQuery) validate() error {
	if q.ProviderID == uuid.Nil {
		return validationErr("provider is required")
	}
	if !q.From.IsValid() || !q.To.IsValid() {
		return validationErr("invalid date range")
	}
	if q.To.Before(q.From) {
		return validationErr("range end %s is before start %s", q.To, q.From)
	}
	if q.To.DaysSince(q.From) >= MaxSlotRangeDays {
		return validationErr("range exceeds %d days", MaxSlotRangeDays)
	}
	if !q.Modality.Valid() {
		return validationErr("unknown modality %q", q.Modality)
	}
	return nil
}

func hasAnyWindow(hours *WorkingHours, from, to civil.Date) bool {
	for d := from; !d.After(to); d = d.AddDays(1) {
		if hours.Window(d) != nil {
			return true
		}
	}
	return false
}
