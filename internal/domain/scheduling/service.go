package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/practice/practice/internal/platform/events"
)

// Config carries the practice-wide scheduling settings.
type Config struct {
	Location        *time.Location
	SlotGranularity time.Duration
	MinNotice       time.Duration
	BookingTimeout  time.Duration
	// PublishTimeout bounds each post-commit event publish.
	PublishTimeout time.Duration
	Directory      DirectoryConfig
	// Now defaults to time.Now.
	Now func() time.Time
}

// Scheduler is the entry point used by transports: slot listing, booking and
// reservation reads.
type Scheduler struct {
	store     Store
	calendar  *Calendar
	directory *Directory
	slots     *SlotGenerator
	booker    *Booker
	loc       *time.Location
}

func NewScheduler(store Store, publisher events.Publisher, cfg Config, logger zerolog.Logger) *Scheduler {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	cal := NewCalendar(store, loc)
	dir := NewDirectory(store, cfg.Directory)
	return &Scheduler{
		store:     store,
		calendar:  cal,
		directory: dir,
		slots: NewSlotGenerator(cal, dir, store, loc,
			SlotConfig{Granularity: cfg.SlotGranularity, MinNotice: cfg.MinNotice}, now),
		booker: NewBooker(store, store, cal, dir, publisher, loc,
			BookingConfig{Timeout: cfg.BookingTimeout, MinNotice: cfg.MinNotice, PublishTimeout: cfg.PublishTimeout}, now, logger),
		loc: loc,
	}
}

// Location is the practice timezone.
func (s *Scheduler) Location() *time.Location { return s.loc }

// Directory exposes the cached room and service lookups.
func (s *Scheduler) Directory() *Directory { return s.directory }

// ListAvailableSlots returns open slots for the provider over the query range.
func (s *Scheduler) ListAvailableSlots(ctx context.Context, q SlotQuery) ([]Slot, error) {
	return s.slots.GenerateSlots(ctx, q)
}

// CreateReservation books a slot.
func (s *Scheduler) CreateReservation(ctx context.Context, req BookingRequest) (*Reservation, error) {
	return s.booker.Book(ctx, req)
}

// TransitionStatus moves a reservation along its lifecycle.
func (s *Scheduler) TransitionStatus(ctx context.Context, id uuid.UUID, status Status, reason *string) (*Reservation, error) {
	return s.booker.TransitionStatus(ctx, id, status, reason)
}

// Reschedule replaces a scheduled reservation with one at a new time and
// returns both rows.
func (s *Scheduler) Reschedule(ctx context.Context, id uuid.UUID, req RescheduleRequest) (*Reservation, *Reservation, error) {
	return s.booker.Reschedule(ctx, id, req)
}

func (s *Scheduler) GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	r, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, infra("get reservation", err)
	}
	return r, nil
}

func (s *Scheduler) ListReservations(ctx context.Context, f ReservationFilter, limit, offset int) ([]Reservation, int, error) {
	items, total, err := s.store.List(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, infra("list reservations", err)
	}
	return items, total, nil
}
