package scheduling

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/practice/practice/internal/platform/events"
)

// BookingRequest asks for one reservation.
type BookingRequest struct {
	ClientID   uuid.UUID
	ProviderID uuid.UUID
	ServiceID  uuid.UUID
	Start      time.Time
	// DurationMinutes overrides the service length when positive.
	DurationMinutes int
	Modality        Modality
	Room            RoomRequest
	// AllowOverride lets an authorized caller commit despite conflicts.
	AllowOverride bool
}

// RescheduleRequest moves a scheduled reservation to a new interval. Zero
// values keep the old reservation's settings.
type RescheduleRequest struct {
	Start           time.Time
	DurationMinutes int
	Modality        Modality
	Room            RoomRequest
	AllowOverride   bool
}

// BookingConfig bounds the booking unit of work and the post-commit publish.
type BookingConfig struct {
	Timeout        time.Duration
	MinNotice      time.Duration
	PublishTimeout time.Duration
}

// Booker commits reservations atomically with respect to concurrent requests
// for the same provider or room.
type Booker struct {
	uow          UnitOfWork
	reservations ReservationRepository
	calendar     *Calendar
	directory    *Directory
	detector     *ConflictDetector
	publisher    events.Publisher
	loc          *time.Location
	cfg          BookingConfig
	now          func() time.Time
	logger       zerolog.Logger
}

// NewBooker wires a Booker. publisher may be nil, in which case no events are
// emitted.
func NewBooker(uow UnitOfWork, reservations ReservationRepository, cal *Calendar, dir *Directory,
	publisher events.Publisher, loc *time.Location, cfg BookingConfig, now func() time.Time, logger zerolog.Logger) *Booker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &Booker{
		uow:          uow,
		reservations: reservations,
		calendar:     cal,
		directory:    dir,
		detector:     NewConflictDetector(loc),
		publisher:    publisher,
		loc:          loc,
		cfg:          cfg,
		now:          now,
		logger:       logger.With().Str("component", "booking").Logger(),
	}
}

type bookingPlan struct {
	req      BookingRequest
	iv       Interval
	duration int
	rooms    []Room
	pool     bool
	keys     []string
}

// Book re-checks the requested interval against committed state under
// resource locks and inserts a scheduled reservation.
func (b *Booker) Book(ctx context.Context, req BookingRequest) (*Reservation, error) {
	plan, err := b.plan(ctx, req)
	if err != nil {
		return nil, err
	}

	txCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	var created *Reservation
	err = b.uow.WithinTx(txCtx, func(ctx context.Context) error {
		r, err := b.commit(ctx, plan, nil)
		created = r
		return err
	})
	if err != nil {
		return nil, infra("book reservation", err)
	}

	b.logger.Info().
		Str("reservation_id", created.ID.String()).
		Str("provider_id", created.ProviderID.String()).
		Time("start_at", created.StartAt).
		Bool("overridden", created.Overridden).
		Msg("reservation booked")
	b.publish(ctx, EventReservationCreated, ReservationEvent{Reservation: *created, Overridden: created.Overridden})
	return created, nil
}

// Reschedule retires a scheduled reservation and books its replacement in one
// unit of work. A conflict on the new interval leaves the old one untouched.
func (b *Booker) Reschedule(ctx context.Context, id uuid.UUID, req RescheduleRequest) (*Reservation, *Reservation, error) {
	current, err := b.reservations.GetByID(ctx, id)
	if err != nil {
		return nil, nil, infra("get reservation", err)
	}
	if current.Status != StatusScheduled {
		return nil, nil, &InvalidTransitionError{ReservationID: id, From: current.Status, To: StatusRescheduled}
	}

	next := BookingRequest{
		ClientID:        current.ClientID,
		ProviderID:      current.ProviderID,
		ServiceID:       current.ServiceID,
		Start:           req.Start,
		DurationMinutes: req.DurationMinutes,
		Modality:        req.Modality,
		Room:            req.Room,
		AllowOverride:   req.AllowOverride,
	}
	if next.DurationMinutes <= 0 {
		next.DurationMinutes = current.DurationMinutes
	}
	if next.Modality == "" {
		next.Modality = current.Modality
	}
	plan, err := b.plan(ctx, next)
	if err != nil {
		return nil, nil, err
	}

	txCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	var old, created *Reservation
	err = b.uow.WithinTx(txCtx, func(ctx context.Context) error {
		r, err := b.reservations.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		// Hold the old interval's resources before freeing it; a rollback revives it.
		if err := b.uow.LockResources(ctx, lockKeys(ProviderRef(r.ProviderID), append(heldRooms(r), plan.rooms...))); err != nil {
			return err
		}
		if r.Status != StatusScheduled {
			return &InvalidTransitionError{ReservationID: id, From: r.Status, To: StatusRescheduled}
		}
		at := b.now().UTC()
		if err := b.reservations.UpdateStatus(ctx, id, StatusRescheduled, nil, at); err != nil {
			return err
		}
		r.Status = StatusRescheduled
		r.UpdatedAt = at
		old = r

		created, err = b.commit(ctx, plan, &r.ID)
		return err
	})
	if err != nil {
		return nil, nil, infra("reschedule reservation", err)
	}

	b.logger.Info().
		Str("reservation_id", created.ID.String()).
		Str("rescheduled_from", old.ID.String()).
		Time("start_at", created.StartAt).
		Msg("reservation rescheduled")
	b.publish(ctx, EventReservationStatusChanged, ReservationEvent{Reservation: *old, PreviousStatus: StatusScheduled})
	b.publish(ctx, EventReservationCreated, ReservationEvent{Reservation: *created, Overridden: created.Overridden})
	return old, created, nil
}

// TransitionStatus moves a reservation along the status machine. Rescheduling
// is not a plain transition and must go through Reschedule.
func (b *Booker) TransitionStatus(ctx context.Context, id uuid.UUID, to Status, reason *string) (*Reservation, error) {
	if !to.Valid() {
		return nil, validationErr("unknown status %q", to)
	}

	txCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	var updated *Reservation
	var from Status
	err := b.uow.WithinTx(txCtx, func(ctx context.Context) error {
		r, err := b.reservations.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from = r.Status
		if to == StatusRescheduled || !r.Status.CanTransitionTo(to) {
			return &InvalidTransitionError{ReservationID: id, From: r.Status, To: to}
		}
		if err := b.uow.LockResources(ctx, lockKeys(ProviderRef(r.ProviderID), heldRooms(r))); err != nil {
			return err
		}
		at := b.now().UTC()
		if err := b.reservations.UpdateStatus(ctx, id, to, reason, at); err != nil {
			return err
		}
		r.Status = to
		r.UpdatedAt = at
		if reason != nil {
			r.CancellationReason = reason
		}
		updated = r
		return nil
	})
	if err != nil {
		return nil, infra("transition reservation", err)
	}

	b.publish(ctx, EventReservationStatusChanged, ReservationEvent{Reservation: *updated, PreviousStatus: from})
	if to == StatusCompleted {
		b.publish(ctx, EventReservationBillable, ReservationEvent{
			Reservation:    *updated,
			PreviousStatus: from,
			BillingCode:    b.billingCode(ctx, updated.ServiceID),
		})
	}
	return updated, nil
}

func (b *Booker) plan(ctx context.Context, req BookingRequest) (*bookingPlan, error) {
	switch {
	case req.ClientID == uuid.Nil:
		return nil, validationErr("client is required")
	case req.ProviderID == uuid.Nil:
		return nil, validationErr("provider is required")
	case req.Start.IsZero():
		return nil, validationErr("start is required")
	case !req.Modality.Valid():
		return nil, validationErr("unknown modality %q", req.Modality)
	case req.DurationMinutes < 0:
		return nil, validationErr("duration must not be negative")
	}
	if !req.AllowOverride && req.Start.Before(b.now().Add(b.cfg.MinNotice)) {
		return nil, validationErr("start %s is inside the booking notice period", req.Start.Format(time.RFC3339))
	}

	duration := req.DurationMinutes
	if duration == 0 {
		d, err := b.directory.ServiceDuration(ctx, req.ServiceID)
		if err != nil {
			return nil, err
		}
		duration = d
	}
	start := req.Start.UTC()
	p := &bookingPlan{
		req:      req,
		duration: duration,
		iv:       Interval{Start: start, End: start.Add(time.Duration(duration) * time.Minute)},
	}

	if !req.Modality.NeedsRoom() {
		if !req.Room.IsNone() {
			return nil, validationErr("%s sessions do not take a room", req.Modality)
		}
	} else {
		if req.Room.IsNone() {
			req.Room = RoomPool(req.Modality)
			p.req.Room = req.Room
		}
		if id, ok := req.Room.Explicit(); ok {
			room, err := b.directory.Room(ctx, id)
			if err != nil {
				return nil, err
			}
			if !room.Serves(req.Modality) {
				return nil, validationErr("room %s cannot host %s sessions", room.Name, req.Modality)
			}
			p.rooms = []Room{*room}
		} else {
			m, _ := req.Room.Pool()
			if m != req.Modality {
				return nil, validationErr("room pool %s does not match modality %s", m, req.Modality)
			}
			rooms, err := b.directory.EligibleRooms(ctx, req.ProviderID, m)
			if err != nil {
				return nil, err
			}
			p.rooms = rooms
			p.pool = true
		}
	}

	p.keys = lockKeys(ProviderRef(req.ProviderID), p.rooms)
	return p, nil
}

// commit runs inside the unit of work: lock, re-check, resolve the room,
// insert.
func (b *Booker) commit(ctx context.Context, p *bookingPlan, rescheduledFrom *uuid.UUID) (*Reservation, error) {
	if err := b.uow.LockResources(ctx, p.keys); err != nil {
		return nil, err
	}

	provider := ProviderRef(p.req.ProviderID)
	from, to := b.checkRange(p.iv)
	booked, err := b.reservations.GetActiveReservations(ctx, provider, from, to)
	if err != nil {
		return nil, err
	}
	blocks, err := b.calendar.BlockedIntervals(ctx, p.req.ProviderID, from, to)
	if err != nil {
		return nil, err
	}

	var conflicts []*ConflictError
	if c := b.detector.Check(provider, p.iv, booked, blocks); c != nil {
		conflicts = append(conflicts, c)
	}
	roomID, roomConflict, err := b.resolveRoom(ctx, p, from, to)
	if err != nil {
		return nil, err
	}
	if roomConflict != nil {
		conflicts = append(conflicts, roomConflict)
	}

	if len(conflicts) > 0 {
		if !p.req.AllowOverride || (p.req.Modality.NeedsRoom() && roomID == nil) {
			return nil, conflicts[0]
		}
		for _, c := range conflicts {
			b.logger.Warn().
				Str("resource", c.Resource.String()).
				Time("start_at", p.iv.Start).
				Err(c).
				Msg("booking override bypassed conflict")
		}
	}

	now := b.now().UTC()
	r := &Reservation{
		ID:              uuid.New(),
		ClientID:        p.req.ClientID,
		ProviderID:      p.req.ProviderID,
		RoomID:          roomID,
		ServiceID:       p.req.ServiceID,
		StartAt:         p.iv.Start,
		DurationMinutes: p.duration,
		Modality:        p.req.Modality,
		Status:          StatusScheduled,
		RescheduledFrom: rescheduledFrom,
		Overridden:      len(conflicts) > 0,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := b.reservations.Create(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// resolveRoom picks the concrete room. An explicit room is always returned,
// with a conflict if it is taken. A pool returns its first free room, or its
// first room plus a pool conflict when every room is taken.
func (b *Booker) resolveRoom(ctx context.Context, p *bookingPlan, from, to time.Time) (*uuid.UUID, *ConflictError, error) {
	if !p.req.Modality.NeedsRoom() {
		return nil, nil, nil
	}
	pool := ResourceRef{Kind: ResourceRoomPool}
	if len(p.rooms) == 0 {
		return nil, &ConflictError{Resource: pool, Interval: p.iv}, nil
	}
	for _, room := range p.rooms {
		ref := RoomRef(room.ID)
		booked, err := b.reservations.GetActiveReservations(ctx, ref, from, to)
		if err != nil {
			return nil, nil, err
		}
		clash := b.detector.FindConflict(ref, p.iv, booked)
		id := room.ID
		if clash == nil {
			return &id, nil, nil
		}
		if !p.pool {
			clashID := clash.ID
			return &id, &ConflictError{Resource: ref, ReservationID: &clashID, Interval: clash.Interval()}, nil
		}
	}
	first := p.rooms[0].ID
	return &first, &ConflictError{Resource: pool, Interval: p.iv}, nil
}

// checkRange widens iv to the local days it touches, matching the detector's
// same-day bucketing.
func (b *Booker) checkRange(iv Interval) (time.Time, time.Time) {
	first := LocalDate(iv.Start, b.loc)
	last := LocalDate(iv.End.Add(-time.Nanosecond), b.loc)
	return dayRange(first, last, b.loc)
}

func (b *Booker) billingCode(ctx context.Context, serviceID uuid.UUID) string {
	if serviceID == uuid.Nil {
		return ""
	}
	s, err := b.directory.Service(ctx, serviceID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			b.logger.Warn().Err(err).Str("service_id", serviceID.String()).Msg("billing code lookup failed")
		}
		return ""
	}
	return s.BillingCode
}

// publish emits after commit. A failure is logged and never undoes the write.
func (b *Booker) publish(ctx context.Context, eventType string, payload ReservationEvent) {
	if b.publisher == nil {
		return
	}
	env, err := newEnvelope(eventType, payload, b.now())
	if err == nil {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.PublishTimeout)
		err = b.publisher.Publish(pubCtx, env)
		cancel()
	}
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event_type", eventType).
			Str("reservation_id", payload.Reservation.ID.String()).
			Msg("event publish failed")
	}
}

// heldRooms is the room r occupies, if any, in the shape lockKeys takes.
func heldRooms(r *Reservation) []Room {
	if r.RoomID == nil {
		return nil
	}
	return []Room{{ID: *r.RoomID}}
}

func lockKeys(provider ResourceRef, rooms []Room) []string {
	seen := map[string]bool{provider.LockKey(): true}
	keys := []string{provider.LockKey()}
	for _, r := range rooms {
		k := RoomRef(r.ID).LockKey()
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
