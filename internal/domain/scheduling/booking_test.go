package scheduling

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestBook_Phone(t *testing.T) {
	p := newPractice(t)
	start := at(p.loc, 2025, time.March, 12, 10, 0)

	r := p.book(t, p.providerA, start, ModalityPhone)
	if r.Status != StatusScheduled {
		t.Errorf("expected scheduled, got %s", r.Status)
	}
	if r.RoomID != nil {
		t.Errorf("phone sessions take no room, got %s", r.RoomID)
	}
	if r.DurationMinutes != 60 {
		t.Errorf("expected the service length of 60, got %d", r.DurationMinutes)
	}
	if r.Overridden {
		t.Error("booking without conflicts must not be marked overridden")
	}
	if !r.CreatedAt.Equal(p.now) {
		t.Errorf("expected created at the pinned clock, got %s", r.CreatedAt)
	}

	stored, err := p.svc.GetReservation(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if !stored.StartAt.Equal(start) {
		t.Errorf("stored start %s, want %s", stored.StartAt, start)
	}

	if got := p.pub.types(); !reflect.DeepEqual(got, []string{EventReservationCreated}) {
		t.Fatalf("unexpected events %v", got)
	}
	if ev := p.pub.last(t); ev.Reservation.ID != r.ID {
		t.Errorf("event carries reservation %s, want %s", ev.Reservation.ID, r.ID)
	}
}

func TestBook_ConcurrentIdenticalRequests(t *testing.T) {
	p := newPractice(t)
	start := at(p.loc, 2025, time.March, 12, 10, 0)
	req := BookingRequest{
		ClientID:   p.client,
		ProviderID: p.providerA,
		ServiceID:  p.therapy.ID,
		Start:      start,
		Modality:   ModalityInPerson,
		Room:       RoomPool(ModalityInPerson),
	}

	const attempts = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		booked    []*Reservation
		conflicts int
		other     []error
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := p.svc.CreateReservation(context.Background(), req)
			mu.Lock()
			defer mu.Unlock()
			var ce *ConflictError
			switch {
			case err == nil:
				booked = append(booked, r)
			case errors.As(err, &ce):
				conflicts++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if len(booked) != 1 || conflicts != attempts-1 {
		t.Fatalf("expected exactly one booking and %d conflicts, got %d and %d", attempts-1, len(booked), conflicts)
	}

	active, err := p.store.GetActiveReservations(context.Background(), ProviderRef(p.providerA),
		start.Add(-time.Hour), start.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("expected one active reservation, found %d", len(active))
	}
}

func TestBook_BackToBack(t *testing.T) {
	p := newPractice(t)
	first := p.book(t, p.providerA, at(p.loc, 2025, time.March, 12, 10, 0), ModalityInPerson)
	second := p.book(t, p.providerA, at(p.loc, 2025, time.March, 12, 11, 0), ModalityInPerson)
	if *first.RoomID != p.roomA.ID || *second.RoomID != p.roomA.ID {
		t.Errorf("back-to-back sessions should share the first room")
	}
}

func TestBook_ProviderConflict(t *testing.T) {
	p := newPractice(t)
	first := p.book(t, p.providerA, at(p.loc, 2025, time.March, 12, 10, 0), ModalityPhone)

	_, err := p.svc.CreateReservation(context.Background(), BookingRequest{
		ClientID:   uuid.New(),
		ProviderID: p.providerA,
		ServiceID:  p.therapy.ID,
		Start:      at(p.loc, 2025, time.March, 12, 10, 30),
		Modality:   ModalityPhone,
	})
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if !errors.Is(err, ErrConflict) {
		t.Error("expected errors.Is ErrConflict")
	}
	if ce.Resource != ProviderRef(p.providerA) {
		t.Errorf("unexpected resource %s", ce.Resource)
	}
	if ce.ReservationID == nil || *ce.ReservationID != first.ID {
		t.Errorf("conflict should name %s, got %v", first.ID, ce.ReservationID)
	}
	if len(p.pub.types()) != 1 {
		t.Errorf("a rejected booking must not publish, got %v", p.pub.types())
	}
}

func TestBook_BlockedInterval(t *testing.T) {
	p := newPractice(t)
	block := BlockedInterval{
		ID:         uuid.New(),
		ProviderID: p.providerA,
		StartAt:    at(p.loc, 2025, time.March, 12, 12, 0),
		EndAt:      at(p.loc, 2025, time.March, 12, 13, 0),
	}
	p.store.AddBlockedInterval(block)

	_, err := p.svc.CreateReservation(context.Background(), BookingRequest{
		ClientID:   p.client,
		ProviderID: p.providerA,
		ServiceID:  p.therapy.ID,
		Start:      at(p.loc, 2025, time.March, 12, 11, 30),
		Modality:   ModalityPhone,
	})
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if ce.BlockedIntervalID == nil || *ce.BlockedIntervalID != block.ID {
		t.Errorf("conflict should name block %s, got %+v", block.ID, ce)
	}
}

func TestBook_Override(t *testing.T) {
	p := newPractice(t)
	ten := at(p.loc, 2025, time.March, 12, 10, 0)
	p.book(t, p.providerA, ten, ModalityPhone)

	r, err := p.svc.CreateReservation(context.Background(), BookingRequest{
		ClientID:      uuid.New(),
		ProviderID:    p.providerA,
		ServiceID:     p.therapy.ID,
		Start:         ten,
		Modality:      ModalityPhone,
		AllowOverride: true,
	})
	if err != nil {
		t.Fatalf("override should commit: %v", err)
	}
	if !r.Overridden {
		t.Error("expected the reservation to be marked overridden")
	}
	if ev := p.pub.last(t); !ev.Overridden {
		t.Error("expected the created event to carry the override flag")
	}

	clean, err := p.svc.CreateReservation(context.Background(), BookingRequest{
		ClientID:      uuid.New(),
		ProviderID:    p.providerA,
		ServiceID:     p.therapy.ID,
		Start:         at(p.loc, 2025, time.March, 12, 14, 0),
		Modality:      ModalityPhone,
		AllowOverride: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if clean.Overridden {
		t.Error("an override that bypassed nothing must not be marked overridden")
	}
}

func TestBook_RoomPool(t *testing.T) {
	p := newPractice(t)
	ten := at(p.loc, 2025, time.March, 12, 10, 0)

	a := p.book(t, p.providerA, ten, ModalityInPerson)
	b := p.book(t, p.providerB, ten, ModalityInPerson)
	if *a.RoomID != p.roomA.ID || *b.RoomID != p.roomB.ID {
		t.Fatalf("expected rooms A then B, got %s and %s", a.RoomID, b.RoomID)
	}

	req := BookingRequest{
		ClientID:   p.client,
		ProviderID: p.providerC,
		ServiceID:  p.therapy.ID,
		Start:      ten,
		Modality:   ModalityInPerson,
		Room:       RoomPool(ModalityInPerson),
	}
	_, err := p.svc.CreateReservation(context.Background(), req)
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if ce.Resource.Kind != ResourceRoomPool {
		t.Errorf("expected a room pool conflict, got %s", ce.Resource)
	}

	req.AllowOverride = true
	forced, err := p.svc.CreateReservation(context.Background(), req)
	if err != nil {
		t.Fatalf("override should commit: %v", err)
	}
	if !forced.Overridden || forced.RoomID == nil || *forced.RoomID != p.roomA.ID {
		t.Errorf("override should take the first room, got %+v", forced)
	}
}

func TestBook_VirtualUsesVirtualRooms(t *testing.T) {
	p := newPractice(t)
	r := p.book(t, p.providerA, at(p.loc, 2025, time.March, 12, 10, 0), ModalityVirtual)
	if r.RoomID == nil || *r.RoomID != p.telehealth.ID {
		t.Errorf("expected the telehealth room, got %v", r.RoomID)
	}
}

func TestBook_ExplicitRoom(t *testing.T) {
	p := newPractice(t)
	ten := at(p.loc, 2025, time.March, 12, 10, 0)
	req := BookingRequest{
		ClientID:   p.client,
		ProviderID: p.providerA,
		ServiceID:  p.therapy.ID,
		Start:      ten,
		Modality:   ModalityInPerson,
		Room:       ExplicitRoom(p.roomB.ID),
	}
	first, err := p.svc.CreateReservation(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *first.RoomID != p.roomB.ID {
		t.Errorf("expected room B, got %s", first.RoomID)
	}

	req.ProviderID = p.providerB
	_, err = p.svc.CreateReservation(context.Background(), req)
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if ce.Resource != RoomRef(p.roomB.ID) || ce.ReservationID == nil || *ce.ReservationID != first.ID {
		t.Errorf("unexpected conflict %+v", ce)
	}
}

func TestBook_Validation(t *testing.T) {
	p := newPractice(t)
	ten := at(p.loc, 2025, time.March, 12, 10, 0)
	valid := BookingRequest{
		ClientID:   p.client,
		ProviderID: p.providerA,
		ServiceID:  p.therapy.ID,
		Start:      ten,
		Modality:   ModalityInPerson,
	}
	tests := []struct {
		name   string
		mutate func(*BookingRequest)
	}{
		{"missing client", func(r *BookingRequest) { r.ClientID = uuid.Nil }},
		{"missing provider", func(r *BookingRequest) { r.ProviderID = uuid.Nil }},
		{"missing start", func(r *BookingRequest) { r.Start = time.Time{} }},
		{"unknown modality", func(r *BookingRequest) { r.Modality = "fax" }},
		{"negative duration", func(r *BookingRequest) { r.DurationMinutes = -5 }},
		{"phone with a room", func(r *BookingRequest) { r.Modality = ModalityPhone; r.Room = ExplicitRoom(p.roomA.ID) }},
		{"virtual room for in person", func(r *BookingRequest) { r.Room = ExplicitRoom(p.telehealth.ID) }},
		{"mismatched pool", func(r *BookingRequest) { r.Room = RoomPool(ModalityVirtual) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			if _, err := p.svc.CreateReservation(context.Background(), req); !errors.Is(err, ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestBook_UnknownRoom(t *testing.T) {
	p := newPractice(t)
	_, err := p.svc.CreateReservation(context.Background(), BookingRequest{
		ClientID:   p.client,
		ProviderID: p.providerA,
		Start:      at(p.loc, 2025, time.March, 12, 10, 0),
		Modality:   ModalityInPerson,
		Room:       ExplicitRoom(uuid.New()),
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestBook_OverrideCannotConjureARoom(t *testing.T) {
	p := newPractice(t, withoutRooms())
	_, err := p.svc.CreateReservation(context.Background(), BookingRequest{
		ClientID:      p.client,
		ProviderID:    p.providerA,
		Start:         at(p.loc, 2025, time.March, 12, 10, 0),
		Modality:      ModalityInPerson,
		AllowOverride: true,
	})
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Resource.Kind != ResourceRoomPool {
		t.Fatalf("expected a room pool conflict, got %v", err)
	}
}

func TestBook_Durations(t *testing.T) {
	p := newPractice(t)
	explicit, err := p.svc.CreateReservation(context.Background(), BookingRequest{
		ClientID:        p.client,
		ProviderID:      p.providerA,
		ServiceID:       p.therapy.ID,
		Start:           at(p.loc, 2025, time.March, 12, 9, 0),
		DurationMinutes: 15,
		Modality:        ModalityPhone,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if explicit.DurationMinutes != 15 {
		t.Errorf("expected 15, got %d", explicit.DurationMinutes)
	}

	fallback, err := p.svc.CreateReservation(context.Background(), BookingRequest{
		ClientID:   p.client,
		ProviderID: p.providerA,
		ServiceID:  uuid.New(),
		Start:      at(p.loc, 2025, time.March, 12, 13, 0),
		Modality:   ModalityPhone,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fallback.DurationMinutes != 50 {
		t.Errorf("expected the default of 50, got %d", fallback.DurationMinutes)
	}
}

func TestBook_MinNotice(t *testing.T) {
	p := newPractice(t, withMinNotice(2*time.Hour))
	soon := p.now.Add(time.Hour)
	req := BookingRequest{ClientID: p.client, ProviderID: p.providerA, Start: soon, Modality: ModalityPhone}

	if _, err := p.svc.CreateReservation(context.Background(), req); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error inside the notice period, got %v", err)
	}
	req.AllowOverride = true
	if _, err := p.svc.CreateReservation(context.Background(), req); err != nil {
		t.Fatalf("override should bypass the notice period: %v", err)
	}
}

func TestBook_PublishFailureKeepsReservation(t *testing.T) {
	p := newPractice(t)
	p.pub.err = errors.New("broker down")

	r := p.book(t, p.providerA, at(p.loc, 2025, time.March, 12, 10, 0), ModalityPhone)
	if _, err := p.svc.GetReservation(context.Background(), r.ID); err != nil {
		t.Errorf("reservation should survive a publish failure: %v", err)
	}
}

func TestTransitionStatus_Lifecycle(t *testing.T) {
	p := newPractice(t)
	r := p.book(t, p.providerA, at(p.loc, 2025, time.March, 12, 10, 0), ModalityPhone)
	ctx := context.Background()

	for _, next := range []Status{StatusConfirmed, StatusInProgress, StatusCompleted} {
		updated, err := p.svc.TransitionStatus(ctx, r.ID, next, nil)
		if err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
		if updated.Status != next {
			t.Errorf("expected %s, got %s", next, updated.Status)
		}
	}

	want := []string{
		EventReservationCreated,
		EventReservationStatusChanged,
		EventReservationStatusChanged,
		EventReservationStatusChanged,
		EventReservationBillable,
	}
	if got := p.pub.types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got events %v, want %v", got, want)
	}
	ev := p.pub.last(t)
	if ev.BillingCode != "90837" || ev.PreviousStatus != StatusInProgress {
		t.Errorf("unexpected billable event %+v", ev)
	}
}

func TestTransitionStatus_Invalid(t *testing.T) {
	p := newPractice(t)
	ctx := context.Background()
	r := p.book(t, p.providerA, at(p.loc, 2025, time.March, 12, 10, 0), ModalityPhone)

	for _, to := range []Status{StatusCompleted, StatusInProgress, StatusRescheduled, StatusScheduled} {
		_, err := p.svc.TransitionStatus(ctx, r.ID, to, nil)
		var te *InvalidTransitionError
		if !errors.As(err, &te) {
			t.Errorf("scheduled -> %s: expected InvalidTransitionError, got %v", to, err)
			continue
		}
		if te.From != StatusScheduled || te.To != to {
			t.Errorf("unexpected error detail %+v", te)
		}
	}

	if _, err := p.svc.TransitionStatus(ctx, r.ID, "archived", nil); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for an unknown status, got %v", err)
	}
	if _, err := p.svc.TransitionStatus(ctx, uuid.New(), StatusConfirmed, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	stored, _ := p.svc.GetReservation(ctx, r.ID)
	if stored.Status != StatusScheduled {
		t.Errorf("rejected transitions must not change state, got %s", stored.Status)
	}
}

func TestTransitionStatus_TerminalStates(t *testing.T) {
	p := newPractice(t)
	ctx := context.Background()
	for _, terminal := range []Status{StatusCancelled, StatusNoShow} {
		r := p.book(t, p.providerA, at(p.loc, 2025, time.March, 12, 10, 0), ModalityPhone)
		if _, err := p.svc.TransitionStatus(ctx, r.ID, terminal, nil); err != nil {
			t.Fatalf("transition to %s: %v", terminal, err)
		}
		if _, err := p.svc.TransitionStatus(ctx, r.ID, StatusConfirmed, nil); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s should be terminal, got %v", terminal, err)
		}
	}
}

func TestTransitionStatus_CancelFreesTheSlot(t *testing.T) {
	p := newPractice(t)
	ctx := context.Background()
	ten := at(p.loc, 2025, time.March, 12, 10, 0)
	r := p.book(t, p.providerA, ten, ModalityInPerson)

	reason := "client request"
	cancelled, err := p.svc.TransitionStatus(ctx, r.ID, StatusCancelled, &reason)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.CancellationReason == nil || *cancelled.CancellationReason != reason {
		t.Errorf("expected the reason to be kept, got %v", cancelled.CancellationReason)
	}
	ev := p.pub.last(t)
	if ev.PreviousStatus != StatusScheduled || ev.Reservation.Status != StatusCancelled {
		t.Errorf("unexpected status event %+v", ev)
	}

	again := p.book(t, p.providerA, ten, ModalityInPerson)
	if *again.RoomID != p.roomA.ID {
		t.Errorf("the freed room should be reused, got %s", again.RoomID)
	}
}

func TestReschedule(t *testing.T) {
	p := newPractice(t)
	ctx := context.Background()
	ten := at(p.loc, 2025, time.March, 12, 10, 0)
	r := p.book(t, p.providerA, ten, ModalityInPerson)

	two := at(p.loc, 2025, time.March, 12, 14, 0)
	old, created, err := p.svc.Reschedule(ctx, r.ID, RescheduleRequest{Start: two})
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if old.Status != StatusRescheduled {
		t.Errorf("old reservation should be rescheduled, got %s", old.Status)
	}
	if created.RescheduledFrom == nil || *created.RescheduledFrom != r.ID {
		t.Errorf("new reservation should point at %s, got %v", r.ID, created.RescheduledFrom)
	}
	if !created.StartAt.Equal(two) || created.DurationMinutes != r.DurationMinutes || created.Modality != r.Modality {
		t.Errorf("unexpected replacement %+v", created)
	}
	if created.ClientID != r.ClientID || created.ProviderID != r.ProviderID {
		t.Error("replacement should keep client and provider")
	}

	want := []string{EventReservationCreated, EventReservationStatusChanged, EventReservationCreated}
	if got := p.pub.types(); !reflect.DeepEqual(got, want) {
		t.Errorf("got events %v, want %v", got, want)
	}

	// The original interval is free again.
	p.book(t, p.providerA, ten, ModalityInPerson)
}

func TestReschedule_OverlappingItself(t *testing.T) {
	p := newPractice(t)
	r := p.book(t, p.providerA, at(p.loc, 2025, time.March, 12, 10, 0), ModalityPhone)

	_, created, err := p.svc.Reschedule(context.Background(), r.ID,
		RescheduleRequest{Start: at(p.loc, 2025, time.March, 12, 10, 30)})
	if err != nil {
		t.Fatalf("moving a session by half an hour should not conflict with itself: %v", err)
	}
	if created.Overridden {
		t.Error("no conflict was bypassed")
	}
}

func TestReschedule_ConflictLeavesOriginal(t *testing.T) {
	p := newPractice(t)
	ctx := context.Background()
	r := p.book(t, p.providerA, at(p.loc, 2025, time.March, 12, 10, 0), ModalityPhone)
	p.book(t, p.providerA, at(p.loc, 2025, time.March, 12, 14, 0), ModalityPhone)
	before := len(p.pub.types())

	_, _, err := p.svc.Reschedule(ctx, r.ID, RescheduleRequest{Start: at(p.loc, 2025, time.March, 12, 14, 30)})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected a conflict, got %v", err)
	}
	stored, err := p.svc.GetReservation(ctx, r.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Status != StatusScheduled {
		t.Errorf("the original must stay scheduled, got %s", stored.Status)
	}
	if len(p.pub.types()) != before {
		t.Error("a failed reschedule must not publish")
	}
}

func TestReschedule_OnlyScheduled(t *testing.T) {
	p := newPractice(t)
	ctx := context.Background()
	r := p.book(t, p.providerA, at(p.loc, 2025, time.March, 12, 10, 0), ModalityPhone)
	if _, err := p.svc.TransitionStatus(ctx, r.ID, StatusConfirmed, nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	_, _, err := p.svc.Reschedule(ctx, r.ID, RescheduleRequest{Start: at(p.loc, 2025, time.March, 12, 15, 0)})
	var te *InvalidTransitionError
	if !errors.As(err, &te) || te.From != StatusConfirmed || te.To != StatusRescheduled {
		t.Fatalf("expected InvalidTransitionError from confirmed, got %v", err)
	}
	if _, _, err := p.svc.Reschedule(ctx, uuid.New(), RescheduleRequest{Start: p.now.Add(48 * time.Hour)}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReschedule_ChangesModality(t *testing.T) {
	p := newPractice(t)
	r := p.book(t, p.providerA, at(p.loc, 2025, time.March, 12, 10, 0), ModalityInPerson)

	_, created, err := p.svc.Reschedule(context.Background(), r.ID, RescheduleRequest{
		Start:    at(p.loc, 2025, time.March, 12, 10, 0),
		Modality: ModalityVirtual,
	})
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if created.Modality != ModalityVirtual || created.RoomID == nil || *created.RoomID != p.telehealth.ID {
		t.Errorf("expected a virtual session in the telehealth room, got %+v", created)
	}
}

func TestLockKeys_SortedAndUnique(t *testing.T) {
	provider := uuid.MustParse("00000000-0000-0000-0000-000000000009")
	r1 := Room{ID: uuid.MustParse("00000000-0000-0000-0000-000000000002")}
	r2 := Room{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001")}

	got := lockKeys(ProviderRef(provider), []Room{r1, r2, r1})
	want := []string{
		"provider:00000000-0000-0000-0000-000000000009",
		"room:00000000-0000-0000-0000-000000000001",
		"room:00000000-0000-0000-0000-000000000002",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
