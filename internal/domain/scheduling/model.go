package scheduling

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
)

// Modality is how a session is delivered. It decides which room pool applies.
type Modality string

const (
	ModalityInPerson Modality = "in_person"
	ModalityVirtual  Modality = "virtual"
	ModalityPhone    Modality = "phone"
)

var validModalities = map[Modality]bool{
	ModalityInPerson: true, ModalityVirtual: true, ModalityPhone: true,
}

// Valid reports whether m is a known modality.
func (m Modality) Valid() bool { return validModalities[m] }

// NeedsRoom reports whether sessions of this modality occupy a room.
func (m Modality) NeedsRoom() bool { return m == ModalityInPerson || m == ModalityVirtual }

// Status is the lifecycle state of a Reservation.
type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusConfirmed   Status = "confirmed"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusNoShow      Status = "no_show"
	StatusRescheduled Status = "rescheduled"
)

var activeStatuses = map[Status]bool{
	StatusScheduled: true, StatusConfirmed: true, StatusInProgress: true,
}

// allowedTransitions lists every legal edge of the status machine.
var allowedTransitions = map[Status][]Status{
	StatusScheduled:  {StatusConfirmed, StatusCancelled, StatusNoShow, StatusRescheduled},
	StatusConfirmed:  {StatusInProgress},
	StatusInProgress: {StatusCompleted},
}

// Active reports whether a reservation in this status still holds its resources.
func (s Status) Active() bool { return activeStatuses[s] }

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return len(allowedTransitions[s]) == 0 }

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusInProgress, StatusCompleted,
		StatusCancelled, StatusNoShow, StatusRescheduled:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Reservation maps to the reservation table. It is the only entity the
// scheduling core creates.
type Reservation struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	ClientID           uuid.UUID  `db:"client_id" json:"client_id"`
	ProviderID         uuid.UUID  `db:"provider_id" json:"provider_id"`
	RoomID             *uuid.UUID `db:"room_id" json:"room_id,omitempty"`
	ServiceID          uuid.UUID  `db:"service_id" json:"service_id"`
	StartAt            time.Time  `db:"start_at" json:"start_at"`
	DurationMinutes    int        `db:"duration_minutes" json:"duration_minutes"`
	Modality           Modality   `db:"modality" json:"modality"`
	Status             Status     `db:"status" json:"status"`
	RescheduledFrom    *uuid.UUID `db:"rescheduled_from" json:"rescheduled_from,omitempty"`
	Overridden         bool       `db:"overridden" json:"overridden"`
	CancellationReason *string    `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// EndAt returns the exclusive end of the reservation.
func (r *Reservation) EndAt() time.Time {
	return r.StartAt.Add(time.Duration(r.DurationMinutes) * time.Minute)
}

// Interval returns the half-open interval the reservation occupies.
func (r *Reservation) Interval() Interval {
	return Interval{Start: r.StartAt, End: r.EndAt()}
}

// Holds reports whether the reservation occupies the given resource.
func (r *Reservation) Holds(ref ResourceRef) bool {
	switch ref.Kind {
	case ResourceProvider:
		return r.ProviderID == ref.ID
	case ResourceRoom:
		return r.RoomID != nil && *r.RoomID == ref.ID
	}
	return false
}

// BlockedInterval maps to the blocked_interval table: an explicit
// unavailability window for one provider.
type BlockedInterval struct {
	ID         uuid.UUID `db:"id" json:"id"`
	ProviderID uuid.UUID `db:"provider_id" json:"provider_id"`
	StartAt    time.Time `db:"start_at" json:"start_at"`
	EndAt      time.Time `db:"end_at" json:"end_at"`
	Reason     *string   `db:"reason" json:"reason,omitempty"`
}

// Interval returns the half-open interval of the block.
func (b *BlockedInterval) Interval() Interval {
	return Interval{Start: b.StartAt, End: b.EndAt}
}

// DayWindow is a working window on one day, in practice-local wall time.
type DayWindow struct {
	Start civil.Time `json:"start"`
	End   civil.Time `json:"end"`
}

// WorkingHours is a provider's recurring weekly template. A missing weekday is
// a day off.
type WorkingHours struct {
	ProviderID uuid.UUID                  `json:"provider_id"`
	Days       map[time.Weekday]DayWindow `json:"days"`
}

// Room maps to the room table. Virtual rooms only serve virtual sessions.
type Room struct {
	ID       uuid.UUID `db:"id" json:"id"`
	Name     string    `db:"name" json:"name"`
	Modality Modality  `db:"modality" json:"modality"`
	Active   bool      `db:"active" json:"active"`
}

// Serves reports whether the room may host a session of modality m.
func (r *Room) Serves(m Modality) bool {
	if !r.Active {
		return false
	}
	return r.Modality == m
}

// Service maps to the service table.
type Service struct {
	ID              uuid.UUID `db:"id" json:"id"`
	Name            string    `db:"name" json:"name"`
	DurationMinutes int       `db:"duration_minutes" json:"duration_minutes"`
	BillingCode     string    `db:"billing_code" json:"billing_code"`
}

// Interval is a half-open [Start, End) span of canonical time.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Slot is a bookable start time.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ResourceKind distinguishes the two independently booked resources.
type ResourceKind string

const (
	ResourceProvider ResourceKind = "provider"
	ResourceRoom     ResourceKind = "room"
	ResourceRoomPool ResourceKind = "room_pool"
)

// ResourceRef identifies a provider or a room.
type ResourceRef struct {
	Kind ResourceKind `json:"kind"`
	ID   uuid.UUID    `json:"id"`
}

// ProviderRef builds a provider reference.
func ProviderRef(id uuid.UUID) ResourceRef { return ResourceRef{Kind: ResourceProvider, ID: id} }

// RoomRef builds a room reference.
func RoomRef(id uuid.UUID) ResourceRef { return ResourceRef{Kind: ResourceRoom, ID: id} }

// LockKey is the serialization key used by the unit of work for this resource.
func (r ResourceRef) LockKey() string { return string(r.Kind) + ":" + r.ID.String() }

func (r ResourceRef) String() string { return r.LockKey() }

// RoomRequest is how a booking asks for a room: either a caller-chosen room or
// any free room of the modality pool. It is resolved to a concrete room only
// inside the booking unit of work.
type RoomRequest struct {
	roomID   *uuid.UUID
	modality Modality
}

// ExplicitRoom requests one specific room.
func ExplicitRoom(id uuid.UUID) RoomRequest { return RoomRequest{roomID: &id} }

// RoomPool requests the first free room eligible for the modality.
func RoomPool(m Modality) RoomRequest { return RoomRequest{modality: m} }

// NoRoom is used for sessions that occupy no room (phone).
func NoRoom() RoomRequest { return RoomRequest{} }

// Explicit returns the requested room id, if the request names one.
func (r RoomRequest) Explicit() (uuid.UUID, bool) {
	if r.roomID == nil {
		return uuid.Nil, false
	}
	return *r.roomID, true
}

// Pool returns the requested pool modality, if the request is pool-based.
func (r RoomRequest) Pool() (Modality, bool) {
	if r.roomID != nil || r.modality == "" {
		return "", false
	}
	return r.modality, true
}

// IsNone reports whether no room is requested.
func (r RoomRequest) IsNone() bool { return r.roomID == nil && r.modality == "" }
