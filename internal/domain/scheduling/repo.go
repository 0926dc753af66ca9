package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CalendarRepository reads provider availability. It is read-only to the core.
type CalendarRepository interface {
	// GetWorkingHours returns the weekly template; a provider without one has
	// an empty Days map.
	GetWorkingHours(ctx context.Context, providerID uuid.UUID) (*WorkingHours, error)
	// GetBlockedIntervals returns every block overlapping [from, to).
	GetBlockedIntervals(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]BlockedInterval, error)
}

// DirectoryRepository reads services and rooms.
type DirectoryRepository interface {
	GetService(ctx context.Context, serviceID uuid.UUID) (*Service, error)
	GetRoom(ctx context.Context, roomID uuid.UUID) (*Room, error)
	// GetEligibleRooms returns the active rooms the provider may use for the
	// modality, ordered by preference.
	GetEligibleRooms(ctx context.Context, providerID uuid.UUID, modality Modality) ([]Room, error)
}

// ReservationFilter narrows ListReservations.
type ReservationFilter struct {
	ProviderID *uuid.UUID
	ClientID   *uuid.UUID
	Status     *Status
	From       *time.Time
	To         *time.Time
}

// ReservationRepository reads and writes reservations. Writes must run inside
// UnitOfWork.WithinTx.
type ReservationRepository interface {
	// GetActiveReservations returns scheduled, confirmed and in-progress
	// reservations held by the resource that overlap [from, to).
	GetActiveReservations(ctx context.Context, res ResourceRef, from, to time.Time) ([]Reservation, error)
	Create(ctx context.Context, r *Reservation) error
	GetByID(ctx context.Context, id uuid.UUID) (*Reservation, error)
	// GetForUpdate reads and row-locks a reservation for the rest of the unit of work.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Reservation, error)
	// UpdateStatus stamps updated_at with at, the caller's clock.
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, reason *string, at time.Time) error
	List(ctx context.Context, f ReservationFilter, limit, offset int) ([]Reservation, int, error)
}

// UnitOfWork scopes a booking: one transaction plus resource-scoped
// serialization held until it ends.
type UnitOfWork interface {
	// WithinTx runs fn in a transaction carried by the context passed to fn.
	// A non-nil error from fn rolls the transaction back.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	// LockResources serializes on the given keys until the transaction ends.
	// Keys must already be sorted.
	LockResources(ctx context.Context, keys []string) error
}

// Store bundles everything the core consumes from persistence.
type Store interface {
	CalendarRepository
	DirectoryRepository
	ReservationRepository
	UnitOfWork
}
