package scheduling

import (
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
)

// Sentinel errors. Typed errors below unwrap to one of these so callers can
// branch with errors.Is.
var (
	ErrClockAmbiguity    = errors.New("local time is ambiguous or does not exist")
	ErrConflict          = errors.New("resource is already booked")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInfrastructure    = errors.New("scheduling store unavailable")
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("invalid request")
)

// ClockAmbiguityError reports a wall-clock time that falls in a DST gap
// (Nonexistent) or a DST overlap (more than one instant).
type ClockAmbiguityError struct {
	Date        civil.Date
	Time        civil.Time
	Location    string
	Nonexistent bool
}

func (e *ClockAmbiguityError) Error() string {
	kind := "ambiguous"
	if e.Nonexistent {
		kind = "nonexistent"
	}
	return fmt.Sprintf("%s %s is %s in %s", e.Date, e.Time, kind, e.Location)
}

func (e *ClockAmbiguityError) Unwrap() error { return ErrClockAmbiguity }

// ConflictError carries the clashing booking so the caller can offer a fresh
// slot list. Exactly one of ReservationID or BlockedIntervalID is set, except
// for room pool exhaustion where both are nil.
type ConflictError struct {
	Resource          ResourceRef `json:"resource"`
	ReservationID     *uuid.UUID  `json:"reservation_id,omitempty"`
	BlockedIntervalID *uuid.UUID  `json:"blocked_interval_id,omitempty"`
	Interval          Interval    `json:"interval"`
}

func (e *ConflictError) Error() string {
	switch {
	case e.ReservationID != nil:
		return fmt.Sprintf("%s conflicts with reservation %s [%s, %s)", e.Resource,
			e.ReservationID, e.Interval.Start.Format(time.RFC3339), e.Interval.End.Format(time.RFC3339))
	case e.BlockedIntervalID != nil:
		return fmt.Sprintf("%s is blocked by %s [%s, %s)", e.Resource,
			e.BlockedIntervalID, e.Interval.Start.Format(time.RFC3339), e.Interval.End.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s has no free room for [%s, %s)", e.Resource,
		e.Interval.Start.Format(time.RFC3339), e.Interval.End.Format(time.RFC3339))
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// InvalidTransitionError reports an illegal status change.
type InvalidTransitionError struct {
	ReservationID uuid.UUID
	From          Status
	To            Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("reservation %s cannot move from %s to %s", e.ReservationID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// InfrastructureError wraps a store failure. It is fatal for the request and
// the core never retries it.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() []error { return []error{ErrInfrastructure, e.Err} }

// infra wraps err as an InfrastructureError unless it already is a domain
// outcome that the caller must see unchanged.
func infra(op string, err error) error {
	if err == nil {
		return nil
	}
	if isDomainError(err) {
		return err
	}
	return &InfrastructureError{Op: op, Err: err}
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrClockAmbiguity) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInfrastructure)
}

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
