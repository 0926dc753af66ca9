package scheduling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/practice/practice/internal/platform/events"
)

// Event types published after a reservation write commits.
const (
	EventReservationCreated       = "reservation.created"
	EventReservationStatusChanged = "reservation.status_changed"
	EventReservationBillable      = "reservation.billable"
)

// ReservationEvent is the payload of every reservation event. It carries the
// full snapshot so consumers never read back from the core.
type ReservationEvent struct {
	Reservation    Reservation `json:"reservation"`
	PreviousStatus Status      `json:"previous_status,omitempty"`
	BillingCode    string      `json:"billing_code,omitempty"`
	Overridden     bool        `json:"overridden,omitempty"`
}

func newEnvelope(eventType string, payload ReservationEvent, at time.Time) (events.Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return events.Envelope{}, fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return events.Envelope{
		ID:         uuid.New(),
		Type:       eventType,
		OccurredAt: at.UTC(),
		Payload:    body,
	}, nil
}

// DecodeReservationEvent unpacks a reservation event envelope.
func DecodeReservationEvent(env events.Envelope) (*ReservationEvent, error) {
	var ev ReservationEvent
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", env.Type, env.ID, err)
	}
	return &ev, nil
}
