// Package audit records reservation events as structured audit log lines.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/practice/practice/internal/platform/events"
)

type record struct {
	Reservation struct {
		ID              string    `json:"id"`
		ClientID        string    `json:"client_id"`
		ProviderID      string    `json:"provider_id"`
		RoomID          *string   `json:"room_id,omitempty"`
		StartAt         time.Time `json:"start_at"`
		DurationMinutes int       `json:"duration_minutes"`
		Status          string    `json:"status"`
		RescheduledFrom *string   `json:"rescheduled_from,omitempty"`
	} `json:"reservation"`
	PreviousStatus string `json:"previous_status,omitempty"`
	BillingCode    string `json:"billing_code,omitempty"`
	Overridden     bool   `json:"overridden,omitempty"`
}

// Logger writes one audit line per event. Overridden bookings are logged at
// warn so they stand out in review.
type Logger struct {
	logger zerolog.Logger
}

func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("type", "reservation_audit").Logger()}
}

// Handle is an events.Handler. It never asks for redelivery.
func (l *Logger) Handle(_ context.Context, env events.Envelope) error {
	var r record
	if err := json.Unmarshal(env.Payload, &r); err != nil {
		l.logger.Error().Err(err).
			Str("event_id", env.ID.String()).
			Str("event_type", env.Type).
			Msg("undecodable event")
		return nil
	}

	evt := l.logger.Info()
	if r.Overridden {
		evt = l.logger.Warn()
	}
	evt = evt.
		Str("event_id", env.ID.String()).
		Str("event_type", env.Type).
		Time("occurred_at", env.OccurredAt).
		Str("reservation_id", r.Reservation.ID).
		Str("client_id", r.Reservation.ClientID).
		Str("provider_id", r.Reservation.ProviderID).
		Time("start_at", r.Reservation.StartAt).
		Int("duration_minutes", r.Reservation.DurationMinutes).
		Str("status", r.Reservation.Status).
		Bool("overridden", r.Overridden)
	if r.Reservation.RoomID != nil {
		evt = evt.Str("room_id", *r.Reservation.RoomID)
	}
	if r.PreviousStatus != "" {
		evt = evt.Str("previous_status", r.PreviousStatus)
	}
	if r.Reservation.RescheduledFrom != nil {
		evt = evt.Str("rescheduled_from", *r.Reservation.RescheduledFrom)
	}
	if r.BillingCode != "" {
		evt = evt.Str("billing_code", r.BillingCode)
	}
	evt.Msg("reservation_event")
	return nil
}
