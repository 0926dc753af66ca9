package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/practice/practice/internal/platform/events"
)

// Event types this consumer reacts to.
const (
	EventCreated       = "reservation.created"
	EventStatusChanged = "reservation.status_changed"
	EventReminder      = "reservation.reminder"
)

// reminderNamespace derives a stable reminder id per reservation so the
// scheduler can drop duplicates and cancel the reminder later.
var reminderNamespace = uuid.MustParse("6f1c2a52-58a4-4c0e-9a5e-3f7b0d1e9c41")

// ReminderID is the event id of the reminder scheduled for a reservation.
func ReminderID(reservationID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(reminderNamespace, reservationID[:])
}

// ReminderScheduler delays an event. AsynqPublisher satisfies it.
type ReminderScheduler interface {
	PublishAt(ctx context.Context, env events.Envelope, at time.Time) error
	Cancel(ctx context.Context, id uuid.UUID) error
}

type reservation struct {
	ID                 uuid.UUID `json:"id"`
	ClientID           uuid.UUID `json:"client_id"`
	StartAt            time.Time `json:"start_at"`
	DurationMinutes    int       `json:"duration_minutes"`
	Modality           string    `json:"modality"`
	Status             string    `json:"status"`
	CancellationReason *string   `json:"cancellation_reason,omitempty"`
}

type payload struct {
	Reservation    reservation `json:"reservation"`
	PreviousStatus string      `json:"previous_status,omitempty"`
}

type ConsumerConfig struct {
	Location *time.Location
	// ReminderLead is how long before the start a reminder goes out. Zero
	// disables reminders.
	ReminderLead time.Duration
	Now          func() time.Time
}

// Consumer renders one message per relevant reservation event.
type Consumer struct {
	engine    *TemplateEngine
	sender    Sender
	reminders ReminderScheduler
	cfg       ConsumerConfig
	logger    zerolog.Logger
}

// NewConsumer builds a consumer. reminders may be nil.
func NewConsumer(engine *TemplateEngine, sender Sender, reminders ReminderScheduler, cfg ConsumerConfig, logger zerolog.Logger) *Consumer {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Consumer{
		engine:    engine,
		sender:    sender,
		reminders: reminders,
		cfg:       cfg,
		logger:    logger.With().Str("component", "notification_consumer").Logger(),
	}
}

// Handle is an events.Handler.
func (c *Consumer) Handle(ctx context.Context, env events.Envelope) error {
	var p payload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.logger.Error().Err(err).Str("event_id", env.ID.String()).Msg("dropping undecodable event")
		return nil
	}
	r := p.Reservation

	switch env.Type {
	case EventCreated:
		if err := c.send(ctx, env, TemplateConfirmed, r); err != nil {
			return err
		}
		return c.scheduleReminder(ctx, env, r)

	case EventStatusChanged:
		tpl := ""
		switch r.Status {
		case "cancelled":
			tpl = TemplateCancelled
		case "rescheduled":
			tpl = TemplateRescheduled
		case "no_show":
			tpl = TemplateNoShow
		}
		if tpl == "" {
			return nil
		}
		if c.reminders != nil {
			if err := c.reminders.Cancel(ctx, ReminderID(r.ID)); err != nil {
				return err
			}
		}
		return c.send(ctx, env, tpl, r)

	case EventReminder:
		return c.send(ctx, env, TemplateReminder, r)
	}
	return nil
}

func (c *Consumer) send(ctx context.Context, env events.Envelope, templateID string, r reservation) error {
	local := r.StartAt.In(c.cfg.Location)
	data := map[string]string{
		"date":     local.Format("Monday, January 2, 2006"),
		"time":     local.Format("3:04 PM MST"),
		"duration": strconv.Itoa(r.DurationMinutes),
		"modality": modalityLabel(r.Modality),
		"reason":   "",
	}
	if r.CancellationReason != nil && *r.CancellationReason != "" {
		data["reason"] = " Reason: " + *r.CancellationReason + "."
	}

	t, err := c.engine.Render(templateID, data)
	if err != nil {
		return err
	}
	msg := Message{
		// One message per event and template, so a redelivered event yields the same id.
		ID:            uuid.NewSHA1(env.ID, []byte(templateID)),
		Channel:       t.Channel,
		TemplateID:    templateID,
		ClientID:      r.ClientID,
		ReservationID: r.ID,
		Subject:       t.Subject,
		Body:          t.Body,
		CreatedAt:     c.cfg.Now().UTC(),
	}
	if err := c.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s for reservation %s: %w", templateID, r.ID, err)
	}
	return nil
}

func (c *Consumer) scheduleReminder(ctx context.Context, env events.Envelope, r reservation) error {
	if c.reminders == nil || c.cfg.ReminderLead <= 0 {
		return nil
	}
	at := r.StartAt.Add(-c.cfg.ReminderLead)
	if !at.After(c.cfg.Now()) {
		return nil
	}
	reminder := events.Envelope{
		ID:         ReminderID(r.ID),
		Type:       EventReminder,
		OccurredAt: at.UTC(),
		Payload:    env.Payload,
	}
	if err := c.reminders.PublishAt(ctx, reminder, at); err != nil {
		return fmt.Errorf("schedule reminder for %s: %w", r.ID, err)
	}
	c.logger.Debug().Str("reservation_id", r.ID.String()).Time("at", at).Msg("reminder scheduled")
	return nil
}

func modalityLabel(m string) string {
	switch m {
	case "in_person":
		return "in-person"
	case "virtual":
		return "video"
	case "phone":
		return "phone"
	}
	return m
}
