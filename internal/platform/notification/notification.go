// Package notification turns reservation events into client messages. It
// renders templates and hands the result to a Sender; delivery itself lives
// outside this service.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Channel is the medium a message is delivered over.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Message is one rendered notification ready for delivery.
type Message struct {
	ID            uuid.UUID `json:"id"`
	Channel       Channel   `json:"channel"`
	TemplateID    string    `json:"template_id"`
	ClientID      uuid.UUID `json:"client_id"`
	ReservationID uuid.UUID `json:"reservation_id"`
	Subject       string    `json:"subject,omitempty"`
	Body          string    `json:"body"`
	CreatedAt     time.Time `json:"created_at"`
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "notification").Logger()}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info().
		Str("message_id", msg.ID.String()).
		Str("channel", string(msg.Channel)).
		Str("template", msg.TemplateID).
		Str("client_id", msg.ClientID.String()).
		Str("reservation_id", msg.ReservationID.String()).
		Str("subject", msg.Subject).
		Msg("notification rendered")
	return nil
}

// Template IDs for reservation messages.
const (
	TemplateConfirmed   = "reservation_confirmed"
	TemplateCancelled   = "reservation_cancelled"
	TemplateRescheduled = "reservation_rescheduled"
	TemplateNoShow      = "reservation_no_show"
	TemplateReminder    = "reservation_reminder"
)

var ErrTemplateNotFound = errors.New("template not found")

// Template is a subject/body pair with {{key}} placeholders.
type Template struct {
	ID      string
	Channel Channel
	Subject string
	Body    string
}

// TemplateEngine holds templates and renders them with string data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplateEngine returns an engine preloaded with the reservation templates.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	for _, t := range builtIn {
		e.templates[t.ID] = t
	}
	return e
}

var builtIn = []Template{
	{
		ID:      TemplateConfirmed,
		Channel: ChannelEmail,
		Subject: "Your appointment on {{date}}",
		Body:    "Your {{modality}} appointment is booked for {{date}} at {{time}} ({{duration}} minutes).",
	},
	{
		ID:      TemplateCancelled,
		Channel: ChannelEmail,
		Subject: "Appointment cancelled",
		Body:    "Your appointment on {{date}} at {{time}} has been cancelled.{{reason}}",
	},
	{
		ID:      TemplateRescheduled,
		Channel: ChannelEmail,
		Subject: "Appointment moved",
		Body:    "Your appointment on {{date}} at {{time}} has been moved. A new confirmation follows.",
	},
	{
		ID:      TemplateNoShow,
		Channel: ChannelEmail,
		Subject: "We missed you",
		Body:    "We missed you at your appointment on {{date}} at {{time}}. Please contact us to rebook.",
	},
	{
		ID:      TemplateReminder,
		Channel: ChannelSMS,
		Body:    "Reminder: {{modality}} appointment {{date}} at {{time}}.",
	},
}

// Register adds or replaces a template.
func (e *TemplateEngine) Register(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render fills the template's placeholders. Unknown placeholders are left as is.
func (e *TemplateEngine) Render(id string, data map[string]string) (Template, error) {
	e.mu.RLock()
	t, ok := e.templates[id]
	e.mu.RUnlock()
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", data[k])
	}
	r := strings.NewReplacer(pairs...)
	t.Subject = r.Replace(t.Subject)
	t.Body = r.Replace(t.Body)
	return t, nil
}
