package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/practice/practice/internal/platform/events"
)

func TestLogger_Handle(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf))

	resID := uuid.New()
	payload := `{"reservation":{"id":"` + resID.String() + `","client_id":"c1","provider_id":"p1",` +
		`"start_at":"2025-03-10T14:00:00Z","duration_minutes":50,"status":"cancelled"},"previous_status":"scheduled"}`
	env := events.Envelope{ID: uuid.New(), Type: "reservation.status_changed", OccurredAt: time.Now(), Payload: json.RawMessage(payload)}

	if err := l.Handle(context.Background(), env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		`"type":"reservation_audit"`,
		`"level":"info"`,
		`"reservation_id":"` + resID.String() + `"`,
		`"status":"cancelled"`,
		`"previous_status":"scheduled"`,
		`"event_type":"reservation.status_changed"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("audit line missing %s: %s", want, out)
		}
	}
	if strings.Contains(out, "room_id") {
		t.Errorf("expected no room_id for a room-less reservation: %s", out)
	}
}

func TestLogger_OverriddenAtWarn(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf))
	env := events.Envelope{
		ID:      uuid.New(),
		Type:    "reservation.created",
		Payload: json.RawMessage(`{"reservation":{"id":"r","room_id":"room-1","status":"scheduled"},"overridden":true}`),
	}

	_ = l.Handle(context.Background(), env)

	out := buf.String()
	if !strings.Contains(out, `"level":"warn"`) || !strings.Contains(out, `"room_id":"room-1"`) {
		t.Errorf("expected warn line with room, got %s", out)
	}
}

func TestLogger_UndecodableIsLoggedNotRetried(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf))
	env := events.Envelope{ID: uuid.New(), Type: "reservation.created", Payload: json.RawMessage(`[`)}

	if err := l.Handle(context.Background(), env); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Errorf("expected error line, got %s", buf.String())
	}
}
