package scheduling

import (
	"context"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/practice/practice/internal/platform/events"
)

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

// at returns the instant of a practice-local wall-clock reading.
func at(loc *time.Location, year int, month time.Month, day, hour, minute int) time.Time {
	return time.Date(year, month, day, hour, minute, 0, 0, loc).UTC()
}

func clock(hour, minute int) civil.Time { return civil.Time{Hour: hour, Minute: minute} }

func weekdays(start, end civil.Time) map[time.Weekday]DayWindow {
	days := make(map[time.Weekday]DayWindow)
	for d := time.Monday; d <= time.Friday; d++ {
		days[d] = DayWindow{Start: start, End: end}
	}
	return days
}

// capturePublisher records every published envelope.
type capturePublisher struct {
	mu   sync.Mutex
	envs []events.Envelope
	err  error
}

func (p *capturePublisher) Publish(ctx context.Context, env events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return p.err
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.envs))
	for _, e := range p.envs {
		out = append(out, e.Type)
	}
	return out
}

func (p *capturePublisher) last(t *testing.T) *ReservationEvent {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.envs) == 0 {
		t.Fatal("no events published")
	}
	ev, err := DecodeReservationEvent(p.envs[len(p.envs)-1])
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return ev
}

// practice is a small in-memory practice: three providers working weekdays
// 09:00-17:00 in New York, two in-person rooms and one virtual room.
type practice struct {
	loc        *time.Location
	store      *MemoryStore
	pub        *capturePublisher
	svc        *Scheduler
	now        time.Time
	providerA  uuid.UUID
	providerB  uuid.UUID
	providerC  uuid.UUID
	client     uuid.UUID
	therapy    Service
	roomA      Room
	roomB      Room
	telehealth Room
}

type practiceOption func(*practice, *Config)

func withMinNotice(d time.Duration) practiceOption {
	return func(_ *practice, cfg *Config) { cfg.MinNotice = d }
}

func withoutRooms() practiceOption {
	return func(p *practice, _ *Config) {
		p.store.mu.Lock()
		p.store.rooms = make(map[uuid.UUID]Room)
		p.store.mu.Unlock()
	}
}

func newPractice(t *testing.T, opts ...practiceOption) *practice {
	t.Helper()
	loc := newYork(t)
	p := &practice{
		loc:        loc,
		store:      NewMemoryStore(),
		pub:        &capturePublisher{},
		now:        at(loc, 2025, time.March, 3, 8, 0),
		providerA:  uuid.New(),
		providerB:  uuid.New(),
		providerC:  uuid.New(),
		client:     uuid.New(),
		therapy:    Service{ID: uuid.New(), Name: "Individual therapy", DurationMinutes: 60, BillingCode: "90837"},
		roomA:      Room{ID: uuid.New(), Name: "Room A", Modality: ModalityInPerson, Active: true},
		roomB:      Room{ID: uuid.New(), Name: "Room B", Modality: ModalityInPerson, Active: true},
		telehealth: Room{ID: uuid.New(), Name: "Telehealth 1", Modality: ModalityVirtual, Active: true},
	}
	for _, id := range []uuid.UUID{p.providerA, p.providerB, p.providerC} {
		p.store.SetWorkingHours(WorkingHours{ProviderID: id, Days: weekdays(clock(9, 0), clock(17, 0))})
	}
	p.store.AddService(p.therapy)
	p.store.AddRoom(p.roomA)
	p.store.AddRoom(p.roomB)
	p.store.AddRoom(p.telehealth)

	cfg := Config{
		Location:        loc,
		SlotGranularity: 30 * time.Minute,
		BookingTimeout:  2 * time.Second,
		Directory:       DirectoryConfig{CacheSize: 64, CacheTTL: time.Minute, DefaultDurationMinutes: 50},
		Now:             func() time.Time { return p.now },
	}
	for _, opt := range opts {
		opt(p, &cfg)
	}
	p.svc = NewScheduler(p.store, p.pub, cfg, zerolog.Nop())
	return p
}

func (p *practice) book(t *testing.T, provider uuid.UUID, start time.Time, m Modality) *Reservation {
	t.Helper()
	r, err := p.svc.CreateReservation(context.Background(), BookingRequest{
		ClientID:   p.client,
		ProviderID: provider,
		ServiceID:  p.therapy.ID,
		Start:      start,
		Modality:   m,
		Room:       roomRequest(nil, m),
	})
	if err != nil {
		t.Fatalf("book %s at %s: %v", m, start.In(p.loc).Format(time.Kitchen), err)
	}
	return r
}
