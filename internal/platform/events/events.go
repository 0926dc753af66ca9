// Package events carries domain events from the writer to independent
// consumers. Every transport delivers at least once, so handlers must be
// idempotent on Envelope.ID (see Idempotent).
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Envelope is the transport-neutral event record.
type Envelope struct {
	ID         uuid.UUID       `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Publisher hands an event to a transport.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Handler consumes one event. A returned error asks the transport to redeliver.
type Handler func(ctx context.Context, env Envelope) error

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("event bus closed")

// Bus is an in-process Publisher. Each subscriber gets its own queue and
// goroutine, so a slow consumer never delays the writer or other consumers.
type Bus struct {
	logger   zerolog.Logger
	buffer   int
	attempts int
	backoff  time.Duration

	mu     sync.RWMutex
	subs   []*subscription
	closed bool
	wg     sync.WaitGroup
}

type subscription struct {
	name    string
	ch      chan Envelope
	handler Handler
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithRetry sets how many times a failing handler is tried per event and the
// initial wait between tries, which doubles after each failure.
func WithRetry(attempts int, backoff time.Duration) BusOption {
	return func(b *Bus) {
		if attempts < 1 {
			attempts = 1
		}
		b.attempts = attempts
		b.backoff = backoff
	}
}

// NewBus creates a bus with per-subscriber queues of the given size. A failed
// handler is retried three times by default, starting 200ms apart.
func NewBus(logger zerolog.Logger, buffer int, opts ...BusOption) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	b := &Bus{
		logger:   logger.With().Str("component", "event_bus").Logger(),
		buffer:   buffer,
		attempts: 3,
		backoff:  200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a consumer. Types limits delivery to the given event
// types; none means all.
func (b *Bus) Subscribe(name string, h Handler, types ...string) {
	if len(types) > 0 {
		h = OnlyTypes(h, types...)
	}
	s := &subscription{name: name, ch: make(chan Envelope, b.buffer), handler: h}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.run(s)
}

func (b *Bus) run(s *subscription) {
	defer b.wg.Done()
	for env := range s.ch {
		b.deliver(s, env)
	}
}

// deliver redelivers env to s until the handler succeeds or the attempts run
// out. The event is dropped, and logged, only after the last attempt.
func (b *Bus) deliver(s *subscription, env Envelope) {
	wait := b.backoff
	for attempt := 1; ; attempt++ {
		err := s.handler(context.Background(), env)
		if err == nil {
			return
		}
		ev := b.logger.Warn()
		if attempt >= b.attempts {
			ev = b.logger.Error()
		}
		ev.Err(err).
			Str("subscriber", s.name).
			Str("event_id", env.ID.String()).
			Str("event_type", env.Type).
			Int("attempt", attempt).
			Msg("event handler failed")
		if attempt >= b.attempts {
			return
		}
		time.Sleep(wait)
		wait *= 2
	}
}

// Publish enqueues env for every subscriber. It blocks only while a
// subscriber queue is full and gives up when ctx is done.
func (b *Bus) Publish(ctx context.Context, env Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, s := range b.subs {
		select {
		case s.ch <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops accepting events and waits for queued ones to be handled.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// OnlyTypes wraps h so it ignores events of other types.
func OnlyTypes(h Handler, types ...string) Handler {
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	return func(ctx context.Context, env Envelope) error {
		if !want[env.Type] {
			return nil
		}
		return h(ctx, env)
	}
}

// Fanout dispatches to every handler and joins their errors.
func Fanout(handlers ...Handler) Handler {
	return func(ctx context.Context, env Envelope) error {
		var errs []error
		for _, h := range handlers {
			if err := h(ctx, env); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
