package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Deduper remembers which event ids a consumer has already processed.
type Deduper interface {
	// Claim marks id as seen for consumer and reports whether this call was
	// the first to do so.
	Claim(ctx context.Context, consumer string, id uuid.UUID) (bool, error)
	// Release forgets a claim so a failed delivery can be retried.
	Release(ctx context.Context, consumer string, id uuid.UUID) error
}

// Idempotent drops deliveries the consumer has already handled. A handler
// error releases the claim so the redelivery runs again.
func Idempotent(d Deduper, consumer string, h Handler) Handler {
	return func(ctx context.Context, env Envelope) error {
		first, err := d.Claim(ctx, consumer, env.ID)
		if err != nil {
			return fmt.Errorf("dedupe %s: %w", env.ID, err)
		}
		if !first {
			return nil
		}
		if err := h(ctx, env); err != nil {
			if rerr := d.Release(ctx, consumer, env.ID); rerr != nil {
				return fmt.Errorf("%w (release claim: %v)", err, rerr)
			}
			return err
		}
		return nil
	}
}

// MemoryDeduper keeps claims in a bounded, expiring LRU.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

func NewMemoryDeduper(size int, ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{seen: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func (m *MemoryDeduper) Claim(ctx context.Context, consumer string, id uuid.UUID) (bool, error) {
	key := dedupeKey(consumer, id)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen.Contains(key) {
		return false, nil
	}
	m.seen.Add(key, struct{}{})
	return true, nil
}

func (m *MemoryDeduper) Release(ctx context.Context, consumer string, id uuid.UUID) error {
	m.seen.Remove(dedupeKey(consumer, id))
	return nil
}

// RedisDeduper keeps claims in Redis with SETNX so several worker replicas
// share them.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) Claim(ctx context.Context, consumer string, id uuid.UUID) (bool, error) {
	return r.client.SetNX(ctx, dedupeKey(consumer, id), 1, r.ttl).Result()
}

func (r *RedisDeduper) Release(ctx context.Context, consumer string, id uuid.UUID) error {
	return r.client.Del(ctx, dedupeKey(consumer, id)).Err()
}

func dedupeKey(consumer string, id uuid.UUID) string {
	return "practice:dedupe:" + consumer + ":" + id.String()
}
