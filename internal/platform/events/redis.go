package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// DefaultStream is the Redis stream reservation events are appended to.
const DefaultStream = "practice:events"

// NewRedisClient parses url and verifies the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisPublisher appends envelopes to a Redis stream.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisPublisher(client *redis.Client, stream string) *RedisPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: 100000}
}

func (p *RedisPublisher) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":   env.ID.String(),
			"type": env.Type,
			"body": string(body),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// RedisConsumer reads a stream through a consumer group. Entries are acked
// only after the handler succeeds, so a crash leaves them pending for
// redelivery.
type RedisConsumer struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
	logger   zerolog.Logger
}

func NewRedisConsumer(client *redis.Client, stream, group, consumer string, logger zerolog.Logger) *RedisConsumer {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisConsumer{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    5 * time.Second,
		logger:   logger.With().Str("component", "redis_consumer").Str("group", group).Logger(),
	}
}

// Run consumes until ctx is cancelled.
func (c *RedisConsumer) Run(ctx context.Context, h Handler) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s: %w", c.group, err)
	}

	// Entries delivered to this consumer before a restart come first.
	if err := c.drain(ctx, h, "0"); err != nil {
		return err
	}
	for ctx.Err() == nil {
		if err := c.drain(ctx, h, ">"); err != nil {
			return err
		}
	}
	return nil
}

func (c *RedisConsumer) drain(ctx context.Context, h Handler, start string) error {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, start},
		Count:    32,
		Block:    c.block,
	}).Result()
	if errors.Is(err, redis.Nil) || ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("xreadgroup %s: %w", c.stream, err)
	}

	for _, s := range streams {
		for _, msg := range s.Messages {
			env, err := decodeStreamEntry(msg.Values)
			if err != nil {
				c.logger.Error().Err(err).Str("entry_id", msg.ID).Msg("acking undecodable entry")
				c.client.XAck(ctx, c.stream, c.group, msg.ID)
				continue
			}
			if err := h(ctx, env); err != nil {
				c.logger.Warn().Err(err).Str("event_id", env.ID.String()).Msg("event left pending for redelivery")
				continue
			}
			if err := c.client.XAck(ctx, c.stream, c.group, msg.ID).Err(); err != nil {
				return fmt.Errorf("xack %s: %w", msg.ID, err)
			}
		}
	}
	return nil
}

func decodeStreamEntry(values map[string]interface{}) (Envelope, error) {
	body, ok := values["body"].(string)
	if !ok {
		return Envelope{}, fmt.Errorf("stream entry has no body")
	}
	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
