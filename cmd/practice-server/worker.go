package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/practice/practice/internal/config"
	"github.com/practice/practice/internal/domain/scheduling"
	"github.com/practice/practice/internal/platform/events"
	"github.com/practice/practice/internal/platform/notification"
)

const dedupeTTL = 7 * 24 * time.Hour

// runWorker consumes reservation events from the configured broker. Each
// consumer is independent and wrapped for idempotency.
func runWorker(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if cfg.EventBackend == config.EventsMemory {
		return fmt.Errorf("EVENT_BACKEND=memory delivers events inside the server; the worker needs redis, rabbitmq or asynq")
	}

	var (
		deduper   events.Deduper = events.NewMemoryDeduper(100000, dedupeTTL)
		reminders *events.AsynqPublisher
		client    *redis.Client
	)
	if cfg.RedisURL != "" {
		var err error
		client, err = events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		deduper = events.NewRedisDeduper(client, dedupeTTL)

		reminders, err = events.NewAsynqPublisher(cfg.RedisURL, cfg.AsynqQueue)
		if err != nil {
			return err
		}
		defer reminders.Close()
	}

	var sched notification.ReminderScheduler
	if reminders != nil {
		sched = reminders
	}
	c := newConsumers(cfg, sched, logger)
	notify := events.Idempotent(deduper, "notification", c.notify)
	auditH := events.Idempotent(deduper, "audit", c.audit)

	host, _ := os.Hostname()
	g, ctx := errgroup.WithContext(ctx)

	switch cfg.EventBackend {
	case config.EventsRedis:
		for name, h := range map[string]events.Handler{"notification": notify, "audit": auditH} {
			consumer := events.NewRedisConsumer(client, cfg.RedisStream, name, host, logger)
			h := h
			g.Go(func() error { return consumer.Run(ctx, h) })
		}

	case config.EventsRabbitMQ:
		for name, h := range map[string]events.Handler{"notification": notify, "audit": auditH} {
			consumer, err := events.NewRabbitConsumer(cfg.RabbitMQURL, cfg.RabbitMQExchange, "practice."+name, logger)
			if err != nil {
				return err
			}
			defer consumer.Close()
			h := h
			g.Go(func() error { return consumer.Run(ctx, h, "reservation.*") })
		}
	}

	if cfg.RedisURL != "" {
		w, err := events.NewAsynqWorker(cfg.RedisURL, cfg.AsynqQueue, cfg.WorkerConcurrency, logger)
		if err != nil {
			return err
		}
		if cfg.EventBackend == config.EventsAsynq {
			both := events.Fanout(notify, auditH)
			w.Handle(notification.EventCreated, both)
			w.Handle(notification.EventStatusChanged, both)
			w.Handle(scheduling.EventReservationBillable, auditH)
		}
		// Reminders are always scheduled through asynq, whatever the broker.
		w.Handle(notification.EventReminder, notify)
		g.Go(func() error { return w.Run(ctx) })
	}

	logger.Info().Str("event_backend", cfg.EventBackend).Msg("worker started")
	err := g.Wait()
	logger.Info().Msg("worker stopped")
	return err
}
