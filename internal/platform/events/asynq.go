package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// DefaultQueue is the asynq queue reservation events are enqueued on.
const DefaultQueue = "events"

// AsynqPublisher turns each envelope into a retryable task whose id is the
// event id, so a duplicate publish is dropped by the broker.
type AsynqPublisher struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
	maxRetry  int
}

func NewAsynqPublisher(redisURL, queue string) (*AsynqPublisher, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if queue == "" {
		queue = DefaultQueue
	}
	return &AsynqPublisher{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		queue:     queue,
		maxRetry:  10,
	}, nil
}

func (p *AsynqPublisher) Publish(ctx context.Context, env Envelope) error {
	return p.enqueue(ctx, env, asynq.Queue(p.queue))
}

// PublishAt delays delivery of env until at.
func (p *AsynqPublisher) PublishAt(ctx context.Context, env Envelope, at time.Time) error {
	return p.enqueue(ctx, env, asynq.Queue(p.queue), asynq.ProcessAt(at))
}

func (p *AsynqPublisher) enqueue(ctx context.Context, env Envelope, opts ...asynq.Option) error {
	task, err := newTask(env)
	if err != nil {
		return err
	}
	opts = append(opts, asynq.TaskID(env.ID.String()), asynq.MaxRetry(p.maxRetry))
	_, err = p.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", env.Type, err)
	}
	return nil
}

// Cancel drops a pending task. A task that already ran or never existed is
// not an error.
func (p *AsynqPublisher) Cancel(ctx context.Context, id uuid.UUID) error {
	err := p.inspector.DeleteTask(p.queue, id.String())
	if err == nil || errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil
	}
	return fmt.Errorf("cancel task %s: %w", id, err)
}

func (p *AsynqPublisher) Close() error {
	return errors.Join(p.inspector.Close(), p.client.Close())
}

func newTask(env Envelope) (*asynq.Task, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return asynq.NewTask(env.Type, body), nil
}

// AsynqWorker runs an asynq server dispatching tasks to event handlers.
type AsynqWorker struct {
	srv    *asynq.Server
	mux    *asynq.ServeMux
	logger zerolog.Logger
}

func NewAsynqWorker(redisURL, queue string, concurrency int, logger zerolog.Logger) (*AsynqWorker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if queue == "" {
		queue = DefaultQueue
	}
	if concurrency <= 0 {
		concurrency = 10
	}
	log := logger.With().Str("component", "asynq_worker").Logger()
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Warn().Err(err).Str("task_type", task.Type()).Msg("task failed, will retry")
		}),
	})
	return &AsynqWorker{srv: srv, mux: asynq.NewServeMux(), logger: log}, nil
}

// Handle routes tasks of eventType to h.
func (w *AsynqWorker) Handle(eventType string, h Handler) {
	w.mux.HandleFunc(eventType, func(ctx context.Context, task *asynq.Task) error {
		var env Envelope
		if err := json.Unmarshal(task.Payload(), &env); err != nil {
			w.logger.Error().Err(err).Str("task_type", task.Type()).Msg("skipping undecodable task")
			return fmt.Errorf("decode envelope: %v: %w", err, asynq.SkipRetry)
		}
		return h(ctx, env)
	})
}

// Run blocks until ctx is cancelled, then drains in-flight tasks.
func (w *AsynqWorker) Run(ctx context.Context) error {
	if err := w.srv.Start(w.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	<-ctx.Done()
	w.srv.Shutdown()
	return nil
}
