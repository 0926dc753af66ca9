package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// RabbitPublisher publishes envelopes to a durable topic exchange, routed by
// event type.
type RabbitPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

func NewRabbitPublisher(url, exchange string) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := declareExchange(channel, exchange); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}
	return &RabbitPublisher{conn: conn, channel: channel, exchange: exchange}, nil
}

func declareExchange(ch *amqp.Channel, exchange string) error {
	err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return p.channel.PublishWithContext(ctx, p.exchange, env.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID.String(),
		Timestamp:    env.OccurredAt,
		Type:         env.Type,
		Body:         body,
	})
}

func (p *RabbitPublisher) Close() error {
	if p == nil || p.channel == nil {
		return nil
	}
	if err := p.channel.Close(); err != nil {
		return err
	}
	return p.conn.Close()
}

// RabbitConsumer binds a durable queue to the exchange and feeds deliveries
// to a Handler. Failed deliveries are requeued.
type RabbitConsumer struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	queue    string
	logger   zerolog.Logger
}

func NewRabbitConsumer(url, exchange, queue string, logger zerolog.Logger) (*RabbitConsumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := declareExchange(channel, exchange); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}
	return &RabbitConsumer{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
		queue:    queue,
		logger:   logger.With().Str("component", "rabbitmq_consumer").Str("queue", queue).Logger(),
	}, nil
}

// Run consumes until ctx is cancelled or the channel closes.
func (c *RabbitConsumer) Run(ctx context.Context, h Handler, routingKeys ...string) error {
	if len(routingKeys) == 0 {
		routingKeys = []string{"#"}
	}
	q, err := c.channel.QueueDeclare(
		c.queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", c.queue, err)
	}
	for _, key := range routingKeys {
		if err := c.channel.QueueBind(q.Name, key, c.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", q.Name, key, err)
		}
	}
	if err := c.channel.Qos(16, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	msgs, err := c.channel.Consume(
		q.Name,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("rabbitmq delivery channel closed")
			}
			c.handle(ctx, msg, h)
		}
	}
}

func (c *RabbitConsumer) handle(ctx context.Context, msg amqp.Delivery, h Handler) {
	env, err := decodeDelivery(msg)
	if err != nil {
		c.logger.Error().Err(err).Str("message_id", msg.MessageId).Msg("dropping undecodable message")
		msg.Nack(false, false)
		return
	}
	if err := h(ctx, env); err != nil {
		c.logger.Warn().Err(err).Str("event_id", env.ID.String()).Str("event_type", env.Type).Msg("requeueing event")
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}

func decodeDelivery(msg amqp.Delivery) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.ID == uuid.Nil && msg.MessageId != "" {
		id, err := uuid.Parse(msg.MessageId)
		if err == nil {
			env.ID = id
		}
	}
	if env.Type == "" {
		env.Type = msg.Type
	}
	return env, nil
}

func (c *RabbitConsumer) Close() error {
	if c == nil || c.channel == nil {
		return nil
	}
	if err := c.channel.Close(); err != nil {
		return err
	}
	return c.conn.Close()
}
