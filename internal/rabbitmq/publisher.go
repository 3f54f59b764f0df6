package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/vault-ledger/internal/metrics"
	"github.com/Checker-Finance/vault-ledger/pkg/eventbus"
	"github.com/Checker-Finance/vault-ledger/pkg/model"
)

// DefaultExchange is the topic exchange vault events are published to.
const DefaultExchange = "vault.events"

const sink = "rabbitmq"

// channel is the subset of *amqp.Channel the publisher needs.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher publishes vault events to RabbitMQ, routed by event type
type Publisher struct {
	conn     *amqp.Connection
	channel  channel
	exchange string
	logger   *zap.Logger
}

// NewPublisher connects to RabbitMQ and declares the events exchange
func NewPublisher(url, exchange string, logger *zap.Logger) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	p := newPublisher(ch, exchange, logger)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{channel: ch, exchange: exchange, logger: logger}
}

// Attach forwards every event on the bus to the exchange
func (p *Publisher) Attach(bus *eventbus.Bus[model.VaultEvent]) {
	bus.Subscribe(eventbus.Wildcard, func(_ string, ev model.VaultEvent) {
		_ = p.Publish(context.Background(), ev)
	})
}

// Publish sends one event with its type as routing key. Pause changes carry
// a higher priority so consumers see them ahead of queued transfers.
func (p *Publisher) Publish(ctx context.Context, ev model.VaultEvent) error {
	if ev.Type == "" {
		p.logger.Error("rabbitmq.publish.untyped_event", zap.String("event_id", ev.ID.String()))
		return fmt.Errorf("event has no type")
	}

	body, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("rabbitmq.publish.marshal_failed", zap.Error(err))
		metrics.IncError("rabbitmq", "marshal_failed")
		return err
	}

	var priority uint8
	if ev.Type == model.EventPaused || ev.Type == model.EventUnpaused {
		priority = 10
	}

	start := time.Now()
	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		ev.Type, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.ID.String(),
			Timestamp:    ev.Timestamp,
			Type:         ev.Type,
			Priority:     priority,
			Body:         body,
		},
	)
	metrics.ObserveDuration(metrics.EventPublishLatency, start, sink)
	if err != nil {
		p.logger.Error("rabbitmq.publish.failed", zap.String("event_type", ev.Type), zap.Error(err))
		metrics.IncEvent(sink, "error")
		return err
	}
	metrics.IncEvent(sink, "ok")
	return nil
}

// Close closes the publisher
func (p *Publisher) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
