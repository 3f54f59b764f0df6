package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/Checker-Finance/vault-ledger/internal/metrics"
	"github.com/Checker-Finance/vault-ledger/pkg/eventbus"
	"github.com/Checker-Finance/vault-ledger/pkg/logger"
	"github.com/Checker-Finance/vault-ledger/pkg/model"
)

const sink = "nats"

// msgPublisher is the part of nats.JetStreamContext the publisher uses.
type msgPublisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher wraps a NATS connection and publishes vault events as canonical envelopes.
type Publisher struct {
	nc      *nats.Conn
	js      msgPublisher
	prefix  string
	service string
}

// New creates a new Publisher with JetStream enabled.
func New(nc *nats.Conn, prefix, service string) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	return newPublisher(nc, js, prefix, service), nil
}

func newPublisher(nc *nats.Conn, js msgPublisher, prefix, service string) *Publisher {
	if prefix == "" {
		prefix = "evt"
	}
	return &Publisher{nc: nc, js: js, prefix: prefix, service: service}
}

// Subject returns the subject an event type is published on.
func (p *Publisher) Subject(eventType string) string {
	return p.prefix + "." + eventType + ".v1"
}

// Attach forwards every event on the bus to NATS.
func (p *Publisher) Attach(bus *eventbus.Bus[model.VaultEvent]) {
	bus.Subscribe(eventbus.Wildcard, func(_ string, ev model.VaultEvent) {
		_ = p.PublishEvent(context.Background(), ev)
	})
}

// PublishEvent wraps a vault event in an envelope and publishes it.
func (p *Publisher) PublishEvent(ctx context.Context, ev model.VaultEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		metrics.IncError("publisher", "marshal_failed")
		return err
	}
	subject := p.Subject(ev.Type)
	env := &model.Envelope{
		ID:            uuid.New(),
		CorrelationID: ev.ID,
		Topic:         subject,
		EventType:     ev.Type,
		Version:       "1.0.0",
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
	return p.PublishEnvelope(ctx, subject, env)
}

// PublishEnvelope serializes and publishes a canonical event envelope to NATS.
func (p *Publisher) PublishEnvelope(ctx context.Context, subject string, env *model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		logger.S().Errorw("publisher.marshal_failed",
			"subject", subject,
			"event_type", env.EventType,
			"error", err,
		)
		metrics.IncError("publisher", "marshal_failed")
		return err
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"event_type":     []string{env.EventType},
			"correlation_id": []string{env.CorrelationID.String()},
			"service":        []string{p.service},
			"content_type":   []string{"application/json"},
		},
	}

	start := time.Now()
	_, err = p.js.PublishMsg(msg, nats.Context(ctx))
	metrics.ObserveDuration(metrics.EventPublishLatency, start, sink)

	if err != nil {
		logger.S().Errorw("publisher.publish_failed",
			"subject", subject,
			"event_type", env.EventType,
			"error", err,
		)
		metrics.IncEvent(sink, "error")
		return err
	}

	logger.S().Debugw("publisher.publish_success",
		"subject", subject,
		"event_type", env.EventType,
	)
	metrics.IncEvent(sink, "ok")
	return nil
}

func (p *Publisher) Close() {
	if p.nc != nil && p.nc.IsConnected() {
		p.nc.Close()
	}
}
