// Package stream fans committed events out to downstream consumers: NATS
// JetStream for services, websockets for UIs. Both consume the engine's
// best-effort feed; neither can stall settlement.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"synthperp/internal/event"
)

// Publisher republishes engine events to JetStream.
// Subjects follow synthperp.events.{event_type}.{market_id}.
type Publisher struct {
	js  jetstream.JetStream
	in  <-chan event.Envelope
	hub *Hub
	log zerolog.Logger
}

// NewPublisher builds a publisher for the given feed. hub may be nil when
// no websocket surface is wired.
func NewPublisher(js jetstream.JetStream, in <-chan event.Envelope, hub *Hub, log zerolog.Logger) *Publisher {
	return &Publisher{js: js, in: in, hub: hub, log: log}
}

// Run drains the feed until ctx is cancelled or the feed closes. A failed
// publish is non-fatal: consumers can replay from the event log.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-p.in:
			if !ok {
				return nil
			}
			if p.hub != nil {
				p.hub.Broadcast(env)
			}
			if err := p.publish(ctx, env); err != nil {
				p.log.Warn().Err(err).Int64("sequence", env.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("synthperp.events.%s", env.Type)
	if env.MarketID != nil {
		subject = fmt.Sprintf("%s.%s", subject, *env.MarketID)
	}

	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureStream creates or updates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "SYNTHPERP_EVENTS",
		Subjects:  []string{"synthperp.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
