package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/marko911/layerbridge/internal/adapter"
	"github.com/marko911/layerbridge/internal/events"
	protov1 "github.com/marko911/layerbridge/pkg/proto/v1"
)

var _ events.Sink = (*Publisher)(nil)

// Publisher sets the event id as the JetStream message id, so a relay that
// re-publishes after a crash does not duplicate events inside the stream's
// duplicate window.
type Publisher struct {
	js jetstream.JetStream
}

func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

func (p *Publisher) PublishTransfer(ctx context.Context, event *protov1.TransferEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode transfer event: %w", err)
	}
	subject := TransferSubject(adapter.Kind(event.Source), adapter.Kind(event.Destination))
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.EventId)); err != nil {
		return fmt.Errorf("jetstream publish %s: %w", subject, err)
	}
	return nil
}

func (p *Publisher) PublishProtocol(ctx context.Context, event *protov1.ProtocolEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode protocol event: %w", err)
	}
	subject := ProtocolSubject(adapter.Kind(event.Kind))
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.EventId)); err != nil {
		return fmt.Errorf("jetstream publish %s: %w", subject, err)
	}
	return nil
}
