package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/marko911/layerbridge/internal/events"
	protov1 "github.com/marko911/layerbridge/pkg/proto/v1"
)

type SubscriberConfig struct {
	BatchSize    int
	FetchTimeout time.Duration
}

func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{BatchSize: 100, FetchTimeout: 5 * time.Second}
}

// Subscriber replays events from the stream into a local sink, typically the
// in-process bus behind the operator feed of another instance.
type Subscriber struct {
	cfg      SubscriberConfig
	consumer jetstream.Consumer
	sink     events.Sink
	logger   *slog.Logger
}

func NewSubscriber(cfg SubscriberConfig, consumer jetstream.Consumer, sink events.Sink, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSubscriberConfig().BatchSize
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultSubscriberConfig().FetchTimeout
	}
	return &Subscriber{
		cfg:      cfg,
		consumer: consumer,
		sink:     sink,
		logger:   logger.With("component", "nats-subscriber"),
	}
}

// Run fetches until ctx is done.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.fetch(ctx); err != nil {
			s.logger.Error("fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

func (s *Subscriber) fetch(ctx context.Context) error {
	batch, err := s.consumer.Fetch(s.cfg.BatchSize, jetstream.FetchMaxWait(s.cfg.FetchTimeout))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return fmt.Errorf("fetch messages: %w", err)
	}

	for msg := range batch.Messages() {
		env, err := decode(msg.Subject(), msg.Data())
		if err != nil {
			s.logger.Warn("dropping undecodable event", "subject", msg.Subject(), "error", err)
			_ = msg.Term()
			continue
		}
		if err := deliver(ctx, s.sink, env); err != nil {
			s.logger.Warn("sink rejected event", "subject", msg.Subject(), "error", err)
			_ = msg.Nak()
			continue
		}
		if err := msg.Ack(); err != nil {
			s.logger.Warn("ack failed", "error", err)
		}
	}
	return batch.Error()
}

func decode(subject string, data []byte) (events.Envelope, error) {
	switch {
	case isTransferSubject(subject):
		var ev protov1.TransferEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return events.Envelope{}, err
		}
		return events.Envelope{Transfer: &ev}, nil
	case isProtocolSubject(subject):
		var ev protov1.ProtocolEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return events.Envelope{}, err
		}
		return events.Envelope{Protocol: &ev}, nil
	default:
		return events.Envelope{}, fmt.Errorf("unknown subject %s", subject)
	}
}

func deliver(ctx context.Context, sink events.Sink, env events.Envelope) error {
	if env.Transfer != nil {
		return sink.PublishTransfer(ctx, env.Transfer)
	}
	return sink.PublishProtocol(ctx, env.Protocol)
}
