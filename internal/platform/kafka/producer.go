package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/marko911/layerbridge/internal/adapter"
	"github.com/marko911/layerbridge/internal/events"
	protov1 "github.com/marko911/layerbridge/pkg/proto/v1"
)

var _ events.Sink = (*Producer)(nil)

// Producer is an events.Sink. Transfer events are keyed by transfer id so
// each transfer's phases land on one partition in order.
type Producer struct {
	client        *kgo.Client
	transferTopic string
	protocolTopic string
	logger        *slog.Logger
}

func NewProducer(cfg Config, logger *slog.Logger) (*Producer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.BrokerList()...),
		kgo.MaxProduceRequestsInflightPerBroker(1),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordRetries(5),
		kgo.RetryBackoffFn(func(n int) time.Duration {
			return time.Duration(n*100) * time.Millisecond
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Producer{
		client:        client,
		transferTopic: cfg.TransferTopic,
		protocolTopic: cfg.ProtocolTopic,
		logger:        logger.With("component", "kafka-producer"),
	}, nil
}

func (p *Producer) PublishTransfer(ctx context.Context, event *protov1.TransferEvent) error {
	rec, err := transferRecord(p.transferTopic, event)
	if err != nil {
		return err
	}
	return p.produce(ctx, rec)
}

func (p *Producer) PublishProtocol(ctx context.Context, event *protov1.ProtocolEvent) error {
	rec, err := protocolRecord(p.protocolTopic, event)
	if err != nil {
		return err
	}
	return p.produce(ctx, rec)
}

func (p *Producer) produce(ctx context.Context, rec *kgo.Record) error {
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("kafka produce to %s: %w", rec.Topic, err)
	}
	return nil
}

// Close flushes buffered records before closing the client.
func (p *Producer) Close(ctx context.Context) {
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Error("flush failed", "error", err)
	}
	p.client.Close()
}

func transferRecord(topic string, event *protov1.TransferEvent) (*kgo.Record, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode transfer event: %w", err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(event.TransferId),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_id", Value: []byte(event.EventId)},
			{Key: "phase", Value: []byte(fmt.Sprintf("%d", event.Phase))},
			{Key: "schema_version", Value: []byte(fmt.Sprintf("%d", event.SchemaVersion))},
		},
	}, nil
}

func protocolRecord(topic string, event *protov1.ProtocolEvent) (*kgo.Record, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode protocol event: %w", err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(adapter.Kind(event.Kind).String()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_id", Value: []byte(event.EventId)},
			{Key: "schema_version", Value: []byte(fmt.Sprintf("%d", event.SchemaVersion))},
		},
	}, nil
}
