package nats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/marko911/layerbridge/internal/adapter"
)

const (
	subjectRoot      = "layerbridge"
	transferSubjects = subjectRoot + ".transfers"
	protocolSubjects = subjectRoot + ".protocols"
)

type StreamConfig struct {
	Name      string        `yaml:"name"`
	Subjects  []string      `yaml:"subjects"`
	MaxAge    time.Duration `yaml:"max_age"`
	MaxBytes  int64         `yaml:"max_bytes"`
	Replicas  int           `yaml:"replicas"`
	Duplicate time.Duration `yaml:"duplicate_window"`
}

// DefaultStreamConfig keeps a day of events. Duplicate is the window in which
// a re-published event id is dropped by the server.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Name:      "TRANSFER_EVENTS",
		Subjects:  []string{subjectRoot + ".>"},
		MaxAge:    24 * time.Hour,
		MaxBytes:  1 << 30,
		Replicas:  1,
		Duplicate: 10 * time.Minute,
	}
}

// EnsureStream creates or updates the stream; calling it again is harmless.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Name,
		Subjects:    cfg.Subjects,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		MaxBytes:    cfg.MaxBytes,
		Replicas:    cfg.Replicas,
		Duplicates:  cfg.Duplicate,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
		Description: "layerbridge transfer and protocol events",
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

type ConsumerConfig struct {
	Name          string
	FilterSubject string
	AckWait       time.Duration
	MaxDeliver    int
	MaxAckPending int
}

func DefaultConsumerConfig(name string) ConsumerConfig {
	return ConsumerConfig{
		Name:          name,
		AckWait:       30 * time.Second,
		MaxDeliver:    3,
		MaxAckPending: 1000,
	}
}

// EnsureConsumer creates or updates a durable pull consumer delivering only
// new messages.
func EnsureConsumer(ctx context.Context, stream jetstream.Stream, cfg ConsumerConfig) (jetstream.Consumer, error) {
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		FilterSubject: cfg.FilterSubject,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.MaxAckPending,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure consumer %s: %w", cfg.Name, err)
	}
	return consumer, nil
}

// TransferSubject is layerbridge.transfers.<source>.<destination>.
func TransferSubject(src, dst adapter.Kind) string {
	return fmt.Sprintf("%s.%s.%s", transferSubjects, src, dst)
}

// ProtocolSubject is layerbridge.protocols.<kind>.
func ProtocolSubject(kind adapter.Kind) string {
	return fmt.Sprintf("%s.%s", protocolSubjects, kind)
}

func isTransferSubject(subject string) bool {
	return strings.HasPrefix(subject, transferSubjects+".")
}

func isProtocolSubject(subject string) bool {
	return strings.HasPrefix(subject, protocolSubjects+".")
}
