// Package relay publishes transfer events written to the Postgres outbox.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/marko911/layerbridge/internal/events"
	"github.com/marko911/layerbridge/internal/platform/storage"
	protov1 "github.com/marko911/layerbridge/pkg/proto/v1"
)

// Outbox is implemented by storage.OutboxRepository.
type Outbox interface {
	FetchPending(ctx context.Context, limit int) ([]storage.OutboxMessage, error)
	MarkProcessing(ctx context.Context, ids []int64) ([]int64, error)
	MarkPublished(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	Unclaim(ctx context.Context, ids []int64) error
	RequeueStale(ctx context.Context, age time.Duration) (int64, error)
}

type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	// StaleAfter is how long a claimed row may stay unpublished before it is
	// handed out again.
	StaleAfter time.Duration `yaml:"stale_after"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 100 * time.Millisecond,
		BatchSize:    100,
		StaleAfter:   time.Minute,
	}
}

type Stats struct {
	Published uint64
	Failed    uint64
	Requeued  uint64
}

type Relay struct {
	cfg    Config
	outbox Outbox
	sink   events.Sink
	logger *slog.Logger

	stats Stats
}

func New(cfg Config, outbox Outbox, sink events.Sink, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	return &Relay{
		cfg:    cfg,
		outbox: outbox,
		sink:   sink,
		logger: logger.With("component", "outbox-relay"),
	}
}

// Run polls until ctx is done. Only one goroutine may call Run or Poll.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("starting outbox relay", "poll_interval", r.cfg.PollInterval, "batch_size", r.cfg.BatchSize)

	r.requeue(ctx)
	poll := time.NewTicker(r.cfg.PollInterval)
	defer poll.Stop()
	stale := time.NewTicker(r.cfg.StaleAfter)
	defer stale.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stale.C:
			r.requeue(ctx)
		case <-poll.C:
			if _, err := r.Poll(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("poll failed", "error", err)
			}
		}
	}
}

func (r *Relay) requeue(ctx context.Context) {
	n, err := r.outbox.RequeueStale(ctx, r.cfg.StaleAfter)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("requeue stale rows failed", "error", err)
		}
		return
	}
	if n > 0 {
		r.stats.Requeued += uint64(n)
		r.logger.Warn("requeued stale outbox rows", "count", n)
	}
}

// Poll relays one batch in outbox order and reports how many events were
// published. After a failure, later events of the same transfer are put back
// so a transfer's events are never published out of order.
func (r *Relay) Poll(ctx context.Context) (int, error) {
	messages, err := r.outbox.FetchPending(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch pending: %w", err)
	}
	if len(messages) == 0 {
		return 0, nil
	}

	ids := make([]int64, len(messages))
	for i, msg := range messages {
		ids[i] = msg.ID
	}
	claimed, err := r.outbox.MarkProcessing(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("claim: %w", err)
	}
	mine := make(map[int64]bool, len(claimed))
	for _, id := range claimed {
		mine[id] = true
	}

	var published, held []int64
	blocked := make(map[string]bool)
	for _, msg := range messages {
		if !mine[msg.ID] {
			continue
		}
		if blocked[msg.TransferID] {
			held = append(held, msg.ID)
			continue
		}
		if err := r.publish(ctx, msg); err != nil {
			blocked[msg.TransferID] = true
			r.stats.Failed++
			r.logger.Warn("publish failed", "event_id", msg.EventID, "transfer_id", msg.TransferID, "error", err)
			if err := r.outbox.MarkFailed(ctx, msg.ID, err.Error()); err != nil {
				r.logger.Error("mark failed", "id", msg.ID, "error", err)
			}
			continue
		}
		published = append(published, msg.ID)
	}

	if err := r.outbox.Unclaim(ctx, held); err != nil {
		r.logger.Error("unclaim failed", "count", len(held), "error", err)
	}
	if err := r.outbox.MarkPublished(ctx, published); err != nil {
		return 0, fmt.Errorf("mark published: %w", err)
	}
	r.stats.Published += uint64(len(published))
	return len(published), nil
}

func (r *Relay) publish(ctx context.Context, msg storage.OutboxMessage) error {
	var ev protov1.TransferEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return fmt.Errorf("decode event %s: %w", msg.EventID, err)
	}
	return r.sink.PublishTransfer(ctx, &ev)
}

func (r *Relay) Stats() Stats {
	return r.stats
}
