// Package events fans transfer and protocol events out to their consumers.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	protov1 "github.com/marko911/layerbridge/pkg/proto/v1"
)

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	PublishTransfer(ctx context.Context, event *protov1.TransferEvent) error
	PublishProtocol(ctx context.Context, event *protov1.ProtocolEvent) error
}

type Discard struct{}

func (Discard) PublishTransfer(context.Context, *protov1.TransferEvent) error { return nil }
func (Discard) PublishProtocol(context.Context, *protov1.ProtocolEvent) error { return nil }

// Multi publishes to every sink and joins their errors.
type Multi []Sink

func (m Multi) PublishTransfer(ctx context.Context, event *protov1.TransferEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.PublishTransfer(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) PublishProtocol(ctx context.Context, event *protov1.ProtocolEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.PublishProtocol(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Envelope carries exactly one of Transfer or Protocol.
type Envelope struct {
	Transfer *protov1.TransferEvent
	Protocol *protov1.ProtocolEvent
}

type Subscription struct {
	C <-chan Envelope

	ch      chan Envelope
	bus     *Bus
	dropped uint64
}

func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

func (s *Subscription) Dropped() uint64 {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	return s.dropped
}

// Bus is an in-process Sink. Slow subscribers lose events rather than block
// publishers.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "event-bus"),
		subs:   make(map[*Subscription]struct{}),
	}
}

func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Envelope, buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

func (b *Bus) publish(env Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		select {
		case sub.ch <- env:
		default:
			sub.dropped++
		}
	}
}

func (b *Bus) PublishTransfer(_ context.Context, event *protov1.TransferEvent) error {
	b.publish(Envelope{Transfer: event})
	return nil
}

func (b *Bus) PublishProtocol(_ context.Context, event *protov1.ProtocolEvent) error {
	b.publish(Envelope{Protocol: event})
	return nil
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
	b.logger.Debug("event bus closed")
}
