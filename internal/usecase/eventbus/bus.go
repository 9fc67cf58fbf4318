package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"fnord/internal/domain"
)

// DefaultQueueSize is the per-subscriber buffer.
const DefaultQueueSize = 256

type delivery struct {
	ctx   context.Context
	event domain.Event
}

// subscriber owns a queue drained by a single goroutine, so a subscriber
// sees events in publish order.
type subscriber struct {
	id        uint64
	eventType domain.EventType // empty matches every event
	queue     chan delivery
	handler   domain.EventHandler
	closeOnce sync.Once
}

func (s *subscriber) stop() {
	s.closeOnce.Do(func() { close(s.queue) })
}

// Bus is an in-process, goroutine-safe event bus. Publish never blocks:
// an event is dropped for a subscriber whose queue is full.
type Bus struct {
	mu        sync.RWMutex
	subs      []*subscriber
	closed    bool
	queueSize int
	nextID    atomic.Uint64
	dropped   atomic.Uint64
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize sets the per-subscriber buffer.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{queueSize: DefaultQueueSize, logger: logger}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish enqueues event for every matching subscriber.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, s := range b.subs {
		if s.eventType != "" && s.eventType != event.Type {
			continue
		}
		select {
		case s.queue <- delivery{ctx: ctx, event: event}:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped, subscriber queue full",
				"event", string(event.Type),
				"run_id", event.RunID,
				"subscriber", s.id,
			)
		}
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add("", handler)
}

func (b *Bus) add(eventType domain.EventType, handler domain.EventHandler) func() {
	s := &subscriber{
		id:        b.nextID.Add(1),
		eventType: eventType,
		queue:     make(chan delivery, b.queueSize),
		handler:   handler,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs = append(b.subs, s)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.drain(s)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, cur := range b.subs {
			if cur.id == s.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		s.stop()
	}
}

func (b *Bus) drain(s *subscriber) {
	defer b.wg.Done()
	for d := range s.queue {
		b.deliver(s, d)
	}
}

func (b *Bus) deliver(s *subscriber, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"subscriber", s.id,
				"panic", r,
			)
		}
	}()
	s.handler(d.ctx, d.event)
}

// Dropped returns the number of events discarded because a subscriber
// queue was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close prevents new publishes and waits for queued events to be handled.
// Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, s := range b.subs {
		s.stop()
	}
	b.subs = nil
	b.mu.Unlock()

	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)
