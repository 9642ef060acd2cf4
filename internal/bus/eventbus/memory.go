package eventbus

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MemoryBus is an in-memory, bounded broadcast implementation of Bus.
type MemoryBus struct {
	cfg MemoryConfig

	mu           sync.RWMutex
	subscribers  map[SubscriptionID]chan Event
	nextID       uint64
	closed       bool
	shutdownOnce sync.Once

	publishedCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
}

// NewMemoryBus constructs a memory-backed lifecycle event bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	bus := new(MemoryBus)
	bus.cfg = cfg.normalize()
	bus.subscribers = make(map[SubscriptionID]chan Event)

	meter := otel.Meter("eventbus")
	bus.publishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of lifecycle events published"),
		metric.WithUnit("{event}"))
	bus.droppedCounter, _ = meter.Int64Counter("eventbus.events.dropped",
		metric.WithDescription("Number of deliveries dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))

	return bus
}

// Publish broadcasts the event to every subscriber without blocking. A full
// subscriber buffer drops the delivery and increments the drop counter.
func (b *MemoryBus) Publish(ctx context.Context, evt Event) {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt.Type == "" {
		return
	}

	// Deliveries run under the read lock. Unsubscribe and Close close
	// channels under the write lock, so no send can hit a closed channel.
	// Sends are non-blocking, the lock is never held on a stalled subscriber.
	dropped := 0
	b.mu.RLock()
	if !b.closed {
		for _, ch := range b.subscribers {
			select {
			case ch <- evt:
			default:
				dropped++
			}
		}
	}
	b.mu.RUnlock()

	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event_type", string(evt.Type))))
	}
	if dropped > 0 && b.droppedCounter != nil {
		b.droppedCounter.Add(ctx, int64(dropped), metric.WithAttributes(
			attribute.String("event_type", string(evt.Type))))
	}
}

// Subscribe registers a new subscriber and returns its delivery channel.
func (b *MemoryBus) Subscribe() (SubscriptionID, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan Event)
		close(ch)
		return "", ch
	}
	b.nextID++
	id := SubscriptionID("sub-" + strconv.FormatUint(b.nextID, 10))
	ch := make(chan Event, b.cfg.BufferSize)
	b.subscribers[id] = ch
	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), 1)
	}
	return id, ch
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	close(ch)
	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1)
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.closed = true
		for id, ch := range b.subscribers {
			delete(b.subscribers, id)
			close(ch)
		}
	})
}
