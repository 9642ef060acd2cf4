package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4})
	defer bus.Close()

	id, ch := bus.Subscribe()
	defer bus.Unsubscribe(id)

	evt := Event{Type: TypeOrderReceived, OrderID: uuid.New(), At: time.Now()}
	bus.Publish(context.Background(), evt)

	select {
	case got := <-ch:
		if got.Type != TypeOrderReceived || got.OrderID != evt.OrderID {
			t.Errorf("event mismatch: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 1})
	defer bus.Close()

	id, ch := bus.Subscribe()
	defer bus.Unsubscribe(id)

	// Nobody drains ch; every publish beyond the buffer must drop, not stall.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(context.Background(), Event{Type: TypeOrderFilled, OrderID: uuid.New()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// Exactly the buffered event survives.
	select {
	case <-ch:
	default:
		t.Error("expected one buffered event")
	}
}

func TestPublishNoSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()
	bus.Publish(context.Background(), Event{Type: TypeOrderFailed, OrderID: uuid.New()})
}

func TestPublishEmptyType(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 1})
	defer bus.Close()

	id, ch := bus.Subscribe()
	defer bus.Unsubscribe(id)

	bus.Publish(context.Background(), Event{})
	select {
	case evt := <-ch:
		t.Errorf("unexpected delivery: %+v", evt)
	default:
	}
}

func TestPublishDuringUnsubscribeAndClose(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 1})

	ids := make([]SubscriptionID, 0, 100)
	for i := 0; i < 100; i++ {
		id, _ := bus.Subscribe()
		ids = append(ids, id)
	}

	// Publishers hammer the bus while every subscriber is torn down and the
	// bus itself is closed. No send may ever reach a closed channel.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					bus.Publish(context.Background(), Event{Type: TypeOrderFilled, OrderID: uuid.New()})
				}
			}
		}()
	}

	for _, id := range ids {
		bus.Unsubscribe(id)
	}
	bus.Close()
	close(stop)
	wg.Wait()
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 1})
	defer bus.Close()

	id, ch := bus.Subscribe()
	bus.Unsubscribe(id)

	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}
	// Double unsubscribe is a no-op.
	bus.Unsubscribe(id)
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 1})
	_, first := bus.Subscribe()
	_, second := bus.Subscribe()

	bus.Close()
	if _, open := <-first; open {
		t.Error("first channel open after close")
	}
	if _, open := <-second; open {
		t.Error("second channel open after close")
	}

	// Publish after close is a no-op.
	bus.Publish(context.Background(), Event{Type: TypeOrderReceived})
}
