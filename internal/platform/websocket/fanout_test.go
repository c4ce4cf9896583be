package websocket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// memBroker is an in-process Broker shared by several fanouts.
type memBroker struct {
	mu   sync.Mutex
	subs []chan []byte
}

func (b *memBroker) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		ch <- payload
	}
	return nil
}

func (b *memBroker) Subscribe(_ context.Context, _ string) (<-chan []byte, func() error, error) {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch, func() error { return nil }, nil
}

func TestRedisFanout_DeliversAcrossInstances(t *testing.T) {
	broker := &memBroker{}

	regA := newTestRegistry()
	regB := newTestRegistry()
	fanA := NewRedisFanout(regA, broker, zerolog.Nop())
	fanB := NewRedisFanout(regB, broker, zerolog.Nop())
	if err := fanA.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := fanB.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer fanA.Stop()
	defer fanB.Stop()

	onA := &fakeSession{id: "a1"}
	onB := &fakeSession{id: "b1"}
	regA.Register("u1", onA)
	regB.Register("u1", onB)

	if n := fanA.Push(context.Background(), "u1", Frame{Event: EventNotification}); n != 1 {
		t.Errorf("expected 1 local delivery, got %d", n)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(onB.received()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(onB.received()) != 1 {
		t.Fatalf("expected remote session to receive 1 frame, got %d", len(onB.received()))
	}

	// The origin instance ignores its own echo.
	time.Sleep(20 * time.Millisecond)
	if len(onA.received()) != 1 {
		t.Errorf("expected origin session to receive exactly once, got %d", len(onA.received()))
	}
}

func TestRedisFanout_StopWithoutStart(t *testing.T) {
	f := NewRedisFanout(newTestRegistry(), &memBroker{}, zerolog.Nop())
	f.Stop()
}
