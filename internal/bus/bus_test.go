package bus

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"printbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := New(2, testLogger())
	if !b.Publish(domain.InboundEvent{ID: "Ev1"}) {
		t.Fatal("publish failed")
	}
	select {
	case ev := <-b.Subscribe():
		if ev.ID != "Ev1" {
			t.Fatalf("got %q", ev.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestBus_FullDropsAfterTimeout(t *testing.T) {
	b := New(1, testLogger())
	b.publishTimeout = 20 * time.Millisecond

	if !b.Publish(domain.InboundEvent{ID: "Ev1"}) {
		t.Fatal("first publish should fit the buffer")
	}
	start := time.Now()
	if b.Publish(domain.InboundEvent{ID: "Ev2"}) {
		t.Fatal("second publish should be dropped")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("publish should wait before dropping")
	}
}

func TestBus_FullDeliversWhenDrained(t *testing.T) {
	b := New(1, testLogger())
	b.Publish(domain.InboundEvent{ID: "Ev1"})

	go func() {
		time.Sleep(10 * time.Millisecond)
		<-b.Subscribe()
	}()
	if !b.Publish(domain.InboundEvent{ID: "Ev2"}) {
		t.Fatal("publish should succeed once a slot frees up")
	}
}

func TestBus_CloseIdempotent(t *testing.T) {
	b := New(1, testLogger())
	b.Close()
	b.Close()

	if b.Publish(domain.InboundEvent{ID: "late"}) {
		t.Fatal("publish after close should fail")
	}
	if _, ok := <-b.Subscribe(); ok {
		t.Fatal("subscription should be closed")
	}
}

func TestBus_DefaultBuffer(t *testing.T) {
	b := New(0, testLogger())
	if cap(b.inbound) != 100 {
		t.Fatalf("expected default buffer 100, got %d", cap(b.inbound))
	}
}
