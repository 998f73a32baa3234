package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgnsrekt/courier-realtime/internal/envelope"
)

type received struct {
	topic string
	env   envelope.Envelope
}

func collect(ch chan received) Handler {
	return func(_ context.Context, topic string, env envelope.Envelope) {
		ch <- received{topic: topic, env: env}
	}
}

func waitFor(t *testing.T, ch chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broker message")
		return received{}
	}
}

func TestMemoryFansOutToAllSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMemory(nil)
	defer m.Close()

	a := make(chan received, 4)
	b := make(chan received, 4)
	if err := m.Subscribe(ctx, []string{"tracking:"}, collect(a)); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := m.Subscribe(ctx, []string{"tracking:", "deliveries"}, collect(b)); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	env := testEnvelope(t)
	if err := m.Publish(ctx, "tracking:TN1", env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for _, ch := range []chan received{a, b} {
		r := waitFor(t, ch)
		if r.topic != "tracking:TN1" || r.env.Type() != env.Type() {
			t.Errorf("unexpected message %+v", r)
		}
	}
}

func TestMemoryFiltersByPrefix(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMemory(nil)
	defer m.Close()

	ch := make(chan received, 4)
	if err := m.Subscribe(ctx, []string{"business:"}, collect(ch)); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	env := testEnvelope(t)
	if err := m.Publish(ctx, "customer:C9:updates", env); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := m.Publish(ctx, "business:B1:deliveries", env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if r := waitFor(t, ch); r.topic != "business:B1:deliveries" {
		t.Errorf("expected business topic first, got %q", r.topic)
	}
	select {
	case r := <-ch:
		t.Errorf("unexpected extra message on %q", r.topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryClosed(t *testing.T) {
	m := NewMemory(nil)
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	ctx := context.Background()
	if err := m.Publish(ctx, "deliveries", testEnvelope(t)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Publish, got %v", err)
	}
	if err := m.Subscribe(ctx, []string{"deliveries"}, func(context.Context, string, envelope.Envelope) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Subscribe, got %v", err)
	}
}

func TestMemorySubscriptionEndsWithContext(t *testing.T) {
	m := NewMemory(nil)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan received, 4)
	if err := m.Subscribe(ctx, []string{"deliveries"}, collect(ch)); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for {
		m.mu.RLock()
		n := len(m.subs)
		m.mu.RUnlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscription not removed after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := m.Publish(context.Background(), "deliveries", testEnvelope(t)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case <-ch:
		t.Error("cancelled subscription still delivered")
	case <-time.After(50 * time.Millisecond):
	}
}
