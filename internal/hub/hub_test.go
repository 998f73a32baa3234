package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/courier-realtime/internal/auth"
	"github.com/dgnsrekt/courier-realtime/internal/broker"
	"github.com/dgnsrekt/courier-realtime/internal/envelope"
	"github.com/dgnsrekt/courier-realtime/internal/metrics"
	"github.com/dgnsrekt/courier-realtime/internal/topics"
)

type fakeConn struct {
	id   string
	auth auth.Identity
	recv chan []byte

	mu        sync.Mutex
	sendErr   error
	dead      bool
	closed    bool
	closeCode int
}

func newFakeConn(id string, identity auth.Identity) *fakeConn {
	return &fakeConn{id: id, auth: identity, recv: make(chan []byte, 16)}
}

func (c *fakeConn) ID() string              { return c.id }
func (c *fakeConn) Identity() auth.Identity { return c.auth }

func (c *fakeConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.recv <- msg
	return nil
}

func (c *fakeConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
	}
}

func (c *fakeConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.dead && !c.closed
}

func (c *fakeConn) closedWith() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

func (c *fakeConn) next(t *testing.T) envelope.Envelope {
	t.Helper()
	select {
	case b := <-c.recv:
		env, err := envelope.Decode(b)
		if err != nil {
			t.Fatalf("decode delivered envelope: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: timed out waiting for delivery", c.id)
		return envelope.Envelope{}
	}
}

func (c *fakeConn) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case b := <-c.recv:
		t.Fatalf("%s: unexpected delivery %s", c.id, b)
	case <-time.After(50 * time.Millisecond):
	}
}

var (
	admin    = auth.Identity{Role: auth.RoleAdmin, UserID: "A1"}
	driverD7 = auth.Identity{Role: auth.RoleDriver, UserID: "U7", DriverID: "D7"}
	bizB1    = auth.Identity{Role: auth.RoleBusiness, UserID: "U2", BusinessID: "B1"}
)

func startHub(t *testing.T, b broker.Broker, opts ...Option) *Hub {
	t.Helper()
	h := New(b, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errc; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	return h
}

func mustEnvelope(t *testing.T, typ envelope.Type, channel string, data any) envelope.Envelope {
	t.Helper()
	env, err := envelope.New(typ, channel, data, time.UnixMilli(1700000000000))
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	return env
}

func mustRegister(t *testing.T, h *Hub, c Conn, initial ...string) {
	t.Helper()
	if err := h.Register(context.Background(), c, initial); err != nil {
		t.Fatalf("Register %s: %v", c.ID(), err)
	}
}

func TestPublishLocalFanOut(t *testing.T) {
	h := startHub(t, nil)
	ctx := context.Background()

	a := newFakeConn("a", admin)
	b := newFakeConn("b", admin)
	other := newFakeConn("other", admin)
	mustRegister(t, h, a, topics.Deliveries)
	mustRegister(t, h, b, topics.Deliveries, topics.Inquiries)
	mustRegister(t, h, other, topics.Inquiries)

	env := mustEnvelope(t, envelope.TypeDeliveryStatus, topics.Deliveries, map[string]string{"id": "d1"})
	n, err := h.PublishLocal(ctx, topics.Deliveries, env)
	if err != nil {
		t.Fatalf("PublishLocal: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 deliveries, got %d", n)
	}

	for _, c := range []*fakeConn{a, b} {
		got := c.next(t)
		if got.Type() != envelope.TypeDeliveryStatus || got.Channel() != topics.Deliveries {
			t.Errorf("%s: unexpected envelope %s/%s", c.id, got.Type(), got.Channel())
		}
		c.expectNothing(t)
	}
	other.expectNothing(t)
}

func TestPublishDistributedAcrossHubs(t *testing.T) {
	bus := broker.NewMemory(nil)
	defer bus.Close()

	hubA := startHub(t, bus, WithInstanceID("a"))
	hubB := startHub(t, bus, WithInstanceID("b"))

	onA := newFakeConn("on-a", admin)
	onB := newFakeConn("on-b", admin)
	mustRegister(t, hubA, onA, topics.DriverLocations)
	mustRegister(t, hubB, onB, topics.DriverLocations)

	env := mustEnvelope(t, envelope.TypeDriverLocation, topics.DriverLocations, map[string]float64{"lat": 1, "lng": 2})
	if err := hubA.PublishDistributed(context.Background(), topics.DriverLocations, env); err != nil {
		t.Fatalf("PublishDistributed: %v", err)
	}

	for _, c := range []*fakeConn{onA, onB} {
		got := c.next(t)
		if got.Type() != envelope.TypeDriverLocation {
			t.Errorf("%s: unexpected type %s", c.id, got.Type())
		}
		if string(got.Data()) != string(env.Data()) {
			t.Errorf("%s: data mismatch %s", c.id, got.Data())
		}
		c.expectNothing(t)
	}
}

func TestPublishDistributedWithoutBrokerIsLocal(t *testing.T) {
	h := startHub(t, nil)
	c := newFakeConn("c", admin)
	mustRegister(t, h, c, topics.Inquiries)

	env := mustEnvelope(t, envelope.TypeDeliveryStatus, topics.Inquiries, nil)
	if err := h.PublishDistributed(context.Background(), topics.Inquiries, env); err != nil {
		t.Fatalf("PublishDistributed: %v", err)
	}
	c.next(t)
}

func TestPublishDistributedBrokerFailureDeliversLocally(t *testing.T) {
	bus := broker.NewMemory(nil)
	h := startHub(t, bus)
	c := newFakeConn("c", admin)
	mustRegister(t, h, c, topics.Deliveries)

	bus.Close()
	env := mustEnvelope(t, envelope.TypeDeliveryStatus, topics.Deliveries, nil)
	err := h.PublishDistributed(context.Background(), topics.Deliveries, env)
	if !errors.Is(err, ErrBrokerPublish) || !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("expected wrapped broker error, got %v", err)
	}
	c.next(t)
	c.expectNothing(t)
}

func TestPublishDistributedUnknownTopic(t *testing.T) {
	h := startHub(t, broker.NewMemory(nil))
	env := mustEnvelope(t, envelope.TypeDeliveryStatus, "", nil)
	for _, topic := range []string{"", "orders:1", "random"} {
		if err := h.PublishDistributed(context.Background(), topic, env); !errors.Is(err, ErrUnknownTopic) {
			t.Errorf("%q: expected ErrUnknownTopic, got %v", topic, err)
		}
	}
}

func TestFailedSendIsIsolated(t *testing.T) {
	m := metrics.New()
	h := startHub(t, nil, WithMetrics(m))
	ctx := context.Background()

	slow := newFakeConn("a-slow", admin)
	slow.sendErr = ErrSendBufferFull
	gone := newFakeConn("b-gone", admin)
	gone.sendErr = ErrConnClosed
	healthy := newFakeConn("c-healthy", admin)
	for _, c := range []*fakeConn{slow, gone, healthy} {
		mustRegister(t, h, c, topics.Deliveries)
	}

	n, err := h.PublishLocal(ctx, topics.Deliveries, mustEnvelope(t, envelope.TypeDeliveryStatus, topics.Deliveries, nil))
	if err != nil {
		t.Fatalf("PublishLocal: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 delivery, got %d", n)
	}
	healthy.next(t)

	if closed, code := slow.closedWith(); !closed || code != CloseTryAgainLater {
		t.Errorf("slow consumer: closed=%v code=%d", closed, code)
	}
	if closed, _ := gone.closedWith(); !closed {
		t.Error("failed connection not closed")
	}

	stats, err := h.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Connections != 1 || stats.Topics[topics.Deliveries] != 1 {
		t.Errorf("expected only the healthy connection left, got %+v", stats)
	}
}

func TestDeadConnectionSkipped(t *testing.T) {
	h := startHub(t, nil)
	dead := newFakeConn("dead", admin)
	dead.dead = true
	mustRegister(t, h, dead, topics.Deliveries)

	n, err := h.PublishLocal(context.Background(), topics.Deliveries, mustEnvelope(t, envelope.TypePong, "", nil))
	if err != nil {
		t.Fatalf("PublishLocal: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 deliveries, got %d", n)
	}
	dead.expectNothing(t)
}

func TestUnregisterCleansUp(t *testing.T) {
	h := startHub(t, nil)
	ctx := context.Background()

	c := newFakeConn("c", driverD7)
	mustRegister(t, h, c, topics.DefaultTopics(driverD7)...)

	if err := h.Unregister(ctx, c); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	// Unknown connections are ignored.
	if err := h.Unregister(ctx, c); err != nil {
		t.Fatalf("second Unregister: %v", err)
	}

	stats, _ := h.Stats(ctx)
	if stats.Connections != 0 || len(stats.Topics) != 0 {
		t.Errorf("expected empty registry, got %+v", stats)
	}
	for _, topic := range topics.DefaultTopics(driverD7) {
		n, err := h.PublishLocal(ctx, topic, mustEnvelope(t, envelope.TypeDeliveryStatus, topic, nil))
		if err != nil {
			t.Fatalf("PublishLocal: %v", err)
		}
		if n != 0 {
			t.Errorf("%s: expected no deliveries after unregister, got %d", topic, n)
		}
	}
	c.expectNothing(t)
}

func TestRegisterIsIdempotent(t *testing.T) {
	h := startHub(t, nil)
	ctx := context.Background()

	c := newFakeConn("c", bizB1)
	mustRegister(t, h, c, topics.BusinessDeliveries("B1"))
	mustRegister(t, h, c, topics.BusinessDeliveries("B1"), topics.BusinessNotifications("B1"))

	stats, _ := h.Stats(ctx)
	if stats.Connections != 1 || stats.Roles["business"] != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	got, _ := h.Topics(ctx, c)
	want := []string{"business:B1:deliveries", "business:B1:notifications"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestSubscribeEnforcesAuthorization(t *testing.T) {
	h := startHub(t, nil)
	ctx := context.Background()

	c := newFakeConn("c", bizB1)
	mustRegister(t, h, c, topics.BusinessDeliveries("B1"), topics.BusinessDeliveries("B2"))

	got, _ := h.Topics(ctx, c)
	if len(got) != 1 || got[0] != "business:B1:deliveries" {
		t.Errorf("unauthorized initial topic registered: %v", got)
	}

	if err := h.Subscribe(ctx, c, topics.Deliveries); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized, got %v", err)
	}
	if err := h.Subscribe(ctx, newFakeConn("stranger", admin), topics.Deliveries); !errors.Is(err, ErrUnknownConn) {
		t.Errorf("expected ErrUnknownConn, got %v", err)
	}
}

func TestDriverScenario(t *testing.T) {
	h := startHub(t, nil)
	ctx := context.Background()

	d7 := newFakeConn("d7", driverD7)
	defaults := topics.DefaultTopics(driverD7)
	mustRegister(t, h, d7, defaults...)

	got, _ := h.Topics(ctx, d7)
	want := map[string]bool{"driver:D7:deliveries": true, "driver:D7:location": true, "driver:broadcasts": true}
	if len(got) != len(want) {
		t.Fatalf("expected %d default topics, got %v", len(want), got)
	}
	for _, topic := range got {
		if !want[topic] {
			t.Errorf("unexpected default topic %q", topic)
		}
	}

	if err := h.Subscribe(ctx, d7, "business:B3:deliveries"); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected denial, got %v", err)
	}
	if err := h.Subscribe(ctx, d7, topics.DriverBroadcasts); err != nil {
		t.Fatalf("re-subscribe: %v", err)
	}

	n, err := h.PublishLocal(ctx, topics.DriverBroadcasts, mustEnvelope(t, envelope.TypeDeliveryStatus, topics.DriverBroadcasts, nil))
	if err != nil {
		t.Fatalf("PublishLocal: %v", err)
	}
	if n != 1 {
		t.Errorf("expected a single delivery, got %d", n)
	}
	d7.next(t)
	d7.expectNothing(t)
}

func TestShutdownClosesConnections(t *testing.T) {
	h := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.Run(ctx) }()

	c := newFakeConn("c", admin)
	mustRegister(t, h, c, topics.Deliveries)

	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if closed, code := c.closedWith(); !closed || code != CloseGoingAway {
		t.Errorf("expected close with %d, got closed=%v code=%d", CloseGoingAway, closed, code)
	}
	if _, err := h.Stats(context.Background()); !errors.Is(err, ErrHubStopped) {
		t.Errorf("expected ErrHubStopped, got %v", err)
	}
	if err := h.Run(context.Background()); err == nil {
		t.Error("expected error running a hub twice")
	}
}

func TestStatsJSON(t *testing.T) {
	h := startHub(t, nil, WithInstanceID("node-1"))
	mustRegister(t, h, newFakeConn("c", admin), topics.Deliveries)

	stats, err := h.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	b, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["instance"] != "node-1" || decoded["connections"] != float64(1) {
		t.Errorf("unexpected stats JSON %s", b)
	}
}
