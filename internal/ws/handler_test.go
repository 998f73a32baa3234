package ws

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dgnsrekt/courier-realtime/internal/auth"
	"github.com/dgnsrekt/courier-realtime/internal/envelope"
	"github.com/dgnsrekt/courier-realtime/internal/hub"
	"github.com/dgnsrekt/courier-realtime/internal/topics"
)

type testServer struct {
	url    string
	hub    *hub.Hub
	tokens *auth.JWTAuthenticator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newWrappedTestServer(t, func(h *hub.Hub) Hub { return h })
}

// newWrappedTestServer serves the handler over wrap(h) so a test can alter
// what the handler sees of the hub.
func newWrappedTestServer(t *testing.T, wrap func(*hub.Hub) Hub) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	h := hub.New(nil)
	errc := make(chan error, 1)
	go func() { errc <- h.Run(ctx) }()

	a, err := auth.NewJWTAuthenticator("ws-secret", "", 0)
	if err != nil {
		t.Fatalf("NewJWTAuthenticator: %v", err)
	}

	srv := httptest.NewServer(NewHandler(ctx, wrap(h), a, nil, Options{}))
	t.Cleanup(func() {
		cancel()
		<-errc
		srv.Close()
	})

	return &testServer{
		url:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		hub:    h,
		tokens: a,
	}
}

func (s *testServer) dial(t *testing.T, id auth.Identity) *websocket.Conn {
	t.Helper()
	token, err := s.tokens.Sign(id, time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(s.url+"?token="+token, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	env, err := envelope.Decode(b)
	if err != nil {
		t.Fatalf("Decode %s: %v", b, err)
	}
	return env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, typ envelope.Type, channel string, data any) {
	t.Helper()
	env, err := envelope.New(typ, channel, data, time.Now())
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	b, _ := env.Marshal()
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func expectType(t *testing.T, got envelope.Envelope, want envelope.Type) {
	t.Helper()
	if got.Type() != want {
		t.Fatalf("expected %s envelope, got %s (%s)", want, got.Type(), got.Data())
	}
}

func TestRejectsMissingCredential(t *testing.T) {
	s := newTestServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != hub.ClosePolicyViolation || closeErr.Text != "missing credential" {
		t.Errorf("unexpected close %d %q", closeErr.Code, closeErr.Text)
	}
}

func TestRejectsInvalidCredential(t *testing.T) {
	s := newTestServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(s.url+"?token=garbage", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, hub.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestDriverSession(t *testing.T) {
	s := newTestServer(t)
	driver := auth.Identity{Role: auth.RoleDriver, UserID: "U7", DriverID: "D7"}
	conn := s.dial(t, driver)

	connected := readEnvelope(t, conn)
	expectType(t, connected, envelope.TypeConnected)
	var data ConnectedData
	if err := connected.UnmarshalData(&data); err != nil {
		t.Fatalf("UnmarshalData: %v", err)
	}
	want := []string{"driver:D7:deliveries", "driver:D7:location", "driver:broadcasts"}
	if data.Role != "driver" || strings.Join(data.Channels, ",") != strings.Join(want, ",") {
		t.Errorf("unexpected connected payload %+v", data)
	}

	// An unauthorized subscribe gets no reply; the pong proves it was skipped.
	writeEnvelope(t, conn, envelope.TypeSubscribe, "business:B3:deliveries", nil)
	writeEnvelope(t, conn, envelope.TypePing, "", nil)
	expectType(t, readEnvelope(t, conn), envelope.TypePong)

	writeEnvelope(t, conn, envelope.TypeSubscribe, topics.DriverBroadcasts, nil)
	sub := readEnvelope(t, conn)
	expectType(t, sub, envelope.TypeSubscribed)
	if sub.Channel() != topics.DriverBroadcasts {
		t.Errorf("unexpected subscribed channel %q", sub.Channel())
	}

	broadcast, _ := envelope.New(envelope.TypeDeliveryStatus, topics.DriverBroadcasts, map[string]string{"msg": "hi"}, time.Now())
	n, err := s.hub.PublishLocal(context.Background(), topics.DriverBroadcasts, broadcast)
	if err != nil {
		t.Fatalf("PublishLocal: %v", err)
	}
	if n != 1 {
		t.Errorf("expected one delivery, got %d", n)
	}
	expectType(t, readEnvelope(t, conn), envelope.TypeDeliveryStatus)

	writeEnvelope(t, conn, envelope.TypeUnsubscribe, topics.DriverBroadcasts, nil)
	expectType(t, readEnvelope(t, conn), envelope.TypeUnsubscribed)
}

func TestClosingUnregistersFromEveryTopic(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t, auth.Identity{Role: auth.RoleDriver, UserID: "U7", DriverID: "D7"})
	expectType(t, readEnvelope(t, conn), envelope.TypeConnected)

	ctx := context.Background()
	stats, err := s.hub.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Connections != 1 || len(stats.Topics) != 3 {
		t.Fatalf("expected one connection on 3 topics, got %+v", stats)
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("WriteControl: %v", err)
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		stats, err = s.hub.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats.Connections == 0 && len(stats.Topics) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("connection still registered after close: %+v", stats)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// droppingHub registers connections without one of their default topics.
type droppingHub struct {
	*hub.Hub
	drop string
}

func (d droppingHub) Register(ctx context.Context, conn hub.Conn, initial []string) error {
	kept := make([]string, 0, len(initial))
	for _, topic := range initial {
		if topic != d.drop {
			kept = append(kept, topic)
		}
	}
	return d.Hub.Register(ctx, conn, kept)
}

func TestConnectedListsRegisteredTopics(t *testing.T) {
	s := newWrappedTestServer(t, func(h *hub.Hub) Hub {
		return droppingHub{Hub: h, drop: topics.DriverBroadcasts}
	})
	conn := s.dial(t, auth.Identity{Role: auth.RoleDriver, UserID: "U7", DriverID: "D7"})

	connected := readEnvelope(t, conn)
	expectType(t, connected, envelope.TypeConnected)
	var data ConnectedData
	if err := connected.UnmarshalData(&data); err != nil {
		t.Fatalf("UnmarshalData: %v", err)
	}
	want := []string{"driver:D7:deliveries", "driver:D7:location"}
	if strings.Join(data.Channels, ",") != strings.Join(want, ",") {
		t.Errorf("expected channels %v, got %v", want, data.Channels)
	}
}

func TestMalformedMessageKeepsConnection(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t, auth.Identity{Role: auth.RoleCustomer, UserID: "C1"})
	expectType(t, readEnvelope(t, conn), envelope.TypeConnected)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	expectType(t, readEnvelope(t, conn), envelope.TypeError)

	writeEnvelope(t, conn, envelope.TypeSubscribe, "", nil)
	expectType(t, readEnvelope(t, conn), envelope.TypeError)

	writeEnvelope(t, conn, envelope.TypePing, "", nil)
	expectType(t, readEnvelope(t, conn), envelope.TypePong)
}

func TestLocationUpdateReachesAdmins(t *testing.T) {
	s := newTestServer(t)

	adminConn := s.dial(t, auth.Identity{Role: auth.RoleAdmin, UserID: "A1"})
	expectType(t, readEnvelope(t, adminConn), envelope.TypeConnected)

	driverConn := s.dial(t, auth.Identity{Role: auth.RoleDriver, UserID: "U7", DriverID: "D7"})
	expectType(t, readEnvelope(t, driverConn), envelope.TypeConnected)

	writeEnvelope(t, driverConn, envelope.TypeDriverLocationUpdate, "", map[string]float64{"lat": 40.7, "lng": -74.0})

	got := readEnvelope(t, adminConn)
	expectType(t, got, envelope.TypeDriverLocation)
	var loc LocationUpdate
	if err := got.UnmarshalData(&loc); err != nil {
		t.Fatalf("UnmarshalData: %v", err)
	}
	if loc.DriverID != "D7" || loc.Lat != 40.7 {
		t.Errorf("unexpected location %+v", loc)
	}

	// The driver is subscribed to its own location topic.
	expectType(t, readEnvelope(t, driverConn), envelope.TypeDriverLocation)
}

func TestCustomerCannotPublish(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t, auth.Identity{Role: auth.RoleCustomer, UserID: "C1"})
	expectType(t, readEnvelope(t, conn), envelope.TypeConnected)

	writeEnvelope(t, conn, envelope.TypeDeliveryStatusUpdate, "", map[string]string{"deliveryId": "d1", "status": "delivered"})
	expectType(t, readEnvelope(t, conn), envelope.TypeError)
}

func TestStatusPublications(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	pubs, err := StatusPublications(StatusUpdate{
		DeliveryID:     "d1",
		Status:         "in_transit",
		BusinessID:     "B1",
		CustomerID:     "C1",
		TrackingNumber: "TN1",
	}, at)
	if err != nil {
		t.Fatalf("StatusPublications: %v", err)
	}
	var got []string
	for _, p := range pubs {
		got = append(got, p.Topic)
		if p.Envelope.Channel() != p.Topic {
			t.Errorf("envelope channel %q does not match topic %q", p.Envelope.Channel(), p.Topic)
		}
	}
	want := "deliveries,business:B1:deliveries,customer:C1:updates,tracking:TN1"
	if strings.Join(got, ",") != want {
		t.Errorf("expected %s, got %s", want, strings.Join(got, ","))
	}

	if _, err := StatusPublications(StatusUpdate{Status: "x"}, at); !errors.Is(err, errMissingField) {
		t.Errorf("expected missing field error, got %v", err)
	}
}
