package wstransport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/transport"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/uri"
)

const testPrefix = "wstransport:wstransport_test"

// echoHandler answers every call with its own target as body.
var echoHandler = transport.HandlerFunc(func(_ context.Context, env *envelope.Envelope) *envelope.Envelope {
	if !env.Kind.ExpectsReply() {
		return nil
	}
	reply := envelope.Reply(env, http.StatusOK)
	_ = reply.SetBody(env.Target())
	return reply
})

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer(echoHandler)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) transport.Channel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := (&Dialer{URL: url}).Dial(ctx)
	if err != nil {
		t.Fatalf("%s - Dial: %v", testPrefix, err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func readWithin(t *testing.T, ch transport.Channel) *envelope.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env, err := ch.Read(ctx)
	if err != nil {
		t.Fatalf("%s - Read: %v", testPrefix, err)
	}
	return env
}

func TestRoundTrip(t *testing.T) {
	_, url := startServer(t)
	ch := dial(t, url)

	req := envelope.NewRequest(envelope.GET, uri.MustParse("/1/devices/2?verbose=true"))
	req.Header.MsgID = "ws-1"
	if err := ch.Write(context.Background(), req); err != nil {
		t.Fatalf("%s - Write: %v", testPrefix, err)
	}

	reply := readWithin(t, ch)
	if reply.Kind != envelope.KindResponse || reply.Header.CorrelationID != "ws-1" {
		t.Fatalf("%s - reply = %+v", testPrefix, reply)
	}
	var body string
	if err := reply.DecodeBody(&body); err != nil {
		t.Fatalf("%s - DecodeBody: %v", testPrefix, err)
	}
	if body != "GET /1/devices/2" {
		t.Errorf("%s - body = %q", testPrefix, body)
	}
}

func TestInvalidFramesAreSkipped(t *testing.T) {
	_, url := startServer(t)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("%s - raw dial: %v", testPrefix, err)
	}
	defer ws.Close()

	frames := [][]byte{
		[]byte("not json"),
		[]byte(`{"@msg_type":"Request","header":{"msgId":"bad"}}`),
		[]byte(`{"@msg_type":"Request","header":{"msgId":"good","uri":{"path":"/ok"},"method":"GET"}}`),
	}
	for _, f := range frames {
		if err := ws.WriteMessage(websocket.TextMessage, f); err != nil {
			t.Fatalf("%s - raw write: %v", testPrefix, err)
		}
	}

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("%s - raw read: %v", testPrefix, err)
	}
	reply, err := envelope.Decode(data)
	if err != nil {
		t.Fatalf("%s - Decode: %v", testPrefix, err)
	}
	if reply.Header.CorrelationID != "good" {
		t.Errorf("%s - only the valid frame should be answered, got %q", testPrefix, reply.Header.CorrelationID)
	}
}

func TestPublishReachesSessions(t *testing.T) {
	srv, url := startServer(t)
	ch := dial(t, url)

	deadline := time.Now().Add(5 * time.Second)
	for srv.Sessions() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if srv.Sessions() != 1 {
		t.Fatalf("%s - sessions = %d, want 1", testPrefix, srv.Sessions())
	}

	push := envelope.NewPushNotification("alerts")
	push.Header.MsgID = "p-1"
	if err := srv.Publish(context.Background(), push); err != nil {
		t.Fatalf("%s - Publish: %v", testPrefix, err)
	}
	got := readWithin(t, ch)
	if got.Kind != envelope.KindPushNotification || got.Header.Topic != "alerts" {
		t.Errorf("%s - got = %+v", testPrefix, got)
	}

	if err := srv.Publish(context.Background(), envelope.NewCommand("x")); err == nil {
		t.Errorf("%s - expected error publishing a Command", testPrefix)
	}
}

func TestClosedChannel(t *testing.T) {
	_, url := startServer(t)
	ch := dial(t, url)
	if err := ch.Close(); err != nil {
		t.Fatalf("%s - Close: %v", testPrefix, err)
	}
	if err := ch.Close(); err != nil {
		t.Errorf("%s - second Close: %v", testPrefix, err)
	}
	err := ch.Write(context.Background(), envelope.NewCommand("x"))
	if err != transport.ErrClosed {
		t.Errorf("%s - Write after Close = %v, want ErrClosed", testPrefix, err)
	}
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := (&Dialer{URL: "ws://127.0.0.1:1/ws"}).Dial(ctx); err == nil {
		t.Errorf("%s - expected dial error", testPrefix)
	}
}
