package fanout_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voicebridge/voicebridge/internal/fanout"
	"github.com/voicebridge/voicebridge/internal/transport"
	"github.com/voicebridge/voicebridge/pkg/wire"
)

// supervisorConn is one fake supervisor: a peer wrapping the client side of a
// WebSocket whose server side forwards every frame onto received.
type supervisorConn struct {
	peer     *transport.Peer
	received chan map[string]any
}

func newSupervisor(t *testing.T, capacity int) *supervisorConn {
	t.Helper()
	received := make(chan map[string]any, 32)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			var m map[string]any
			if err := json.Unmarshal(data, &m); err == nil {
				received <- m
			}
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	s := &supervisorConn{
		peer:     transport.NewPeer(conn, capacity),
		received: received,
	}
	t.Cleanup(func() { s.peer.Close("test done") })
	return s
}

// stalledSupervisor returns a peer whose server never reads, with a huge frame
// already wedged in the send pump so the outbox fills deterministically.
func stalledSupervisor(t *testing.T, capacity int) *transport.Peer {
	t.Helper()
	hold := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		_ = conn
		<-hold
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(hold) })

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	p := transport.NewPeer(conn, capacity)
	t.Cleanup(func() { p.Close("test done") })
	if err := p.Send(make([]byte, 8<<20)); err != nil {
		t.Fatalf("Send(big): %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	return p
}

func awaitFrame(t *testing.T, s *supervisorConn) map[string]any {
	t.Helper()
	select {
	case m := <-s.received:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for a broadcast frame")
		return nil
	}
}

func TestBroadcastReachesAllSupervisors(t *testing.T) {
	t.Parallel()

	h := fanout.New()
	a := newSupervisor(t, 8)
	b := newSupervisor(t, 8)
	h.Attach("sup-a", a.peer)
	h.Attach("sup-b", b.peer)

	ev := wire.NewEvent(wire.TypeCustomerMessage, "sess-1", map[string]any{
		"content": "hello",
	})
	ev.Seq = 3
	h.Broadcast(ev)

	for _, s := range []*supervisorConn{a, b} {
		m := awaitFrame(t, s)
		if m["type"] != wire.TypeCustomerMessage || m["sessionId"] != "sess-1" {
			t.Errorf("frame = %v", m)
		}
		if m["content"] != "hello" || m["seq"] != float64(3) {
			t.Errorf("frame payload = %v", m)
		}
	}
}

func TestAttachSendsSessionsListSnapshot(t *testing.T) {
	t.Parallel()

	h := fanout.New(fanout.WithSnapshot(func() wire.Event {
		return wire.NewEvent(wire.TypeSessionsList, "", map[string]any{
			"sessions": []map[string]any{{"id": "sess-1"}},
		})
	}))

	s := newSupervisor(t, 8)
	h.Attach("sup-a", s.peer)

	m := awaitFrame(t, s)
	if m["type"] != wire.TypeSessionsList {
		t.Errorf("first frame = %v, want sessionsList", m)
	}
	if _, ok := m["sessions"]; !ok {
		t.Errorf("snapshot missing sessions: %v", m)
	}
}

func TestDetachStopsDelivery(t *testing.T) {
	t.Parallel()

	h := fanout.New()
	s := newSupervisor(t, 8)
	h.Attach("sup-a", s.peer)
	h.Detach("sup-a", nil)

	if h.Count() != 0 {
		t.Fatalf("Count = %d after detach", h.Count())
	}
	h.Broadcast(wire.NewEvent(wire.TypeSessionUpdate, "sess-1", nil))

	select {
	case m := <-s.received:
		t.Errorf("detached supervisor received %v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSlowSupervisorDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	h := fanout.New()
	healthy := newSupervisor(t, 8)
	stalled := stalledSupervisor(t, 1)
	h.Attach("healthy", healthy.peer)
	h.Attach("stalled", stalled)

	// Fill the stalled outbox, then keep broadcasting.
	for i := 0; i < 4; i++ {
		ev := wire.NewEvent(wire.TypeSessionUpdate, "sess-1", nil)
		ev.Seq = uint64(i + 1)
		h.Broadcast(ev)
	}

	for want := 1; want <= 4; want++ {
		m := awaitFrame(t, healthy)
		if m["seq"] != float64(want) {
			t.Fatalf("healthy got seq %v, want %d", m["seq"], want)
		}
	}
	if h.Dropped() == 0 {
		t.Error("evictions on the stalled supervisor were not counted")
	}
}

func TestBroadcastAudioDropsForSlowSupervisorOnly(t *testing.T) {
	t.Parallel()

	h := fanout.New()
	healthy := newSupervisor(t, 8)
	stalled := stalledSupervisor(t, 1)
	h.Attach("healthy", healthy.peer)
	h.Attach("stalled", stalled)

	// First audio frame fills the stalled outbox; the rest drop there.
	for i := 0; i < 3; i++ {
		ev := wire.NewEvent(wire.TypeCustomerAudio, "sess-1", map[string]any{
			"data": "UklGRg==",
		})
		ev.Seq = uint64(i + 1)
		h.BroadcastAudio(ev)
	}

	for want := 1; want <= 3; want++ {
		m := awaitFrame(t, healthy)
		if m["type"] != wire.TypeCustomerAudio {
			t.Fatalf("healthy got %v", m["type"])
		}
	}
	if got := h.Dropped(); got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}
}

func TestBroadcastDegradedOnSerializationFailure(t *testing.T) {
	t.Parallel()

	h := fanout.New()
	s := newSupervisor(t, 8)
	h.Attach("sup-a", s.peer)

	// A channel value cannot be marshalled.
	h.Broadcast(wire.NewEvent(wire.TypeAnalyticsUpdate, "sess-1", map[string]any{
		"bad": make(chan int),
	}))

	m := awaitFrame(t, s)
	if m["type"] != wire.TypeAnalyticsUpdate || m["sessionId"] != "sess-1" {
		t.Errorf("degraded frame = %v", m)
	}
	if m["error"] != "serialization" {
		t.Errorf("degraded frame error = %v", m["error"])
	}
}

func TestReattachReplacesPreviousPeer(t *testing.T) {
	t.Parallel()

	h := fanout.New()
	first := newSupervisor(t, 8)
	second := newSupervisor(t, 8)
	h.Attach("sup-a", first.peer)
	h.Attach("sup-a", second.peer)

	if h.Count() != 1 {
		t.Fatalf("Count = %d, want 1", h.Count())
	}
	h.Broadcast(wire.NewEvent(wire.TypeSessionUpdate, "sess-1", nil))

	m := awaitFrame(t, second)
	if m["type"] != wire.TypeSessionUpdate {
		t.Errorf("frame = %v", m)
	}
}
