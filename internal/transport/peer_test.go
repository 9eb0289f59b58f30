package transport_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voicebridge/voicebridge/internal/transport"
)

// dialPair spins up a WebSocket server whose accepted conn is handed to
// serverFn, and returns the client side.
func dialPair(t *testing.T, serverFn func(conn *websocket.Conn)) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		serverFn(conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestSendDeliversInOrder(t *testing.T) {
	t.Parallel()

	received := make(chan string, 8)
	conn := dialPair(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			received <- string(data)
		}
	})

	p := transport.NewPeer(conn, 8)
	defer p.Close("test done")

	for _, msg := range []string{"one", "two", "three"} {
		if err := p.Send([]byte(msg)); err != nil {
			t.Fatalf("Send(%q): %v", msg, err)
		}
	}

	for _, want := range []string{"one", "two", "three"} {
		select {
		case got := <-received:
			if got != want {
				t.Errorf("received %q, want %q", got, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for %q", want)
		}
	}
}

func TestSendAfterCloseReturnsPeerGone(t *testing.T) {
	t.Parallel()

	conn := dialPair(t, func(conn *websocket.Conn) {
		<-conn.CloseRead(context.Background()).Done()
	})

	p := transport.NewPeer(conn, 4)
	p.Close("bye")

	if err := p.Send([]byte("late")); !errors.Is(err, transport.ErrPeerGone) {
		t.Errorf("Send after Close = %v, want ErrPeerGone", err)
	}
}

// blockPump wedges the peer's send pump: the server never reads, and a large
// frame overflows the socket buffers so the in-flight write stalls.
func blockPump(t *testing.T, p *transport.Peer) {
	t.Helper()
	if err := p.Send(make([]byte, 8<<20)); err != nil {
		t.Fatalf("Send(big): %v", err)
	}
	// Give the pump time to pick up the frame and stall in the write.
	time.Sleep(100 * time.Millisecond)
}

func TestSendFailsFastWhenOutboxFull(t *testing.T) {
	t.Parallel()

	hold := make(chan struct{})
	conn := dialPair(t, func(conn *websocket.Conn) {
		// Never read; hold the connection open until the test ends.
		<-hold
	})
	t.Cleanup(func() { close(hold) })

	p := transport.NewPeer(conn, 1)
	blockPump(t, p)

	if err := p.Send([]byte("fills the outbox")); err != nil {
		t.Fatalf("Send(fill): %v", err)
	}
	if err := p.Send([]byte("overflow")); !errors.Is(err, transport.ErrPeerSlow) {
		t.Errorf("Send(overflow) = %v, want ErrPeerSlow", err)
	}
}

func TestSendEvictOldestMakesRoom(t *testing.T) {
	t.Parallel()

	hold := make(chan struct{})
	conn := dialPair(t, func(conn *websocket.Conn) {
		<-hold
	})
	t.Cleanup(func() { close(hold) })

	p := transport.NewPeer(conn, 2)
	blockPump(t, p)

	if err := p.Send([]byte("a")); err != nil {
		t.Fatalf("Send(a): %v", err)
	}
	if err := p.Send([]byte("b")); err != nil {
		t.Fatalf("Send(b): %v", err)
	}

	evicted, err := p.SendEvictOldest([]byte("c"))
	if err != nil {
		t.Fatalf("SendEvictOldest: %v", err)
	}
	if evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
	if got := p.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestRecvReturnsInboundFrames(t *testing.T) {
	t.Parallel()

	conn := dialPair(t, func(conn *websocket.Conn) {
		_ = conn.Write(context.Background(), websocket.MessageText, []byte("hello"))
		<-conn.CloseRead(context.Background()).Done()
	})

	p := transport.NewPeer(conn, 4)
	defer p.Close("test done")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, err := p.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("Recv = %q, want hello", data)
	}
}

func TestRecvAfterPeerDisconnectReturnsPeerGone(t *testing.T) {
	t.Parallel()

	conn := dialPair(t, func(conn *websocket.Conn) {
		conn.Close(websocket.StatusNormalClosure, "going away")
	})

	p := transport.NewPeer(conn, 4)
	defer p.Close("test done")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, err := p.Recv(ctx)
		if err != nil {
			if !errors.Is(err, transport.ErrPeerGone) {
				t.Fatalf("Recv = %v, want ErrPeerGone", err)
			}
			return
		}
	}
}

func TestCloseFiresCallbackExactlyOnce(t *testing.T) {
	t.Parallel()

	conn := dialPair(t, func(conn *websocket.Conn) {
		<-conn.CloseRead(context.Background()).Done()
	})

	reasons := make(chan string, 4)
	p := transport.NewPeer(conn, 4, transport.WithOnClose(func(reason string) {
		reasons <- reason
	}))

	p.Close("first")
	p.Close("second")
	p.Close("third")

	select {
	case got := <-reasons:
		if got != "first" {
			t.Errorf("close reason = %q, want first", got)
		}
	case <-time.After(time.Second):
		t.Fatal("onClose never fired")
	}

	select {
	case got := <-reasons:
		t.Errorf("onClose fired again with %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseDrainsQueuedFrames(t *testing.T) {
	t.Parallel()

	received := make(chan string, 8)
	conn := dialPair(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			received <- string(data)
		}
	})

	p := transport.NewPeer(conn, 8, transport.WithDrainTimeout(time.Second))
	if err := p.Send([]byte("queued")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	p.Close("draining")

	select {
	case got := <-received:
		if got != "queued" {
			t.Errorf("received %q, want queued", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("queued frame was not flushed on close")
	}
}
