// Package transport owns a single duplex WebSocket connection to a customer
// or supervisor: a bounded outbox with a dedicated send pump, a receive
// stream, and an idempotent close that fires exactly one close callback.
//
// The send path never blocks the caller: [Peer.Send] fails fast with
// [ErrPeerSlow] when the outbox is full, and [Peer.SendEvictOldest] makes
// room by discarding the oldest queued frame.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

var (
	// ErrPeerSlow reports a full outbox; the frame was not enqueued.
	ErrPeerSlow = errors.New("transport: peer outbox full")

	// ErrPeerGone reports a closed connection.
	ErrPeerGone = errors.New("transport: peer gone")
)

// defaultDrain bounds how long a closing peer keeps flushing its outbox.
const defaultDrain = 500 * time.Millisecond

// Option is a functional option for configuring a Peer.
type Option func(*Peer)

// WithDrainTimeout overrides how long Close waits for queued frames to flush.
func WithDrainTimeout(d time.Duration) Option {
	return func(p *Peer) { p.drain = d }
}

// WithOnClose registers a callback invoked exactly once when the peer closes,
// with the close reason. The callback runs on the closing goroutine.
func WithOnClose(fn func(reason string)) Option {
	return func(p *Peer) { p.onClose = fn }
}

// Peer wraps one accepted WebSocket connection.
type Peer struct {
	conn    *websocket.Conn
	outbox  chan []byte
	drain   time.Duration
	onClose func(reason string)

	closed   atomic.Bool
	dropped  atomic.Uint64
	flushing chan struct{} // closed by Close to start the drain phase
	pumpDone chan struct{} // closed when the send pump exits

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	evictMu sync.Mutex
}

// NewPeer wraps conn with an outbox of the given capacity and starts the
// send pump.
func NewPeer(conn *websocket.Conn, capacity int, opts ...Option) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		conn:     conn,
		outbox:   make(chan []byte, capacity),
		drain:    defaultDrain,
		flushing: make(chan struct{}),
		pumpDone: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(p)
	}
	go p.sendPump()
	return p
}

// Send enqueues one serialized frame. It returns immediately: [ErrPeerGone]
// after close, [ErrPeerSlow] when the outbox is full.
func (p *Peer) Send(raw []byte) error {
	if p.closed.Load() {
		return ErrPeerGone
	}
	select {
	case p.outbox <- raw:
		return nil
	default:
		return ErrPeerSlow
	}
}

// SendEvictOldest enqueues one frame, discarding the oldest queued frames to
// make room when the outbox is full. It reports how many frames were evicted.
// Returns [ErrPeerGone] after close.
func (p *Peer) SendEvictOldest(raw []byte) (evicted int, err error) {
	if p.closed.Load() {
		return 0, ErrPeerGone
	}
	// Serialize evictors so two concurrent callers cannot starve each other.
	p.evictMu.Lock()
	defer p.evictMu.Unlock()
	for {
		select {
		case p.outbox <- raw:
			p.dropped.Add(uint64(evicted))
			return evicted, nil
		default:
		}
		select {
		case <-p.outbox:
			evicted++
		default:
			// The pump drained the queue between our two selects; retry.
		}
	}
}

// Dropped returns the number of frames evicted from this peer's outbox.
func (p *Peer) Dropped() uint64 { return p.dropped.Load() }

// Recv reads the next inbound frame. It returns [ErrPeerGone] once the
// connection is closed from either side.
func (p *Peer) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := p.conn.Read(ctx)
	if err != nil {
		if p.closed.Load() || p.ctx.Err() != nil {
			return nil, ErrPeerGone
		}
		return nil, errors.Join(ErrPeerGone, err)
	}
	return data, nil
}

// Close tears the peer down: no further sends are accepted, queued frames are
// flushed for up to the drain timeout, the socket is closed, and the onClose
// callback fires with reason. Idempotent.
func (p *Peer) Close(reason string) {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.flushing)

		select {
		case <-p.pumpDone:
		case <-time.After(p.drain):
		}

		p.cancel()
		p.conn.Close(websocket.StatusNormalClosure, reason)
		if p.onClose != nil {
			p.onClose(reason)
		}
	})
}

// sendPump writes queued frames to the socket in order. On write failure it
// closes the peer; on close it drains whatever is already queued.
func (p *Peer) sendPump() {
	defer close(p.pumpDone)

	for {
		select {
		case raw := <-p.outbox:
			if !p.write(raw) {
				return
			}
		case <-p.flushing:
			// Drain phase: flush what is buffered, then exit.
			for {
				select {
				case raw := <-p.outbox:
					if !p.write(raw) {
						return
					}
				default:
					return
				}
			}
		case <-p.ctx.Done():
			return
		}
	}
}

// write sends one frame; a failure tears the peer down asynchronously so the
// pump (which Close waits on) can exit first.
func (p *Peer) write(raw []byte) bool {
	writeCtx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	err := p.conn.Write(writeCtx, websocket.MessageText, raw)
	cancel()
	if err != nil {
		if !p.closed.Load() {
			go p.Close("write failed")
		}
		return false
	}
	return true
}
