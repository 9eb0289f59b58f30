// Package fanout broadcasts session events to every attached supervisor.
//
// Each event is serialized exactly once, then enqueued on every supervisor's
// outbox. A slow supervisor only loses its own events: audio frames are
// dropped outright when its outbox is full, and for all other events the
// oldest queued frames are evicted to make room. Broadcast never blocks.
package fanout

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/voicebridge/voicebridge/internal/transport"
	"github.com/voicebridge/voicebridge/pkg/wire"
)

// Option is a functional option for [Hub].
type Option func(*Hub)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithSnapshot registers the callback that builds the sessionsList event sent
// to a supervisor on attach.
func WithSnapshot(fn func() wire.Event) Option {
	return func(h *Hub) { h.snapshot = fn }
}

// WithDropHook registers a callback invoked with the number of frames dropped
// for one supervisor during a broadcast. Used for metrics.
func WithDropHook(fn func(n int)) Option {
	return func(h *Hub) { h.onDrop = fn }
}

// Hub is the registry of attached supervisor transports.
type Hub struct {
	logger   *slog.Logger
	snapshot func() wire.Event
	onDrop   func(n int)

	mu          sync.RWMutex
	supervisors map[string]*transport.Peer

	dropped atomic.Uint64
}

// New creates an empty [Hub].
func New(opts ...Option) *Hub {
	h := &Hub{
		logger:      slog.Default(),
		supervisors: make(map[string]*transport.Peer),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Attach registers a supervisor and immediately sends it the current
// sessionsList snapshot. A second attach under the same id replaces the first.
func (h *Hub) Attach(supervisorID string, p *transport.Peer) {
	h.mu.Lock()
	prev := h.supervisors[supervisorID]
	h.supervisors[supervisorID] = p
	h.mu.Unlock()

	if prev != nil && prev != p {
		prev.Close("replaced by new attachment")
	}

	if h.snapshot == nil {
		return
	}
	raw, err := json.Marshal(h.snapshot())
	if err != nil {
		h.logger.Error("serialize sessions snapshot", "error", err)
		return
	}
	if _, err := p.SendEvictOldest(raw); err != nil {
		h.logger.Debug("snapshot send failed", "supervisorId", supervisorID, "error", err)
	}
}

// Detach removes a supervisor from the registry. When p is non-nil the entry
// is removed only while it still holds p, so the close of a replaced peer
// cannot evict its successor. The peer itself is not closed; the transport
// owner does that.
func (h *Hub) Detach(supervisorID string, p *transport.Peer) {
	h.mu.Lock()
	if cur, ok := h.supervisors[supervisorID]; ok && (p == nil || cur == p) {
		delete(h.supervisors, supervisorID)
	}
	h.mu.Unlock()
}

// Count returns the number of attached supervisors.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.supervisors)
}

// Dropped returns the total number of frames dropped across all supervisors.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Broadcast serializes ev once and enqueues it on every supervisor outbox,
// evicting each slow supervisor's oldest frames to make room. On
// serialization failure a degraded stub is broadcast instead.
func (h *Hub) Broadcast(ev wire.Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("serialize event", "type", ev.Type, "sessionId", ev.SessionID, "error", err)
		raw, _ = json.Marshal(wire.DegradedEvent(ev.Type, ev.SessionID))
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, p := range h.supervisors {
		evicted, err := p.SendEvictOldest(raw)
		if err != nil {
			h.logger.Debug("broadcast skipped gone supervisor", "supervisorId", id)
			continue
		}
		if evicted > 0 {
			h.noteDropped(evicted)
		}
	}
}

// BroadcastAudio enqueues an audio event on every supervisor outbox, dropping
// the frame for any supervisor whose outbox is full. Transcript and state
// events are never evicted to make room for audio.
func (h *Hub) BroadcastAudio(ev wire.Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("serialize audio event", "sessionId", ev.SessionID, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, p := range h.supervisors {
		switch err := p.Send(raw); err {
		case nil:
		case transport.ErrPeerSlow:
			h.noteDropped(1)
		default:
			h.logger.Debug("audio skipped gone supervisor", "supervisorId", id)
		}
	}
}

func (h *Hub) noteDropped(n int) {
	h.dropped.Add(uint64(n))
	if h.onDrop != nil {
		h.onDrop(n)
	}
}
