package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voicebridge/voicebridge/internal/session"
	"github.com/voicebridge/voicebridge/internal/transport"
	"github.com/voicebridge/voicebridge/pkg/wire"
)

// handleCustomerWS upgrades a customer connection, mints a session id and
// hands the transport to the manager. The handler parks until the session
// ends so the HTTP server keeps the hijacked connection accounted for.
func (s *Server) handleCustomerWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("customer upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	peer := transport.NewPeer(conn, s.cfg.CustomerOutbox)
	sess, err := s.deps.Manager.AttachCustomer(r.Context(), id, peer)
	if err != nil {
		s.logger.Warn("customer attach failed", "sessionId", id, "error", err)
		peer.Close("service unavailable")
		return
	}
	<-sess.Done()
}

// handleSupervisorWS upgrades a supervisor connection, attaches it to the
// fan-out hub and pumps its commands into the session manager.
func (s *Server) handleSupervisorWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	supervisorID := r.URL.Query().Get("supervisorId")
	if supervisorID == "" {
		supervisorID = uuid.NewString()
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("supervisor upgrade failed", "supervisorId", supervisorID, "error", err)
		return
	}

	var peer *transport.Peer
	peer = transport.NewPeer(conn, s.cfg.SupervisorOutbox, transport.WithOnClose(func(reason string) {
		s.deps.Hub.Detach(supervisorID, peer)
		if s.deps.Metrics != nil {
			s.deps.Metrics.ActiveSupervisors.Add(context.Background(), -1)
		}
		s.logger.Info("supervisor detached", "supervisorId", supervisorID, "reason", reason)
	}))
	s.deps.Hub.Attach(supervisorID, peer)
	if s.deps.Metrics != nil {
		s.deps.Metrics.ActiveSupervisors.Add(r.Context(), 1)
	}
	s.logger.Info("supervisor attached", "supervisorId", supervisorID)

	// Direct replies ride the same outbox as broadcasts, so a congested
	// supervisor loses its oldest events rather than blocking the pump.
	reply := func(ev wire.Event) {
		raw, err := json.Marshal(ev)
		if err != nil {
			raw, _ = json.Marshal(wire.DegradedEvent(ev.Type, ev.SessionID))
		}
		_, _ = peer.SendEvictOldest(raw)
	}

	for {
		raw, err := peer.Recv(r.Context())
		if err != nil {
			peer.Close("supervisor disconnected")
			return
		}
		msg, err := wire.Decode(raw)
		if err != nil {
			reply(wire.ErrorEvent("", "malformedFrame"))
			continue
		}
		if err := wire.ValidateSupervisor(msg); err != nil {
			reply(wire.ErrorEvent(msg.SessionID, "unknownMessageType"))
			continue
		}
		s.dispatch(supervisorID, msg, reply)
	}
}

// authorized checks the supervisor token from the Authorization header or the
// token query parameter. An empty configured token disables the check.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.SupervisorToken == "" {
		return true
	}
	if r.Header.Get("Authorization") == "Bearer "+s.cfg.SupervisorToken {
		return true
	}
	return r.URL.Query().Get("token") == s.cfg.SupervisorToken
}

// dispatch translates one validated supervisor frame into a session command.
// Frames may carry their own supervisorId; the connection id is the default.
func (s *Server) dispatch(connID string, msg *wire.ClientMessage, reply session.ReplyFunc) {
	sid := msg.SupervisorID
	if sid == "" {
		sid = connID
	}

	var cmd any
	switch msg.Type {
	case wire.TypeGetSessions:
		reply(s.deps.Manager.SessionsListEvent())
		return
	case wire.TypeTakeover:
		cmd = session.Takeover{SupervisorID: sid, Reply: reply}
	case wire.TypeHandback:
		cmd = session.Handback{SupervisorID: sid, Context: msg.Context, Reply: reply}
	case wire.TypeInjectContext:
		cmd = session.InjectContext{SupervisorID: sid, Context: msg.Context, Reply: reply}
	case wire.TypeSupervisorMessage:
		cmd = session.Message{SupervisorID: sid, Content: msg.Content, Reply: reply}
	case wire.TypeSupervisorAudio:
		cmd = session.Audio{SupervisorID: sid, Data: msg.Data, Reply: reply}
	case wire.TypeEndCall:
		cmd = session.EndCall{SupervisorID: sid, Reply: reply}
	default:
		reply(wire.ErrorEvent(msg.SessionID, "unknownMessageType"))
		return
	}
	s.deps.Manager.Command(msg.SessionID, cmd, reply)
}
