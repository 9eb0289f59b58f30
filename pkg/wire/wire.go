// Package wire defines the tagged JSON message format spoken on the customer
// and supervisor WebSocket connections.
//
// Every frame is a small JSON object with a "type" tag. Inbound frames decode
// into [ClientMessage]; the set of valid tags is closed per role, and unknown
// tags are protocol violations ([ErrUnknownType]). Outbound frames are built
// with the constructor helpers and serialized exactly once by the sender.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Customer-inbound tags (client → server).
const (
	TypeAudio      = "audio"
	TypeText       = "text"
	TypeTranscript = "transcript"
)

// Supervisor-inbound command tags.
const (
	TypeTakeover          = "takeover"
	TypeHandback          = "handback"
	TypeInjectContext     = "injectContext"
	TypeSupervisorMessage = "supervisorMessage"
	TypeSupervisorAudio   = "supervisorAudio"
	TypeEndCall           = "endCall"
	TypeGetSessions       = "getSessions"
)

// Customer-outbound tags (server → client).
const (
	TypeSessionInit           = "sessionInit"
	TypeAIResponse            = "aiResponse"
	TypeCustomerTranscription = "customerTranscription"
	TypeModeChange            = "modeChange"
	TypeSessionEnded          = "sessionEnded"
	TypeError                 = "error"
)

// Supervisor-outbound event tags.
const (
	TypeSessionsList      = "sessionsList"
	TypeSessionUpdate     = "sessionUpdate"
	TypeCustomerMessage   = "customerMessage"
	TypeCustomerAudio     = "customerAudio"
	TypeFrustrationUpdate = "frustrationUpdate"
	TypeAnalyticsUpdate   = "analyticsUpdate"
	TypeCoachingUpdate    = "coachingUpdate"
	TypeEscalationAlert   = "escalationAlert"
	TypeContextInjected   = "contextInjected"
)

// Session modes as they appear on the wire.
const (
	ModeAI    = "ai"
	ModeHuman = "human"
)

// ErrUnknownType reports a frame whose "type" tag is outside the closed set
// valid for the peer's role.
type ErrUnknownType struct {
	Type string
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("wire: unknown message type %q", e.Type)
}

// ClientMessage is the superset decode target for all inbound frames. Which
// fields are meaningful depends on Type; validation per role happens in
// [ValidateCustomer] and [ValidateSupervisor].
type ClientMessage struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId,omitempty"`
	SupervisorID string `json:"supervisorId,omitempty"`
	Data         string `json:"data,omitempty"`    // base64 PCM for audio frames
	Content      string `json:"content,omitempty"` // text payloads
	Context      string `json:"context,omitempty"` // takeover/handback/inject context
}

// Decode parses a raw inbound frame. It returns an error for malformed JSON
// or a missing type tag; tag validity is checked separately per role.
func Decode(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("wire: decode: %w", err)
	}
	if msg.Type == "" {
		return nil, &ErrUnknownType{Type: ""}
	}
	return &msg, nil
}

// ValidateCustomer rejects tags a customer connection may not send.
func ValidateCustomer(msg *ClientMessage) error {
	switch msg.Type {
	case TypeAudio, TypeText, TypeTranscript:
		return nil
	}
	return &ErrUnknownType{Type: msg.Type}
}

// ValidateSupervisor rejects tags a supervisor connection may not send.
func ValidateSupervisor(msg *ClientMessage) error {
	switch msg.Type {
	case TypeTakeover, TypeHandback, TypeInjectContext, TypeSupervisorMessage,
		TypeSupervisorAudio, TypeEndCall, TypeGetSessions:
		return nil
	}
	return &ErrUnknownType{Type: msg.Type}
}

// Event is an outbound frame. SessionID and Seq are present on every
// session-scoped supervisor event; Seq increases monotonically per session.
// Payload fields beyond the envelope live in Data and are flattened into the
// serialized object alongside the envelope.
type Event struct {
	Type      string
	SessionID string
	Seq       uint64
	Data      map[string]any
}

// MarshalJSON flattens the envelope and payload into a single object, so an
// Event{Type:"aiResponse", SessionID:"s1", Seq:7, Data:{"content":"Hi."}}
// serializes as {"type":"aiResponse","sessionId":"s1","seq":7,"content":"Hi."}.
func (e Event) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(e.Data)+3)
	for k, v := range e.Data {
		obj[k] = v
	}
	obj["type"] = e.Type
	if e.SessionID != "" {
		obj["sessionId"] = e.SessionID
	}
	if e.Seq > 0 {
		obj["seq"] = e.Seq
	}
	return json.Marshal(obj)
}

// NewEvent builds an event with a payload map. The map is owned by the event
// after the call.
func NewEvent(typ, sessionID string, data map[string]any) Event {
	return Event{Type: typ, SessionID: sessionID, Data: data}
}

// ErrorEvent builds the error frame sent to a peer on command rejection or
// protocol violation.
func ErrorEvent(sessionID, message string) Event {
	return Event{
		Type:      TypeError,
		SessionID: sessionID,
		Data:      map[string]any{"message": message},
	}
}

// DegradedEvent is the fallback broadcast when an event payload fails to
// serialize: the envelope survives, the payload is replaced by an error marker.
func DegradedEvent(typ, sessionID string) Event {
	return Event{
		Type:      typ,
		SessionID: sessionID,
		Data:      map[string]any{"error": "serialization"},
	}
}

// Timestamp formats t the way every wire payload carries times.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
