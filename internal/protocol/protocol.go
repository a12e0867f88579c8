package protocol

import (
	"encoding/json"

	"github.com/manpreetbhatti/codecollab/backend/internal/model"
)

// Event names pushed to live connections
const (
	EventSessionUpdate = "session_update"
)

// Inbound message types
const (
	TypePing = "ping"
	TypePong = "pong"
)

// Envelope wraps every server push.
type Envelope struct {
	Event string         `json:"event"`
	Data  *model.Session `json:"data"`
}

// Message is a client-originated frame; only Type is inspected.
type Message struct {
	Type string `json:"type"`
}

// SessionUpdate encodes the push for a session snapshot.
func SessionUpdate(s *model.Session) ([]byte, error) {
	return json.Marshal(Envelope{Event: EventSessionUpdate, Data: s})
}

// ParseMessage decodes an inbound frame. ok is false for anything that is
// not a JSON object.
func ParseMessage(data []byte) (msg Message, ok bool) {
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, false
	}
	return msg, true
}

// Reply returns the response to an inbound frame, or nil when none is due.
func Reply(data []byte) []byte {
	msg, ok := ParseMessage(data)
	if !ok {
		return nil
	}
	switch msg.Type {
	case TypePing:
		return pong
	default:
		return nil
	}
}

var pong = []byte(`{"type":"pong"}`)
