// Package chat defines the JSON frames exchanged with the anonymous chat
// service. Every frame is one flat object with an "event" field plus
// optional fields.
package chat

import (
	"encoding/json"
	"fmt"

	"github.com/gluk-w/claworc/chat-bridge/internal/logutil"
)

// Outbound event names.
const (
	RegisterUser = "register_user"
	GetPartner   = "get_partner"
	SendMessage  = "send_message"
	Online       = "online"
)

// Inbound event names.
const (
	UserRegistered        = "user_registered"
	JoinedToConversation  = "joined_to_conversation"
	TerminateConversation = "terminate_conversation"
	Message               = "message"
)

// Typing events travel in both directions unchanged.
const (
	StartTyping = "start_typing"
	StopTyping  = "stop_typing"
)

// Event is a single protocol frame.
type Event struct {
	Event   string `json:"event"`
	Mine    bool   `json:"mine,omitempty"`
	Message string `json:"message,omitempty"`
}

// Outgoing builds a bare event with no payload.
func Outgoing(name string) Event { return Event{Event: name} }

// Say builds a send_message event.
func Say(text string) Event { return Event{Event: SendMessage, Message: text} }

// sayFrame always carries "message", even when the text is empty.
type sayFrame struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// Encode serializes e for the wire.
func Encode(e Event) ([]byte, error) {
	if e.Event == "" {
		return nil, fmt.Errorf("encode event: missing event name")
	}
	if e.Event == SendMessage {
		return json.Marshal(sayFrame{Event: e.Event, Message: e.Message})
	}
	return json.Marshal(e)
}

// Decode parses one inbound frame.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.Event == "" {
		return Event{}, fmt.Errorf("decode event: missing event name in %q", logutil.Truncate(string(data), 80))
	}
	return e, nil
}
