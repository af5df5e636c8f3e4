// Package protocol defines the websocket message types of the chat stream.
// All messages are JSON-encoded and wrapped in an Envelope for uniform routing.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message in the websocket protocol.
type MessageType string

const (
	// Client → Gateway
	MsgChat  MessageType = "chat.message"
	MsgReset MessageType = "chat.reset"
	MsgPong  MessageType = "client.pong"

	// Gateway → Client
	MsgWelcome  MessageType = "gateway.welcome"
	MsgResponse MessageType = "chat.response"
	MsgResetOK  MessageType = "chat.reset_ok"
	MsgPing     MessageType = "gateway.ping"

	// Bidirectional
	MsgError MessageType = "error"
)

// Envelope is the top-level message wrapper for all websocket communication.
// Replies carry the ID of the client message they answer in ReplyTo.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	ReplyTo   string          `json:"reply_to,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// ChatPayload is sent with MsgChat.
type ChatPayload struct {
	Message string `json:"message"`
}

// WelcomePayload is sent once after the connection is accepted.
type WelcomePayload struct {
	SessionID string `json:"session_id"`
}

// ErrorPayload is sent with MsgError.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
