// Package protocol defines the messages exchanged between the agent's control API and its front ends.
package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/cisec/lockdown-agent/pkg/types"
)

// MessageType represents the type of protocol message.
type MessageType string

const (
	// Front end -> Agent messages
	MessageTypeCommand MessageType = "command"
	MessageTypePing    MessageType = "ping"

	// Agent -> Front end messages
	MessageTypeEvent    MessageType = "event"
	MessageTypeStatus   MessageType = "status"
	MessageTypeResponse MessageType = "response"
	MessageTypePong     MessageType = "pong"
)

// CommandName is one of the controller commands.
type CommandName string

const (
	CommandLock         CommandName = "lock"
	CommandUnlock       CommandName = "unlock"
	CommandStartMonitor CommandName = "start_monitor"
	CommandStopMonitor  CommandName = "stop_monitor"
)

// Message is the base protocol message.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Command asks the controller to perform an action.
type Command struct {
	Name CommandName `json:"name"`
}

// Response reports whether a command was accepted. Completion is signalled
// later on the event stream.
type Response struct {
	Command  CommandName     `json:"command"`
	Accepted bool            `json:"accepted"`
	Error    string          `json:"error,omitempty"`
	State    types.LockState `json:"state"`
}

// NewMessage creates a new protocol message with the given type and payload.
func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Message{
		ID:        generateID(),
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payloadBytes,
	}, nil
}

// NewEventMessage wraps a bus event for the websocket stream.
func NewEventMessage(ev types.Event) (*Message, error) {
	return NewMessage(MessageTypeEvent, ev)
}

// ParsePayload unmarshals the message payload into the given target.
func (m *Message) ParsePayload(target interface{}) error {
	return json.Unmarshal(m.Payload, target)
}

// generateID generates a random message ID.
func generateID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "msg-" + time.Now().Format("20060102150405.000000000")
	}
	return hex.EncodeToString(b)
}
