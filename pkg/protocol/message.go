// Package protocol defines the WebSocket message types spoken between
// participants and the shared-state relay.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Client → Relay messages
	TypeGet         MessageType = "get"         // One-shot document read
	TypeSet         MessageType = "set"         // Full document replace
	TypeUpdate      MessageType = "update"      // Field upsert
	TypeSubscribe   MessageType = "subscribe"   // Start change notifications for a path
	TypeUnsubscribe MessageType = "unsubscribe" // Stop change notifications for a path

	// Relay → Client messages
	TypeSnapshot MessageType = "snapshot" // Reply to get, and first reply to subscribe
	TypeChange   MessageType = "change"   // Pushed document after a write
	TypeAck      MessageType = "ack"      // Reply to set/update/unsubscribe
	TypeError    MessageType = "error"    // Request failed

	// Bidirectional
	TypePing MessageType = "ping" // Health check
	TypePong MessageType = "pong" // Health check response
)

// Message is the base wrapper for all WebSocket messages.
// ID correlates a reply with its request; Path names the document.
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Path      string          `json:"path,omitempty"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// =============================================================================
// Payloads
// =============================================================================

// DocumentData carries a document snapshot. Version increases on every write
// and is 0 for a document that has never been written.
type DocumentData struct {
	Path      string                     `json:"path"`
	Exists    bool                       `json:"exists"`
	Version   uint64                     `json:"version"`
	Fields    map[string]json.RawMessage `json:"fields,omitempty"`
	UpdatedAt int64                      `json:"updated_at,omitempty"` // Unix milliseconds
}

// WriteData carries the fields of a set or update request. A null field value
// in an update deletes the field.
type WriteData struct {
	Fields map[string]json.RawMessage `json:"fields"`
}

// AckData confirms a write and reports the resulting version.
type AckData struct {
	Version uint64 `json:"version"`
}

// ErrorData describes a failed request.
type ErrorData struct {
	Message string `json:"message"`
}

// PongData contains pong response
type PongData struct {
	PingTS    int64 `json:"ping_ts"`
	PongTS    int64 `json:"pong_ts"`
	LatencyMs int64 `json:"latency_ms"`
}
