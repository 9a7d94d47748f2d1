package protocol

import (
	"encoding/json"
	"time"
)

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewRequest creates a client request addressed to a document path.
func NewRequest(msgType MessageType, id, path string, data interface{}) (*Message, error) {
	msg, err := NewMessage(msgType, data)
	if err != nil {
		return nil, err
	}
	msg.ID = id
	msg.Path = path
	return msg, nil
}

// NewWriteMessage creates a set or update request.
func NewWriteMessage(msgType MessageType, id, path string, fields map[string]json.RawMessage) (*Message, error) {
	return NewRequest(msgType, id, path, WriteData{Fields: fields})
}

// NewSnapshotMessage creates a snapshot reply to request id.
func NewSnapshotMessage(id string, doc DocumentData) (*Message, error) {
	return NewRequest(TypeSnapshot, id, doc.Path, doc)
}

// NewChangeMessage creates a pushed change notification.
func NewChangeMessage(doc DocumentData) (*Message, error) {
	return NewRequest(TypeChange, "", doc.Path, doc)
}

// NewAckMessage acknowledges request id.
func NewAckMessage(id, path string, version uint64) (*Message, error) {
	return NewRequest(TypeAck, id, path, AckData{Version: version})
}

// NewErrorMessage reports that request id failed.
func NewErrorMessage(id, path, message string) (*Message, error) {
	return NewRequest(TypeError, id, path, ErrorData{Message: message})
}

// NewPongMessage creates a pong response
func NewPongMessage(id string, pingTS int64) (*Message, error) {
	now := time.Now().UnixMilli()
	msg, err := NewMessage(TypePong, PongData{
		PingTS:    pingTS,
		PongTS:    now,
		LatencyMs: now - pingTS,
	})
	if err != nil {
		return nil, err
	}
	msg.ID = id
	return msg, nil
}

// GetDocumentData extracts the document from a snapshot or change message
func (m *Message) GetDocumentData() (*DocumentData, error) {
	var data DocumentData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	if data.Path == "" {
		data.Path = m.Path
	}
	return &data, nil
}

// GetWriteData extracts the fields of a set or update request
func (m *Message) GetWriteData() (*WriteData, error) {
	var data WriteData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetAckData extracts the acknowledged version
func (m *Message) GetAckData() (*AckData, error) {
	var data AckData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetErrorData extracts the error description
func (m *Message) GetErrorData() (*ErrorData, error) {
	var data ErrorData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// IsReply reports whether the message answers a client request.
func (m *Message) IsReply() bool {
	switch m.Type {
	case TypeSnapshot, TypeAck, TypeError, TypePong:
		return m.ID != ""
	}
	return false
}
