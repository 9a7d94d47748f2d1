package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/teslashibe/safewalk/pkg/sharedstate"
)

// ErrEmptyMessage is returned when a chat message has no text.
var ErrEmptyMessage = errors.New("session: empty message")

// Message is one chat line of a session.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type messageRecord struct {
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Messages is a session's chat log. Each message is a field of the log
// document keyed by its id and written once, by its sender.
type Messages struct {
	store sharedstate.Store
	p     Participants
	now   func() time.Time
}

// NewMessages binds the chat log of p's session.
func NewMessages(store sharedstate.Store, p Participants) (*Messages, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Messages{store: store, p: p, now: time.Now}, nil
}

// Send appends a message from this participant. Surrounding whitespace is
// trimmed and blank text is refused.
func (m *Messages) Send(ctx context.Context, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}

	msg := Message{
		ID:        uuid.NewString(),
		Sender:    m.p.SelfID,
		Text:      text,
		Timestamp: m.now().UTC(),
	}
	fields, err := sharedstate.Encode(map[string]any{
		msg.ID: messageRecord{Sender: msg.Sender, Text: msg.Text, Timestamp: msg.Timestamp},
	})
	if err != nil {
		return Message{}, err
	}
	if _, err := m.store.Update(ctx, MessagesPath(m.p.SessionID), fields); err != nil {
		return Message{}, fmt.Errorf("send message: %w", err)
	}
	return msg, nil
}

// List returns every message of the session, oldest first.
func (m *Messages) List(ctx context.Context) ([]Message, error) {
	doc, err := m.store.Get(ctx, MessagesPath(m.p.SessionID))
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	return DecodeMessages(doc)
}

// Subscribe follows the chat log. Decode each document with DecodeMessages.
func (m *Messages) Subscribe(ctx context.Context) (sharedstate.Subscription, error) {
	return m.store.Subscribe(ctx, MessagesPath(m.p.SessionID))
}

// DecodeMessages extracts the messages of a log document ordered by
// timestamp, ties broken by id.
func DecodeMessages(doc sharedstate.Document) ([]Message, error) {
	msgs := make([]Message, 0, len(doc.Fields))
	for id := range doc.Fields {
		var rec messageRecord
		ok, err := doc.Decode(id, &rec)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		msgs = append(msgs, Message{ID: id, Sender: rec.Sender, Text: rec.Text, Timestamp: rec.Timestamp})
	}
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs, nil
}
