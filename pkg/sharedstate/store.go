// Package sharedstate provides the per-session shared documents both
// participants read and write: a field map per path with full-replace and
// field-upsert writes, one-shot reads and change subscriptions.
package sharedstate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/teslashibe/safewalk/pkg/protocol"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("sharedstate: store closed")
	// ErrInvalidPath is returned for an empty document path.
	ErrInvalidPath = errors.New("sharedstate: invalid path")
	// ErrRemote wraps an error reported by the relay.
	ErrRemote = errors.New("sharedstate: relay error")
)

// Store is a shared document store keyed by path.
//
// Writes are last-writer-wins per field. Set replaces every field of the
// document; Update upserts the given fields and deletes fields whose value is
// JSON null. Both return the document version after the write.
type Store interface {
	Get(ctx context.Context, path string) (Document, error)
	Set(ctx context.Context, path string, fields map[string]json.RawMessage) (uint64, error)
	Update(ctx context.Context, path string, fields map[string]json.RawMessage) (uint64, error)
	// Subscribe delivers the current document followed by every later
	// change. The subscription ends when ctx is done or Close is called.
	Subscribe(ctx context.Context, path string) (Subscription, error)
}

// Subscription is a stream of document snapshots for one path.
//
// A slow reader only ever sees the latest document; intermediate versions
// may be skipped. C is closed once the subscription ends.
type Subscription interface {
	C() <-chan Document
	Close() error
}

// Document is a snapshot of a shared document.
type Document struct {
	Path      string
	Exists    bool
	Version   uint64
	Fields    map[string]json.RawMessage
	UpdatedAt time.Time
}

// Has reports whether the document carries a non-null field.
func (d Document) Has(field string) bool {
	raw, ok := d.Fields[field]
	return ok && !isNull(raw)
}

// Decode unmarshals a field into v. It reports false when the field is absent.
func (d Document) Decode(field string, v any) (bool, error) {
	raw, ok := d.Fields[field]
	if !ok || isNull(raw) {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode field %q of %s: %w", field, d.Path, err)
	}
	return true, nil
}

// Data converts the document to its wire form.
func (d Document) Data() protocol.DocumentData {
	data := protocol.DocumentData{
		Path:    d.Path,
		Exists:  d.Exists,
		Version: d.Version,
		Fields:  d.Fields,
	}
	if !d.UpdatedAt.IsZero() {
		data.UpdatedAt = d.UpdatedAt.UnixMilli()
	}
	return data
}

// FromData converts a wire document.
func FromData(data protocol.DocumentData) Document {
	doc := Document{
		Path:    data.Path,
		Exists:  data.Exists,
		Version: data.Version,
		Fields:  data.Fields,
	}
	if doc.Fields == nil {
		doc.Fields = map[string]json.RawMessage{}
	}
	if data.UpdatedAt > 0 {
		doc.UpdatedAt = time.UnixMilli(data.UpdatedAt)
	}
	return doc
}

// Encode marshals each value into a field map suitable for Set or Update.
// A nil value encodes as JSON null, which Update treats as a delete.
func Encode(values map[string]any) (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", k, err)
		}
		fields[k] = raw
	}
	return fields, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func cloneFields(fields map[string]json.RawMessage) map[string]json.RawMessage {
	if fields == nil {
		return map[string]json.RawMessage{}
	}
	return maps.Clone(fields)
}
