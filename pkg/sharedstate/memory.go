package sharedstate

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Memory is an in-process Store. The relay serves one to every connected
// participant; tests use it directly.
type Memory struct {
	mu     sync.Mutex
	docs   map[string]*memoryDoc
	subs   map[string]map[*subscription]struct{}
	closed bool

	now func() time.Time
}

type memoryDoc struct {
	version   uint64
	fields    map[string]json.RawMessage
	updatedAt time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]*memoryDoc),
		subs: make(map[string]map[*subscription]struct{}),
		now:  time.Now,
	}
}

// Get returns the current document. A path never written returns a
// document with Exists false and Version 0.
func (m *Memory) Get(ctx context.Context, path string) (Document, error) {
	if path == "" {
		return Document{}, ErrInvalidPath
	}
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Document{}, ErrClosed
	}
	return m.snapshotLocked(path), nil
}

// Set replaces the document's fields.
func (m *Memory) Set(ctx context.Context, path string, fields map[string]json.RawMessage) (uint64, error) {
	return m.write(ctx, path, func(doc *memoryDoc) {
		doc.fields = make(map[string]json.RawMessage, len(fields))
		for k, v := range fields {
			if !isNull(v) {
				doc.fields[k] = v
			}
		}
	})
}

// Update upserts fields; null values delete.
func (m *Memory) Update(ctx context.Context, path string, fields map[string]json.RawMessage) (uint64, error) {
	return m.write(ctx, path, func(doc *memoryDoc) {
		for k, v := range fields {
			if isNull(v) {
				delete(doc.fields, k)
				continue
			}
			doc.fields[k] = v
		}
	})
}

func (m *Memory) write(ctx context.Context, path string, apply func(*memoryDoc)) (uint64, error) {
	if path == "" {
		return 0, ErrInvalidPath
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	doc, ok := m.docs[path]
	if !ok {
		doc = &memoryDoc{fields: make(map[string]json.RawMessage)}
		m.docs[path] = doc
	}
	apply(doc)
	doc.version++
	doc.updatedAt = m.now()

	snap := m.snapshotLocked(path)
	for sub := range m.subs[path] {
		sub.deliver(snap)
	}
	return doc.version, nil
}

// Subscribe delivers the current document immediately, then each change.
func (m *Memory) Subscribe(ctx context.Context, path string) (Subscription, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := newSubscription(path)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	set, ok := m.subs[path]
	if !ok {
		set = make(map[*subscription]struct{})
		m.subs[path] = set
	}
	set[sub] = struct{}{}
	sub.deliver(m.snapshotLocked(path))
	m.mu.Unlock()

	sub.bind(ctx, func() { m.unsubscribe(sub) })
	return sub, nil
}

func (m *Memory) unsubscribe(sub *subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.subs[sub.path]
	delete(set, sub)
	if len(set) == 0 {
		delete(m.subs, sub.path)
	}
}

func (m *Memory) snapshotLocked(path string) Document {
	doc, ok := m.docs[path]
	if !ok {
		return Document{Path: path, Fields: map[string]json.RawMessage{}}
	}
	return Document{
		Path:      path,
		Exists:    true,
		Version:   doc.version,
		Fields:    cloneFields(doc.fields),
		UpdatedAt: doc.updatedAt,
	}
}

// MemoryStats describes the store's contents.
type MemoryStats struct {
	Documents     int `json:"documents"`
	Subscriptions int `json:"subscriptions"`
}

// Stats returns document and subscription counts.
func (m *Memory) Stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := MemoryStats{Documents: len(m.docs)}
	for _, set := range m.subs {
		stats.Subscriptions += len(set)
	}
	return stats
}

// Close ends every subscription. Later operations return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var subs []*subscription
	for _, set := range m.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}
