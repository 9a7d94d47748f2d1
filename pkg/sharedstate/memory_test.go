package sharedstate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func fields(t *testing.T, values map[string]any) map[string]json.RawMessage {
	t.Helper()
	f, err := Encode(values)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	return f
}

func next(t *testing.T, sub Subscription) Document {
	t.Helper()
	select {
	case doc, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return doc
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for document")
	}
	return Document{}
}

func TestMemoryGetMissing(t *testing.T) {
	m := NewMemory()

	doc, err := m.Get(context.Background(), "sessions/a/call")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if doc.Exists || doc.Version != 0 {
		t.Errorf("doc = %+v, want non-existent version 0", doc)
	}
	if doc.Fields == nil {
		t.Error("Fields should be an empty map, not nil")
	}
}

func TestMemorySetReplaces(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Set(ctx, "p", fields(t, map[string]any{"a": 1, "b": 2}))
	v, err := m.Set(ctx, "p", fields(t, map[string]any{"c": 3}))
	if err != nil {
		t.Fatalf("Set error: %v", err)
	}
	if v != 2 {
		t.Errorf("version = %d, want 2", v)
	}

	doc, _ := m.Get(ctx, "p")
	if doc.Has("a") || doc.Has("b") || !doc.Has("c") {
		t.Errorf("fields = %v, want only c", doc.Fields)
	}
}

func TestMemoryUpdateMergesAndDeletes(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Set(ctx, "p", fields(t, map[string]any{"a": 1, "b": 2}))
	m.Update(ctx, "p", fields(t, map[string]any{"b": nil, "c": "x"}))

	doc, _ := m.Get(ctx, "p")
	var a int
	if ok, err := doc.Decode("a", &a); !ok || err != nil || a != 1 {
		t.Errorf("a = %d (ok=%v err=%v), want 1", a, ok, err)
	}
	if doc.Has("b") {
		t.Error("b should have been deleted by a null update")
	}
	var c string
	if ok, _ := doc.Decode("c", &c); !ok || c != "x" {
		t.Errorf("c = %q, want x", c)
	}
}

func TestMemoryInvalidPath(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.Get(ctx, ""); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("Get error = %v, want ErrInvalidPath", err)
	}
	if _, err := m.Update(ctx, "", nil); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("Update error = %v, want ErrInvalidPath", err)
	}
	if _, err := m.Subscribe(ctx, ""); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("Subscribe error = %v, want ErrInvalidPath", err)
	}
}

func TestMemorySubscribeDeliversCurrentThenChanges(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Set(ctx, "p", fields(t, map[string]any{"status": "calling"}))

	sub, err := m.Subscribe(ctx, "p")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Close()

	first := next(t, sub)
	if first.Version != 1 {
		t.Errorf("first version = %d, want 1", first.Version)
	}

	m.Update(ctx, "p", fields(t, map[string]any{"status": "connected"}))
	second := next(t, sub)
	var status string
	second.Decode("status", &status)
	if second.Version != 2 || status != "connected" {
		t.Errorf("second = v%d %q, want v2 connected", second.Version, status)
	}
}

func TestMemorySlowSubscriberSeesLatest(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	sub, _ := m.Subscribe(ctx, "p")
	defer sub.Close()
	next(t, sub)

	for i := 1; i <= 10; i++ {
		m.Update(ctx, "p", fields(t, map[string]any{"n": i}))
	}

	doc := next(t, sub)
	if doc.Version != 10 {
		t.Errorf("version = %d, want latest 10", doc.Version)
	}
	select {
	case extra := <-sub.C():
		t.Errorf("unexpected extra document v%d", extra.Version)
	default:
	}
}

func TestMemorySubscriptionCloseIdempotent(t *testing.T) {
	m := NewMemory()

	sub, _ := m.Subscribe(context.Background(), "p")
	if err := sub.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
	if m.Stats().Subscriptions != 0 {
		t.Errorf("Subscriptions = %d, want 0", m.Stats().Subscriptions)
	}

	// Writes after close must not panic on the closed channel.
	m.Update(context.Background(), "p", fields(t, map[string]any{"a": 1}))
}

func TestMemorySubscriptionEndsWithContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	sub, _ := m.Subscribe(ctx, "p")
	next(t, sub)
	cancel()

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Error("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription did not end with its context")
	}
	if m.Stats().Subscriptions != 0 {
		t.Errorf("Subscriptions = %d, want 0", m.Stats().Subscriptions)
	}
}

func TestMemoryClose(t *testing.T) {
	m := NewMemory()
	sub, _ := m.Subscribe(context.Background(), "p")
	next(t, sub)

	m.Close()

	if _, ok := <-sub.C(); ok {
		t.Error("subscription should be closed with the store")
	}
	if _, err := m.Get(context.Background(), "p"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get error = %v, want ErrClosed", err)
	}
}
