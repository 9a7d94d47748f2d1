package sharedstate

import (
	"context"
	"sync"
)

// subscription is a latest-wins mailbox. deliver never blocks: a pending
// document the reader has not taken yet is replaced by the newer one.
type subscription struct {
	path string
	ch   chan Document

	mu      sync.Mutex
	closed  bool
	onClose func()
	stop    func() bool
}

func newSubscription(path string) *subscription {
	return &subscription{
		path: path,
		ch:   make(chan Document, 1),
	}
}

// bind closes the subscription when ctx is done. Call it after the
// subscription is registered so an already-cancelled ctx unregisters it.
func (s *subscription) bind(ctx context.Context, onClose func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		onClose()
		return
	}
	s.onClose = onClose
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { s.Close() })
	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()
}

func (s *subscription) C() <-chan Document {
	return s.ch
}

func (s *subscription) deliver(doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.ch <- doc:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- doc
}

// Close ends the subscription. It is safe to call more than once.
func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	stop, onClose := s.stop, s.onClose
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if onClose != nil {
		onClose()
	}
	return nil
}
