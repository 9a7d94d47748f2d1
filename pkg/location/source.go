// Package location keeps a session's location slots in step with each
// participant's real position.
package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/teslashibe/safewalk/pkg/geo"
)

var (
	// ErrLocationUnavailable is reported whenever the position source cannot
	// produce a fix, e.g. because permission was denied.
	ErrLocationUnavailable = errors.New("location: unavailable")

	// ErrPermissionDenied is the usual cause wrapped by ErrLocationUnavailable.
	ErrPermissionDenied = errors.New("location: permission denied")
)

// Source produces the device's current position.
type Source interface {
	Current(ctx context.Context) (geo.TrackedLocation, error)
}

// Observation is one push update from a Watcher.
type Observation struct {
	Location geo.TrackedLocation
	Err      error
}

// Watcher is implemented by sources that push updates. The channel is closed
// when ctx is done.
type Watcher interface {
	Watch(ctx context.Context) (<-chan Observation, error)
}

// Unavailable wraps err as ErrLocationUnavailable unless it already is.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrLocationUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrLocationUnavailable, err)
}

// ManualSource is a Source and Watcher fed by explicit fixes, such as the
// device position posted to the participant API.
type ManualSource struct {
	mu       sync.Mutex
	current  *geo.TrackedLocation
	err      error
	watchers map[chan Observation]struct{}
	now      func() time.Time
}

// NewManualSource creates a source with no fix yet.
func NewManualSource() *ManualSource {
	return &ManualSource{
		watchers: make(map[chan Observation]struct{}),
		now:      time.Now,
	}
}

// Set records a fix observed now.
func (m *ManualSource) Set(c geo.Coordinate) error {
	return m.SetLocation(geo.TrackedLocation{Coordinate: c, ObservedAt: m.now()})
}

// SetLocation records a fix with its own observation time.
func (m *ManualSource) SetLocation(loc geo.TrackedLocation) error {
	if !loc.Coordinate.Valid() {
		return fmt.Errorf("invalid coordinate %s", loc.Coordinate)
	}
	if loc.ObservedAt.IsZero() {
		loc.ObservedAt = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = &loc
	m.err = nil
	m.notifyLocked(Observation{Location: loc})
	return nil
}

// Fail marks the source unavailable until the next fix.
func (m *ManualSource) Fail(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = Unavailable(cause)
	m.notifyLocked(Observation{Err: m.err})
}

// Current returns the last fix, or ErrLocationUnavailable.
func (m *ManualSource) Current(ctx context.Context) (geo.TrackedLocation, error) {
	if err := ctx.Err(); err != nil {
		return geo.TrackedLocation{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return geo.TrackedLocation{}, m.err
	}
	if m.current == nil {
		return geo.TrackedLocation{}, fmt.Errorf("%w: no fix yet", ErrLocationUnavailable)
	}
	return *m.current, nil
}

// Watch pushes every later fix or failure, starting with the current one.
func (m *ManualSource) Watch(ctx context.Context) (<-chan Observation, error) {
	ch := make(chan Observation, 1)

	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	switch {
	case m.err != nil:
		ch <- Observation{Err: m.err}
	case m.current != nil:
		ch <- Observation{Location: *m.current}
	}
	m.mu.Unlock()

	context.AfterFunc(ctx, func() {
		m.mu.Lock()
		delete(m.watchers, ch)
		close(ch)
		m.mu.Unlock()
	})
	return ch, nil
}

// notifyLocked delivers obs to every watcher, replacing an unread update.
func (m *ManualSource) notifyLocked(obs Observation) {
	for ch := range m.watchers {
		select {
		case ch <- obs:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		ch <- obs
	}
}
