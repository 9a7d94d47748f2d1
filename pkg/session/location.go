package session

import (
	"context"
	"fmt"
	"time"

	"github.com/teslashibe/safewalk/pkg/geo"
	"github.com/teslashibe/safewalk/pkg/sharedstate"
)

const (
	fieldCoordinate  = "coordinate"
	fieldLastUpdated = "lastUpdated"
)

// LocationSlots gives one participant access to the two location slots of a
// session: write-only to its own, read-only to its counterpart's.
type LocationSlots struct {
	store sharedstate.Store
	p     Participants
}

// NewLocationSlots binds the slots of p's session.
func NewLocationSlots(store sharedstate.Store, p Participants) (*LocationSlots, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &LocationSlots{store: store, p: p}, nil
}

// Participants returns the session the slots belong to.
func (s *LocationSlots) Participants() Participants {
	return s.p
}

// ReadOwn returns the last location this participant published.
func (s *LocationSlots) ReadOwn(ctx context.Context) (geo.TrackedLocation, bool, error) {
	return s.read(ctx, s.p.SelfID)
}

// ReadOther returns the counterpart's last published location.
func (s *LocationSlots) ReadOther(ctx context.Context) (geo.TrackedLocation, bool, error) {
	return s.read(ctx, s.p.CounterpartID)
}

// WriteOwn overwrites this participant's slot.
func (s *LocationSlots) WriteOwn(ctx context.Context, loc geo.TrackedLocation) error {
	if !loc.Coordinate.Valid() {
		return fmt.Errorf("write location: invalid coordinate %s", loc.Coordinate)
	}
	fields, err := sharedstate.Encode(map[string]any{
		fieldCoordinate:  loc.Coordinate,
		fieldLastUpdated: loc.ObservedAt.UTC(),
	})
	if err != nil {
		return err
	}
	if _, err := s.store.Set(ctx, SlotPath(s.p.SessionID, s.p.SelfID), fields); err != nil {
		return fmt.Errorf("write location slot: %w", err)
	}
	return nil
}

// SubscribeOther follows the counterpart's slot. Decode each document with
// DecodeLocation.
func (s *LocationSlots) SubscribeOther(ctx context.Context) (sharedstate.Subscription, error) {
	return s.store.Subscribe(ctx, SlotPath(s.p.SessionID, s.p.CounterpartID))
}

func (s *LocationSlots) read(ctx context.Context, participantID string) (geo.TrackedLocation, bool, error) {
	doc, err := s.store.Get(ctx, SlotPath(s.p.SessionID, participantID))
	if err != nil {
		return geo.TrackedLocation{}, false, fmt.Errorf("read location slot: %w", err)
	}
	return DecodeLocation(doc)
}

// DecodeLocation extracts a location from a slot document. It reports false
// when the slot has never been written.
func DecodeLocation(doc sharedstate.Document) (geo.TrackedLocation, bool, error) {
	var loc geo.TrackedLocation
	ok, err := doc.Decode(fieldCoordinate, &loc.Coordinate)
	if err != nil || !ok {
		return geo.TrackedLocation{}, false, err
	}

	var updated time.Time
	if _, err := doc.Decode(fieldLastUpdated, &updated); err != nil {
		return geo.TrackedLocation{}, false, err
	}
	if updated.IsZero() {
		updated = doc.UpdatedAt
	}
	loc.ObservedAt = updated
	return loc, true, nil
}
