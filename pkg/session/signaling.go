package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/teslashibe/safewalk/pkg/sharedstate"
)

// CallStatus is the call state recorded in the signaling channel.
type CallStatus string

const (
	CallIdle      CallStatus = "idle"
	CallCalling   CallStatus = "calling"
	CallConnected CallStatus = "connected"
	CallEnded     CallStatus = "ended"
)

func (s CallStatus) rank() int {
	switch s {
	case CallCalling:
		return 1
	case CallConnected:
		return 2
	case CallEnded:
		return 3
	}
	return 0
}

// Before reports whether s precedes other in Idle → Calling → Connected → Ended.
func (s CallStatus) Before(other CallStatus) bool {
	return s.rank() < other.rank()
}

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is a trickled connectivity candidate in its browser JSON form.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

const (
	fieldInitiator = "initiator"
	fieldOffer     = "offer"
	fieldAnswer    = "answer"
	fieldStatus    = "status"
	fieldICEPrefix = "ice/"
)

// CallSnapshot is a decoded signaling channel.
type CallSnapshot struct {
	Version     uint64
	InitiatorID string
	Offer       *SessionDescription
	Answer      *SessionDescription
	Status      CallStatus
	Candidates  map[string][]ICECandidate
}

// CandidatesOf returns the ordered candidates a participant has published.
func (s CallSnapshot) CandidatesOf(participantID string) []ICECandidate {
	return s.Candidates[participantID]
}

// DecodeCall decodes a signaling channel document.
func DecodeCall(doc sharedstate.Document) (CallSnapshot, error) {
	snap := CallSnapshot{
		Version:    doc.Version,
		Status:     CallIdle,
		Candidates: make(map[string][]ICECandidate),
	}
	if _, err := doc.Decode(fieldInitiator, &snap.InitiatorID); err != nil {
		return CallSnapshot{}, err
	}
	if doc.Has(fieldOffer) {
		snap.Offer = &SessionDescription{}
		if _, err := doc.Decode(fieldOffer, snap.Offer); err != nil {
			return CallSnapshot{}, err
		}
	}
	if doc.Has(fieldAnswer) {
		snap.Answer = &SessionDescription{}
		if _, err := doc.Decode(fieldAnswer, snap.Answer); err != nil {
			return CallSnapshot{}, err
		}
	}
	if _, err := doc.Decode(fieldStatus, &snap.Status); err != nil {
		return CallSnapshot{}, err
	}
	for field := range doc.Fields {
		id, ok := strings.CutPrefix(field, fieldICEPrefix)
		if !ok || id == "" {
			continue
		}
		var list []ICECandidate
		if _, err := doc.Decode(field, &list); err != nil {
			return CallSnapshot{}, err
		}
		snap.Candidates[id] = list
	}
	return snap, nil
}

// SignalingChannel gives one participant access to a session's call record.
type SignalingChannel struct {
	store sharedstate.Store
	p     Participants
	path  string
}

// NewSignalingChannel binds the call record of p's session.
func NewSignalingChannel(store sharedstate.Store, p Participants) (*SignalingChannel, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &SignalingChannel{store: store, p: p, path: CallPath(p.SessionID)}, nil
}

// Participants returns the session the channel belongs to.
func (c *SignalingChannel) Participants() Participants {
	return c.p
}

// Snapshot reads the channel once.
func (c *SignalingChannel) Snapshot(ctx context.Context) (CallSnapshot, error) {
	doc, err := c.store.Get(ctx, c.path)
	if err != nil {
		return CallSnapshot{}, fmt.Errorf("read signaling channel: %w", err)
	}
	return DecodeCall(doc)
}

// WriteOffer starts a call attempt. It replaces the whole record, so any
// answer or candidates from an earlier attempt are dropped; own carries the
// candidates gathered so far.
func (c *SignalingChannel) WriteOffer(ctx context.Context, offer SessionDescription, own []ICECandidate) error {
	if own == nil {
		own = []ICECandidate{}
	}
	return c.write(ctx, true, map[string]any{
		fieldInitiator:              c.p.SelfID,
		fieldOffer:                  offer,
		fieldStatus:                 CallCalling,
		fieldICEPrefix + c.p.SelfID: own,
	})
}

// WriteAnswer records the answer and marks the call connected.
func (c *SignalingChannel) WriteAnswer(ctx context.Context, answer SessionDescription) error {
	return c.write(ctx, false, map[string]any{
		fieldAnswer: answer,
		fieldStatus: CallConnected,
	})
}

// WriteStatus sets the call status.
func (c *SignalingChannel) WriteStatus(ctx context.Context, status CallStatus) error {
	return c.write(ctx, false, map[string]any{fieldStatus: status})
}

// ReadOwn returns the candidates this participant has published.
func (c *SignalingChannel) ReadOwn(ctx context.Context) ([]ICECandidate, error) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.CandidatesOf(c.p.SelfID), nil
}

// ReadOther returns the candidates the counterpart has published.
func (c *SignalingChannel) ReadOther(ctx context.Context) ([]ICECandidate, error) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.CandidatesOf(c.p.CounterpartID), nil
}

// WriteOwn publishes this participant's full candidate list. Callers append
// locally and write the whole list so the sequence order is preserved.
func (c *SignalingChannel) WriteOwn(ctx context.Context, candidates []ICECandidate) error {
	if candidates == nil {
		candidates = []ICECandidate{}
	}
	return c.write(ctx, false, map[string]any{fieldICEPrefix + c.p.SelfID: candidates})
}

// SubscribeOther follows the channel. Decode each document with DecodeCall
// and read only the counterpart's candidates.
func (c *SignalingChannel) SubscribeOther(ctx context.Context) (sharedstate.Subscription, error) {
	return c.store.Subscribe(ctx, c.path)
}

// Reset clears the channel for a fresh call attempt.
func (c *SignalingChannel) Reset(ctx context.Context) error {
	return c.write(ctx, true, map[string]any{fieldStatus: CallIdle})
}

func (c *SignalingChannel) write(ctx context.Context, replace bool, values map[string]any) error {
	fields, err := sharedstate.Encode(values)
	if err != nil {
		return err
	}
	if replace {
		_, err = c.store.Set(ctx, c.path, fields)
	} else {
		_, err = c.store.Update(ctx, c.path, fields)
	}
	if err != nil {
		return fmt.Errorf("write signaling channel: %w", err)
	}
	return nil
}
