// Package session models the documents two paired participants share: one
// location slot per participant, one signaling channel and one chat log per
// session.
//
// Every field has exactly one writer. A participant writes only its own
// location slot and its own ICE candidate list; offer and initiator belong to
// whoever starts the call, answer to whoever receives it. A chat message is
// written once, by its sender.
package session

import (
	"errors"
	"fmt"
)

// ErrInvalidParticipants is returned for an incomplete or self-paired session.
var ErrInvalidParticipants = errors.New("session: invalid participants")

// Participants identifies a session and who is on either side of it.
type Participants struct {
	SessionID     string `json:"session_id"`
	SelfID        string `json:"self_id"`
	CounterpartID string `json:"counterpart_id"`
}

// Validate checks that all ids are set and distinct.
func (p Participants) Validate() error {
	switch {
	case p.SessionID == "":
		return fmt.Errorf("%w: missing session id", ErrInvalidParticipants)
	case p.SelfID == "" || p.CounterpartID == "":
		return fmt.Errorf("%w: missing participant id", ErrInvalidParticipants)
	case p.SelfID == p.CounterpartID:
		return fmt.Errorf("%w: %s cannot pair with itself", ErrInvalidParticipants, p.SelfID)
	}
	return nil
}

// Mirror returns the same session seen from the counterpart's side.
func (p Participants) Mirror() Participants {
	return Participants{
		SessionID:     p.SessionID,
		SelfID:        p.CounterpartID,
		CounterpartID: p.SelfID,
	}
}

// SlotPath is the document holding a participant's location.
func SlotPath(sessionID, participantID string) string {
	return "sessions/" + sessionID + "/users/" + participantID
}

// CallPath is the document holding a session's signaling channel.
func CallPath(sessionID string) string {
	return "sessions/" + sessionID + "/call"
}

// MessagesPath is the document holding a session's chat log.
func MessagesPath(sessionID string) string {
	return "sessions/" + sessionID + "/messages"
}
