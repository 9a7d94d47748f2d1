// Package lifecycle runs the help request state machines: the requester side
// (activate, wait for a helper, hold the session) and the helper side (accept,
// navigate, help).
package lifecycle

import (
	"errors"
	"time"

	"github.com/teslashibe/safewalk/pkg/location"
	"github.com/teslashibe/safewalk/pkg/registry"
)

// Default intervals.
const (
	DefaultAcceptancePoll = 2 * time.Second
	DefaultPendingPoll    = 5 * time.Second
	DefaultLocationPoll   = 5 * time.Second
	DefaultMatchRefresh   = 10 * time.Second
)

var (
	// ErrAlreadyActive is returned by Activate when a request is in flight.
	ErrAlreadyActive = errors.New("lifecycle: help request already active")

	// ErrLocationRequired is returned when no position fix is available.
	ErrLocationRequired = errors.New("lifecycle: location required")

	// ErrRequestCreationFailed is returned when the registry rejects or fails
	// to store a new help request.
	ErrRequestCreationFailed = errors.New("lifecycle: request creation failed")

	// ErrRequestTaken is returned by Accept when another helper won.
	ErrRequestTaken = errors.New("lifecycle: request already taken")

	// ErrInvalidTransition is returned when an action does not apply to the
	// current state.
	ErrInvalidTransition = errors.New("lifecycle: invalid transition")

	// ErrRequestCancelled is reported when the registry withdrew the request
	// while the requester was waiting for a helper.
	ErrRequestCancelled = errors.New("lifecycle: request cancelled")

	// ErrHelperUnknown is reported when a matched request's helper could not
	// be looked up.
	ErrHelperUnknown = errors.New("lifecycle: helper unknown")
)

// maxHelperLookups bounds the retries for a matched request's helper.
const maxHelperLookups = 5

// Describe maps an error to the short status shown to the participant.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLocationRequired), errors.Is(err, location.ErrLocationUnavailable):
		return "location required"
	case errors.Is(err, ErrRequestCreationFailed):
		return "request creation failed"
	case errors.Is(err, ErrRequestTaken), errors.Is(err, registry.ErrAlreadyAccepted):
		return "request already taken"
	case errors.Is(err, ErrAlreadyActive):
		return "help request already active"
	case errors.Is(err, ErrInvalidTransition):
		return "not available right now"
	case errors.Is(err, ErrRequestCancelled):
		return "request cancelled"
	case errors.Is(err, ErrHelperUnknown):
		return "helper unavailable"
	default:
		return "something went wrong"
	}
}

// RequesterState is the requester's position in the lifecycle.
type RequesterState int

const (
	RequesterIdle RequesterState = iota
	Searching
	Matched
	Active
)

func (s RequesterState) String() string {
	switch s {
	case RequesterIdle:
		return "idle"
	case Searching:
		return "searching"
	case Matched:
		return "matched"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s RequesterState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// HelperState is the helper's position in the lifecycle.
type HelperState int

const (
	HelperIdle HelperState = iota
	Navigating
	Helping
)

func (s HelperState) String() string {
	switch s {
	case HelperIdle:
		return "idle"
	case Navigating:
		return "navigating"
	case Helping:
		return "helping"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s HelperState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
