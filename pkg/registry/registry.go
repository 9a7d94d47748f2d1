// Package registry holds users and help requests: the Registry contract the
// participant agents consume, an HTTP client for it, and a reference server
// with memory, JSON file and Postgres backends.
package registry

import (
	"context"
	"time"

	"github.com/teslashibe/safewalk/pkg/geo"
	"github.com/teslashibe/safewalk/pkg/match"
)

// Status is the state of a help request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusCancelled Status = "cancelled"
)

// User roles.
const (
	RoleRequester = "requester"
	RoleHelper    = "helper"
)

// HelpRequest is a requester's call for assistance.
type HelpRequest struct {
	ID               string         `json:"id"`
	RequesterID      string         `json:"requester_id"`
	Location         geo.Coordinate `json:"location"`
	Status           Status         `json:"status"`
	AssignedHelperID string         `json:"assigned_helper_id,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// User is a registered requester or helper.
type User struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Role      string          `json:"role"`
	Phone     string          `json:"phone,omitempty"`
	Rating    *float64        `json:"rating,omitempty"`
	Location  *geo.Coordinate `json:"location,omitempty"`
	Verified  bool            `json:"verified"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Candidate converts the user into a matcher input.
func (u User) Candidate() match.Candidate {
	return match.Candidate{
		ID:          u.ID,
		DisplayName: u.Name,
		Rating:      u.Rating,
		Coordinate:  u.Location,
		Verified:    u.Verified,
		Phone:       u.Phone,
	}
}

// Profile identifies the caller of UpdateLocation. It is used to register a
// user the registry has not seen before.
type Profile struct {
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// Registry is the request/volunteer registry as seen by a participant.
type Registry interface {
	CreateHelpRequest(ctx context.Context, requesterID string, loc geo.Coordinate) (HelpRequest, error)
	ListPendingHelpRequests(ctx context.Context) ([]HelpRequest, error)
	// AcceptHelpRequest returns ErrAlreadyAccepted when another helper won.
	AcceptHelpRequest(ctx context.Context, requestID, helperID string) error
	GetHelpRequest(ctx context.Context, requestID string) (HelpRequest, error)
	ListVolunteers(ctx context.Context) ([]match.Candidate, error)
	ListRequesters(ctx context.Context) ([]match.Candidate, error)
	UpdateLocation(ctx context.Context, userID string, profile Profile, loc geo.Coordinate) error
}

// Contains reports whether id is in requests.
func Contains(requests []HelpRequest, id string) bool {
	for _, r := range requests {
		if r.ID == id {
			return true
		}
	}
	return false
}
