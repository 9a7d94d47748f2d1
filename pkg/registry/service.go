package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/teslashibe/safewalk/internal/log"
	"github.com/teslashibe/safewalk/internal/metrics"
	"github.com/teslashibe/safewalk/pkg/geo"
	"github.com/teslashibe/safewalk/pkg/match"
)

const publishTimeout = 5 * time.Second

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Publisher Publisher
	Metrics   *metrics.Collector
	Logger    *slog.Logger

	// AutoVerify marks users first registered through UpdateLocation as
	// verified.
	AutoVerify bool
}

// Service implements Registry on top of a Store. The HTTP server exposes it;
// tests and single-process setups can use it directly.
type Service struct {
	store      Store
	publisher  Publisher
	metrics    *metrics.Collector
	logger     *slog.Logger
	autoVerify bool
	now        func() time.Time
}

var _ Registry = (*Service)(nil)

// NewService creates a registry service.
func NewService(store Store, opts ServiceOptions) *Service {
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	return &Service{
		store:      store,
		publisher:  opts.Publisher,
		metrics:    opts.Metrics,
		logger:     log.Component(opts.Logger, "registry"),
		autoVerify: opts.AutoVerify,
		now:        time.Now,
	}
}

// CreateHelpRequest validates and stores a new pending request.
func (s *Service) CreateHelpRequest(ctx context.Context, requesterID string, loc geo.Coordinate) (HelpRequest, error) {
	if requesterID == "" {
		return HelpRequest{}, s.done("create", fmt.Errorf("%w: requester id required", ErrInvalidRequest))
	}
	if !loc.Valid() {
		return HelpRequest{}, s.done("create", fmt.Errorf("%w: invalid location %s", ErrInvalidRequest, loc))
	}

	req := HelpRequest{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		Location:    loc,
		Status:      StatusPending,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return HelpRequest{}, s.done("create", err)
	}

	s.logger.Info("help request created", "request", req.ID, "requester", requesterID)
	s.publish(ctx, EventCreated, req)
	return req, s.done("create", nil)
}

// ListPendingHelpRequests returns pending requests, oldest first.
func (s *Service) ListPendingHelpRequests(ctx context.Context) ([]HelpRequest, error) {
	reqs, err := s.store.ListRequests(ctx, StatusPending)
	return reqs, s.done("list_pending", err)
}

// AcceptHelpRequest assigns a pending request to helperID. The first
// acceptor wins; later ones get ErrAlreadyAccepted.
func (s *Service) AcceptHelpRequest(ctx context.Context, requestID, helperID string) error {
	if requestID == "" || helperID == "" {
		return s.done("accept", fmt.Errorf("%w: request and helper ids required", ErrInvalidRequest))
	}

	req, err := s.store.AcceptRequest(ctx, requestID, helperID)
	if err != nil {
		if errors.Is(err, ErrAlreadyAccepted) {
			s.logger.Info("accept lost race", "request", requestID, "helper", helperID)
		}
		return s.done("accept", err)
	}

	s.logger.Info("help request accepted", "request", requestID, "helper", helperID)
	s.publish(ctx, EventAccepted, req)
	return s.done("accept", nil)
}

// CancelHelpRequest withdraws a pending request.
func (s *Service) CancelHelpRequest(ctx context.Context, requestID string) error {
	req, err := s.store.CancelRequest(ctx, requestID)
	if err != nil {
		return s.done("cancel", err)
	}
	s.logger.Info("help request cancelled", "request", requestID)
	s.publish(ctx, EventCancelled, req)
	return s.done("cancel", nil)
}

// GetHelpRequest returns one request in any state.
func (s *Service) GetHelpRequest(ctx context.Context, requestID string) (HelpRequest, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	return req, s.done("get", err)
}

// ListVolunteers returns verified helpers only.
func (s *Service) ListVolunteers(ctx context.Context) ([]match.Candidate, error) {
	users, err := s.store.ListUsers(ctx, RoleHelper)
	if err != nil {
		return nil, s.done("list_volunteers", err)
	}
	out := make([]match.Candidate, 0, len(users))
	for _, u := range users {
		if u.Verified {
			out = append(out, u.Candidate())
		}
	}
	return out, s.done("list_volunteers", nil)
}

// ListRequesters returns every requester.
func (s *Service) ListRequesters(ctx context.Context) ([]match.Candidate, error) {
	users, err := s.store.ListUsers(ctx, RoleRequester)
	if err != nil {
		return nil, s.done("list_requesters", err)
	}
	out := make([]match.Candidate, 0, len(users))
	for _, u := range users {
		out = append(out, u.Candidate())
	}
	return out, s.done("list_requesters", nil)
}

// UpdateLocation records a user's position, registering the user on first
// contact with the given profile.
func (s *Service) UpdateLocation(ctx context.Context, userID string, profile Profile, loc geo.Coordinate) error {
	if userID == "" {
		return s.done("update_location", fmt.Errorf("%w: user id required", ErrInvalidRequest))
	}
	if !loc.Valid() {
		return s.done("update_location", fmt.Errorf("%w: invalid location %s", ErrInvalidRequest, loc))
	}

	u, err := s.store.GetUser(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		if profile.Role != RoleHelper && profile.Role != RoleRequester {
			return s.done("update_location", fmt.Errorf("%w: role required for new user %s", ErrInvalidRequest, userID))
		}
		u = User{ID: userID, Name: profile.Name, Role: profile.Role, Verified: s.autoVerify}
		s.logger.Info("user registered", "user", userID, "role", profile.Role, "verified", u.Verified)
	case err != nil:
		return s.done("update_location", err)
	default:
		if profile.Name != "" {
			u.Name = profile.Name
		}
	}

	u.Location = &loc
	u.UpdatedAt = s.now().UTC()
	return s.done("update_location", s.store.UpsertUser(ctx, u))
}

func (s *Service) publish(ctx context.Context, t EventType, req HelpRequest) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := s.publisher.Publish(ctx, Event{Type: t, Request: req, At: s.now().UTC()}); err != nil {
		s.logger.Warn("event publish failed", "type", t, "request", req.ID, "error", err)
	}
}

// done records the outcome of op and returns err unchanged.
func (s *Service) done(op string, err error) error {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyAccepted):
		outcome = "conflict"
	case errors.Is(err, ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, ErrInvalidRequest):
		outcome = "invalid"
	default:
		outcome = "error"
		s.logger.Error("registry operation failed", "op", op, "error", err)
	}
	s.metrics.RegistryOp(op, outcome)
	return err
}
