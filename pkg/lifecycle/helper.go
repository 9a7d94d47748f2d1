package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/safewalk/internal/log"
	"github.com/teslashibe/safewalk/internal/metrics"
	"github.com/teslashibe/safewalk/pkg/geo"
	"github.com/teslashibe/safewalk/pkg/location"
	"github.com/teslashibe/safewalk/pkg/registry"
)

// HelperConfig configures a Helper.
type HelperConfig struct {
	UserID string
	Name   string

	PendingInterval  time.Duration // pending list refresh, default 5s
	LocationInterval time.Duration // registry position updates, default 5s

	Logger  *slog.Logger
	Metrics *metrics.Collector

	// OnChange is called after every state or pending list change, in order.
	// It must not call back into Helper actions.
	OnChange func(HelperStatus)
}

// PendingRequest is a help request as listed to a helper.
type PendingRequest struct {
	registry.HelpRequest
	DistanceKm *float64 `json:"distance_km,omitempty"`
}

// HelperStatus is a point-in-time view of a Helper.
type HelperStatus struct {
	State       HelperState      `json:"state"`
	RequestID   string           `json:"request_id,omitempty"`
	RequesterID string           `json:"requester_id,omitempty"`
	Pending     []PendingRequest `json:"pending"`
	Error       string           `json:"error,omitempty"`
}

// Helper is the helper side of the help request lifecycle:
// Idle → Navigating → Helping → Idle.
type Helper struct {
	cfg      HelperConfig
	registry registry.Registry
	source   location.Source
	logger   *slog.Logger

	notifyMu sync.Mutex

	mu          sync.Mutex
	state       HelperState
	accepting   bool
	requestID   string
	requesterID string
	pending     []registry.HelpRequest
	declined    map[string]bool
	lastErr     error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHelper creates an idle helper.
func NewHelper(reg registry.Registry, source location.Source, cfg HelperConfig) *Helper {
	cfg.PendingInterval = orDefault(cfg.PendingInterval, DefaultPendingPoll)
	cfg.LocationInterval = orDefault(cfg.LocationInterval, DefaultLocationPoll)
	return &Helper{
		cfg:      cfg,
		registry: reg,
		source:   source,
		logger:   log.Component(cfg.Logger, "helper").With("user", cfg.UserID),
		declined: make(map[string]bool),
	}
}

// Start begins refreshing the pending list and publishing the helper's
// position to the registry. Calling Start twice has no effect.
func (h *Helper) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)

	p := &presence{
		registry: h.registry,
		source:   h.source,
		userID:   h.cfg.UserID,
		profile:  registry.Profile{Name: h.cfg.Name, Role: registry.RoleHelper},
		interval: h.cfg.LocationInterval,
		logger:   h.logger,
	}
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		p.run(ctx)
	}()
	go h.pollPending(ctx)
}

// Stop cancels the background loops and waits for them. Idempotent.
func (h *Helper) Stop() {
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// Status returns the current state and visible pending requests.
func (h *Helper) Status() HelperStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statusLocked(h.ownPosition())
}

// State returns the current state only.
func (h *Helper) State() HelperState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Assignment returns the accepted request and its requester while
// Navigating or Helping.
func (h *Helper) Assignment() (requestID, requesterID string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == HelperIdle {
		return "", "", false
	}
	return h.requestID, h.requesterID, true
}

// Pending returns the pending requests not declined locally.
func (h *Helper) Pending() []registry.HelpRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.visibleLocked()
}

// Refresh reloads the pending list from the registry.
func (h *Helper) Refresh(ctx context.Context) error {
	pending, err := h.registry.ListPendingHelpRequests(ctx)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}

	h.mu.Lock()
	h.pending = pending
	live := make(map[string]bool, len(pending))
	for _, p := range pending {
		live[p.ID] = true
	}
	for id := range h.declined {
		if !live[id] {
			delete(h.declined, id)
		}
	}
	h.notifyLocked()
	return nil
}

// Accept claims requestID. On success the helper moves to Navigating; when
// another helper got there first the pending list is refreshed and
// ErrRequestTaken is returned.
func (h *Helper) Accept(ctx context.Context, requestID string) error {
	h.mu.Lock()
	if h.state != HelperIdle || h.accepting {
		state := h.state
		h.mu.Unlock()
		return fmt.Errorf("%w: accept while %s", ErrInvalidTransition, state)
	}
	h.accepting = true
	var requesterID string
	for _, p := range h.pending {
		if p.ID == requestID {
			requesterID = p.RequesterID
		}
	}
	h.mu.Unlock()

	err := h.registry.AcceptHelpRequest(ctx, requestID, h.cfg.UserID)
	if err != nil {
		if errors.Is(err, registry.ErrAlreadyAccepted) {
			err = fmt.Errorf("%w: %s", ErrRequestTaken, requestID)
			h.logger.Info("request taken by another helper", "request", requestID)
		} else {
			err = fmt.Errorf("accept %s: %w", requestID, err)
			h.logger.Warn("accept failed", "request", requestID, "error", err)
		}

		h.mu.Lock()
		h.accepting = false
		h.lastErr = err
		h.notifyLocked()

		if errors.Is(err, ErrRequestTaken) {
			if rerr := h.Refresh(ctx); rerr != nil {
				h.logger.Warn("pending refresh failed", "error", rerr)
			}
		}
		return err
	}

	if requesterID == "" {
		req, gerr := h.registry.GetHelpRequest(ctx, requestID)
		if gerr != nil {
			h.logger.Warn("accepted request lookup failed", "request", requestID, "error", gerr)
		}
		requesterID = req.RequesterID
	}

	h.mu.Lock()
	h.accepting = false
	h.requestID = requestID
	h.requesterID = requesterID
	h.lastErr = nil
	kept := h.pending[:0:0]
	for _, p := range h.pending {
		if p.ID != requestID {
			kept = append(kept, p)
		}
	}
	h.pending = kept
	h.logger.Info("request accepted", "request", requestID, "requester", requesterID)
	h.setLocked(Navigating)
	return nil
}

// Decline hides requestID locally. The helper stays Idle.
func (h *Helper) Decline(requestID string) {
	h.mu.Lock()
	h.declined[requestID] = true
	h.notifyLocked()
}

// Arrive moves Navigating → Helping.
func (h *Helper) Arrive() error {
	h.mu.Lock()
	if h.state != Navigating {
		state := h.state
		h.mu.Unlock()
		return fmt.Errorf("%w: arrive while %s", ErrInvalidTransition, state)
	}
	h.setLocked(Helping)
	return nil
}

// Complete ends the assignment and returns to Idle.
func (h *Helper) Complete() error {
	h.mu.Lock()
	if h.state == HelperIdle {
		h.mu.Unlock()
		return fmt.Errorf("%w: complete while idle", ErrInvalidTransition)
	}
	h.requestID, h.requesterID = "", ""
	h.setLocked(HelperIdle)
	return nil
}

func (h *Helper) pollPending(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.PendingInterval)
	defer ticker.Stop()

	for {
		if err := h.Refresh(ctx); err != nil && ctx.Err() == nil {
			h.logger.Warn("pending poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *Helper) visibleLocked() []registry.HelpRequest {
	out := make([]registry.HelpRequest, 0, len(h.pending))
	for _, p := range h.pending {
		if !h.declined[p.ID] {
			out = append(out, p)
		}
	}
	return out
}

func (h *Helper) ownPosition() *geo.Coordinate {
	// No fix means no distances in the listing.
	loc, err := h.source.Current(context.Background())
	if err != nil {
		return nil
	}
	return &loc.Coordinate
}

// setLocked changes state and notifies. It must be called with h.mu held and
// releases it.
func (h *Helper) setLocked(state HelperState) {
	h.state = state
	h.cfg.Metrics.Transition("helper", state.String())
	h.notifyLocked()
}

// notifyLocked releases h.mu and delivers the status to OnChange.
func (h *Helper) notifyLocked() {
	st := h.statusLocked(h.ownPosition())
	h.notifyMu.Lock()
	h.mu.Unlock()
	defer h.notifyMu.Unlock()
	if h.cfg.OnChange != nil {
		h.cfg.OnChange(st)
	}
}

func (h *Helper) statusLocked(at *geo.Coordinate) HelperStatus {
	visible := h.visibleLocked()
	st := HelperStatus{
		State:       h.state,
		RequestID:   h.requestID,
		RequesterID: h.requesterID,
		Pending:     make([]PendingRequest, 0, len(visible)),
		Error:       Describe(h.lastErr),
	}
	for _, p := range visible {
		pr := PendingRequest{HelpRequest: p}
		if at != nil {
			d := geo.DistanceKm(*at, p.Location)
			pr.DistanceKm = &d
		}
		st.Pending = append(st.Pending, pr)
	}
	return st
}
