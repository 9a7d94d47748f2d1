package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/safewalk/internal/log"
	"github.com/teslashibe/safewalk/internal/metrics"
	"github.com/teslashibe/safewalk/pkg/geo"
	"github.com/teslashibe/safewalk/pkg/location"
	"github.com/teslashibe/safewalk/pkg/match"
	"github.com/teslashibe/safewalk/pkg/registry"
)

// RequesterConfig configures a Requester.
type RequesterConfig struct {
	UserID string
	Name   string

	// NarrowRadiusKm ranks helpers around an active request; WideRadiusKm is
	// used for the idle listing.
	NarrowRadiusKm float64
	WideRadiusKm   float64

	PollInterval     time.Duration // acceptance detection, default 2s
	MatchRefresh     time.Duration // helper re-ranking while searching, default 10s
	LocationInterval time.Duration // registry position updates, default 5s

	Logger  *slog.Logger
	Metrics *metrics.Collector

	// OnChange is called after every state change, in order. It must not call
	// back into Requester actions.
	OnChange func(RequesterStatus)
}

// RequesterStatus is a point-in-time view of a Requester.
type RequesterStatus struct {
	State     RequesterState          `json:"state"`
	RequestID string                  `json:"request_id,omitempty"`
	HelperID  string                  `json:"helper_id,omitempty"`
	Location  *geo.Coordinate         `json:"location,omitempty"`
	Matches   []match.RankedCandidate `json:"matches"`
	Error     string                  `json:"error,omitempty"`
}

// Requester is the requester side of the help request lifecycle:
// Idle → Searching → Matched → Active → Idle.
type Requester struct {
	cfg      RequesterConfig
	registry registry.Registry
	source   location.Source
	logger   *slog.Logger

	notifyMu sync.Mutex

	mu       sync.Mutex
	state    RequesterState
	gen      uint64
	request  *registry.HelpRequest
	helperID string
	matches  []match.RankedCandidate
	lastErr  error
	stop     context.CancelFunc
	wg       sync.WaitGroup

	// stopMatches ends helper re-ranking once the request leaves Searching.
	stopMatches context.CancelFunc

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// NewRequester creates an idle requester.
func NewRequester(reg registry.Registry, source location.Source, cfg RequesterConfig) *Requester {
	cfg.PollInterval = orDefault(cfg.PollInterval, DefaultAcceptancePoll)
	cfg.MatchRefresh = orDefault(cfg.MatchRefresh, DefaultMatchRefresh)
	cfg.LocationInterval = orDefault(cfg.LocationInterval, DefaultLocationPoll)
	return &Requester{
		cfg:      cfg,
		registry: reg,
		source:   source,
		logger:   log.Component(cfg.Logger, "requester").With("user", cfg.UserID),
	}
}

// Start begins publishing the requester's position to the registry. It is
// independent of the request state and runs until Stop.
func (r *Requester) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bgCancel != nil {
		return
	}
	ctx, r.bgCancel = context.WithCancel(ctx)

	p := &presence{
		registry: r.registry,
		source:   r.source,
		userID:   r.cfg.UserID,
		profile:  registry.Profile{Name: r.cfg.Name, Role: registry.RoleRequester},
		interval: r.cfg.LocationInterval,
		logger:   r.logger,
	}
	r.bgWG.Add(1)
	go func() {
		defer r.bgWG.Done()
		p.run(ctx)
	}()
}

// Stop cancels every background loop. The state is left as it is.
func (r *Requester) Stop() {
	r.mu.Lock()
	if r.bgCancel != nil {
		r.bgCancel()
		r.bgCancel = nil
	}
	stop := r.stop
	r.stop = nil
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
	r.wg.Wait()
	r.bgWG.Wait()
}

// Status returns the current state.
func (r *Requester) Status() RequesterStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

// State returns the current state only.
func (r *Requester) State() RequesterState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Request returns the current help request, if any.
func (r *Requester) Request() (registry.HelpRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.request == nil {
		return registry.HelpRequest{}, false
	}
	return *r.request, true
}

// Activate captures the current position, creates a help request, ranks
// nearby helpers with the narrow radius and starts waiting for acceptance.
// A second call while a request is in flight returns ErrAlreadyActive without
// touching the registry.
func (r *Requester) Activate(ctx context.Context) (registry.HelpRequest, error) {
	r.mu.Lock()
	if r.state != RequesterIdle {
		r.mu.Unlock()
		return registry.HelpRequest{}, ErrAlreadyActive
	}
	r.gen++
	gen := r.gen
	r.request, r.helperID, r.matches, r.lastErr = nil, "", nil, nil
	r.setLocked(Searching)

	loc, err := r.source.Current(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrLocationRequired, err)
		r.fail(gen, err)
		return registry.HelpRequest{}, err
	}

	req, err := r.registry.CreateHelpRequest(ctx, r.cfg.UserID, loc.Coordinate)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrRequestCreationFailed, err)
		r.fail(gen, err)
		return registry.HelpRequest{}, err
	}

	matches := r.rank(ctx, req.Location, r.cfg.NarrowRadiusKm)

	r.mu.Lock()
	if r.gen != gen {
		// Cancelled while the request was being created.
		r.mu.Unlock()
		r.logger.Info("activation superseded", "request", req.ID)
		return req, fmt.Errorf("%w: cancelled during activation", ErrInvalidTransition)
	}
	r.request = &req
	r.matches = matches

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	matchCtx, stopMatches := context.WithCancel(loopCtx)
	r.stop = cancel
	r.stopMatches = stopMatches
	r.wg.Add(2)
	go r.pollAcceptance(loopCtx, gen, req.ID)
	go r.refreshMatches(matchCtx, gen, req.Location)
	r.notifyLocked()

	r.logger.Info("help request active", "request", req.ID, "helpers_nearby", len(matches))
	return req, nil
}

// Cancel returns to Idle from any state. Polling and match refresh stop; the
// help request itself is left in the registry.
func (r *Requester) Cancel() {
	r.mu.Lock()
	if r.state == RequesterIdle {
		r.mu.Unlock()
		return
	}
	r.gen++
	r.request, r.helperID, r.matches, r.lastErr = nil, "", nil, nil
	stop := r.takeStopLocked()
	r.setLocked(RequesterIdle)

	stop()
	r.logger.Info("help request cancelled")
}

// StartSession moves Matched → Active. No registry call is made.
func (r *Requester) StartSession() error {
	r.mu.Lock()
	if r.state != Matched {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: start session while %s", ErrInvalidTransition, state)
	}
	r.setLocked(Active)
	return nil
}

// Complete ends a matched or active session and returns to Idle.
func (r *Requester) Complete() error {
	r.mu.Lock()
	if r.state != Matched && r.state != Active {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: complete while %s", ErrInvalidTransition, state)
	}
	r.gen++
	r.request, r.helperID, r.matches = nil, "", nil
	stop := r.takeStopLocked()
	r.setLocked(RequesterIdle)

	stop()
	return nil
}

// takeStopLocked detaches the request's loop cancellation. The returned func
// is always safe to call.
func (r *Requester) takeStopLocked() context.CancelFunc {
	stop := r.stop
	r.stop, r.stopMatches = nil, nil
	if stop == nil {
		return func() {}
	}
	return stop
}

// Available ranks verified helpers around the current position with the wide
// radius, for the idle listing.
func (r *Requester) Available(ctx context.Context) ([]match.RankedCandidate, error) {
	loc, err := r.source.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLocationRequired, err)
	}
	candidates, err := r.registry.ListVolunteers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list volunteers: %w", err)
	}
	return match.Rank(loc.Coordinate, candidates, r.cfg.WideRadiusKm), nil
}

func (r *Requester) pollAcceptance(ctx context.Context, gen uint64, requestID string) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := r.registry.ListPendingHelpRequests(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("pending poll failed", "error", err)
			}
			continue
		}
		if registry.Contains(pending, requestID) {
			continue
		}

		// Gone from the pending list. The lookup only tells who accepted it,
		// or that it was withdrawn instead.
		req, err := r.registry.GetHelpRequest(ctx, requestID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("accepted request lookup failed", "request", requestID, "error", err)
		case req.Status == registry.StatusCancelled:
			r.withdrawn(gen, requestID)
			return
		}

		if !r.matched(gen, requestID, req.AssignedHelperID) {
			return
		}
		if req.AssignedHelperID == "" {
			r.resolveHelper(ctx, ticker.C, gen, requestID)
		}
		return
	}
}

// resolveHelper retries the lookup of a matched request's helper a bounded
// number of times, then reports ErrHelperUnknown.
func (r *Requester) resolveHelper(ctx context.Context, tick <-chan time.Time, gen uint64, requestID string) {
	for attempt := 0; attempt < maxHelperLookups; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		}

		req, err := r.registry.GetHelpRequest(ctx, requestID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("helper lookup failed", "request", requestID, "attempt", attempt+1, "error", err)
			continue
		}
		if req.Status == registry.StatusCancelled {
			r.withdrawn(gen, requestID)
			return
		}
		if req.AssignedHelperID != "" {
			r.mu.Lock()
			if r.gen != gen {
				r.mu.Unlock()
				return
			}
			r.helperID = req.AssignedHelperID
			r.logger.Info("helper resolved", "request", requestID, "helper", r.helperID)
			r.notifyLocked()
			return
		}
	}

	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return
	}
	r.lastErr = fmt.Errorf("%w: request %s", ErrHelperUnknown, requestID)
	r.logger.Warn("helper unknown for matched request", "request", requestID)
	r.notifyLocked()
}

// matched records acceptance. It reports false when the generation moved on.
func (r *Requester) matched(gen uint64, requestID, helperID string) bool {
	r.mu.Lock()
	if r.gen != gen || r.state != Searching {
		r.mu.Unlock()
		return false
	}
	r.helperID = helperID
	if r.stopMatches != nil {
		r.stopMatches()
		r.stopMatches = nil
	}
	r.setLocked(Matched)

	r.logger.Info("help request matched", "request", requestID, "helper", helperID)
	return true
}

// withdrawn returns to Idle because the registry cancelled the request.
func (r *Requester) withdrawn(gen uint64, requestID string) {
	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return
	}
	r.gen++
	r.request, r.helperID, r.matches = nil, "", nil
	r.lastErr = fmt.Errorf("%w: %s", ErrRequestCancelled, requestID)
	stop := r.takeStopLocked()
	r.setLocked(RequesterIdle)

	stop()
	r.logger.Info("help request withdrawn by the registry", "request", requestID)
}

func (r *Requester) refreshMatches(ctx context.Context, gen uint64, at geo.Coordinate) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.MatchRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		matches := r.rank(ctx, at, r.cfg.NarrowRadiusKm)
		if matches == nil {
			continue
		}

		r.mu.Lock()
		if r.gen != gen || r.state != Searching {
			r.mu.Unlock()
			return
		}
		r.matches = matches
		r.notifyLocked()
	}
}

// rank returns nil when the volunteer list could not be fetched.
func (r *Requester) rank(ctx context.Context, at geo.Coordinate, radiusKm float64) []match.RankedCandidate {
	candidates, err := r.registry.ListVolunteers(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("volunteer listing failed", "error", err)
		}
		return nil
	}
	return match.Rank(at, candidates, radiusKm)
}

// fail drops back to Idle with err if gen is still current.
func (r *Requester) fail(gen uint64, err error) {
	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return
	}
	r.lastErr = err
	r.setLocked(RequesterIdle)
	r.logger.Warn("activation failed", "error", err)
}

// setLocked changes state and notifies. It must be called with r.mu held and
// releases it.
func (r *Requester) setLocked(state RequesterState) {
	r.state = state
	r.cfg.Metrics.Transition("requester", state.String())
	r.notifyLocked()
}

// notifyLocked releases r.mu and delivers the status to OnChange, keeping
// callbacks in state order.
func (r *Requester) notifyLocked() {
	st := r.statusLocked()
	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()
	if r.cfg.OnChange != nil {
		r.cfg.OnChange(st)
	}
}

func (r *Requester) statusLocked() RequesterStatus {
	st := RequesterStatus{
		State:    r.state,
		HelperID: r.helperID,
		Matches:  append([]match.RankedCandidate(nil), r.matches...),
		Error:    Describe(r.lastErr),
	}
	if st.Matches == nil {
		st.Matches = []match.RankedCandidate{}
	}
	if r.request != nil {
		st.RequestID = r.request.ID
		loc := r.request.Location
		st.Location = &loc
	}
	return st
}
