// Package app runs one participant: the help request lifecycle for its role
// and, while paired, the session with its counterpart (location sharing and
// the call).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/teslashibe/safewalk/internal/config"
	"github.com/teslashibe/safewalk/internal/log"
	"github.com/teslashibe/safewalk/internal/metrics"
	"github.com/teslashibe/safewalk/pkg/call"
	"github.com/teslashibe/safewalk/pkg/geo"
	"github.com/teslashibe/safewalk/pkg/lifecycle"
	"github.com/teslashibe/safewalk/pkg/location"
	"github.com/teslashibe/safewalk/pkg/registry"
	"github.com/teslashibe/safewalk/pkg/session"
	"github.com/teslashibe/safewalk/pkg/sharedstate"
)

// ErrNoSession is returned by session actions while unpaired.
var ErrNoSession = errors.New("app: no active session")

// Options wires an Agent to its collaborators.
type Options struct {
	Config   config.Config
	Registry registry.Registry
	Store    sharedstate.Store
	Location *location.ManualSource
	Calls    call.Factory
	Metrics  *metrics.Collector
	Logger   *slog.Logger

	// OnStatus receives a snapshot after every change. It must not block.
	OnStatus func(Status)
}

// SessionStatus describes the pairing with the counterpart.
type SessionStatus struct {
	SessionID     string               `json:"session_id"`
	CounterpartID string               `json:"counterpart_id"`
	Counterpart   *geo.TrackedLocation `json:"counterpart,omitempty"`
	LocationError string               `json:"location_error,omitempty"`
	Call          call.Status          `json:"call"`
	Messages      []session.Message    `json:"messages"`
}

// Status is everything a participant's screen shows.
type Status struct {
	Role      string                     `json:"role"`
	UserID    string                     `json:"user_id"`
	Location  *geo.TrackedLocation       `json:"location,omitempty"`
	Requester *lifecycle.RequesterStatus `json:"requester,omitempty"`
	Helper    *lifecycle.HelperStatus    `json:"helper,omitempty"`
	Session   *SessionStatus             `json:"session,omitempty"`
	Error     string                     `json:"error,omitempty"`
}

type target struct {
	p *session.Participants
}

// Agent is a running participant.
type Agent struct {
	opts   Options
	cfg    config.Config
	logger *slog.Logger

	requester *lifecycle.Requester
	helper    *lifecycle.Helper

	wantMu sync.Mutex
	want   chan target

	mu   sync.Mutex
	sess *activeSession

	statusMu   sync.Mutex
	reqStatus  *lifecycle.RequesterStatus
	helpStatus *lifecycle.HelperStatus
	sessStatus *SessionStatus
	sessionErr error
}

type activeSession struct {
	p       session.Participants
	cancel  context.CancelFunc
	sharing *location.Sync
	call    *call.Call
	chat    *session.Messages
	chatSub sharedstate.Subscription
	chatEnd chan struct{}
}

// New creates an agent for cfg.Role.
func New(opts Options) (*Agent, error) {
	cfg := opts.Config
	if err := cfg.ValidateAgent(); err != nil {
		return nil, err
	}
	if opts.Registry == nil || opts.Store == nil || opts.Location == nil || opts.Calls == nil {
		return nil, errors.New("app: registry, store, location and calls are required")
	}

	a := &Agent{
		opts:   opts,
		cfg:    cfg,
		logger: log.Component(opts.Logger, "agent").With("user", cfg.UserID, "role", cfg.Role),
		want:   make(chan target, 1),
	}

	name := cfg.DisplayName
	if name == "" {
		name = cfg.UserID
	}
	switch cfg.Role {
	case config.RoleRequester:
		a.requester = lifecycle.NewRequester(opts.Registry, opts.Location, lifecycle.RequesterConfig{
			UserID:           cfg.UserID,
			Name:             name,
			NarrowRadiusKm:   cfg.Matching.NarrowRadiusKm,
			WideRadiusKm:     cfg.Matching.WideRadiusKm,
			PollInterval:     cfg.Polling.Acceptance,
			MatchRefresh:     cfg.Polling.MatchRefresh,
			LocationInterval: cfg.Polling.Location,
			Logger:           opts.Logger,
			Metrics:          opts.Metrics,
			OnChange:         a.onRequester,
		})
		st := a.requester.Status()
		a.reqStatus = &st
	case config.RoleHelper:
		a.helper = lifecycle.NewHelper(opts.Registry, opts.Location, lifecycle.HelperConfig{
			UserID:           cfg.UserID,
			Name:             name,
			PendingInterval:  cfg.Polling.Pending,
			LocationInterval: cfg.Polling.Location,
			Logger:           opts.Logger,
			Metrics:          opts.Metrics,
			OnChange:         a.onHelper,
		})
		st := a.helper.Status()
		a.helpStatus = &st
	}
	return a, nil
}

// Requester returns the requester lifecycle, or nil for a helper.
func (a *Agent) Requester() *lifecycle.Requester {
	return a.requester
}

// Helper returns the helper lifecycle, or nil for a requester.
func (a *Agent) Helper() *lifecycle.Helper {
	return a.helper
}

// Location returns the device position source.
func (a *Agent) Location() *location.ManualSource {
	return a.opts.Location
}

// Config returns the agent's configuration.
func (a *Agent) Config() config.Config {
	return a.cfg
}

// Call returns the current session's call.
func (a *Agent) Call() (*call.Call, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return nil, ErrNoSession
	}
	return a.sess.call, nil
}

// SendMessage posts a chat message to the current session.
func (a *Agent) SendMessage(ctx context.Context, text string) (session.Message, error) {
	a.mu.Lock()
	s := a.sess
	a.mu.Unlock()
	if s == nil {
		return session.Message{}, ErrNoSession
	}
	return s.chat.Send(ctx, text)
}

// Messages returns the current session's chat log, oldest first.
func (a *Agent) Messages(ctx context.Context) ([]session.Message, error) {
	a.mu.Lock()
	s := a.sess
	a.mu.Unlock()
	if s == nil {
		return nil, ErrNoSession
	}
	return s.chat.List(ctx)
}

// Counterpart returns the counterpart's latest shared location.
func (a *Agent) Counterpart() (geo.TrackedLocation, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return geo.TrackedLocation{}, false, ErrNoSession
	}
	loc, ok := a.sess.sharing.Counterpart()
	return loc, ok, nil
}

// Run starts the lifecycle background work and opens or closes the session
// as pairing changes, until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	if a.requester != nil {
		a.requester.Start(ctx)
		defer a.requester.Stop()
	}
	if a.helper != nil {
		a.helper.Start(ctx)
		defer a.helper.Stop()
	}
	defer a.closeSession()

	a.logger.Info("agent running")
	a.publish()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("agent stopping")
			return nil
		case t := <-a.want:
			a.reconcile(ctx, t.p)
		}
	}
}

// Status returns the current snapshot.
func (a *Agent) Status() Status {
	var own *geo.TrackedLocation
	if loc, err := a.opts.Location.Current(context.Background()); err == nil {
		own = &loc
	}

	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	st := a.statusLocked()
	st.Location = own
	return st
}

func (a *Agent) onRequester(st lifecycle.RequesterStatus) {
	a.statusMu.Lock()
	a.reqStatus = &st
	a.statusMu.Unlock()

	var p *session.Participants
	if (st.State == lifecycle.Matched || st.State == lifecycle.Active) && st.HelperID != "" {
		p = &session.Participants{SessionID: st.RequestID, SelfID: a.cfg.UserID, CounterpartID: st.HelperID}
	}
	a.setWant(p)
	a.publish()
}

func (a *Agent) onHelper(st lifecycle.HelperStatus) {
	a.statusMu.Lock()
	a.helpStatus = &st
	a.statusMu.Unlock()

	var p *session.Participants
	if (st.State == lifecycle.Navigating || st.State == lifecycle.Helping) && st.RequesterID != "" {
		p = &session.Participants{SessionID: st.RequestID, SelfID: a.cfg.UserID, CounterpartID: st.RequesterID}
	}
	a.setWant(p)
	a.publish()
}

func (a *Agent) onCall(st call.Status) {
	a.statusMu.Lock()
	if a.sessStatus != nil {
		a.sessStatus.Call = st
	}
	a.statusMu.Unlock()
	a.publish()
}

func (a *Agent) onCounterpart(loc geo.TrackedLocation) {
	a.statusMu.Lock()
	if a.sessStatus != nil {
		a.sessStatus.Counterpart = &loc
		a.sessStatus.LocationError = ""
	}
	a.statusMu.Unlock()
	a.publish()
}

// followChat mirrors the chat log into the session status until sub ends.
func (a *Agent) followChat(sessionID string, sub sharedstate.Subscription, done chan struct{}) {
	defer close(done)
	for doc := range sub.C() {
		msgs, err := session.DecodeMessages(doc)
		if err != nil {
			a.logger.Warn("undecodable chat log", "session", sessionID, "error", err)
			continue
		}
		a.statusMu.Lock()
		if a.sessStatus != nil && a.sessStatus.SessionID == sessionID {
			a.sessStatus.Messages = msgs
		}
		a.statusMu.Unlock()
		a.publish()
	}
}

func (a *Agent) onUnavailable(err error) {
	a.statusMu.Lock()
	if a.sessStatus != nil {
		a.sessStatus.LocationError = lifecycle.Describe(err)
	}
	a.statusMu.Unlock()
	a.publish()
}

// setWant replaces any pending pairing change with p.
func (a *Agent) setWant(p *session.Participants) {
	a.wantMu.Lock()
	defer a.wantMu.Unlock()
	select {
	case <-a.want:
	default:
	}
	a.want <- target{p: p}
}

func (a *Agent) reconcile(ctx context.Context, p *session.Participants) {
	a.mu.Lock()
	current := a.sess
	a.mu.Unlock()

	if current != nil && (p == nil || current.p != *p) {
		a.closeSession()
		current = nil
	}
	if p == nil || current != nil {
		return
	}

	err := a.openSession(ctx, *p)
	a.statusMu.Lock()
	a.sessionErr = err
	a.statusMu.Unlock()
	if err != nil {
		a.logger.Error("session open failed", "session", p.SessionID, "error", err)
	}
	a.publish()
}

func (a *Agent) openSession(ctx context.Context, p session.Participants) error {
	slots, err := session.NewLocationSlots(a.opts.Store, p)
	if err != nil {
		return err
	}
	channel, err := session.NewSignalingChannel(a.opts.Store, p)
	if err != nil {
		return err
	}
	chat, err := session.NewMessages(a.opts.Store, p)
	if err != nil {
		return err
	}

	a.statusMu.Lock()
	a.sessStatus = &SessionStatus{SessionID: p.SessionID, CounterpartID: p.CounterpartID, Messages: []session.Message{}}
	a.statusMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	sharing := location.NewSync(a.opts.Location, slots, location.Config{
		Interval:      a.cfg.Polling.Location,
		Logger:        a.opts.Logger,
		OnCounterpart: a.onCounterpart,
		OnUnavailable: a.onUnavailable,
	})
	if err := sharing.Start(ctx); err != nil {
		cancel()
		a.clearSessionStatus()
		return fmt.Errorf("start location sharing: %w", err)
	}

	c := call.New(channel, a.opts.Calls, call.Config{
		Logger:   a.opts.Logger,
		Metrics:  a.opts.Metrics,
		OnChange: a.onCall,
	})
	if err := c.Open(ctx); err != nil {
		sharing.Stop()
		cancel()
		a.clearSessionStatus()
		return fmt.Errorf("open call: %w", err)
	}

	chatSub, err := chat.Subscribe(ctx)
	if err != nil {
		c.Close()
		sharing.Stop()
		cancel()
		a.clearSessionStatus()
		return fmt.Errorf("follow chat: %w", err)
	}
	chatEnd := make(chan struct{})
	go a.followChat(p.SessionID, chatSub, chatEnd)

	a.mu.Lock()
	a.sess = &activeSession{
		p:       p,
		cancel:  cancel,
		sharing: sharing,
		call:    c,
		chat:    chat,
		chatSub: chatSub,
		chatEnd: chatEnd,
	}
	a.mu.Unlock()

	a.logger.Info("session opened", "session", p.SessionID, "counterpart", p.CounterpartID)
	return nil
}

func (a *Agent) closeSession() {
	a.mu.Lock()
	s := a.sess
	a.sess = nil
	a.mu.Unlock()
	if s == nil {
		return
	}

	if err := s.call.Close(); err != nil {
		a.logger.Warn("call close failed", "error", err)
	}
	s.sharing.Stop()
	s.chatSub.Close()
	<-s.chatEnd
	s.cancel()
	a.clearSessionStatus()

	a.logger.Info("session closed", "session", s.p.SessionID)
	a.publish()
}

func (a *Agent) clearSessionStatus() {
	a.statusMu.Lock()
	a.sessStatus = nil
	a.statusMu.Unlock()
}

func (a *Agent) publish() {
	if a.opts.OnStatus == nil {
		return
	}
	a.opts.OnStatus(a.Status())
}

func (a *Agent) statusLocked() Status {
	st := Status{
		Role:   a.cfg.Role,
		UserID: a.cfg.UserID,
	}
	if a.reqStatus != nil {
		rs := *a.reqStatus
		st.Requester = &rs
	}
	if a.helpStatus != nil {
		hs := *a.helpStatus
		st.Helper = &hs
	}
	if a.sessStatus != nil {
		ss := *a.sessStatus
		ss.Messages = append(make([]session.Message, 0, len(ss.Messages)), ss.Messages...)
		st.Session = &ss
	}
	if a.sessionErr != nil {
		st.Error = call.Describe(a.sessionErr)
		if st.Error == "" {
			st.Error = "something went wrong"
		}
	}
	return st
}
