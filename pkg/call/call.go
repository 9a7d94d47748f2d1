// Package call negotiates a direct audio connection between the two
// participants of a session, using the session's signaling channel to trade
// the offer, the answer and ICE candidates.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/safewalk/internal/log"
	"github.com/teslashibe/safewalk/internal/metrics"
	"github.com/teslashibe/safewalk/pkg/session"
	"github.com/teslashibe/safewalk/pkg/sharedstate"
)

const defaultWriteTimeout = 10 * time.Second

var (
	// ErrNotOpen is returned by actions on a call that is not open.
	ErrNotOpen = errors.New("call: not open")

	// ErrOfferExists is returned by StartCall when the channel already
	// carries a live offer.
	ErrOfferExists = errors.New("call: offer already exists")

	// ErrCallInProgress is returned by StartCall during a negotiation.
	ErrCallInProgress = errors.New("call: already in progress")

	// ErrNoCall is returned by EndCall when nothing is ringing or connected.
	ErrNoCall = errors.New("call: no call to end")

	// ErrConnectFailed covers failures to set up the connection.
	ErrConnectFailed = errors.New("call: could not connect call")
)

// Describe maps a call error to the short status shown to the participant.
// It returns "" for errors this package does not produce.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConnectFailed):
		return "could not connect call"
	case errors.Is(err, ErrOfferExists), errors.Is(err, ErrCallInProgress):
		return "call already in progress"
	case errors.Is(err, ErrNoCall):
		return "no active call"
	case errors.Is(err, ErrNotOpen):
		return "no active session"
	}
	return ""
}

// State is the local call state.
type State int

const (
	Idle State = iota
	Calling
	Connected
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Calling:
		return "calling"
	case Connected:
		return "connected"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Role records which side of the negotiation this participant is on.
type Role int

const (
	// Uninitiated: no offer sent or answered in this attempt.
	Uninitiated Role = iota
	// Offering: our offer is in the channel, waiting for an answer.
	Offering
	// Answering: answering the counterpart's offer.
	Answering
	// Negotiated: both descriptions are set.
	Negotiated
)

func (r Role) String() string {
	switch r {
	case Uninitiated:
		return "uninitiated"
	case Offering:
		return "offering"
	case Answering:
		return "answering"
	case Negotiated:
		return "negotiated"
	default:
		return "unknown"
	}
}

// MarshalText encodes the role by name.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Config configures a Call.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector

	// WriteTimeout bounds channel writes made from connection callbacks.
	WriteTimeout time.Duration

	// OnChange is called with the call lock held after every change. It must
	// not call back into the Call.
	OnChange func(Status)
}

// Status is a point-in-time view of a Call.
type Status struct {
	State      State  `json:"state"`
	Role       Role   `json:"role"`
	Muted      bool   `json:"muted"`
	Connection string `json:"connection,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Call runs the Idle → Calling → Connected → Ended machine for one session.
type Call struct {
	cfg     Config
	factory Factory
	channel *session.SignalingChannel
	p       session.Participants
	logger  *slog.Logger

	mu        sync.Mutex
	opened    bool
	ctx       context.Context
	cancel    context.CancelFunc
	sub       sharedstate.Subscription
	done      chan struct{}
	peer      Peer
	attempt   uint64
	state     State
	role      Role
	muted     bool
	remoteSet bool
	consumed  int
	badOffer  string
	// remoteOffer is the counterpart offer applied to the current peer.
	remoteOffer string
	connection  string
	lastErr     error

	// candMu serializes writes of our candidate list.
	candMu     sync.Mutex
	own        []session.ICECandidate
	ownAttempt uint64
}

// New creates a call on channel. Nothing happens until Open.
func New(channel *session.SignalingChannel, factory Factory, cfg Config) *Call {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	p := channel.Participants()
	return &Call{
		cfg:     cfg,
		factory: factory,
		channel: channel,
		p:       p,
		logger:  log.Component(cfg.Logger, "call").With("session", p.SessionID),
	}
}

// Open acquires local audio, prepares the peer connection and starts
// following the signaling channel. An offer from the counterpart found in
// the channel is answered; a leftover Ended status is ignored.
func (c *Call) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened {
		return nil
	}

	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if err := c.ensurePeerLocked(); err != nil {
		c.cancel()
		return err
	}

	sub, err := c.channel.SubscribeOther(c.ctx)
	if err != nil {
		c.closePeerLocked()
		c.cancel()
		return fmt.Errorf("%w: subscribe: %w", ErrConnectFailed, err)
	}

	c.sub = sub
	c.done = make(chan struct{})
	c.opened = true
	c.setStateLocked(Idle)
	go c.watch(sub, c.done)

	c.logger.Info("call ready", "self", c.p.SelfID, "counterpart", c.p.CounterpartID)
	return nil
}

// Close ends any live call, stops following the channel and releases audio.
// Idempotent.
func (c *Call) Close() error {
	c.mu.Lock()
	if !c.opened {
		c.mu.Unlock()
		return nil
	}
	if c.state == Calling || c.state == Connected {
		c.teardownLocked()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
		if err := c.channel.WriteStatus(ctx, session.CallEnded); err != nil {
			c.logger.Warn("failed to publish call end", "error", err)
		}
		cancel()
	} else {
		c.closePeerLocked()
	}
	c.opened = false
	sub, done := c.sub, c.done
	c.cancel()
	c.mu.Unlock()

	sub.Close()
	<-done
	return nil
}

// Status returns the current call state.
func (c *Call) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// State returns the current state only.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartCall creates an offer and publishes it with status Calling. It never
// replaces a live offer already in the channel.
func (c *Call) StartCall(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return ErrNotOpen
	}
	if c.role != Uninitiated || c.state == Connected {
		return ErrCallInProgress
	}

	snap, err := c.channel.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	if snap.Offer != nil && (snap.Status == session.CallCalling || snap.Status == session.CallConnected) {
		return ErrOfferExists
	}

	if err := c.ensurePeerLocked(); err != nil {
		return err
	}
	c.role = Offering
	c.lastErr = nil
	c.setStateLocked(Calling)

	offer, err := c.peer.CreateOffer()
	if err == nil {
		err = c.peer.SetLocalDescription(offer)
	}
	if err == nil {
		c.candMu.Lock()
		own := append([]session.ICECandidate(nil), c.own...)
		err = c.channel.WriteOffer(ctx, offer, own)
		c.candMu.Unlock()
	}
	if err != nil {
		c.role = Uninitiated
		return c.negotiationFailedLocked("offer", err)
	}

	c.logger.Info("offer published")
	return nil
}

// EndCall closes the connection, releases audio and publishes Ended.
func (c *Call) EndCall(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return ErrNotOpen
	}
	switch c.state {
	case Ended:
		return nil
	case Idle:
		return ErrNoCall
	}

	c.teardownLocked()
	if err := c.channel.WriteStatus(ctx, session.CallEnded); err != nil {
		c.logger.Warn("failed to publish call end", "error", err)
		return fmt.Errorf("publish call end: %w", err)
	}
	c.logger.Info("call ended")
	return nil
}

// ToggleMute flips the outbound audio track and returns the new setting.
func (c *Call) ToggleMute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = !c.muted
	if c.peer != nil {
		c.peer.SetMuted(c.muted)
	}
	c.notifyLocked()
	return c.muted
}

func (c *Call) watch(sub sharedstate.Subscription, done chan struct{}) {
	defer close(done)
	for doc := range sub.C() {
		c.handle(doc)
	}
}

// handle reacts to one version of the signaling channel.
func (c *Call) handle(doc sharedstate.Document) {
	snap, err := session.DecodeCall(doc)
	if err != nil {
		c.logger.Warn("undecodable signaling channel", "version", doc.Version, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return
	}

	self, other := c.p.SelfID, c.p.CounterpartID

	if snap.Status == session.CallEnded {
		if c.state == Calling || c.state == Connected {
			c.logger.Info("call ended by counterpart")
			c.teardownLocked()
		}
		return
	}

	liveOffer := snap.Offer != nil && snap.Status == session.CallCalling && snap.Answer == nil
	if liveOffer && snap.InitiatorID == other {
		switch {
		case c.role == Offering:
			// Both sides offered; the later write won and we answer it.
			c.logger.Info("offer collision, answering counterpart")
			c.closePeerLocked()
			c.role = Uninitiated
			c.answerLocked(snap)
		case c.role == Uninitiated && snap.Offer.SDP != c.badOffer:
			c.answerLocked(snap)
		case (c.role == Answering || c.role == Negotiated) && snap.Offer.SDP != c.remoteOffer:
			// A new counterpart offer replaces the call we were in, even
			// when its Ended version was never delivered.
			c.logger.Info("counterpart restarted call")
			c.teardownLocked()
			c.answerLocked(snap)
		}
	}

	if c.role == Offering && snap.InitiatorID == self && snap.Answer != nil && !c.remoteSet {
		if err := c.peer.SetRemoteDescription(*snap.Answer); err != nil {
			c.logger.Warn("failed to apply answer", "error", err)
			c.lastErr = fmt.Errorf("%w: %w", ErrConnectFailed, err)
			c.notifyLocked()
			return
		}
		c.remoteSet = true
		c.role = Negotiated
		c.setStateLocked(Connected)
		c.logger.Info("call connected", "role", "initiator")
	}

	if c.remoteSet {
		c.applyCandidatesLocked(snap.CandidatesOf(other))
	}
}

func (c *Call) answerLocked(snap session.CallSnapshot) {
	if err := c.ensurePeerLocked(); err != nil {
		c.lastErr = err
		c.notifyLocked()
		return
	}

	if err := c.peer.SetRemoteDescription(*snap.Offer); err != nil {
		c.logger.Warn("failed to apply offer", "error", err)
		c.badOffer = snap.Offer.SDP
		c.lastErr = fmt.Errorf("%w: %w", ErrConnectFailed, err)
		c.notifyLocked()
		return
	}
	c.remoteSet = true
	c.remoteOffer = snap.Offer.SDP
	c.role = Answering
	c.lastErr = nil
	c.setStateLocked(Calling)

	answer, err := c.peer.CreateAnswer()
	if err == nil {
		err = c.peer.SetLocalDescription(answer)
	}
	if err == nil {
		err = c.channel.WriteAnswer(c.ctx, answer)
	}
	if err != nil {
		c.negotiationFailedLocked("answer", err)
		return
	}

	c.role = Negotiated
	c.setStateLocked(Connected)
	c.logger.Info("call connected", "role", "answerer")
}

// applyCandidatesLocked adds the counterpart candidates past the consumed
// position. A candidate that fails to apply still counts as consumed.
func (c *Call) applyCandidatesLocked(candidates []session.ICECandidate) {
	for ; c.consumed < len(candidates); c.consumed++ {
		if err := c.peer.AddICECandidate(candidates[c.consumed]); err != nil {
			c.logger.Warn("failed to add remote candidate", "index", c.consumed, "error", err)
		}
	}
}

func (c *Call) onLocalCandidate(attempt uint64, cand session.ICECandidate) {
	c.candMu.Lock()
	defer c.candMu.Unlock()
	if attempt != c.ownAttempt {
		return
	}
	c.own = append(c.own, cand)

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := c.channel.WriteOwn(ctx, append([]session.ICECandidate(nil), c.own...)); err != nil {
		c.logger.Warn("failed to publish local candidate", "error", err)
	}
}

func (c *Call) onConnectionState(attempt uint64, state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if attempt != c.attempt {
		return
	}
	c.connection = state
	if state == "failed" {
		c.logger.Warn("peer connection failed")
		c.lastErr = ErrConnectFailed
	} else {
		c.logger.Debug("peer connection state", "state", state)
	}
	c.notifyLocked()
}

// ensurePeerLocked creates a peer for a new attempt when there is none.
func (c *Call) ensurePeerLocked() error {
	if c.peer != nil {
		return nil
	}

	c.attempt++
	attempt := c.attempt
	c.candMu.Lock()
	c.own, c.ownAttempt = nil, attempt
	c.candMu.Unlock()

	peer, err := c.factory.NewPeer(c.ctx, Handlers{
		OnICECandidate:    func(cand session.ICECandidate) { c.onLocalCandidate(attempt, cand) },
		OnConnectionState: func(state string) { c.onConnectionState(attempt, state) },
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	peer.SetMuted(c.muted)
	c.peer = peer
	c.remoteSet = false
	c.remoteOffer = ""
	c.consumed = 0
	c.connection = ""
	return nil
}

func (c *Call) closePeerLocked() {
	if c.peer == nil {
		return
	}
	if err := c.peer.Close(); err != nil {
		c.logger.Warn("peer close failed", "error", err)
	}
	c.peer = nil
	c.attempt++
	c.remoteSet = false
	c.consumed = 0

	c.candMu.Lock()
	c.own, c.ownAttempt = nil, c.attempt
	c.candMu.Unlock()
}

func (c *Call) teardownLocked() {
	c.closePeerLocked()
	c.role = Uninitiated
	c.badOffer = ""
	c.setStateLocked(Ended)
}

// negotiationFailedLocked logs a failed offer or answer. The state stays at
// Calling so the participant can end or retry.
func (c *Call) negotiationFailedLocked(step string, err error) error {
	c.logger.Warn("negotiation failed", "step", step, "error", err)
	c.lastErr = fmt.Errorf("%w: %s: %w", ErrConnectFailed, step, err)
	c.notifyLocked()
	return c.lastErr
}

func (c *Call) setStateLocked(s State) {
	if c.state != s {
		c.cfg.Metrics.CallState(s.String())
	}
	c.state = s
	c.notifyLocked()
}

func (c *Call) notifyLocked() {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(c.statusLocked())
	}
}

func (c *Call) statusLocked() Status {
	errText := Describe(c.lastErr)
	if errText == "" && c.lastErr != nil {
		errText = c.lastErr.Error()
	}
	return Status{
		State:      c.state,
		Role:       c.role,
		Muted:      c.muted,
		Connection: c.connection,
		Error:      errText,
	}
}
