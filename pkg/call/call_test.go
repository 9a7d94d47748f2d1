package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/teslashibe/safewalk/internal/log"
	"github.com/teslashibe/safewalk/pkg/session"
	"github.com/teslashibe/safewalk/pkg/sharedstate"
)

var alice = session.Participants{SessionID: "req-1", SelfID: "alice", CounterpartID: "bob"}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type side struct {
	call    *Call
	factory *MockFactory
	channel *session.SignalingChannel
}

func newSide(t *testing.T, store sharedstate.Store, p session.Participants) *side {
	t.Helper()
	ch, err := session.NewSignalingChannel(store, p)
	if err != nil {
		t.Fatalf("NewSignalingChannel error: %v", err)
	}
	f := NewMockFactory(p.SelfID)
	c := New(ch, f, Config{Logger: log.Discard(), WriteTimeout: time.Second})
	t.Cleanup(func() { c.Close() })
	return &side{call: c, factory: f, channel: ch}
}

func (s *side) open(t *testing.T) {
	t.Helper()
	if err := s.call.Open(context.Background()); err != nil {
		t.Fatalf("Open error: %v", err)
	}
}

func newPair(t *testing.T) (a, b *side, store *sharedstate.Memory) {
	t.Helper()
	store = sharedstate.NewMemory()
	a = newSide(t, store, alice)
	b = newSide(t, store, alice.Mirror())
	a.open(t)
	b.open(t)
	return a, b, store
}

func connect(t *testing.T, a, b *side) {
	t.Helper()
	if err := a.call.StartCall(context.Background()); err != nil {
		t.Fatalf("StartCall error: %v", err)
	}
	waitFor(t, "both sides connected", func() bool {
		return a.call.State() == Connected && b.call.State() == Connected
	})
}

func TestStaysIdleWithoutOffer(t *testing.T) {
	a, b, _ := newPair(t)
	time.Sleep(30 * time.Millisecond)

	for _, s := range []*side{a, b} {
		if got := s.call.State(); got != Idle {
			t.Errorf("%s State = %s, want idle", s.factory.Name, got)
		}
	}
	snap, err := a.channel.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot error: %v", err)
	}
	if snap.Offer != nil {
		t.Errorf("offer written without StartCall: %+v", snap.Offer)
	}
}

func TestOfferAnswerConnects(t *testing.T) {
	a, b, _ := newPair(t)
	connect(t, a, b)

	ap, bp := a.factory.Last(), b.factory.Last()
	if r := bp.Remote(); r == nil || r.SDP != ap.Local().SDP {
		t.Errorf("answerer remote = %+v, want the offer", r)
	}
	waitFor(t, "answer applied", func() bool {
		r := ap.Remote()
		return r != nil && r.SDP == bp.Local().SDP
	})

	snap, _ := a.channel.Snapshot(context.Background())
	if snap.Status != session.CallConnected || snap.InitiatorID != "alice" {
		t.Errorf("channel status %s initiator %q, want connected alice", snap.Status, snap.InitiatorID)
	}
	if a.call.Status().Role != Negotiated || b.call.Status().Role != Negotiated {
		t.Errorf("roles = %s/%s, want negotiated", a.call.Status().Role, b.call.Status().Role)
	}

	// Each side applies the other's single candidate once.
	waitFor(t, "candidates exchanged", func() bool {
		return len(ap.Added()) == 1 && len(bp.Added()) == 1
	})
	if got := ap.Added()[0].Candidate; got != "candidate:bob#1 1" {
		t.Errorf("offerer added %q", got)
	}
}

func TestCandidatesAppliedOnce(t *testing.T) {
	a, b, _ := newPair(t)
	connect(t, a, b)
	ap, bp := a.factory.Last(), b.factory.Last()
	waitFor(t, "first candidate", func() bool { return len(ap.Added()) == 1 })

	bp.Gather()
	waitFor(t, "second candidate", func() bool { return len(ap.Added()) == 2 })

	// Unrelated writes redeliver the whole list.
	for range 3 {
		if err := b.channel.WriteStatus(context.Background(), session.CallConnected); err != nil {
			t.Fatalf("WriteStatus error: %v", err)
		}
	}
	time.Sleep(30 * time.Millisecond)

	added := ap.Added()
	if len(added) != 2 {
		t.Fatalf("added %d candidates, want 2: %+v", len(added), added)
	}
	if added[0].Candidate == added[1].Candidate {
		t.Errorf("candidate applied twice: %+v", added)
	}
}

func TestCandidateFailureCountsAsConsumed(t *testing.T) {
	store := sharedstate.NewMemory()
	a := newSide(t, store, alice)
	b := newSide(t, store, alice.Mirror())
	a.factory.Configure = func(p *MockPeer) {
		p.AddICECandidateFunc = func(session.ICECandidate) error {
			return errors.New("malformed")
		}
	}
	a.open(t)
	b.open(t)
	connect(t, a, b)

	b.factory.Last().Gather()
	waitFor(t, "second candidate", func() bool { return len(a.factory.Last().Added()) == 2 })
	b.channel.WriteStatus(context.Background(), session.CallConnected)
	time.Sleep(30 * time.Millisecond)

	if n := len(a.factory.Last().Added()); n != 2 {
		t.Errorf("failed candidates retried: %d attempts", n)
	}
	if a.call.State() != Connected {
		t.Errorf("State = %s, want connected", a.call.State())
	}
}

func TestEndedTearsDown(t *testing.T) {
	a, b, _ := newPair(t)
	connect(t, a, b)

	if err := b.call.EndCall(context.Background()); err != nil {
		t.Fatalf("EndCall error: %v", err)
	}
	if !b.factory.Last().Closed() {
		t.Error("ending side kept its audio")
	}
	waitFor(t, "counterpart ended", func() bool { return a.call.State() == Ended })
	if !a.factory.Last().Closed() {
		t.Error("counterpart kept its audio")
	}

	snap, _ := a.channel.Snapshot(context.Background())
	if snap.Status != session.CallEnded {
		t.Errorf("channel status = %s, want ended", snap.Status)
	}

	if err := b.call.EndCall(context.Background()); err != nil {
		t.Errorf("second EndCall error: %v", err)
	}
}

func TestStaleEndedIgnoredOnOpen(t *testing.T) {
	store := sharedstate.NewMemory()
	a := newSide(t, store, alice)
	if err := a.channel.WriteStatus(context.Background(), session.CallEnded); err != nil {
		t.Fatalf("WriteStatus error: %v", err)
	}
	a.open(t)
	time.Sleep(20 * time.Millisecond)

	if got := a.call.State(); got != Idle {
		t.Errorf("State = %s, want idle", got)
	}
	if a.factory.Last().Closed() {
		t.Error("audio released on a stale status")
	}
}

func TestCallAgainAfterEnded(t *testing.T) {
	a, b, _ := newPair(t)
	connect(t, a, b)
	if err := a.call.EndCall(context.Background()); err != nil {
		t.Fatalf("EndCall error: %v", err)
	}
	waitFor(t, "both ended", func() bool {
		return a.call.State() == Ended && b.call.State() == Ended
	})

	if err := b.call.StartCall(context.Background()); err != nil {
		t.Fatalf("restart StartCall error: %v", err)
	}
	waitFor(t, "reconnected", func() bool {
		return a.call.State() == Connected && b.call.State() == Connected
	})
	if n := len(a.factory.Peers()); n != 2 {
		t.Errorf("alice created %d peers, want 2", n)
	}
	snap, _ := a.channel.Snapshot(context.Background())
	if snap.InitiatorID != "bob" {
		t.Errorf("initiator = %q, want bob", snap.InitiatorID)
	}
}

func TestNewOfferReplacesConnectedCall(t *testing.T) {
	a, b, _ := newPair(t)
	connect(t, a, b)
	first := b.factory.Last()

	// The Ended version of the old attempt is never seen: the new offer
	// lands directly over the connected record.
	offer := session.SessionDescription{Type: "offer", SDP: "offer from alice, second attempt"}
	if err := a.channel.WriteOffer(context.Background(), offer, nil); err != nil {
		t.Fatalf("WriteOffer error: %v", err)
	}

	waitFor(t, "new offer answered", func() bool {
		snap, err := a.channel.Snapshot(context.Background())
		return err == nil && snap.Answer != nil && len(b.factory.Peers()) == 2
	})
	if !first.Closed() {
		t.Error("previous peer still open")
	}
	second := b.factory.Last()
	if r := second.Remote(); r == nil || r.SDP != offer.SDP {
		t.Errorf("answerer remote = %+v, want the new offer", r)
	}
	if got := b.call.State(); got != Connected {
		t.Errorf("answerer State = %s, want connected", got)
	}
	snap, _ := a.channel.Snapshot(context.Background())
	if snap.Answer.SDP != second.Local().SDP {
		t.Errorf("channel answer = %q, want %q", snap.Answer.SDP, second.Local().SDP)
	}
}

func TestFailedOfferStaysCalling(t *testing.T) {
	store := sharedstate.NewMemory()
	a := newSide(t, store, alice)
	a.factory.Configure = func(p *MockPeer) {
		p.CreateOfferFunc = func() (session.SessionDescription, error) {
			return session.SessionDescription{}, errors.New("no codecs")
		}
	}
	a.open(t)

	err := a.call.StartCall(context.Background())
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("StartCall error = %v, want ErrConnectFailed", err)
	}
	st := a.call.Status()
	if st.State != Calling {
		t.Errorf("State = %s, want calling", st.State)
	}
	if st.Error != "could not connect call" {
		t.Errorf("Error = %q", st.Error)
	}
	snap, _ := a.channel.Snapshot(context.Background())
	if snap.Offer != nil {
		t.Error("failed offer was published")
	}

	if err := a.call.EndCall(context.Background()); err != nil {
		t.Errorf("EndCall after failure error: %v", err)
	}
}

func TestBadOfferNotRetried(t *testing.T) {
	store := sharedstate.NewMemory()
	a := newSide(t, store, alice)
	b := newSide(t, store, alice.Mirror())
	b.factory.Configure = func(p *MockPeer) {
		p.SetRemoteDescriptionFunc = func(session.SessionDescription) error {
			return errors.New("unsupported sdp")
		}
	}
	a.open(t)
	b.open(t)

	if err := a.call.StartCall(context.Background()); err != nil {
		t.Fatalf("StartCall error: %v", err)
	}
	waitFor(t, "offer attempted", func() bool { return b.factory.Last().RemoteAttempts() == 1 })

	a.factory.Last().Gather()
	a.factory.Last().Gather()
	time.Sleep(30 * time.Millisecond)

	if n := b.factory.Last().RemoteAttempts(); n != 1 {
		t.Errorf("offer applied %d times, want 1", n)
	}
	if got := b.call.State(); got != Idle {
		t.Errorf("answerer State = %s, want idle", got)
	}
	if got := a.call.State(); got != Calling {
		t.Errorf("offerer State = %s, want calling", got)
	}
}

func TestStartCallRefusesExistingOffer(t *testing.T) {
	store := sharedstate.NewMemory()
	a := newSide(t, store, alice)

	// Another device of the same participant already offered.
	other, _ := session.NewSignalingChannel(store, alice)
	if err := other.WriteOffer(context.Background(), session.SessionDescription{Type: "offer", SDP: "x"}, nil); err != nil {
		t.Fatalf("WriteOffer error: %v", err)
	}
	before, _ := other.Snapshot(context.Background())
	a.open(t)

	if err := a.call.StartCall(context.Background()); !errors.Is(err, ErrOfferExists) {
		t.Fatalf("StartCall error = %v, want ErrOfferExists", err)
	}
	after, _ := other.Snapshot(context.Background())
	if after.Version != before.Version {
		t.Errorf("channel written: version %d → %d", before.Version, after.Version)
	}
	if a.call.State() != Idle {
		t.Errorf("State = %s, want idle", a.call.State())
	}
}

func TestStartCallWhileNegotiating(t *testing.T) {
	a, b, _ := newPair(t)
	connect(t, a, b)

	for _, s := range []*side{a, b} {
		if err := s.call.StartCall(context.Background()); !errors.Is(err, ErrCallInProgress) {
			t.Errorf("%s StartCall error = %v, want ErrCallInProgress", s.factory.Name, err)
		}
	}
}

func TestActionsRequireOpen(t *testing.T) {
	store := sharedstate.NewMemory()
	a := newSide(t, store, alice)

	if err := a.call.StartCall(context.Background()); !errors.Is(err, ErrNotOpen) {
		t.Errorf("StartCall error = %v, want ErrNotOpen", err)
	}
	if err := a.call.EndCall(context.Background()); !errors.Is(err, ErrNotOpen) {
		t.Errorf("EndCall error = %v, want ErrNotOpen", err)
	}

	a.open(t)
	if err := a.call.EndCall(context.Background()); !errors.Is(err, ErrNoCall) {
		t.Errorf("EndCall while idle error = %v, want ErrNoCall", err)
	}
}

func TestOpenFailsWithoutAudio(t *testing.T) {
	store := sharedstate.NewMemory()
	a := newSide(t, store, alice)
	a.factory.Err = errors.New("microphone busy")

	if err := a.call.Open(context.Background()); !errors.Is(err, ErrConnectFailed) {
		t.Errorf("Open error = %v, want ErrConnectFailed", err)
	}
	if err := a.call.StartCall(context.Background()); !errors.Is(err, ErrNotOpen) {
		t.Errorf("StartCall after failed open error = %v, want ErrNotOpen", err)
	}
}

func TestToggleMute(t *testing.T) {
	a, b, _ := newPair(t)
	connect(t, a, b)
	ap, bp := a.factory.Last(), b.factory.Last()

	if !a.call.ToggleMute() {
		t.Fatal("ToggleMute = false, want true")
	}
	if !ap.Muted() || !a.call.Status().Muted {
		t.Error("outbound track not muted")
	}
	if bp.Muted() {
		t.Error("mute reached the counterpart")
	}
	if a.call.State() != Connected {
		t.Errorf("State = %s, want connected", a.call.State())
	}

	if a.call.ToggleMute() {
		t.Error("second ToggleMute = true, want false")
	}
	if ap.Muted() {
		t.Error("outbound track still muted")
	}
}

func TestConnectionFailureReported(t *testing.T) {
	a, b, _ := newPair(t)
	connect(t, a, b)

	var got []Status
	a.call.mu.Lock()
	a.call.cfg.OnChange = func(st Status) { got = append(got, st) }
	a.call.mu.Unlock()

	a.factory.Last().SetConnectionState("failed")

	a.call.mu.Lock()
	defer a.call.mu.Unlock()
	if len(got) == 0 {
		t.Fatal("no status change reported")
	}
	if last := got[len(got)-1]; last.Connection != "failed" || last.Error != "could not connect call" {
		t.Errorf("last status = %+v", last)
	}
}

func TestCloseEndsActiveCall(t *testing.T) {
	a, b, _ := newPair(t)
	connect(t, a, b)

	if err := a.call.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if !a.factory.Last().Closed() {
		t.Error("Close kept the audio")
	}
	waitFor(t, "counterpart ended", func() bool { return b.call.State() == Ended })

	if err := a.call.Close(); err != nil {
		t.Errorf("second Close error: %v", err)
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrConnectFailed, "could not connect call"},
		{ErrOfferExists, "call already in progress"},
		{ErrNoCall, "no active call"},
		{errors.New("other"), ""},
	}
	for _, tt := range tests {
		if got := Describe(tt.err); got != tt.want {
			t.Errorf("Describe(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
