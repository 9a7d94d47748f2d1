package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/teslashibe/safewalk/pkg/session"
)

// MockPeer is a Peer for tests. Function fields override the default
// behaviour, which always succeeds and gathers one candidate when the local
// description is set.
type MockPeer struct {
	Name string

	CreateOfferFunc          func() (session.SessionDescription, error)
	CreateAnswerFunc         func() (session.SessionDescription, error)
	SetRemoteDescriptionFunc func(session.SessionDescription) error
	AddICECandidateFunc      func(session.ICECandidate) error

	handlers Handlers

	mu        sync.Mutex
	local     *session.SessionDescription
	remote    *session.SessionDescription
	remoteSet int
	added     []session.ICECandidate
	gathered  int
	muted     bool
	closed    bool
}

// CreateOffer returns a unique offer.
func (p *MockPeer) CreateOffer() (session.SessionDescription, error) {
	if p.CreateOfferFunc != nil {
		return p.CreateOfferFunc()
	}
	return session.SessionDescription{Type: "offer", SDP: "offer from " + p.Name}, nil
}

// CreateAnswer returns a unique answer.
func (p *MockPeer) CreateAnswer() (session.SessionDescription, error) {
	if p.CreateAnswerFunc != nil {
		return p.CreateAnswerFunc()
	}
	return session.SessionDescription{Type: "answer", SDP: "answer from " + p.Name}, nil
}

// SetLocalDescription records desc and gathers one candidate.
func (p *MockPeer) SetLocalDescription(desc session.SessionDescription) error {
	p.mu.Lock()
	p.local = &desc
	p.mu.Unlock()
	p.Gather()
	return nil
}

func (p *MockPeer) SetRemoteDescription(desc session.SessionDescription) error {
	p.mu.Lock()
	p.remoteSet++
	p.mu.Unlock()
	if p.SetRemoteDescriptionFunc != nil {
		if err := p.SetRemoteDescriptionFunc(desc); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.remote = &desc
	p.mu.Unlock()
	return nil
}

func (p *MockPeer) AddICECandidate(c session.ICECandidate) error {
	p.mu.Lock()
	p.added = append(p.added, c)
	p.mu.Unlock()
	if p.AddICECandidateFunc != nil {
		return p.AddICECandidateFunc(c)
	}
	return nil
}

func (p *MockPeer) SetMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
}

func (p *MockPeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Gather emits the next local candidate.
func (p *MockPeer) Gather() {
	p.mu.Lock()
	p.gathered++
	c := session.ICECandidate{Candidate: fmt.Sprintf("candidate:%s %d", p.Name, p.gathered)}
	p.mu.Unlock()
	if p.handlers.OnICECandidate != nil {
		p.handlers.OnICECandidate(c)
	}
}

// SetConnectionState reports a transport state change.
func (p *MockPeer) SetConnectionState(state string) {
	if p.handlers.OnConnectionState != nil {
		p.handlers.OnConnectionState(state)
	}
}

// Local returns the local description, if set.
func (p *MockPeer) Local() *session.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

// Remote returns the applied remote description, if any.
func (p *MockPeer) Remote() *session.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

// RemoteAttempts counts SetRemoteDescription calls, failed ones included.
func (p *MockPeer) RemoteAttempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSet
}

// Added returns the remote candidates added so far.
func (p *MockPeer) Added() []session.ICECandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]session.ICECandidate(nil), p.added...)
}

func (p *MockPeer) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

func (p *MockPeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// MockFactory creates MockPeers and keeps every one it made.
type MockFactory struct {
	Name string

	// Configure, when set, adjusts each peer before it is returned.
	Configure func(*MockPeer)
	// Err fails NewPeer.
	Err error

	mu    sync.Mutex
	peers []*MockPeer
}

// NewMockFactory creates a factory naming its peers after name.
func NewMockFactory(name string) *MockFactory {
	return &MockFactory{Name: name}
}

func (f *MockFactory) NewPeer(_ context.Context, h Handlers) (Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	p := &MockPeer{Name: fmt.Sprintf("%s#%d", f.Name, len(f.peers)+1), handlers: h}
	if f.Configure != nil {
		f.Configure(p)
	}
	f.peers = append(f.peers, p)
	return p, nil
}

// Peers returns every peer created, oldest first.
func (f *MockFactory) Peers() []*MockPeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MockPeer(nil), f.peers...)
}

// Last returns the most recent peer, or nil.
func (f *MockFactory) Last() *MockPeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}
