package call

import (
	"context"

	"github.com/teslashibe/safewalk/pkg/session"
)

// Handlers receive peer connection events. They may be called from any
// goroutine.
type Handlers struct {
	// OnICECandidate is called for every local candidate gathered.
	OnICECandidate func(session.ICECandidate)

	// OnConnectionState is called when the transport state changes, with
	// values such as "connected", "disconnected" or "failed".
	OnConnectionState func(state string)
}

// Peer is one side of a direct audio connection with local audio attached
// and inbound audio routed to playback.
type Peer interface {
	CreateOffer() (session.SessionDescription, error)
	CreateAnswer() (session.SessionDescription, error)
	SetLocalDescription(session.SessionDescription) error
	SetRemoteDescription(session.SessionDescription) error
	AddICECandidate(session.ICECandidate) error

	// SetMuted enables or disables the outbound audio track only.
	SetMuted(muted bool)

	// Close tears down the connection and releases the audio devices.
	Close() error
}

// Factory acquires local audio and creates a configured Peer for one call
// attempt.
type Factory interface {
	NewPeer(ctx context.Context, h Handlers) (Peer, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, h Handlers) (Peer, error)

func (f FactoryFunc) NewPeer(ctx context.Context, h Handlers) (Peer, error) {
	return f(ctx, h)
}
