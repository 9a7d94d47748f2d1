package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/teslashibe/safewalk/internal/log"
	"github.com/teslashibe/safewalk/pkg/audioio"
	"github.com/teslashibe/safewalk/pkg/call"
	"github.com/teslashibe/safewalk/pkg/session"
)

// Options configures PionFactory.
type Options struct {
	// ICEServers are STUN/TURN URLs, e.g. "stun:stun.l.google.com:19302".
	ICEServers []string

	Capture  audioio.Config
	Playback audioio.Config

	Logger *slog.Logger

	// NewSource and NewSink default to the audioio factories.
	NewSource func(audioio.Config, *slog.Logger) (audioio.Source, error)
	NewSink   func(audioio.Config, *slog.Logger) (audioio.Sink, error)
}

// PionFactory creates WebRTC peers carrying one Opus audio track each way.
type PionFactory struct {
	opts   Options
	logger *slog.Logger
}

// NewPionFactory creates a factory.
func NewPionFactory(opts Options) *PionFactory {
	if opts.NewSource == nil {
		opts.NewSource = audioio.NewSource
	}
	if opts.NewSink == nil {
		opts.NewSink = audioio.NewSink
	}
	return &PionFactory{opts: opts, logger: log.Component(opts.Logger, "webrtc")}
}

var _ call.Factory = (*PionFactory)(nil)

// NewPeer acquires capture and playback, then builds the peer connection.
// Capture starts immediately; samples are dropped until the track is bound.
func (f *PionFactory) NewPeer(ctx context.Context, h call.Handlers) (call.Peer, error) {
	source, err := f.opts.NewSource(f.opts.Capture, f.logger)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	sink, err := f.opts.NewSink(f.opts.Playback, f.logger)
	if err != nil {
		source.Close()
		return nil, fmt.Errorf("open playback: %w", err)
	}

	p, err := f.newPeer(ctx, h, source, sink)
	if err != nil {
		source.Close()
		sink.Close()
		return nil, err
	}
	return p, nil
}

func (f *PionFactory) newPeer(ctx context.Context, h call.Handlers, source audioio.Source, sink audioio.Sink) (*pionPeer, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audioio.CallSampleRate, Channels: 2},
		"audio", "safewalk",
	)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	outbound, err := NewOpusTrack(source, track, f.logger)
	if err != nil {
		return nil, err
	}

	config := webrtc.Configuration{}
	if len(f.opts.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: f.opts.ICEServers}}
	}
	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("add audio track: %w", err)
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &pionPeer{
		pc:       pc,
		outbound: outbound,
		source:   source,
		sink:     sink,
		cancel:   cancel,
		logger:   f.logger,
	}

	// RTCP has to be read for interceptors to run.
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	go func() {
		defer p.wg.Done()
		if err := outbound.Run(ctx); err != nil {
			p.logger.Warn("outbound audio stopped", "error", err)
		}
	}()

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.logger.Info("inbound track", "kind", remote.Kind().String(), "codec", remote.Codec().MimeType)
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		playback, err := NewOpusPlayback(sink, p.logger)
		if err != nil {
			p.logger.Error("inbound audio unavailable", "error", err)
			return
		}
		p.mu.Lock()
		p.playback = playback
		p.mu.Unlock()

		playback.Run(ctx, func() (*rtp.Packet, error) {
			pkt, _, err := remote.ReadRTP()
			return pkt, err
		})
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil || h.OnICECandidate == nil {
			return
		}
		init := c.ToJSON()
		h.OnICECandidate(session.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Info("connection state", "state", state.String())
		if h.OnConnectionState != nil {
			h.OnConnectionState(state.String())
		}
	})

	return p, nil
}

// pionPeer implements call.Peer over a pion PeerConnection.
type pionPeer struct {
	pc       *webrtc.PeerConnection
	outbound *OpusTrack
	source   audioio.Source
	sink     audioio.Sink
	cancel   context.CancelFunc
	logger   *slog.Logger
	wg       sync.WaitGroup

	mu       sync.Mutex
	playback *OpusPlayback

	closeOnce sync.Once
	closeErr  error
}

func (p *pionPeer) CreateOffer() (session.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return session.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return fromPion(offer), nil
}

func (p *pionPeer) CreateAnswer() (session.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return session.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return fromPion(answer), nil
}

func (p *pionPeer) SetLocalDescription(desc session.SessionDescription) error {
	if err := p.pc.SetLocalDescription(toPion(desc)); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

func (p *pionPeer) SetRemoteDescription(desc session.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(toPion(desc)); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (p *pionPeer) AddICECandidate(c session.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *pionPeer) SetMuted(muted bool) {
	p.outbound.SetMuted(muted)
}

// Stats returns the outbound and, once a track arrived, inbound counters.
func (p *pionPeer) Stats() (TrackStats, PlaybackStats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var in PlaybackStats
	if p.playback != nil {
		in = p.playback.Stats()
	}
	return p.outbound.Stats(), in
}

// Close stops both directions and releases capture and playback.
func (p *pionPeer) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.closeErr = p.pc.Close()
		p.source.Close()
		p.sink.Close()
		p.wg.Wait()
	})
	return p.closeErr
}

func fromPion(desc webrtc.SessionDescription) session.SessionDescription {
	return session.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func toPion(desc session.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
}
