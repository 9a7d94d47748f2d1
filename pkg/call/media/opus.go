// Package media carries call audio over WebRTC: local capture is encoded to
// Opus for the outbound track and inbound RTP is decoded to a playback sink.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/teslashibe/safewalk/internal/log"
	"github.com/teslashibe/safewalk/pkg/audioio"
)

const (
	// frameSamples is one 20ms mono frame at 48kHz.
	frameSamples = audioio.CallSampleRate / 50

	// maxPacket bounds one encoded frame.
	maxPacket = 1275

	// maxDecoded fits the longest opus frame (120ms at 48kHz).
	maxDecoded = 5760
)

// framer cuts a PCM stream into fixed-size frames.
type framer struct {
	size int
	buf  []int16
}

func newFramer(size int) *framer {
	return &framer{size: size}
}

// push appends samples and returns every complete frame.
func (f *framer) push(samples []int16) [][]int16 {
	f.buf = append(f.buf, samples...)
	var frames [][]int16
	for len(f.buf) >= f.size {
		frame := make([]int16, f.size)
		copy(frame, f.buf)
		frames = append(frames, frame)
		f.buf = f.buf[f.size:]
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return frames
}

// SampleWriter receives encoded frames. *webrtc.TrackLocalStaticSample
// implements it.
type SampleWriter interface {
	WriteSample(media.Sample) error
}

// TrackStats describes an outbound track.
type TrackStats struct {
	FramesSent   int64 `json:"frames_sent"`
	FramesMuted  int64 `json:"frames_muted"`
	EncodeErrors int64 `json:"encode_errors"`
}

// OpusTrack pumps a capture source into an outbound track as 20ms mono
// Opus frames.
type OpusTrack struct {
	source audioio.Source
	out    SampleWriter
	enc    *opus.Encoder
	logger *slog.Logger

	muted atomic.Bool

	sent, mutedFrames, encodeErrors atomic.Int64
}

// NewOpusTrack creates an encoder for source writing to out.
func NewOpusTrack(source audioio.Source, out SampleWriter, logger *slog.Logger) (*OpusTrack, error) {
	enc, err := opus.NewEncoder(audioio.CallSampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return &OpusTrack{
		source: source,
		out:    out,
		enc:    enc,
		logger: log.Component(logger, "opus-track"),
	}, nil
}

// SetMuted replaces outgoing audio with silence while muted.
func (t *OpusTrack) SetMuted(muted bool) {
	t.muted.Store(muted)
}

// Muted reports whether the track is muted.
func (t *OpusTrack) Muted() bool {
	return t.muted.Load()
}

// Stats returns frame counters.
func (t *OpusTrack) Stats() TrackStats {
	return TrackStats{
		FramesSent:   t.sent.Load(),
		FramesMuted:  t.mutedFrames.Load(),
		EncodeErrors: t.encodeErrors.Load(),
	}
}

// Run starts the source and encodes until ctx is done or the source stops.
func (t *OpusTrack) Run(ctx context.Context) error {
	if err := t.source.Start(ctx); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	defer t.source.Stop()

	cfg := t.source.Config()
	frames := newFramer(frameSamples)
	packet := make([]byte, maxPacket)

	for {
		chunk, err := t.source.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, audioio.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read capture: %w", err)
		}

		samples := chunk.Samples
		if chunk.Channels == 2 {
			samples = audioio.StereoToMono(samples)
		}
		if rate := chunk.SampleRate; rate != 0 && rate != audioio.CallSampleRate {
			samples = audioio.Resample(samples, rate, audioio.CallSampleRate)
		} else if rate == 0 && cfg.SampleRate != audioio.CallSampleRate {
			samples = audioio.Resample(samples, cfg.SampleRate, audioio.CallSampleRate)
		}

		for _, frame := range frames.push(samples) {
			if err := t.writeFrame(frame, packet); err != nil {
				return err
			}
		}
	}
}

func (t *OpusTrack) writeFrame(frame []int16, packet []byte) error {
	if t.muted.Load() {
		clear(frame)
		t.mutedFrames.Add(1)
	}

	n, err := t.enc.Encode(frame, packet)
	if err != nil {
		if t.encodeErrors.Add(1) <= 5 {
			t.logger.Warn("opus encode failed", "error", err)
		}
		return nil
	}

	data := make([]byte, n)
	copy(data, packet[:n])
	if err := t.out.WriteSample(media.Sample{Data: data, Duration: audioio.CallFrame}); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return nil
		}
		return fmt.Errorf("write sample: %w", err)
	}
	t.sent.Add(1)
	return nil
}

// PlaybackStats describes inbound audio.
type PlaybackStats struct {
	PacketsReceived int64 `json:"packets_received"`
	BytesReceived   int64 `json:"bytes_received"`
	SamplesDecoded  int64 `json:"samples_decoded"`
	DecodeErrors    int64 `json:"decode_errors"`
}

// OpusPlayback decodes inbound Opus RTP into a playback sink.
type OpusPlayback struct {
	sink   audioio.Sink
	dec    *opus.Decoder
	pcm    []int16
	logger *slog.Logger

	packets, bytes, samples, decodeErrors atomic.Int64
}

// NewOpusPlayback creates a mono 48kHz decoder feeding sink.
func NewOpusPlayback(sink audioio.Sink, logger *slog.Logger) (*OpusPlayback, error) {
	dec, err := opus.NewDecoder(audioio.CallSampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &OpusPlayback{
		sink:   sink,
		dec:    dec,
		pcm:    make([]int16, maxDecoded),
		logger: log.Component(logger, "opus-playback"),
	}, nil
}

// WritePacket decodes one RTP packet and plays it.
func (p *OpusPlayback) WritePacket(ctx context.Context, pkt *rtp.Packet) error {
	if len(pkt.Payload) == 0 {
		return nil
	}
	p.packets.Add(1)
	p.bytes.Add(int64(len(pkt.Payload)))

	n, err := p.dec.Decode(pkt.Payload, p.pcm)
	if err != nil {
		p.decodeErrors.Add(1)
		return fmt.Errorf("decode opus: %w", err)
	}
	p.samples.Add(int64(n))

	out := make([]int16, n)
	copy(out, p.pcm[:n])

	cfg := p.sink.Config()
	if cfg.SampleRate != audioio.CallSampleRate {
		out = audioio.Resample(out, audioio.CallSampleRate, cfg.SampleRate)
	}
	if cfg.Channels == 2 {
		out = audioio.MonoToStereo(out)
	}
	return p.sink.Write(ctx, audioio.AudioChunk{
		Samples:    out,
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
	})
}

// Run plays packets from read until it fails or the sink is closed.
func (p *OpusPlayback) Run(ctx context.Context, read func() (*rtp.Packet, error)) {
	for {
		pkt, err := read()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				p.logger.Debug("inbound track ended", "error", err)
			}
			return
		}

		if err := p.WritePacket(ctx, pkt); err != nil {
			if errors.Is(err, audioio.ErrClosed) || ctx.Err() != nil {
				return
			}
			if p.decodeErrors.Load() <= 5 {
				p.logger.Warn("inbound packet dropped", "error", err)
			}
		}
	}
}

// Stats returns inbound counters.
func (p *OpusPlayback) Stats() PlaybackStats {
	return PlaybackStats{
		PacketsReceived: p.packets.Load(),
		BytesReceived:   p.bytes.Load(),
		SamplesDecoded:  p.samples.Load(),
		DecodeErrors:    p.decodeErrors.Load(),
	}
}
