package audioio

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/safewalk/internal/log"
)

// ToneSource generates silence or a sine wave in real time, one chunk per
// frame duration.
type ToneSource struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	closed   bool
	streamCh chan AudioChunk
	stopCh   chan struct{}

	chunksRead atomic.Int64
	overruns   atomic.Int64

	phase     float64
	amplitude float64
}

// ToneOption configures a ToneSource.
type ToneOption func(*ToneSource)

// WithAmplitude sets the sine amplitude in [0, 1]. Default 0.5.
func WithAmplitude(a float64) ToneOption {
	return func(s *ToneSource) {
		s.amplitude = min(max(a, 0), 1)
	}
}

// NewToneSource creates a source producing cfg.ToneHz (silence when 0).
func NewToneSource(cfg Config, logger *slog.Logger, opts ...ToneOption) *ToneSource {
	s := &ToneSource{
		cfg:       cfg,
		logger:    log.Component(logger, "audio.tone"),
		streamCh:  make(chan AudioChunk, 10),
		stopCh:    make(chan struct{}),
		amplitude: 0.5,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins generating audio.
func (s *ToneSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.running {
		return nil
	}

	s.running = true
	s.stopCh = make(chan struct{})
	s.streamCh = make(chan AudioChunk, 10)

	go s.generateLoop(ctx, s.stopCh, s.streamCh)

	s.logger.Debug("tone source started", "sample_rate", s.cfg.SampleRate, "tone_hz", s.cfg.ToneHz)
	return nil
}

func (s *ToneSource) generateLoop(ctx context.Context, stop <-chan struct{}, out chan<- AudioChunk) {
	ticker := time.NewTicker(s.cfg.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return
		case <-stop:
			return
		case <-ticker.C:
			chunk := s.generateChunk()
			select {
			case out <- chunk:
				s.chunksRead.Add(1)
			default:
				s.overruns.Add(1)
			}
		}
	}
}

func (s *ToneSource) generateChunk() AudioChunk {
	frames := s.cfg.FrameSize()
	samples := make([]int16, frames*s.cfg.Channels)

	if s.cfg.ToneHz > 0 {
		step := 2 * math.Pi * s.cfg.ToneHz / float64(s.cfg.SampleRate)
		for i := 0; i < frames; i++ {
			v := int16(s.amplitude * math.Sin(s.phase) * 32767)
			for ch := 0; ch < s.cfg.Channels; ch++ {
				samples[i*s.cfg.Channels+ch] = v
			}
			s.phase += step
			if s.phase >= 2*math.Pi {
				s.phase -= 2 * math.Pi
			}
		}
	}

	return AudioChunk{
		Samples:    samples,
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
	}
}

// Stop halts generation. Pending Reads return io.EOF.
func (s *ToneSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	close(s.stopCh)
	close(s.streamCh)
	return nil
}

// Read returns the next chunk.
func (s *ToneSource) Read(ctx context.Context) (AudioChunk, error) {
	s.mu.Lock()
	ch := s.streamCh
	running := s.running
	s.mu.Unlock()
	if !running {
		return AudioChunk{}, io.EOF
	}

	select {
	case <-ctx.Done():
		return AudioChunk{}, ctx.Err()
	case chunk, ok := <-ch:
		if !ok {
			return AudioChunk{}, io.EOF
		}
		return chunk, nil
	}
}

// Config returns the audio configuration.
func (s *ToneSource) Config() Config {
	return s.cfg
}

// Close stops the source for good. Idempotent.
func (s *ToneSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.Stop()
}

// Closed reports whether Close was called.
func (s *ToneSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Stats returns source statistics.
func (s *ToneSource) Stats() SourceStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	return SourceStats{
		ChunksRead: s.chunksRead.Load(),
		Overruns:   s.overruns.Load(),
		Running:    running,
	}
}

var _ Source = (*ToneSource)(nil)
