package audioio

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/safewalk/internal/log"
)

// Sink plays the counterpart's audio.
type Sink interface {
	// Write queues a chunk for playback.
	Write(ctx context.Context, chunk AudioChunk) error

	// Config returns the audio configuration.
	Config() Config

	// Close releases the device; further writes fail with ErrClosed.
	io.Closer
}

// SinkStats contains statistics about a sink.
type SinkStats struct {
	ChunksWritten  int64         `json:"chunks_written"`
	SamplesWritten int64         `json:"samples_written"`
	Played         time.Duration `json:"played_ns"`
	Level          float64       `json:"level"`
	Closed         bool          `json:"closed"`
}

// BufferSink records played audio. With BackendDiscard it only counts it.
type BufferSink struct {
	cfg    Config
	logger *slog.Logger
	keep   bool

	mu      sync.Mutex
	closed  bool
	chunks  []AudioChunk
	stats   SinkStats
	maxKept int
}

// NewBufferSink creates a sink that keeps up to maxKept chunks (0 keeps none).
func NewBufferSink(cfg Config, maxKept int, logger *slog.Logger) *BufferSink {
	return &BufferSink{
		cfg:     cfg,
		logger:  log.Component(logger, "audio.sink"),
		keep:    maxKept > 0,
		maxKept: maxKept,
	}
}

// Write records the chunk.
func (s *BufferSink) Write(ctx context.Context, chunk AudioChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if s.keep {
		if len(s.chunks) == s.maxKept {
			s.chunks = s.chunks[1:]
		}
		s.chunks = append(s.chunks, chunk)
	}
	s.stats.ChunksWritten++
	s.stats.SamplesWritten += int64(len(chunk.Samples))
	s.stats.Played += chunk.Duration()
	s.stats.Level = CalculateRMS(chunk.Samples)
	return nil
}

// Chunks returns the kept chunks, oldest first.
func (s *BufferSink) Chunks() []AudioChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AudioChunk, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// Config returns the audio configuration.
func (s *BufferSink) Config() Config {
	return s.cfg
}

// Stats returns sink statistics.
func (s *BufferSink) Stats() SinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Closed = s.closed
	return st
}

// Close stops accepting audio. Idempotent.
func (s *BufferSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("sink closed", "played", s.stats.Played)
	return nil
}
