package audioio

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrClosed is returned by a Source or Sink used after Close.
var ErrClosed = errors.New("audioio: closed")

// AudioChunk is one frame of interleaved PCM16 samples.
type AudioChunk struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Duration returns the playing time of the chunk.
func (c AudioChunk) Duration() time.Duration {
	if c.SampleRate == 0 || c.Channels == 0 {
		return 0
	}
	frames := len(c.Samples) / c.Channels
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// Source captures audio for the outbound track.
type Source interface {
	// Start begins capture. Chunks are then available via Read.
	Start(ctx context.Context) error

	// Read returns the next chunk, blocking until one is ready. It returns
	// io.EOF once the source is stopped.
	Read(ctx context.Context) (AudioChunk, error)

	// Stop halts capture. Safe to call more than once.
	Stop() error

	// Config returns the audio configuration.
	Config() Config

	// Close releases the device; the source cannot be restarted.
	io.Closer
}

// SourceStats contains statistics about a source.
type SourceStats struct {
	ChunksRead int64 `json:"chunks_read"`
	Overruns   int64 `json:"overruns"`
	Running    bool  `json:"running"`
}
