// Package audioio provides the PCM endpoints a call runs on: a capture Source
// feeding the outbound track and a playback Sink receiving the counterpart's
// decoded audio.
//
// Headless agents use the tone backend (silence or a sine wave) and the buffer
// sink; both run without audio hardware.
package audioio

import (
	"fmt"
	"time"
)

// Backend selects how audio is produced or consumed.
type Backend string

const (
	// BackendTone generates silence or a sine wave.
	BackendTone Backend = "tone"
	// BackendBuffer keeps played audio in memory.
	BackendBuffer Backend = "buffer"
	// BackendDiscard counts played audio and drops it.
	BackendDiscard Backend = "discard"
)

// Opus only runs at a few fixed rates; calls use the full-band one.
const (
	CallSampleRate = 48000
	CallFrame      = 20 * time.Millisecond
)

// Config holds audio configuration.
type Config struct {
	// Backend is BackendTone for sources, BackendBuffer or BackendDiscard for
	// sinks.
	Backend Backend `yaml:"backend" json:"backend"`

	// SampleRate in Hz. Default: 48000.
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// Channels is the number of audio channels. Default: 1 (mono).
	Channels int `yaml:"channels" json:"channels"`

	// FrameDuration is the length of one chunk. Default: 20ms, one opus frame.
	FrameDuration time.Duration `yaml:"frame_duration" json:"frame_duration"`

	// ToneHz is the sine frequency of the tone backend; 0 means silence.
	ToneHz float64 `yaml:"tone_hz" json:"tone_hz"`
}

// DefaultConfig returns the configuration calls expect.
func DefaultConfig() Config {
	return Config{
		Backend:       BackendTone,
		SampleRate:    CallSampleRate,
		Channels:      1,
		FrameDuration: CallFrame,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels < 1 || c.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", c.Channels)
	}
	if c.FrameDuration <= 0 {
		return fmt.Errorf("frame_duration must be positive, got %v", c.FrameDuration)
	}
	if c.ToneHz < 0 {
		return fmt.Errorf("tone_hz must not be negative, got %v", c.ToneHz)
	}
	return nil
}

// FrameSize returns the number of samples per channel in one chunk.
func (c *Config) FrameSize() int {
	return int(float64(c.SampleRate) * c.FrameDuration.Seconds())
}
