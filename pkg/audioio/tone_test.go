package audioio

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/teslashibe/safewalk/internal/log"
)

func toneConfig(hz float64) Config {
	cfg := DefaultConfig()
	cfg.FrameDuration = 10 * time.Millisecond
	cfg.ToneHz = hz
	return cfg
}

func TestToneSourceSilence(t *testing.T) {
	src := NewToneSource(toneConfig(0), log.Discard())
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := src.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	chunk, err := src.Read(ctx)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if len(chunk.Samples) != 480 {
		t.Errorf("samples = %d, want 480", len(chunk.Samples))
	}
	if chunk.Duration() != 10*time.Millisecond {
		t.Errorf("Duration = %v, want 10ms", chunk.Duration())
	}
	for i, s := range chunk.Samples {
		if s != 0 {
			t.Fatalf("sample[%d] = %d, want silence", i, s)
		}
	}
}

func TestToneSourceSine(t *testing.T) {
	src := NewToneSource(toneConfig(440), log.Discard(), WithAmplitude(0.5))
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	src.Start(ctx)

	chunk, err := src.Read(ctx)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	rms := CalculateRMS(chunk.Samples)
	// A sine at amplitude 0.5 has mean power 0.125.
	if rms < 0.1 || rms > 0.15 {
		t.Errorf("power = %f, want ≈0.125", rms)
	}
}

func TestToneSourceStopAndClose(t *testing.T) {
	src := NewToneSource(toneConfig(0), log.Discard())
	ctx := context.Background()

	if err := src.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if !src.Stats().Running {
		t.Error("Stats.Running = false after Start")
	}

	src.Stop()
	src.Stop()
	if _, err := src.Read(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Read after Stop error = %v, want io.EOF", err)
	}

	// Restart is allowed until Close.
	if err := src.Start(ctx); err != nil {
		t.Fatalf("restart error: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if !src.Closed() {
		t.Error("Closed = false")
	}
	if err := src.Start(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close error = %v, want ErrClosed", err)
	}
	if err := src.Close(); err != nil {
		t.Errorf("second Close error: %v", err)
	}
}

func TestToneSourceStopsWithContext(t *testing.T) {
	src := NewToneSource(toneConfig(0), log.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	src.Start(ctx)
	cancel()

	deadline := time.Now().Add(time.Second)
	for src.Stats().Running {
		if time.Now().After(deadline) {
			t.Fatal("source still running after context cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFactory(t *testing.T) {
	tests := []struct {
		name    string
		source  bool
		backend Backend
		wantErr bool
	}{
		{"tone source", true, BackendTone, false},
		{"buffer sink as source", true, BackendBuffer, true},
		{"buffer sink", false, BackendBuffer, false},
		{"discard sink", false, BackendDiscard, false},
		{"tone as sink", false, BackendTone, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Backend = tt.backend
			var err error
			if tt.source {
				_, err = NewSource(cfg, log.Discard())
			} else {
				_, err = NewSink(cfg, log.Discard())
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	bad := DefaultConfig()
	bad.Channels = 3
	if _, err := NewSource(bad, nil); err == nil {
		t.Error("expected validation error for 3 channels")
	}
}
