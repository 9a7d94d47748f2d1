package media

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/safewalk/internal/log"
	"github.com/teslashibe/safewalk/pkg/audioio"
	"github.com/teslashibe/safewalk/pkg/call"
	"github.com/teslashibe/safewalk/pkg/session"
	"github.com/teslashibe/safewalk/pkg/sharedstate"
)

// loopbackFactory keeps the sinks it hands out so a test can listen in.
type loopbackFactory struct {
	*PionFactory

	mu    sync.Mutex
	sinks []*audioio.BufferSink
}

func newLoopbackFactory(toneHz float64) *loopbackFactory {
	f := &loopbackFactory{}
	capture := audioio.DefaultConfig()
	capture.ToneHz = toneHz
	playback := audioio.DefaultConfig()
	playback.Backend = audioio.BackendBuffer

	f.PionFactory = NewPionFactory(Options{
		Capture:  capture,
		Playback: playback,
		Logger:   log.Discard(),
		NewSink: func(cfg audioio.Config, logger *slog.Logger) (audioio.Sink, error) {
			sink := audioio.NewBufferSink(cfg, 50, logger)
			f.mu.Lock()
			f.sinks = append(f.sinks, sink)
			f.mu.Unlock()
			return sink, nil
		},
	})
	return f
}

func (f *loopbackFactory) played() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sinks) == 0 {
		return 0
	}
	return f.sinks[len(f.sinks)-1].Stats().Played
}

func (f *loopbackFactory) closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sinks) > 0 && f.sinks[len(f.sinks)-1].Stats().Closed
}

func TestLoopbackCall(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}

	store := sharedstate.NewMemory()
	p := session.Participants{SessionID: "req-1", SelfID: "alice", CounterpartID: "bob"}

	newCall := func(p session.Participants, f call.Factory) *call.Call {
		ch, err := session.NewSignalingChannel(store, p)
		if err != nil {
			t.Fatalf("NewSignalingChannel error: %v", err)
		}
		c := call.New(ch, f, call.Config{Logger: log.Discard()})
		if err := c.Open(context.Background()); err != nil {
			t.Fatalf("Open error: %v", err)
		}
		t.Cleanup(func() { c.Close() })
		return c
	}

	af, bf := newLoopbackFactory(440), newLoopbackFactory(660)
	a := newCall(p, af)
	b := newCall(p.Mirror(), bf)

	if err := a.StartCall(context.Background()); err != nil {
		t.Fatalf("StartCall error: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if af.played() > 200*time.Millisecond && bf.played() > 200*time.Millisecond {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if af.played() == 0 || bf.played() == 0 {
		t.Fatalf("audio did not flow: alice heard %v, bob heard %v (states %s/%s)",
			af.played(), bf.played(), a.State(), b.State())
	}

	if err := b.EndCall(context.Background()); err != nil {
		t.Fatalf("EndCall error: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for a.State() != call.Ended && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if a.State() != call.Ended {
		t.Errorf("alice State = %s, want ended", a.State())
	}
	if !af.closed() || !bf.closed() {
		t.Error("playback not released after the call ended")
	}
}
