package audioio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/teslashibe/safewalk/internal/log"
)

func TestBufferSink(t *testing.T) {
	sink := NewBufferSink(DefaultConfig(), 2, log.Discard())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		chunk := AudioChunk{Samples: make([]int16, 960), SampleRate: 48000, Channels: 1}
		chunk.Samples[0] = int16(i)
		if err := sink.Write(ctx, chunk); err != nil {
			t.Fatalf("Write error: %v", err)
		}
	}

	kept := sink.Chunks()
	if len(kept) != 2 || kept[0].Samples[0] != 1 {
		t.Errorf("kept chunks = %d (first %d), want the last 2", len(kept), kept[0].Samples[0])
	}

	st := sink.Stats()
	if st.ChunksWritten != 3 || st.SamplesWritten != 2880 {
		t.Errorf("Stats = %+v", st)
	}
	if st.Played != 60*time.Millisecond {
		t.Errorf("Played = %v, want 60ms", st.Played)
	}

	sink.Close()
	if err := sink.Write(ctx, AudioChunk{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Close error = %v, want ErrClosed", err)
	}
	if !sink.Stats().Closed {
		t.Error("Stats.Closed = false")
	}
}

func TestDiscardSinkKeepsNothing(t *testing.T) {
	sink := NewBufferSink(DefaultConfig(), 0, log.Discard())
	sink.Write(context.Background(), AudioChunk{Samples: make([]int16, 960), SampleRate: 48000, Channels: 1})

	if n := len(sink.Chunks()); n != 0 {
		t.Errorf("kept = %d, want 0", n)
	}
	if sink.Stats().ChunksWritten != 1 {
		t.Error("write not counted")
	}
}
