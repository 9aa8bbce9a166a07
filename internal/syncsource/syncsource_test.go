package syncsource

import (
	"testing"

	"github.com/ARM-software/gator-sub002/internal/apc"
)

type fakeSink struct {
	frames [][]byte
}

func (s *fakeSink) TryCommit(payload []byte) (bool, error) {
	cp := append([]byte(nil), payload...)
	s.frames = append(s.frames, cp)
	return true, nil
}

func TestEmitProducesOnePerfSyncFrame(t *testing.T) {
	sink := &fakeSink{}
	calls := 0
	src := New(sink, 0, 1000000, func() (int64, uint64) {
		calls++
		return 123456789, 42
	})

	if err := src.emit(99); err != nil {
		t.Fatal(err)
	}

	if calls != 1 {
		t.Fatalf("expected readTick called once, got %d", calls)
	}
	if len(sink.frames) != 1 {
		t.Fatalf("expected 1 frame committed, got %d", len(sink.frames))
	}
	if got := sink.frames[0][0]; got != byte(apc.FramePerfSync) {
		t.Fatalf("expected frame type %d, got %d", apc.FramePerfSync, got)
	}
}

func TestEmitPropagatesSinkError(t *testing.T) {
	src := New(erroringSink{}, 0, 1, func() (int64, uint64) { return 0, 0 })
	if err := src.emit(1); err == nil {
		t.Fatal("expected sink error to propagate")
	}
}

type erroringSink struct{}

func (erroringSink) TryCommit(payload []byte) (bool, error) {
	return false, errTryCommit
}

var errTryCommit = &commitError{}

type commitError struct{}

func (*commitError) Error() string { return "commit failed" }
