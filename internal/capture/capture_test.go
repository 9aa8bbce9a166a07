package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ARM-software/gator-sub002/internal/apc"
	"github.com/ARM-software/gator-sub002/internal/attr"
)

// fakeSink records every frame written to it, standing in for the
// transport/file sink.
type fakeSink struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeSink) Write(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), frame...)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeSink) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// TestPrepareStartShutdownWithNoGroups exercises the full lifecycle
// with an empty event configuration, so it never touches
// perf_event_open: every frame in the summary/online-CPU path still
// has to flow through the arena to the sink.
func TestPrepareStartShutdownWithNoGroups(t *testing.T) {
	fs := &fakeSink{}
	cfg := attr.Config{
		Caps: attr.KernelCaps{HasAttrClockID: true},
	}

	var readyCalled bool
	o := New(Options{
		Config: cfg,
		Sink:   fs,
		Logger: quietLogger(),
		ReadyFunc: func() error {
			readyCalled = true
			return nil
		},
	})

	require.NoError(t, o.Prepare())
	require.NoError(t, o.Start(context.Background(), time.Now()))
	assert.True(t, readyCalled)

	// Give the consumer goroutine a moment to drain the SUMMARY frame
	// committed during Start.
	assert.Eventually(t, func() bool { return fs.count() >= 1 }, time.Second, time.Millisecond)

	o.Shutdown()
	o.Shutdown() // must be idempotent

	assert.True(t, fs.closed)
	assert.Empty(t, o.DegradedCPUs())
}

// TestStartSkipsSyncSourceWhenClockIDSupported verifies no sync source
// runs when the kernel supports attr.clockid and no AUX group is
// configured.
func TestStartSkipsSyncSourceWhenClockIDSupported(t *testing.T) {
	cfg := attr.Config{Caps: attr.KernelCaps{HasAttrClockID: true}}
	o := New(Options{Config: cfg, Sink: &fakeSink{}, Logger: quietLogger()})
	assert.False(t, o.needsSyncSource())
}

// TestStartEnablesSyncSourceWithoutClockID mirrors the same check for
// the opposite configuration.
func TestStartEnablesSyncSourceWithoutClockID(t *testing.T) {
	cfg := attr.Config{Caps: attr.KernelCaps{HasAttrClockID: false}}
	o := New(Options{Config: cfg, Sink: &fakeSink{}, Logger: quietLogger()})
	assert.True(t, o.needsSyncSource())
}

// TestStartEnablesSyncSourceForAuxGroup verifies an SPE-like AUX group
// forces the sync source on even when clockid is supported, since
// trace timestamps still need a correlation anchor.
func TestStartEnablesSyncSourceForAuxGroup(t *testing.T) {
	cfg := attr.Config{
		Caps:   attr.KernelCaps{HasAttrClockID: true},
		Groups: []attr.EventGroup{{ID: attr.GroupID{Kind: attr.SPELikeAux}, Events: []attr.EventAttribute{{Raw: []byte{0}}}}},
	}
	o := New(Options{Config: cfg, Sink: &fakeSink{}, Logger: quietLogger()})
	assert.True(t, o.needsSyncSource())
}

// TestStartFrameOrderWithConfiguredGroup drives a config with one
// two-event group and checks the stream leads with SUMMARY, then the
// PEA frames, then KEYS, before any ONLINE_CPU frame.
func TestStartFrameOrderWithConfiguredGroup(t *testing.T) {
	fs := &fakeSink{}
	cfg := attr.Config{
		Caps: attr.KernelCaps{HasAttrClockID: true, HasIoctlReadID: true},
		Groups: []attr.EventGroup{{
			ID:     attr.GroupID{Kind: attr.SoftwareGlobal},
			Events: make([]attr.EventAttribute, 2),
		}},
	}

	o := New(Options{Config: cfg, Sink: fs, Logger: quietLogger()})
	require.NoError(t, o.Prepare())
	require.NoError(t, o.Start(context.Background(), time.Now()))

	// At minimum SUMMARY, two PEA frames and the KEYS frame must land.
	require.Eventually(t, func() bool { return fs.count() >= 4 }, time.Second, time.Millisecond)
	o.Shutdown()

	frames := fs.snapshot()
	require.NotEmpty(t, frames)
	assert.Equal(t, byte(apc.FrameSummary), frames[0][0], "stream must lead with SUMMARY")

	isSub := func(sub apc.PerfAttrsSubCode) func([]byte) bool {
		return func(f []byte) bool {
			return len(f) >= 2 && f[0] == byte(apc.FramePerfAttrs) && f[1] == byte(sub)
		}
	}
	firstIndex := func(match func([]byte) bool) int {
		for i, f := range frames {
			if match(f) {
				return i
			}
		}
		return -1
	}

	peaCount := 0
	lastPEA := -1
	for i, f := range frames {
		if isSub(apc.SubCodePEA)(f) {
			peaCount++
			lastPEA = i
		}
	}
	require.Equal(t, 2, peaCount, "one PEA frame per configured event")

	keys := firstIndex(isSub(apc.SubCodeKeys))
	require.GreaterOrEqual(t, keys, 0, "expected a KEYS frame")
	assert.Greater(t, keys, lastPEA, "KEYS must follow every PEA frame")

	// ONLINE_CPU frames only appear when the host grants perf access;
	// when they do, they must come after KEYS.
	if online := firstIndex(isSub(apc.SubCodeOnlineCPU)); online >= 0 {
		assert.Greater(t, online, keys)
	}
}
