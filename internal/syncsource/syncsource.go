// Package syncsource is a periodic emitter of {pid, tid, frequency,
// monotonic_raw_ns, arch_timer_cycles} PERF_SYNC frames, used by the
// host side to correlate the capture's ring-buffer timestamps against
// wall-clock time.
package syncsource

import (
	"context"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ARM-software/gator-sub002/internal/apc"
	"github.com/ARM-software/gator-sub002/internal/frame"
	"github.com/ARM-software/gator-sub002/internal/gatorerr"
	"github.com/ARM-software/gator-sub002/internal/ring"
)

// threadName is the OS thread name the sync source renames itself to,
// matching the daemon's PerfSyncThread convention so the thread is
// identifiable in a capture of gatord itself.
const threadName = "gatord-sync"

// Source periodically emits a PERF_SYNC frame on its own dedicated OS
// thread.
type Source struct {
	sink     ring.Sink
	period   time.Duration
	pid      int32
	readTick func() (monotonicRawNs int64, archCycles uint64)
	freqHz   uint64
}

// New builds a Source that sends frames to sink every period. readTick
// returns the current monotonic-raw timestamp and architectural timer
// cycle count; callers on real Arm hardware pass a reader backed by
// CNTVCT_EL0, tests pass a fake.
func New(sink ring.Sink, period time.Duration, frequencyHz uint64, readTick func() (int64, uint64)) *Source {
	return &Source{
		sink:     sink,
		period:   period,
		pid:      int32(unix.Getpid()),
		readTick: readTick,
		freqHz:   frequencyHz,
	}
}

// Run renames the calling goroutine's locked OS thread to "gatord-sync"
// and emits frames until ctx is cancelled. The caller must invoke Run
// from its own goroutine; Run calls runtime.LockOSThread itself, the
// same way the daemon dedicates a real OS thread to this job.
func (s *Source) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	// PR_SET_NAME truncates at 15 bytes plus the NUL terminator.
	name := make([]byte, 16)
	copy(name, threadName)
	if err := unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&name[0])), 0, 0, 0); err != nil {
		return gatorerr.Wrap(gatorerr.Unsupported, err, "syncsource: renaming thread")
	}

	tid := int32(unix.Gettid())

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.emit(tid); err != nil {
				return err
			}
		}
	}
}

func (s *Source) emit(tid int32) error {
	monotonicRawNs, archCycles := s.readTick()

	b := frame.New(apc.MaxFramePayload)
	if err := apc.EncodeSync(b, s.pid, tid, s.freqHz, monotonicRawNs, archCycles); err != nil {
		return err
	}

	_, err := s.sink.TryCommit(b.Bytes())
	return err
}
