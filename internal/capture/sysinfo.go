package capture

import (
	"strconv"

	"golang.org/x/sys/unix"
)

// readClockNs reads clockID via clock_gettime and returns nanoseconds,
// or 0 if the clock is unavailable.
func readClockNs(clockID int32) int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(clockID, &ts); err != nil {
		return 0
	}
	return ts.Sec*1_000_000_000 + ts.Nsec
}

// unameString renders the kernel release/machine fields from uname(2)
// into the SUMMARY frame's "uname" attribute value.
func unameString() string {
	var buf unix.Utsname
	if err := unix.Uname(&buf); err != nil {
		return "unknown"
	}
	return cstring(buf.Sysname[:]) + " " + cstring(buf.Release[:]) + " " + cstring(buf.Machine[:])
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

// pinToCPU attempts to confine the calling goroutine's OS thread to
// cpu, so the drainer for CPU k reads CPU k's ring header locally.
// Failure is non-fatal: the ring protocol is still correct without
// affinity, just without the locality the pin provides on
// NUMA/big.LITTLE hosts.
func pinToCPU(cpu int) {
	if cpu < 0 {
		return
	}
	var set unix.CPUSet
	set.Set(cpu)
	_ = unix.SchedSetaffinity(0, &set)
}

// defaultReadTick is the syncsource.Source tick reader. It returns the
// monotonic-raw time in nanoseconds twice: the second value is that same
// nanosecond count, not a read of the architectural timer's virtual
// counter register (CNTVCT_EL0).
func defaultReadTick() (int64, uint64) {
	now := readClockNs(unix.CLOCK_MONOTONIC_RAW)
	return now, uint64(now)
}
