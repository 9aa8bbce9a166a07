// Package perfsys is the perf activator: a thin wrapper opening one
// kernel counter file descriptor given an attribute blob, plus the
// mmap/ioctl operations the rest of the daemon drives it with.
package perfsys

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ARM-software/gator-sub002/internal/attr"
	"github.com/ARM-software/gator-sub002/internal/gatorerr"
)

// OpenFlags mirror the open-flag bits accepted by perf_event_open.
type OpenFlags uint

const (
	// FlagCloseOnExec forces O_CLOEXEC on the returned descriptor. The
	// activator always ORs this in so counter FDs never leak across the
	// target exec.
	FlagCloseOnExec OpenFlags = 1 << 3
	// FlagProcessGroup requests PID-namespace process-group semantics.
	FlagProcessGroup OpenFlags = 1 << 2
)

// NoGroup is the group-leader FD value meaning "this event is its own
// group leader".
const NoGroup = -1

// AnyCPU targets every CPU (used with a specific PID).
const AnyCPU = -1

// Open opens one kernel counter FD for a (possibly already-marshalled)
// attribute, a target CPU (-1 for any), a target PID (-1 for
// system-wide on the given CPU, 0 for self, or a real PID/TID), an
// optional group-leader FD (NoGroup if this is a new group), and open
// flags. Returns a tagged error on failure.
func Open(a *attr.EventAttribute, pid, cpu, groupFD int, flags OpenFlags) (int, error) {
	raw := a.Raw
	if raw == nil {
		raw = Marshal(a)
	}

	effectiveFlags := uintptr(flags | FlagCloseOnExec)

	fd, _, errno := unix.Syscall6(
		unix.SYS_PERF_EVENT_OPEN,
		uintptr(unsafe.Pointer(&raw[0])),
		uintptr(pid),
		uintptr(cpu),
		uintptr(groupFD),
		effectiveFlags,
		0,
	)

	if errno == 0 {
		return int(fd), nil
	}
	return -1, translateOpenErrno(errno)
}

func translateOpenErrno(errno syscall.Errno) error {
	switch errno {
	case syscall.EACCES, syscall.EPERM:
		return gatorerr.Wrapf(gatorerr.Permission, errno, "perf_event_open: insufficient privilege (check /proc/sys/kernel/perf_event_paranoid)")
	case syscall.EINVAL, syscall.E2BIG, syscall.EFAULT:
		return gatorerr.Wrapf(gatorerr.Configuration, errno, "perf_event_open: invalid attribute")
	case syscall.ENODEV, syscall.ENOENT, syscall.EOPNOTSUPP, syscall.ENOSYS:
		return gatorerr.Wrapf(gatorerr.Unsupported, errno, "perf_event_open: event not supported on this target")
	case syscall.EBUSY, syscall.EMFILE, syscall.ENOSPC:
		return gatorerr.Wrapf(gatorerr.Transient, errno, "perf_event_open: resource temporarily unavailable")
	case syscall.ESRCH:
		return gatorerr.Wrapf(gatorerr.Configuration, errno, "perf_event_open: target pid does not exist")
	default:
		return gatorerr.Wrapf(gatorerr.Unsupported, errno, "perf_event_open: unexpected error")
	}
}

// Close closes a counter FD.
func Close(fd int) error {
	return unix.Close(fd)
}

// SetOutput redirects fd's ring buffer to outputFD's, used to attach a
// follower's samples to its group leader's ring.
func SetOutput(fd, outputFD int) error {
	if err := ioctl(fd, iocSetOutput, uintptr(outputFD)); err != nil {
		return gatorerr.Wrap(gatorerr.Unsupported, err, "PERF_EVENT_IOC_SET_OUTPUT")
	}
	return nil
}

// IoctlEnable forwards PERF_EVENT_IOC_ENABLE to fd.
func IoctlEnable(fd int) error {
	if err := ioctl(fd, iocEnable, 0); err != nil {
		return gatorerr.Wrap(gatorerr.Transient, err, "PERF_EVENT_IOC_ENABLE")
	}
	return nil
}

// IoctlDisable forwards PERF_EVENT_IOC_DISABLE to fd.
func IoctlDisable(fd int) error {
	if err := ioctl(fd, iocDisable, 0); err != nil {
		return gatorerr.Wrap(gatorerr.Transient, err, "PERF_EVENT_IOC_DISABLE")
	}
	return nil
}

// IoctlReset forwards PERF_EVENT_IOC_RESET to fd.
func IoctlReset(fd int) error {
	if err := ioctl(fd, iocReset, 0); err != nil {
		return gatorerr.Wrap(gatorerr.Transient, err, "PERF_EVENT_IOC_RESET")
	}
	return nil
}

// IoctlID returns the kernel-assigned sample identifier for fd, used to
// correlate interleaved group samples back to their attribute.
func IoctlID(fd int) (uint64, error) {
	var id uint64
	if err := ioctl(fd, iocID, uintptr(unsafe.Pointer(&id))); err != nil {
		return 0, gatorerr.Wrap(gatorerr.Unsupported, err, "PERF_EVENT_IOC_ID")
	}
	return id, nil
}

// Perf ioctl command numbers, include/uapi/linux/perf_event.h. These
// _IO/_IOR encodings are architecture-independent on Linux.
const (
	iocEnable    = 0x2400
	iocDisable   = 0x2401
	iocReset     = 0x2403
	iocSetOutput = 0x2405
	iocID        = 0x80082407
)

func ioctl(fd int, req uint, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno != 0 {
		return errno
	}
	return nil
}
