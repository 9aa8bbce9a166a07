// Package cpustate is the CPU online/offline lifecycle monitor: a
// netlink kobject-uevent listener with a polling fallback, exposed
// through one unified Next contract.
package cpustate

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Event is one CPU state transition.
type Event struct {
	CPU    int
	Online bool
}

// stopEvent is the {-1, false} sentinel returned once a Monitor has
// been stopped, so receive loops terminate cleanly.
var stopEvent = Event{CPU: -1, Online: false}

// source is the common contract both the netlink listener and the
// polling fallback satisfy.
type source interface {
	next(ctx context.Context) (Event, error)
	close() error
}

// Monitor is the CPU state monitor: it prefers netlink kobject-uevent
// delivery and transparently falls back to polling
// /sys/devices/system/cpu/cpu*/online when netlink is unavailable
// (insufficient privilege, or no CONFIG_UEVENT_HELPER-less kernel
// quirk), matching the daemon's original behaviour of never failing a
// capture outright over CPU-hotplug visibility.
type Monitor struct {
	src     source
	stopped atomic.Bool
}

// DefaultPollInterval is used whenever NewMonitor is called with
// pollInterval <= 0. It is aggressive so hotplug transitions surface
// within a couple of hundred milliseconds even on the fallback path.
const DefaultPollInterval = time.Millisecond

// NewMonitor builds a Monitor. It tries the netlink listener first; any
// failure to construct it (not to use it — that's handled per-read)
// falls back to polling at pollInterval (or DefaultPollInterval, if
// pollInterval <= 0).
func NewMonitor(pollInterval time.Duration) (*Monitor, error) {
	if nl, err := newNetlinkSource(); err == nil {
		return &Monitor{src: nl}, nil
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	ps, err := newPollSource(pollInterval)
	if err != nil {
		return nil, errors.Wrap(err, "cpustate: starting polling fallback")
	}
	return &Monitor{src: ps}, nil
}

// Next blocks for the next CPU state transition, or until ctx is
// cancelled, in which case it returns the {-1, false} sentinel with
// ctx.Err().
func (m *Monitor) Next(ctx context.Context) (Event, error) {
	if m.stopped.Load() {
		return stopEvent, nil
	}
	ev, err := m.src.next(ctx)
	if err != nil {
		return stopEvent, err
	}
	return ev, nil
}

// Close stops the monitor. A subsequent Next returns the stop sentinel.
func (m *Monitor) Close() error {
	m.stopped.Store(true)
	return m.src.close()
}
