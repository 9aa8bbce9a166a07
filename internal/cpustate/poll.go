package cpustate

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ARM-software/gator-sub002/internal/gatorerr"
)

// pollSource is the fallback used when netlink kobject-uevent delivery
// isn't available: it diffs /sys/devices/system/cpu/cpu*/online on a
// timer and synthesizes the same Event stream a netlink listener would
// produce.
type pollSource struct {
	interval time.Duration
	known    map[int]bool
	pending  []Event
}

func newPollSource(interval time.Duration) (*pollSource, error) {
	known, err := readCPUOnlineStates()
	if err != nil {
		return nil, gatorerr.Wrap(gatorerr.Configuration, err, "cpustate: reading initial cpu state")
	}
	return &pollSource{interval: interval, known: known}, nil
}

func (p *pollSource) close() error { return nil }

func (p *pollSource) next(ctx context.Context) (Event, error) {
	for {
		if len(p.pending) > 0 {
			ev := p.pending[0]
			p.pending = p.pending[1:]
			return ev, nil
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-time.After(p.interval):
		}

		now, err := readCPUOnlineStates()
		if err != nil {
			return Event{}, gatorerr.Wrap(gatorerr.Configuration, err, "cpustate: polling cpu state")
		}
		p.pending = diffCPUStates(p.known, now)
		p.known = now
	}
}

// readCPUOnlineStates reads every /sys/devices/system/cpu/cpuN/online
// file present and returns the online/offline state it reports. CPU 0
// on most kernels has no online file (it cannot be offlined) and is
// always reported online.
func readCPUOnlineStates() (map[int]bool, error) {
	entries, err := os.ReadDir("/sys/devices/system/cpu")
	if err != nil {
		return nil, err
	}

	states := make(map[int]bool)
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "cpu") {
			continue
		}
		cpu, err := strconv.Atoi(name[len("cpu"):])
		if err != nil {
			continue
		}

		onlinePath := filepath.Join("/sys/devices/system/cpu", name, "online")
		data, err := os.ReadFile(onlinePath)
		if os.IsNotExist(err) {
			states[cpu] = true // no online switch; always on
			continue
		}
		if err != nil {
			continue
		}
		states[cpu] = strings.TrimSpace(string(data)) == "1"
	}
	return states, nil
}

// diffCPUStates reports, in ascending CPU order, every CPU whose state
// changed between old and now.
func diffCPUStates(old, now map[int]bool) []Event {
	var changed []int
	for cpu, onlineNow := range now {
		if onlineOld, ok := old[cpu]; !ok || onlineOld != onlineNow {
			changed = append(changed, cpu)
		}
	}
	sort.Ints(changed)

	events := make([]Event, 0, len(changed))
	for _, cpu := range changed {
		events = append(events, Event{CPU: cpu, Online: now[cpu]})
	}
	return events
}
