package capture

import (
	"context"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// procWatchInterval is how often the process watcher rescans /proc for
// commands matching the wait-for pattern.
const procWatchInterval = 100 * time.Millisecond

// findMatchingPIDs walks /proc for processes whose comm or command line
// matches re, excluding this daemon itself.
func findMatchingPIDs(re *regexp.Regexp) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}

	self := os.Getpid()
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == self {
			continue
		}

		comm, err := os.ReadFile("/proc/" + e.Name() + "/comm")
		if err == nil && re.MatchString(strings.TrimSpace(string(comm))) {
			pids = append(pids, pid)
			continue
		}

		cmdline, err := os.ReadFile("/proc/" + e.Name() + "/cmdline")
		if err != nil {
			continue
		}
		// cmdline is NUL-separated; match against the space-joined form.
		joined := strings.TrimRight(strings.ReplaceAll(string(cmdline), "\x00", " "), " ")
		if joined != "" && re.MatchString(joined) {
			pids = append(pids, pid)
		}
	}
	return pids
}

// runProcessWatcher polls /proc for processes matching the configured
// wait-for-command pattern, attaching counters and snapshotting maps
// and comm for each newly seen PID.
func (o *Orchestrator) runProcessWatcher(ctx context.Context, re *regexp.Regexp) {
	defer o.wg.Done()

	seen := make(map[int]bool)
	ticker := time.NewTicker(procWatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, pid := range findMatchingPIDs(re) {
				if seen[pid] {
					continue
				}
				seen[pid] = true
				o.logger.WithField("pid", pid).Info("capture: matched target process")
				if !o.cfg.SystemWide {
					o.binding.AttachPID(pid)
				}
				o.snapshotMaps(int32(pid))
				o.snapshotComm(int32(pid))
			}
		}
	}
}
