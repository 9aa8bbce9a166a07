// Package binding is the event binding manager: it turns a capture
// configuration into live kernel counter file descriptors, one
// ring.Monitor per leader FD, applying the group-abort-on-partial-
// failure policy and tracking which CPUs end up degraded.
package binding

import (
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ARM-software/gator-sub002/internal/attr"
	"github.com/ARM-software/gator-sub002/internal/gatorerr"
	"github.com/ARM-software/gator-sub002/internal/perfsys"
	"github.com/ARM-software/gator-sub002/internal/ring"
)

// defaultAuxPages is the AUX region size, in kernel pages, mapped for
// trace-style groups. The data ring size comes from the configured
// buffer budget; the AUX region is a fixed modest window since its
// contents are forwarded, not accumulated.
const defaultAuxPages = 16

// boundGroup is one physical instance of an attr.EventGroup: a leader
// FD plus its followers, all sharing the leader's ring pair.
type boundGroup struct {
	id   attr.GroupID
	cpu  int // -1 for pid-scoped groups; uncore groups record the CPU they were opened on
	pid  int // 0 unless this instance was opened by AttachPID
	keys []attr.CounterKey

	leaderFD    int
	followerFDs []int

	dataRegion []byte
	auxRegion  []byte
	monitor    *ring.Monitor
}

func (g *boundGroup) allFDs() []int {
	return append([]int{g.leaderFD}, g.followerFDs...)
}

// Manager owns every bound group for the lifetime of one capture.
type Manager struct {
	cfg    attr.Config
	sink   ring.Sink
	logger *logrus.Logger

	mu     sync.Mutex
	groups []*boundGroup
	armed  bool

	// degraded records, per CPU, the reason its groups could not be
	// fully bound. A CPU with no entry here bound cleanly.
	degraded map[int]error
}

// NewManager builds a Manager for cfg, forwarding decoded ring frames to
// sink.
func NewManager(cfg attr.Config, sink ring.Sink, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		cfg:      cfg,
		sink:     sink,
		logger:   logger,
		degraded: make(map[int]error),
	}
}

// applyCaps resolves the capture's kernel capability flags into
// per-attribute refinements before the attribute is marshalled.
func applyCaps(e *attr.EventAttribute, caps attr.KernelCaps) {
	if caps.HasAttrClockID {
		e.UseClockID = true
		e.ClockID = unix.CLOCK_MONOTONIC_RAW
	}
	if !caps.HasAttrContextSwitch {
		e.Flags.EmitContextSwitch = false
	}
	e.CommExec = caps.HasAttrCommExec
	e.Mmap2 = caps.HasAttrMmap2
	if caps.ExcludeKernel {
		e.Flags.ExcludesKernel = true
	}
}

// Prepare validates the configuration, allocates counter keys to any
// group that arrived without them, stamps capability refinements onto
// every attribute, and opens every configured group on every online
// CPU. A failure partway through one group's followers aborts that
// group on that CPU only (closing whatever FDs it already opened) and
// marks the CPU degraded; other CPUs and other groups still bind.
// Prepare fails outright only on configuration errors or if no CPU
// could be enumerated at all.
func (m *Manager) Prepare() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	nextKey := attr.CounterKey(attr.KeyFloor)
	for i := range m.cfg.Groups {
		g := &m.cfg.Groups[i]
		if len(g.Events) == 0 {
			return gatorerr.Newf(gatorerr.Configuration, "group %d has no events", i)
		}
		if g.ID.Kind == attr.PerCPUCorePMU && m.cfg.CounterSlots > 0 && len(g.Events) > m.cfg.CounterSlots {
			return gatorerr.Newf(gatorerr.Configuration,
				"group %d has %d events but the PMU reports only %d counter slots",
				i, len(g.Events), m.cfg.CounterSlots)
		}
		if len(g.Keys) == 0 {
			for range g.Events {
				g.Keys = append(g.Keys, nextKey)
				nextKey++
			}
		} else {
			for _, k := range g.Keys {
				if k >= nextKey {
					nextKey = k + 1
				}
			}
		}
		for j := range g.Events {
			applyCaps(&g.Events[j], m.cfg.Caps)
		}
	}

	cpus, err := perfsys.OnlineCPUs()
	if err != nil {
		return errors.Wrap(err, "binding: enumerating online CPUs")
	}

	for _, g := range m.cfg.Groups {
		switch g.ID.Kind {
		case attr.UncorePMU:
			// Opened once, not per CPU; hosted on the first online CPU,
			// matching the daemon's convention of anchoring uncore PMU
			// groups to CPU 0.
			if len(cpus) == 0 {
				continue
			}
			m.bindGroupLocked(g, cpus[0])
		default:
			// PerCPUCorePMU, SPELikeAux and SoftwareGlobal are all opened
			// per online CPU. Cluster-aware CPU selection (restricting
			// groups to the CPUs in g.ID.Cluster) is left for the topology
			// layer that builds attr.Config; this manager only knows the
			// CPU set it's handed.
			for _, cpu := range cpus {
				m.bindGroupLocked(g, cpu)
			}
		}
	}

	return nil
}

// bindGroupLocked opens one physical instance of group g on cpu. On
// partial failure it unwinds whatever it already opened for this one
// instance and marks cpu degraded; it never aborts sibling groups or
// other CPUs.
func (m *Manager) bindGroupLocked(g attr.EventGroup, cpu int) {
	if len(g.Events) == 0 {
		return
	}

	bg := &boundGroup{id: g.ID, cpu: cpu, keys: g.Keys, leaderFD: -1}

	leaderFD, err := perfsys.Open(&g.Events[0], targetPID(m.cfg), cpu, perfsys.NoGroup, 0)
	if err != nil {
		m.markDegradedLocked(cpu, errors.Wrapf(err, "opening leader for group on cpu %d", cpu))
		return
	}
	bg.leaderFD = leaderFD

	for i := 1; i < len(g.Events); i++ {
		fd, err := perfsys.Open(&g.Events[i], targetPID(m.cfg), cpu, leaderFD, 0)
		if err != nil {
			m.markDegradedLocked(cpu, errors.Wrapf(err, "opening follower %d for group on cpu %d", i, cpu))
			m.closeGroupLocked(bg)
			return
		}
		bg.followerFDs = append(bg.followerFDs, fd)

		// Followers deposit their records into the leader's ring; without
		// this each member gets a private buffer nobody drains.
		if err := perfsys.SetOutput(fd, leaderFD); err != nil {
			m.markDegradedLocked(cpu, errors.Wrapf(err, "routing follower %d output to leader on cpu %d", i, cpu))
			m.closeGroupLocked(bg)
			return
		}
	}

	dataPages := buffersToPages(m.cfg.BufferSizeMiB)
	auxPages := 0
	if g.ID.Kind == attr.SPELikeAux {
		auxPages = defaultAuxPages
	}

	mm, err := perfsys.Mmap(leaderFD, dataPages, auxPages)
	if err != nil {
		m.markDegradedLocked(cpu, errors.Wrapf(err, "mmap group on cpu %d", cpu))
		m.closeGroupLocked(bg)
		return
	}
	bg.dataRegion = mm.Region

	view, err := ring.NewView(dataRingSlice(mm.Region, dataPages))
	if err != nil {
		m.markDegradedLocked(cpu, errors.Wrapf(err, "ring view for group on cpu %d", cpu))
		m.closeGroupLocked(bg)
		return
	}

	var auxView *ring.View
	if auxPages > 0 {
		pageSize := os.Getpagesize()
		auxOffset := uint64((1 + dataPages) * pageSize)
		auxSize := uint64(auxPages * pageSize)
		setAuxPlacement(mm.Region, auxOffset, auxSize)

		auxRegion, err := perfsys.MmapAux(leaderFD, auxOffset, auxSize)
		if err != nil {
			m.markDegradedLocked(cpu, errors.Wrapf(err, "mmap aux ring on cpu %d", cpu))
			m.closeGroupLocked(bg)
			return
		}
		bg.auxRegion = auxRegion

		auxView, err = ring.NewView(auxRegion)
		if err != nil {
			m.markDegradedLocked(cpu, errors.Wrapf(err, "aux ring view on cpu %d", cpu))
			m.closeGroupLocked(bg)
			return
		}
	}

	meta := regionMetadata(mm.Region)
	bg.monitor = ring.NewMonitor(cpu, meta, view, auxView, m.sink)

	if err := perfsys.IoctlReset(leaderFD); err != nil {
		m.logger.WithError(err).WithField("cpu", cpu).Warn("binding: reset failed, continuing")
	}

	m.groups = append(m.groups, bg)
}

func (m *Manager) markDegradedLocked(cpu int, err error) {
	m.degraded[cpu] = err
	m.logger.WithError(err).WithField("cpu", cpu).Warn("binding: cpu degraded")
}

// closeGroupLocked drops the ring mappings first, then the FDs: the
// mappings hold weak references into memory owned by the leader FD and
// must be gone before it closes.
func (m *Manager) closeGroupLocked(bg *boundGroup) {
	if bg.auxRegion != nil {
		_ = perfsys.Munmap(bg.auxRegion)
		bg.auxRegion = nil
	}
	if bg.dataRegion != nil {
		_ = perfsys.Munmap(bg.dataRegion)
		bg.dataRegion = nil
	}
	for _, fd := range bg.allFDs() {
		if fd >= 0 {
			_ = perfsys.Close(fd)
		}
	}
}

// EnableAll issues PERF_EVENT_IOC_ENABLE to every leader FD, arming the
// whole capture. Every counter must be armed before the target process
// starts, so this runs strictly before the exec gate opens.
func (m *Manager) EnableAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.armed = true
	var firstErr error
	for _, g := range m.groups {
		if err := perfsys.IoctlEnable(g.leaderFD); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "enabling group on cpu %d", g.cpu)
		}
	}
	return firstErr
}

// DisableAll issues PERF_EVENT_IOC_DISABLE to every leader FD.
func (m *Manager) DisableAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.armed = false
	var firstErr error
	for _, g := range m.groups {
		if err := perfsys.IoctlDisable(g.leaderFD); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "disabling group on cpu %d", g.cpu)
		}
	}
	return firstErr
}

// OnlineCPU binds every configured non-uncore group to a CPU that has
// just come online. It reports whether any binding work actually
// happened: a CPU that already has bound groups is left untouched, so
// delivering the same online event twice never double-opens FDs.
func (m *Manager) OnlineCPU(cpu int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, g := range m.groups {
		if g.cpu == cpu {
			return false
		}
	}

	delete(m.degraded, cpu)
	for _, g := range m.cfg.Groups {
		if g.ID.Kind == attr.UncorePMU {
			continue
		}
		m.bindGroupLocked(g, cpu)
	}

	// A capture already armed by EnableAll must also count on the CPU
	// that just arrived.
	if m.armed {
		for _, g := range m.groups {
			if g.cpu != cpu {
				continue
			}
			if err := perfsys.IoctlEnable(g.leaderFD); err != nil {
				m.logger.WithError(err).WithField("cpu", cpu).Warn("binding: enabling hotplugged group")
			}
		}
	}
	return true
}

// OfflineCPU tears down every group bound to cpu, reporting whether
// there was anything to tear down.
func (m *Manager) OfflineCPU(cpu int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	torn := false
	kept := m.groups[:0]
	for _, g := range m.groups {
		if g.cpu == cpu {
			m.closeGroupLocked(g)
			torn = true
			continue
		}
		kept = append(kept, g)
	}
	m.groups = kept
	return torn
}

// AttachPID opens a PID-scoped instance of every configured group, for
// process-targeted (non system-wide) captures.
func (m *Manager) AttachPID(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, g := range m.cfg.Groups {
		if len(g.Events) == 0 {
			continue
		}
		leaderFD, err := perfsys.Open(&g.Events[0], pid, perfsys.AnyCPU, perfsys.NoGroup, 0)
		if err != nil {
			m.logger.WithError(err).WithField("pid", pid).Warn("binding: attach pid failed")
			continue
		}
		bg := &boundGroup{
			id:       g.ID,
			cpu:      perfsys.AnyCPU,
			pid:      pid,
			keys:     g.Keys,
			leaderFD: leaderFD,
		}

		aborted := false
		for i := 1; i < len(g.Events); i++ {
			fd, err := perfsys.Open(&g.Events[i], pid, perfsys.AnyCPU, leaderFD, 0)
			if err != nil {
				m.logger.WithError(err).WithField("pid", pid).Warnf("binding: attach pid follower %d failed", i)
				m.closeGroupLocked(bg)
				aborted = true
				break
			}
			bg.followerFDs = append(bg.followerFDs, fd)

			if err := perfsys.SetOutput(fd, leaderFD); err != nil {
				m.logger.WithError(err).WithField("pid", pid).Warnf("binding: routing pid follower %d output failed", i)
				m.closeGroupLocked(bg)
				aborted = true
				break
			}
		}
		if aborted {
			continue
		}

		m.groups = append(m.groups, bg)
	}
}

// DetachPID closes every group instance opened for pid.
func (m *Manager) DetachPID(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.groups[:0]
	for _, g := range m.groups {
		if g.pid == pid && g.pid != 0 {
			m.closeGroupLocked(g)
			continue
		}
		kept = append(kept, g)
	}
	m.groups = kept
}

// BoundCPUs returns, in ascending order, every CPU with at least one
// bound group, excluding uncore and pid-scoped groups (which are not
// per-CPU). The orchestrator uses this to know which CPUs Prepare
// already bound, so a later hotplug online event for one of them is a
// no-op.
func (m *Manager) BoundCPUs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[int]bool)
	var out []int
	for _, g := range m.groups {
		if g.cpu < 0 || g.id.Kind == attr.UncorePMU || seen[g.cpu] {
			continue
		}
		seen[g.cpu] = true
		out = append(out, g.cpu)
	}
	sort.Ints(out)
	return out
}

// Keys returns the per-group counter keys as resolved by Prepare.
func (m *Manager) Keys() [][]attr.CounterKey {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([][]attr.CounterKey, len(m.cfg.Groups))
	for i, g := range m.cfg.Groups {
		out[i] = append([]attr.CounterKey(nil), g.Keys...)
	}
	return out
}

// SampleIDKey pairs one open counter FD's kernel-assigned sample
// identifier with the counter key it was opened for, the payload of
// one KEYS frame entry.
type SampleIDKey struct {
	SampleID int64
	Key      attr.CounterKey
}

// SampleIDs returns the kernel-assigned sample identifier for every
// currently open counter FD paired with its correlating key, using
// PERF_EVENT_IOC_ID. Callers should only rely on this when the
// capture's KernelCaps.HasIoctlReadID is set; on older kernels the
// ioctl itself will simply fail and that FD is skipped.
func (m *Manager) SampleIDs() ([]SampleIDKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []SampleIDKey
	for _, g := range m.groups {
		fds := g.allFDs()
		for i, fd := range fds {
			if i >= len(g.keys) {
				break
			}
			id, err := perfsys.IoctlID(fd)
			if err != nil {
				continue
			}
			out = append(out, SampleIDKey{SampleID: int64(id), Key: g.keys[i]})
		}
	}
	return out, nil
}

// Monitors returns every ring monitor bound so far, for the orchestrator
// to poll.
func (m *Manager) Monitors() []*ring.Monitor {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*ring.Monitor, 0, len(m.groups))
	for _, g := range m.groups {
		if g.monitor != nil {
			out = append(out, g.monitor)
		}
	}
	return out
}

// DegradedCPUs returns the degraded-CPU reasons accumulated so far, for
// the final capture summary.
func (m *Manager) DegradedCPUs() map[int]error {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[int]error, len(m.degraded))
	for k, v := range m.degraded {
		out[k] = v
	}
	return out
}

// Close tears down every bound group.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, g := range m.groups {
		m.closeGroupLocked(g)
	}
	m.groups = nil
	return nil
}

func targetPID(cfg attr.Config) int {
	if cfg.SystemWide {
		return -1
	}
	if len(cfg.PIDs) > 0 {
		return cfg.PIDs[0]
	}
	return -1
}

func buffersToPages(bufferSizeMiB int) int {
	if bufferSizeMiB <= 0 {
		bufferSizeMiB = 1
	}
	pages := (bufferSizeMiB * 1024 * 1024) / os.Getpagesize()
	// Round up to the next power of two; ring.NewView requires it.
	n := 1
	for n < pages {
		n <<= 1
	}
	return n
}

// dataRingSlice returns the data-ring portion of an mmap'd region: the
// first page is kernel metadata, the rest is the data ring itself.
// Matches perfsys.Mmap's own sizing, which always reserves exactly one
// metadata page ahead of the data pages.
func dataRingSlice(region []byte, dataPages int) []byte {
	pageSize := os.Getpagesize()
	return region[pageSize : pageSize+dataPages*pageSize]
}
