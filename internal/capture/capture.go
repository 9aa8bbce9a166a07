// Package capture implements the capture orchestrator: the single
// component that drives prepare -> start -> gate-exec -> run ->
// shutdown, coordinating internal/binding, internal/ring,
// internal/cpustate, internal/syncsource, internal/collectors and
// internal/arena.
package capture

import (
	"context"
	"os"
	"regexp"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ARM-software/gator-sub002/internal/apc"
	"github.com/ARM-software/gator-sub002/internal/arena"
	"github.com/ARM-software/gator-sub002/internal/attr"
	"github.com/ARM-software/gator-sub002/internal/binding"
	"github.com/ARM-software/gator-sub002/internal/collectors"
	"github.com/ARM-software/gator-sub002/internal/cpustate"
	"github.com/ARM-software/gator-sub002/internal/frame"
	"github.com/ARM-software/gator-sub002/internal/perfsys"
	"github.com/ARM-software/gator-sub002/internal/ring"
	"github.com/ARM-software/gator-sub002/internal/sink"
	"github.com/ARM-software/gator-sub002/internal/syncsource"
)

// pollInterval is how often each per-CPU drainer polls its ring
// monitor. Perf ring FDs do become readable via epoll/poll when new
// samples land, but this daemon's forwarding buffer is the arena's
// back-pressure signal, not FD readiness, so a short fixed tick (rather
// than epoll_wait) is the simpler, equally correct choice here.
const pollInterval = 2 * time.Millisecond

// defaultLiveRate is the periodic-counter emission period when the
// configuration leaves LiveRateMillis unset.
const defaultLiveRate = 100 * time.Millisecond

// Options configures one Orchestrator.
type Options struct {
	Config attr.Config
	Sink   sink.Sink
	Logger *logrus.Logger

	// ArenaBytes is the fixed arena capacity backing the bounded
	// forwarding buffer between the ring monitors and Sink, sized from
	// Config.BufferSizeMiB when left zero.
	ArenaBytes int

	// ReadyFunc is invoked exactly once, after every expected-online CPU
	// has either opened its groups successfully or reported a terminal
	// failure, and before any further capture data is produced. This is
	// the exec gate: the caller execs the target application from inside
	// ReadyFunc, so no target instruction runs before every observer is
	// armed.
	ReadyFunc func() error

	// SystemProbeAttrs are additional key/value pairs folded into the
	// SUMMARY frame, e.g. host topology facts gathered by the outer
	// layers.
	SystemProbeAttrs [][2]string
}

// drainerHandle tracks one live drainer goroutine so a CPU-offline
// event can stop it and wait for its residual flush before the ring
// mappings go away.
type drainerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator drives one capture's lifecycle end to end.
type Orchestrator struct {
	cfg    attr.Config
	sink   sink.Sink
	logger *logrus.Logger
	ready  func() error
	probe  [][2]string

	binding *binding.Manager
	cpus    *cpustate.Monitor
	arena   *arena.Arena
	syncSrc *syncsource.Source

	runCtx         context.Context
	startMonotonic time.Time

	shutdownOnce sync.Once
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	// The arena consumer outlives the run context: it keeps draining
	// until everything committed before shutdown has reached the sink.
	consumerCancel context.CancelFunc
	consumerWg     sync.WaitGroup

	delivered atomic.Int64

	degradedMu sync.Mutex
	degraded   map[int]error

	spawnedMu sync.Mutex
	spawned   map[*ring.Monitor]*drainerHandle
}

// New builds an Orchestrator from opts.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	arenaBytes := opts.ArenaBytes
	if arenaBytes <= 0 {
		arenaBytes = opts.Config.BufferSizeMiB * 1024 * 1024
	}
	if arenaBytes <= 0 {
		arenaBytes = 4 * 1024 * 1024
	}

	a := arena.New(arenaBytes)

	return &Orchestrator{
		cfg:      opts.Config,
		sink:     opts.Sink,
		logger:   logger,
		ready:    opts.ReadyFunc,
		probe:    opts.SystemProbeAttrs,
		arena:    a,
		binding:  binding.NewManager(opts.Config, a, logger),
		degraded: make(map[int]error),
		spawned:  make(map[*ring.Monitor]*drainerHandle),
	}
}

// Prepare validates and opens the configured groups. A failure here
// means no capture starts at all. No frames are emitted yet: the wire
// stream begins with Start's SUMMARY frame.
func (o *Orchestrator) Prepare() error {
	if err := o.binding.Prepare(); err != nil {
		return errors.Wrap(err, "capture: preparing event bindings")
	}
	return nil
}

func (o *Orchestrator) emitPEAFrames() error {
	for gi := range o.cfg.Groups {
		g := &o.cfg.Groups[gi]
		for i := range g.Events {
			ev := &g.Events[i]
			if ev.Raw == nil {
				// Not yet marshalled: the group never reached an open call
				// (e.g. its CPUs are all degraded). The host still needs
				// the attribute description.
				perfsys.Marshal(ev)
			}
			key := attr.CounterKey(0)
			if i < len(g.Keys) {
				key = g.Keys[i]
			}
			b := frame.New(apc.MaxFramePayload)
			if err := apc.EncodePEA(b, *ev, key); err != nil {
				return err
			}
			if _, err := o.arena.TryCommit(b.Bytes()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Start runs the remainder of the gate-exec sequence: it sends the
// SUMMARY frame and the PEA frames, announces core names, arms the
// one-shot "buffer full" signal in bounded mode, starts the sync source
// when required, emits the KEYS frame (when the kernel supports reading
// event IDs) and one ONLINE_CPU frame for every CPU Prepare already
// bound, enables every counter, attaches configured PIDs, snapshots kallsyms, process
// maps and comm names, starts the per-CPU drainers, the periodic
// counter poller and the CPU hotplug watcher, and finally invokes
// ReadyFunc, the point at which the caller may exec the target
// application.
//
// monotonicStart is the client-supplied correlation timestamp.
func (o *Orchestrator) Start(ctx context.Context, monotonicStart time.Time) error {
	o.startMonotonic = monotonicStart

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.runCtx = ctx

	if err := o.sendSummary(); err != nil {
		return errors.Wrap(err, "capture: sending summary frame")
	}
	// The attribute/key pairing is immutable for the capture's duration,
	// so PEA frames are emitted exactly once, directly after SUMMARY,
	// rather than per CPU.
	if err := o.emitPEAFrames(); err != nil {
		return errors.Wrap(err, "capture: emitting PEA frames")
	}
	o.emitCoreNames()

	if o.cfg.OneShot {
		o.arena.EnableOneShot(func() {
			o.logger.Warn("capture: arena reached capacity in one-shot mode, shutting down")
			o.Shutdown()
		})
	}

	if o.needsSyncSource() {
		o.syncSrc = syncsource.New(o.arena, 100*time.Millisecond, 0, defaultReadTick)
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.syncSrc.Run(ctx); err != nil {
				o.logger.WithError(err).Warn("capture: sync source exited")
			}
		}()
	}

	// KEYS precedes the per-CPU ONLINE_CPU frames so the host can
	// correlate sample IDs before any per-CPU traffic arrives.
	if o.cfg.Caps.HasIoctlReadID {
		if err := o.emitKeysFrame(); err != nil {
			o.logger.WithError(err).Warn("capture: emitting KEYS frame")
		}
	}

	boundCPUs := o.binding.BoundCPUs()
	lastOnline := make(map[int]bool, len(boundCPUs))
	for _, cpu := range boundCPUs {
		lastOnline[cpu] = true
		if err := o.emitOnlineCPU(cpu); err != nil {
			o.logger.WithError(err).WithField("cpu", cpu).Warn("capture: emitting ONLINE_CPU frame")
		}
	}

	if err := o.binding.EnableAll(); err != nil {
		o.logger.WithError(err).Warn("capture: enabling counters")
	}

	for _, pid := range o.cfg.PIDs {
		o.binding.AttachPID(pid)
	}

	if mon, err := cpustate.NewMonitor(0); err != nil {
		o.logger.WithError(err).Warn("capture: starting cpu state monitor")
	} else {
		o.cpus = mon
		o.wg.Add(1)
		go o.watchCPUHotplug(ctx, mon, lastOnline)
	}

	o.snapshotKallsyms()
	for _, pid := range o.cfg.PIDs {
		o.snapshotMaps(int32(pid))
		o.snapshotComm(int32(pid))
	}

	if len(o.cfg.CPUFreqClusters) > 0 {
		o.wg.Add(1)
		go o.runCounterPoller(ctx)
	}

	if o.cfg.WaitForCommandPattern != "" {
		re, err := regexp.Compile(o.cfg.WaitForCommandPattern)
		if err != nil {
			return errors.Wrapf(err, "capture: compiling wait-for pattern %q", o.cfg.WaitForCommandPattern)
		}
		o.wg.Add(1)
		go o.runProcessWatcher(ctx, re)
	}

	o.startDrainers(ctx)

	o.degradedMu.Lock()
	for cpu, err := range o.binding.DegradedCPUs() {
		o.degraded[cpu] = err
	}
	o.degradedMu.Unlock()

	if o.ready != nil {
		return o.ready()
	}
	return nil
}

func (o *Orchestrator) emitKeysFrame() error {
	ids, err := o.binding.SampleIDs()
	if err != nil {
		return err
	}
	entries := make([]apc.KeyedSampleID, 0, len(ids))
	for _, e := range ids {
		entries = append(entries, apc.KeyedSampleID{SampleID: e.SampleID, Key: e.Key})
	}

	b := frame.New(apc.MaxFramePayload)
	if err := apc.EncodeKeys(b, entries); err != nil {
		return err
	}
	_, err = o.arena.TryCommit(b.Bytes())
	return err
}

func (o *Orchestrator) emitCoreNames() {
	for _, cn := range o.cfg.CoreNames {
		b := frame.New(apc.MaxFramePayload)
		if err := apc.EncodeCoreName(b, cn.Core, cn.CPUID, cn.Name); err != nil {
			o.logger.WithError(err).Warn("capture: encoding CORE_NAME frame")
			continue
		}
		if _, err := o.arena.TryCommit(b.Bytes()); err != nil {
			o.logger.WithError(err).Warn("capture: committing CORE_NAME frame")
		}
	}
}

// onlineCPU binds a newly-online cpu's groups, emits its ONLINE_CPU
// frame, and starts drainers for the new rings. The ONLINE_CPU frame is
// committed before the drainers spawn, so it precedes any data frame
// for that CPU.
func (o *Orchestrator) onlineCPU(cpu int) {
	if !o.binding.OnlineCPU(cpu) {
		return
	}
	if err := o.emitOnlineCPU(cpu); err != nil {
		o.logger.WithError(err).WithField("cpu", cpu).Warn("capture: emitting ONLINE_CPU frame")
	}
	o.startMonitorsFor(cpu)
}

// offlineCPU emits the OFFLINE_CPU frame, stops the CPU's drainers
// (each flushes any late records still in its ring before exiting), and
// only then tears the ring mappings down.
func (o *Orchestrator) offlineCPU(cpu int) {
	if err := o.emitOfflineCPU(cpu); err != nil {
		o.logger.WithError(err).WithField("cpu", cpu).Warn("capture: emitting OFFLINE_CPU frame")
	}
	o.stopDrainersFor(cpu)
	o.binding.OfflineCPU(cpu)
}

func (o *Orchestrator) emitOnlineCPU(cpu int) error {
	b := frame.New(apc.MaxFramePayload)
	if err := apc.EncodeOnlineCPU(b, o.monotonicDeltaNs(), cpu); err != nil {
		return err
	}
	_, err := o.arena.TryCommit(b.Bytes())
	return err
}

func (o *Orchestrator) emitOfflineCPU(cpu int) error {
	b := frame.New(apc.MaxFramePayload)
	if err := apc.EncodeOfflineCPU(b, o.monotonicDeltaNs(), cpu); err != nil {
		return err
	}
	_, err := o.arena.TryCommit(b.Bytes())
	return err
}

func (o *Orchestrator) monotonicDeltaNs() int64 {
	if o.startMonotonic.IsZero() {
		return 0
	}
	return time.Since(o.startMonotonic).Nanoseconds()
}

// watchCPUHotplug subscribes to internal/cpustate and forwards edge
// transitions to the binding manager for the capture's duration.
// already is seeded with the CPUs Prepare/Start already bound, so a
// monitor implementation that redundantly reports "online" for an
// already-known CPU does not cause a double bind.
func (o *Orchestrator) watchCPUHotplug(ctx context.Context, mon *cpustate.Monitor, already map[int]bool) {
	defer o.wg.Done()

	for {
		ev, err := mon.Next(ctx)
		if err != nil {
			return
		}
		if ev.CPU < 0 {
			return
		}
		if already[ev.CPU] == ev.Online {
			continue // idempotent: no-op on a repeated observation
		}
		already[ev.CPU] = ev.Online
		if ev.Online {
			o.onlineCPU(ev.CPU)
		} else {
			o.offlineCPU(ev.CPU)
		}
	}
}

// runCounterPoller periodically reads each bound CPU's frequency and
// emits one COUNTERS frame per tick.
func (o *Orchestrator) runCounterPoller(ctx context.Context) {
	defer o.wg.Done()

	reader := collectors.NewCPUFreqReader(collectors.ClustersFromConfig(o.cfg.CPUFreqClusters))

	period := defaultLiveRate
	if o.cfg.LiveRateMillis > 0 {
		period = time.Duration(o.cfg.LiveRateMillis) * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var values []apc.CoreValue
			for _, cpu := range o.binding.BoundCPUs() {
				v, ok, err := reader.Read(cpu)
				if err != nil || !ok {
					continue
				}
				values = append(values, v)
			}
			if len(values) == 0 {
				continue
			}
			b := frame.New(apc.MaxFramePayload)
			if err := apc.EncodeCounters(b, o.monotonicDeltaNs(), values); err != nil {
				o.logger.WithError(err).Warn("capture: encoding COUNTERS frame")
				continue
			}
			if _, err := o.arena.TryCommit(b.Bytes()); err != nil {
				o.logger.WithError(err).Warn("capture: committing COUNTERS frame")
			}
		}
	}
}

// startDrainers launches one goroutine per currently-bound ring monitor,
// each pinned (to the extent the OS allows) to its own CPU so that
// atomic loads of the ring header observe correctly ordered memory,
// plus one consumer goroutine draining the arena to the outbound sink.
func (o *Orchestrator) startDrainers(ctx context.Context) {
	for _, mon := range o.binding.Monitors() {
		o.spawnDrainer(ctx, mon)
	}

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	o.consumerCancel = consumerCancel
	o.consumerWg.Add(1)
	go o.runConsumer(consumerCtx)
}

// startMonitorsFor spawns a drainer for any monitor bound to cpu since
// the last startDrainers call, for CPUs that come online mid-capture.
func (o *Orchestrator) startMonitorsFor(cpu int) {
	if o.runCtx == nil {
		return
	}
	for _, mon := range o.binding.Monitors() {
		if mon.CPU == cpu {
			o.spawnDrainer(o.runCtx, mon)
		}
	}
}

// spawnDrainer starts a drainer goroutine for mon at most once, guarding
// against the startDrainers / startMonitorsFor race around CPU hotplug
// events observed while the initial drainer set is still being spawned.
func (o *Orchestrator) spawnDrainer(ctx context.Context, mon *ring.Monitor) {
	o.spawnedMu.Lock()
	if o.spawned[mon] != nil {
		o.spawnedMu.Unlock()
		return
	}
	dctx, cancel := context.WithCancel(ctx)
	h := &drainerHandle{cancel: cancel, done: make(chan struct{})}
	o.spawned[mon] = h
	o.spawnedMu.Unlock()

	o.wg.Add(1)
	go o.runDrainer(dctx, mon, h.done)
}

// stopDrainersFor cancels every drainer whose monitor belongs to cpu and
// waits for each to finish its residual flush, so the ring mappings can
// be dropped safely afterwards.
func (o *Orchestrator) stopDrainersFor(cpu int) {
	o.spawnedMu.Lock()
	var handles []*drainerHandle
	for mon, h := range o.spawned {
		if mon.CPU == cpu {
			handles = append(handles, h)
			delete(o.spawned, mon)
		}
	}
	o.spawnedMu.Unlock()

	for _, h := range handles {
		h.cancel()
		<-h.done
	}
}

func (o *Orchestrator) runDrainer(ctx context.Context, mon *ring.Monitor, done chan struct{}) {
	defer o.wg.Done()
	defer close(done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	pinToCPU(mon.CPU)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.drainResidual(mon)
			return
		case <-ticker.C:
			if _, err := mon.PollOnce(); err != nil {
				o.markDegraded(mon.CPU, err)
				return
			}
		}
	}
}

// drainResidual runs a bounded number of extra polls after shutdown has
// been signalled, so records already landed in the ring before shutdown
// are still forwarded.
func (o *Orchestrator) drainResidual(mon *ring.Monitor) {
	for i := 0; i < 8; i++ {
		n, err := mon.PollOnce()
		if err != nil || n == 0 {
			return
		}
	}
}

func (o *Orchestrator) markDegraded(cpu int, err error) {
	o.degradedMu.Lock()
	o.degraded[cpu] = err
	o.degradedMu.Unlock()
	o.logger.WithError(err).WithField("cpu", cpu).Warn("capture: ring monitor degraded")
}

// runConsumer drains the arena in strict reservation order to the outbound
// sink.
func (o *Orchestrator) runConsumer(ctx context.Context) {
	defer o.consumerWg.Done()
	for {
		span, err := o.arena.Consume(ctx)
		if err != nil {
			return
		}
		if werr := o.sink.Write(span.Bytes()); werr != nil {
			span.ReleaseWithError(werr)
			o.logger.WithError(werr).Warn("capture: sink write failed")
			continue
		}
		o.delivered.Add(1)
		span.Release()
	}
}

// FramesDelivered reports how many frames reached the outbound sink. A
// capture that delivered nothing at all is the one case that warrants a
// non-zero process exit.
func (o *Orchestrator) FramesDelivered() int64 {
	return o.delivered.Load()
}

func (o *Orchestrator) needsSyncSource() bool {
	return !o.cfg.Caps.HasAttrClockID || hasAuxGroup(o.cfg)
}

func hasAuxGroup(cfg attr.Config) bool {
	for _, g := range cfg.Groups {
		if g.ID.Kind == attr.SPELikeAux {
			return true
		}
	}
	return false
}

func (o *Orchestrator) snapshotKallsyms() {
	var snap collectors.KallsymsSnapshotter
	b, err := snap.Snapshot()
	if err != nil {
		o.logger.WithError(err).Warn("capture: snapshotting kallsyms")
		return
	}
	if _, err := o.arena.TryCommit(b.Bytes()); err != nil {
		o.logger.WithError(err).Warn("capture: committing kallsyms frame")
	}
}

func (o *Orchestrator) snapshotMaps(pid int32) {
	var reader collectors.ProcessMapsReader
	b, err := reader.Read(pid, pid)
	if err != nil {
		o.logger.WithError(err).WithField("pid", pid).Warn("capture: snapshotting process maps")
		return
	}
	if _, err := o.arena.TryCommit(b.Bytes()); err != nil {
		o.logger.WithError(err).Warn("capture: committing maps frame")
	}
}

func (o *Orchestrator) snapshotComm(pid int32) {
	var reader collectors.CommReader
	imagePath, comm, err := reader.Read(pid)
	if err != nil {
		o.logger.WithError(err).WithField("pid", pid).Warn("capture: reading comm")
		return
	}
	b := frame.New(apc.MaxFramePayload)
	if err := apc.EncodeComm(b, pid, pid, imagePath, comm); err != nil {
		o.logger.WithError(err).Warn("capture: encoding COMM frame")
		return
	}
	if _, err := o.arena.TryCommit(b.Bytes()); err != nil {
		o.logger.WithError(err).Warn("capture: committing COMM frame")
	}
}

func (o *Orchestrator) sendSummary() error {
	b := frame.New(apc.MaxFramePayload)

	clocks := apc.Clocks{
		Realtime:     readClockNs(unix.CLOCK_REALTIME),
		Boottime:     readClockNs(unix.CLOCK_BOOTTIME),
		MonotonicRaw: readClockNs(unix.CLOCK_MONOTONIC_RAW),
		Monotonic:    readClockNs(unix.CLOCK_MONOTONIC),
	}

	attrs := append([][2]string{
		{"uname", unameString()},
		{"PAGESIZE", itoa(os.Getpagesize())},
	}, o.probe...)
	if !o.needsSyncSource() {
		attrs = append(attrs, [2]string{"nosync", "1"})
	}

	if err := apc.EncodeSummary(b, clocks, attrs); err != nil {
		return err
	}
	_, err := o.arena.TryCommit(b.Bytes())
	return err
}

// DegradedCPUs returns the accumulated per-CPU degraded reasons for the
// final capture summary.
func (o *Orchestrator) DegradedCPUs() map[int]error {
	o.degradedMu.Lock()
	defer o.degradedMu.Unlock()
	out := make(map[int]error, len(o.degraded))
	for k, v := range o.degraded {
		out[k] = v
	}
	return out
}

// Shutdown stops the capture: disable counters, stop the CPU monitor,
// let drainers flush residual records, wait for the arena consumer to
// deliver every committed byte, then close everything with rings torn
// down before their leader FDs. It is safe to call more than once or
// from multiple goroutines concurrently; only the first call runs.
func (o *Orchestrator) Shutdown() {
	o.shutdownOnce.Do(func() {
		if o.cancel != nil {
			o.cancel()
		}
		if err := o.binding.DisableAll(); err != nil {
			o.logger.WithError(err).Warn("capture: disabling counters during shutdown")
		}
		if o.cpus != nil {
			_ = o.cpus.Close()
		}

		o.wg.Wait()

		// Every producer has stopped; let the consumer finish delivering
		// what was committed before tearing the arena down.
		deadline := time.Now().Add(5 * time.Second)
		for o.arena.Used() > 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		if o.consumerCancel != nil {
			o.consumerCancel()
		}
		o.consumerWg.Wait()

		o.arena.Destroy()

		if err := o.binding.Close(); err != nil {
			o.logger.WithError(err).Warn("capture: closing binding manager")
		}
		if err := o.sink.Close(); err != nil {
			o.logger.WithError(err).Warn("capture: closing sink")
		}
	})
}
