// Package attr defines the core data model for event attributes, counter
// keys, event groups and the capture configuration bundle.
package attr

// KeyFloor is the first counter key available for user-configured
// counters; keys below it are reserved for built-ins (cpu-frequency,
// sched-switch, and similar system counters).
const KeyFloor = 16

// Built-in reserved keys, allocated below KeyFloor.
const (
	KeyCPUFrequency CounterKey = 1
	KeySchedSwitch  CounterKey = 2
	KeyCPUOnline    CounterKey = 3
)

// CounterKey is a small integer, unique within a capture, correlating
// kernel-generated sample IDs with user-visible counter definitions.
type CounterKey int32

// SampleFields is a bitmask of fields the kernel should emit per sample,
// mirroring the perf_event_attr sample_type bitmask.
type SampleFields uint64

// Flags are the boolean counter-attribute flags.
type Flags struct {
	CountOnExec       bool
	InheritToChildren bool
	EnableAtOpen      bool
	EmitContextSwitch bool
	EmitTaskEvents    bool
	EmitComm          bool
	EmitMmap          bool
	ExcludesKernel    bool
}

// EventAttribute is the opaque kernel-defined blob configuring one
// counter. Type and Config mirror the kernel's perf_event_attr;
// Config1/Config2 are the two auxiliary config words used by extended
// PMUs (e.g. SPE).
type EventAttribute struct {
	Type    uint32
	Config  uint64
	Config1 uint64
	Config2 uint64

	// Exactly one of SamplePeriod/SampleFrequency is meaningful,
	// selected by UseFrequency.
	SamplePeriod    uint64
	SampleFrequency uint64
	UseFrequency    bool

	SampleType SampleFields
	Flags      Flags

	// Capability-resolved refinements, stamped by the binding manager at
	// prepare time from the capture's KernelCaps. They never come from
	// the configuration layer directly.
	UseClockID bool
	ClockID    int32
	CommExec   bool
	Mmap2      bool

	// Raw is the exact kernel-ABI byte encoding of this attribute, used
	// verbatim by the PEA frame encoder. It is populated by
	// internal/perfsys when the attribute is marshalled for
	// perf_event_open.
	Raw []byte
}

// GroupIDKind is the tagged-variant discriminant for GroupID.
type GroupIDKind int

const (
	// PerCPUCorePMU groups are opened once per CPU in the matching cluster.
	PerCPUCorePMU GroupIDKind = iota
	// UncorePMU groups are opened once, system-wide, not per CPU.
	UncorePMU
	// SPELikeAux groups drive an AUX-ring trace source (e.g. SPE).
	SPELikeAux
	// SoftwareGlobal groups are cluster-agnostic software events.
	SoftwareGlobal
)

// GroupID determines how many physical instances of a group are opened
// and where each is attached.
type GroupID struct {
	Kind GroupIDKind
	// Cluster names the PMU cluster for PerCPUCorePMU/SPELikeAux groups;
	// empty for UncorePMU/SoftwareGlobal.
	Cluster string
	// UncorePMUType is the kernel PMU type number for UncorePMU groups.
	UncorePMUType uint32
}

// EventGroup is an ordered list of attributes scheduled together by the
// kernel. Events[0] is the leader: it owns the ring buffer and the
// shared read FD.
type EventGroup struct {
	ID     GroupID
	Keys   []CounterKey
	Events []EventAttribute
}

// Leader returns the group's leader attribute. Callers must not invoke
// this on an empty group; EventGroup is only ever constructed with at
// least one event by Config validation.
func (g *EventGroup) Leader() *EventAttribute {
	return &g.Events[0]
}

// KernelCaps are the kernel capability flags consumed from the inbound
// configuration bundle.
type KernelCaps struct {
	HasAttrClockID       bool
	HasAttrContextSwitch bool
	HasAttrMmap2         bool
	HasAttrCommExec      bool
	HasIoctlReadID       bool
	HasAUXSupport        bool
	ExcludeKernel        bool
	CanAccessTracepoints bool
	IsSystemWide         bool
}

// UncorePMUDesc describes one uncore PMU present on the target.
type UncorePMUDesc struct {
	Name string
	Type uint32
}

// CPUFreqCluster maps one cluster's cores to the counter key its sysfs
// frequency samples are reported under, and which cpufreq leaf to read.
type CPUFreqCluster struct {
	Cores []int
	Key   CounterKey
	// UseCpuinfoFreq selects cpuinfo_cur_freq (the hardware-reported
	// frequency) over scaling_cur_freq (the governor's request).
	UseCpuinfoFreq bool
}

// CoreName is one core's identification as shown by the host UI.
type CoreName struct {
	Core  int32
	CPUID uint32
	Name  string
}

// Config is the inbound capture configuration bundle consumed at capture
// start. It is built by the CLI/XML layer and is immutable for the
// capture's duration once passed to internal/capture.
type Config struct {
	SystemWide bool
	Groups     []EventGroup
	Uncore     []UncorePMUDesc
	// AuxPMUByCore maps core index to the aux-style (e.g. SPE) PMU type
	// number for that core, if any.
	AuxPMUByCore map[int]uint32
	Caps         KernelCaps

	// CounterSlots is the number of programmable counter slots the core
	// PMU reports; a group with more events than this can never be
	// scheduled. 0 means unknown, which skips the check.
	CounterSlots int

	// CPUFreqClusters configures the periodic per-core frequency
	// sampling; empty disables it.
	CPUFreqClusters []CPUFreqCluster

	// CoreNames, when present, are announced to the host once at
	// capture start.
	CoreNames []CoreName

	LiveRateMillis int
	BufferSizeMiB  int
	PageSize       int
	OneShot        bool
	PIDs           []int

	// WaitForCommandPattern, if non-empty, is a regular expression the
	// process watcher uses to find the target PID(s) to attach to.
	WaitForCommandPattern string

	// CaptureDir, if non-empty, enables persisted on-disk capture.
	CaptureDir string
}
