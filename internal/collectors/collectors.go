// Package collectors implements the auxiliary collectors: the cpufreq
// reader, the process-maps reader, the kallsyms snapshotter and the
// comm reader. Each is a thin /proc or /sys file reader that hands its
// result straight to internal/apc.
package collectors

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/ARM-software/gator-sub002/internal/apc"
	"github.com/ARM-software/gator-sub002/internal/attr"
	"github.com/ARM-software/gator-sub002/internal/frame"
)

// CPUFreqSource selects which sysfs leaf a cluster's frequency reader
// consumes, chosen once per cluster at prepare time.
type CPUFreqSource int

const (
	// CPUInfoCurFreq reads cpuinfo_cur_freq: the PMU-reported hardware
	// frequency, available on clusters with a cpufreq driver exposing it.
	CPUInfoCurFreq CPUFreqSource = iota
	// ScalingCurFreq reads scaling_cur_freq: the governor's requested
	// frequency, the fallback when cpuinfo_cur_freq is absent.
	ScalingCurFreq
)

func (s CPUFreqSource) filename() string {
	if s == CPUInfoCurFreq {
		return "cpuinfo_cur_freq"
	}
	return "scaling_cur_freq"
}

// ClusterConfig maps one cluster's cores to its frequency key and which
// sysfs leaf to read.
type ClusterConfig struct {
	Cores  []int
	Key    attr.CounterKey
	Source CPUFreqSource
}

// CPUFreqReader reads per-core CPU frequency from sysfs, resolving each
// core to its configured cluster.
type CPUFreqReader struct {
	coreKey    map[int]attr.CounterKey
	coreSource map[int]CPUFreqSource
}

// ClustersFromConfig converts the capture configuration's frequency
// clusters into reader cluster configurations.
func ClustersFromConfig(clusters []attr.CPUFreqCluster) []ClusterConfig {
	out := make([]ClusterConfig, 0, len(clusters))
	for _, c := range clusters {
		source := ScalingCurFreq
		if c.UseCpuinfoFreq {
			source = CPUInfoCurFreq
		}
		out = append(out, ClusterConfig{Cores: c.Cores, Key: c.Key, Source: source})
	}
	return out
}

// NewCPUFreqReader builds a reader from a set of cluster configurations.
func NewCPUFreqReader(clusters []ClusterConfig) *CPUFreqReader {
	r := &CPUFreqReader{
		coreKey:    make(map[int]attr.CounterKey),
		coreSource: make(map[int]CPUFreqSource),
	}
	for _, c := range clusters {
		for _, core := range c.Cores {
			r.coreKey[core] = c.Key
			r.coreSource[core] = c.Source
		}
	}
	return r
}

// Read returns the {core, key, value} triple for core, with the kHz
// sysfs value scaled ×1000, or ok=false if core is out of range or its
// cluster carries no configured key.
func (r *CPUFreqReader) Read(core int) (apc.CoreValue, bool, error) {
	key, ok := r.coreKey[core]
	if !ok {
		return apc.CoreValue{}, false, nil
	}
	source := r.coreSource[core]

	path := fmt.Sprintf("/sys/devices/system/cpu/cpu%d/cpufreq/%s", core, source.filename())
	raw, err := os.ReadFile(path)
	if err != nil {
		return apc.CoreValue{}, false, errors.Wrapf(err, "collectors: reading %s", path)
	}

	khz, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return apc.CoreValue{}, false, errors.Wrapf(err, "collectors: parsing %s", path)
	}

	return apc.CoreValue{Core: int32(core), Key: key, Value: khz * 1000}, true, nil
}

// ProcessMapsReader reads /proc/<pid>/maps and hands it to the APC
// encoder as a MAPS frame.
type ProcessMapsReader struct{}

// Read returns one MAPS frame's payload for pid/tid.
func (ProcessMapsReader) Read(pid, tid int32) (*frame.Builder, error) {
	path := fmt.Sprintf("/proc/%d/maps", pid)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "collectors: reading %s", path)
	}

	b := frame.New(apc.MaxFramePayload)
	if err := apc.EncodeMaps(b, pid, tid, string(raw)); err != nil {
		return nil, err
	}
	return b, nil
}

// KallsymsSnapshotter reads /proc/kallsyms once at capture start and
// emits a single KALLSYMS frame.
type KallsymsSnapshotter struct{}

// maxKallsymsBytes caps the symbol table so the frame carrying it stays
// under the frame payload maximum.
const maxKallsymsBytes = apc.MaxFramePayload - 64

// Snapshot returns the one-shot KALLSYMS frame. A symbol table larger
// than one frame can carry is truncated; the host tolerates a partial
// table.
func (KallsymsSnapshotter) Snapshot() (*frame.Builder, error) {
	raw, err := os.ReadFile("/proc/kallsyms")
	if err != nil {
		return nil, errors.Wrap(err, "collectors: reading /proc/kallsyms")
	}
	if len(raw) > maxKallsymsBytes {
		raw = raw[:maxKallsymsBytes]
	}

	b := frame.New(apc.MaxFramePayload)
	if err := apc.EncodeKallsyms(b, string(raw)); err != nil {
		return nil, err
	}
	return b, nil
}

// CommReader reads /proc/<pid>/comm and /proc/<pid>/exe (its symlink
// target) for the COMM frame.
type CommReader struct{}

// Read returns the image path and comm name for pid/tid.
func (CommReader) Read(pid int32) (imagePath, commName string, err error) {
	imagePath, err = os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		// The target may have exited or be a kernel thread; record an
		// empty path rather than failing the whole snapshot.
		imagePath = ""
	}

	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return imagePath, "", errors.Wrapf(err, "collectors: reading comm for pid %d", pid)
	}
	return imagePath, strings.TrimSpace(string(raw)), nil
}
