package attr

import "testing"

func TestBuiltinKeysAreBelowFloor(t *testing.T) {
	builtins := []CounterKey{KeyCPUFrequency, KeySchedSwitch, KeyCPUOnline}
	for _, k := range builtins {
		if k >= KeyFloor {
			t.Fatalf("builtin key %d must be below KeyFloor %d", k, KeyFloor)
		}
		if k <= 0 {
			t.Fatalf("builtin key %d must be positive", k)
		}
	}
}

func TestBuiltinKeysAreDistinct(t *testing.T) {
	seen := map[CounterKey]bool{}
	for _, k := range []CounterKey{KeyCPUFrequency, KeySchedSwitch, KeyCPUOnline} {
		if seen[k] {
			t.Fatalf("duplicate builtin key %d", k)
		}
		seen[k] = true
	}
}

func TestEventGroupLeaderIsFirstEvent(t *testing.T) {
	g := EventGroup{
		Keys: []CounterKey{KeyFloor, KeyFloor + 1},
		Events: []EventAttribute{
			{Type: 4, Config: 0x08}, // leader
			{Type: 4, Config: 0x3c},
		},
	}
	leader := g.Leader()
	if leader.Config != 0x08 {
		t.Fatalf("expected leader config 0x08, got %#x", leader.Config)
	}
	// Leader returns a pointer into the backing slice, not a copy.
	leader.SamplePeriod = 1000
	if g.Events[0].SamplePeriod != 1000 {
		t.Fatal("expected Leader() to alias the underlying slice element")
	}
}

func TestGroupIDKindDistinguishesClusterScope(t *testing.T) {
	core := GroupID{Kind: PerCPUCorePMU, Cluster: "little"}
	uncore := GroupID{Kind: UncorePMU, UncorePMUType: 7}

	if core.Kind == uncore.Kind {
		t.Fatal("PerCPUCorePMU and UncorePMU must be distinct kinds")
	}
	if core.Cluster == "" {
		t.Fatal("per-CPU core PMU groups must carry a cluster name")
	}
}
