package cpustate

import (
	"context"
	"errors"
	"testing"
)

func TestParseCPUUEventOnline(t *testing.T) {
	raw := "online@/devices/system/cpu/cpu3\x00ACTION=online\x00SUBSYSTEM=cpu\x00"
	ev, ok := parseCPUUEvent([]byte(raw))
	if !ok {
		t.Fatal("expected event to parse")
	}
	if ev.CPU != 3 || !ev.Online {
		t.Fatalf("got %+v", ev)
	}
}

func TestParseCPUUEventOffline(t *testing.T) {
	raw := "offline@/devices/system/cpu/cpu7\x00ACTION=offline\x00"
	ev, ok := parseCPUUEvent([]byte(raw))
	if !ok {
		t.Fatal("expected event to parse")
	}
	if ev.CPU != 7 || ev.Online {
		t.Fatalf("got %+v", ev)
	}
}

func TestParseCPUUEventIgnoresNonCPUAction(t *testing.T) {
	raw := "add@/devices/pci0000:00/0000:00:1f.2\x00SUBSYSTEM=pci\x00"
	if _, ok := parseCPUUEvent([]byte(raw)); ok {
		t.Fatal("expected non online/offline action to be ignored")
	}
}

func TestParseCPUUEventRejectsMalformedHeader(t *testing.T) {
	if _, ok := parseCPUUEvent([]byte("garbage")); ok {
		t.Fatal("expected malformed header to be rejected")
	}
	if _, ok := parseCPUUEvent(nil); ok {
		t.Fatal("expected empty payload to be rejected")
	}
}

func TestDiffCPUStatesReportsTransitionsInCPUOrder(t *testing.T) {
	old := map[int]bool{0: true, 1: true, 2: false}
	now := map[int]bool{0: true, 1: false, 2: true, 3: true}

	got := diffCPUStates(old, now)

	want := []Event{{CPU: 1, Online: false}, {CPU: 2, Online: true}, {CPU: 3, Online: true}}
	if len(got) != len(want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("at %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestDiffCPUStatesNoChangeNoEvents(t *testing.T) {
	old := map[int]bool{0: true, 1: false}
	now := map[int]bool{0: true, 1: false}
	if got := diffCPUStates(old, now); len(got) != 0 {
		t.Fatalf("expected no events for identical state, got %+v", got)
	}
}

// fakeSource is an in-process source for exercising Monitor without
// touching netlink or /sys.
type fakeSource struct {
	events []Event
	i      int
	closed bool
}

func (f *fakeSource) next(ctx context.Context) (Event, error) {
	if f.i >= len(f.events) {
		<-ctx.Done()
		return Event{}, ctx.Err()
	}
	ev := f.events[f.i]
	f.i++
	return ev, nil
}

func (f *fakeSource) close() error {
	f.closed = true
	return nil
}

func TestMonitorNextReturnsSentinelAfterClose(t *testing.T) {
	fs := &fakeSource{events: []Event{{CPU: 1, Online: true}}}
	m := &Monitor{src: fs}

	ev, err := m.Next(context.Background())
	if err != nil || ev != (Event{CPU: 1, Online: true}) {
		t.Fatalf("got %+v, %v", ev, err)
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if !fs.closed {
		t.Fatal("expected Close to close the underlying source")
	}

	ev, err = m.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ev != stopEvent {
		t.Fatalf("expected stop sentinel after Close, got %+v", ev)
	}
}

func TestMonitorNextPropagatesContextCancellation(t *testing.T) {
	fs := &fakeSource{}
	m := &Monitor{src: fs}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Next(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
