package sink

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileSinkWritesFixedName(t *testing.T) {
	dir := t.TempDir()
	captureDir := filepath.Join(dir, "capture1")

	s, err := NewFileSink(captureDir)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := s.Write([]byte("world")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(captureDir, fileCaptureName))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "helloworld" {
		t.Fatalf("got %q", got)
	}
}

func TestFileSinkCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	captureDir := filepath.Join(dir, "nested", "capture2")

	s, err := NewFileSink(captureDir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := os.Stat(captureDir); err != nil {
		t.Fatalf("expected capture directory to exist: %v", err)
	}
}

type recordingSink struct {
	writes [][]byte
	closed bool
	failOn string
}

func (r *recordingSink) Write(frame []byte) error {
	r.writes = append(r.writes, frame)
	if r.failOn != "" && string(frame) == r.failOn {
		return errFake{}
	}
	return nil
}

func (r *recordingSink) Close() error {
	r.closed = true
	return nil
}

type errFake struct{}

func (errFake) Error() string { return "fake write failure" }

func TestMultiSinkFansOutToEverySink(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	m := NewMultiSink(a, b)

	if err := m.Write([]byte("frame")); err != nil {
		t.Fatal(err)
	}
	if len(a.writes) != 1 || len(b.writes) != 1 {
		t.Fatalf("expected both sinks to receive the frame, got a=%d b=%d", len(a.writes), len(b.writes))
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if !a.closed || !b.closed {
		t.Fatal("expected both sinks to be closed")
	}
}

func TestMultiSinkReturnsFirstErrorButStillWritesToOthers(t *testing.T) {
	a := &recordingSink{failOn: "bad"}
	b := &recordingSink{}
	m := NewMultiSink(a, b)

	err := m.Write([]byte("bad"))
	if err == nil {
		t.Fatal("expected an error from the failing sink")
	}
	if len(b.writes) != 1 {
		t.Fatal("expected the second sink to still receive the write")
	}
}
