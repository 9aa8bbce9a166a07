package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ARM-software/gator-sub002/internal/attr"
	"github.com/ARM-software/gator-sub002/internal/sink"
)

func TestLoadConfigDecodesJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	want := attr.Config{
		SystemWide:     true,
		BufferSizeMiB:  8,
		LiveRateMillis: 100,
		PIDs:           []int{123},
	}
	raw, err := json.Marshal(want)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.SystemWide != want.SystemWide || got.BufferSizeMiB != want.BufferSizeMiB {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if len(got.PIDs) != 1 || got.PIDs[0] != 123 {
		t.Fatalf("got pids %v", got.PIDs)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestBuildSinkWithoutCaptureDirReturnsEmptyMultiSink(t *testing.T) {
	s, err := buildSink(attr.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*sink.MultiSink); !ok {
		t.Fatalf("expected a *sink.MultiSink, got %T", s)
	}
}

func TestBuildSinkWithCaptureDirReturnsFileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "capture")
	s, err := buildSink(attr.Config{CaptureDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, ok := s.(*sink.FileSink); !ok {
		t.Fatalf("expected a *sink.FileSink, got %T", s)
	}
}
