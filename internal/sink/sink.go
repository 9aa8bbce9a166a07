// Package sink defines the abstract frame sink the capture core emits
// APC frames to, and a disk-file implementation for the persisted
// capture case.
package sink

import (
	"bufio"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Sink is anything that can accept a fully-framed APC byte sequence
// for onward transport or storage. The transport socket itself lives
// in the client-facing layer; this interface is the seam the
// orchestrator writes through.
type Sink interface {
	Write(frame []byte) error
	Close() error
}

// fileCaptureName is the fixed name the daemon writes the raw frame
// stream under inside a capture directory.
const fileCaptureName = "0000000000"

// FileSink writes the raw APC frame stream verbatim to
// <dir>/0000000000, matching the wire format byte for byte.
type FileSink struct {
	f *os.File
	w *bufio.Writer
}

// NewFileSink creates (or truncates) the capture file inside dir.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "sink: creating capture directory %s", dir)
	}

	path := filepath.Join(dir, fileCaptureName)
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "sink: creating capture file %s", path)
	}

	return &FileSink{f: f, w: bufio.NewWriter(f)}, nil
}

// Write appends frame to the capture file unmodified. Frames carry their
// one-byte type prefix and no length prefix, so the file holds the
// frames back to back with nothing marking where one ends.
func (s *FileSink) Write(frame []byte) error {
	_, err := s.w.Write(frame)
	if err != nil {
		return errors.Wrap(err, "sink: writing capture frame")
	}
	return nil
}

// Close flushes buffered bytes and closes the underlying file.
func (s *FileSink) Close() error {
	if err := s.w.Flush(); err != nil {
		_ = s.f.Close()
		return errors.Wrap(err, "sink: flushing capture file")
	}
	return s.f.Close()
}

// MultiSink fans writes out to every underlying sink, used when a
// capture streams to a live client and persists to disk at once.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink builds a MultiSink over sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Write forwards frame to every underlying sink, returning the first
// error encountered (other sinks still receive the write).
func (m *MultiSink) Write(frame []byte) error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Write(frame); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes every underlying sink, returning the first error
// encountered.
func (m *MultiSink) Close() error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
