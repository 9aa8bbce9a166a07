// Package gatorerr implements the tagged error taxonomy used at the
// daemon's component boundaries.
package gatorerr

import (
	"github.com/pkg/errors"
)

// Kind classifies an error by the recovery policy it demands.
type Kind int

const (
	// Unknown is the zero value; never returned by this package's
	// constructors, only seen if an error is type-asserted without a check.
	Unknown Kind = iota
	// Configuration covers invalid page sizes, groups exceeding the PMU
	// counter budget, and other errors detected at prepare time.
	Configuration
	// Permission covers perf_event_paranoid and capability failures.
	Permission
	// Unsupported covers attribute flags or ring sizes the kernel rejects.
	Unsupported
	// Transient covers resource exhaustion (FD limits) that may clear up.
	Transient
	// RingInconsistency covers ring-buffer invariant violations (a zero or
	// impossible record size).
	RingInconsistency
	// SinkFull signals the one-shot arena completion in bounded mode.
	SinkFull
	// Transport covers the downstream sink closing unexpectedly.
	Transport
	// TargetProcess covers failure to exec the launched command.
	TargetProcess
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case Permission:
		return "permission"
	case Unsupported:
		return "unsupported"
	case Transient:
		return "transient"
	case RingInconsistency:
		return "ring_inconsistency"
	case SinkFull:
		return "sink_full"
	case Transport:
		return "transport"
	case TargetProcess:
		return "target_process"
	default:
		return "unknown"
	}
}

// Error is a tagged error: a Kind plus the underlying cause. It is the
// unit of propagation across component boundaries.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.cause.Error()
}

// Cause implements the github.com/pkg/errors causer interface.
func (e *Error) Cause() error { return e.cause }

// Unwrap supports errors.Is/As from the standard library alongside
// github.com/pkg/errors.
func (e *Error) Unwrap() error { return e.cause }

// New creates a tagged error from a message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, cause: errors.New(msg)}
}

// Newf creates a tagged error from a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, cause: errors.Errorf(format, args...)}
}

// Wrap tags an existing error with a Kind, preserving its cause chain.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, cause: errors.Wrap(err, msg)}
}

// Wrapf tags an existing error with a Kind and a formatted message.
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, cause: errors.Wrapf(err, format, args...)}
}

// KindOf extracts the Kind from err, or Unknown if err was not produced by
// this package.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return Unknown
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
