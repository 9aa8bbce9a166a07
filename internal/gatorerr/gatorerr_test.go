package gatorerr

import (
	"testing"

	"github.com/pkg/errors"
)

func TestKindOfRoundTrips(t *testing.T) {
	err := New(Permission, "perf_event_paranoid too high")
	if KindOf(err) != Permission {
		t.Fatalf("expected Permission, got %v", KindOf(err))
	}
}

func TestWrapPreservesCause(t *testing.T) {
	root := errors.New("ENOSPC")
	wrapped := Wrap(Transient, root, "opening ring")

	if KindOf(wrapped) != Transient {
		t.Fatalf("expected Transient, got %v", KindOf(wrapped))
	}

	var tagged *Error
	if !errors.As(wrapped, &tagged) {
		t.Fatal("expected wrapped to be an *Error")
	}
	if errors.Cause(tagged) != root {
		t.Fatalf("expected cause to be root, got %v", errors.Cause(tagged))
	}
}

func TestWrapNilIsNil(t *testing.T) {
	if Wrap(Transient, nil, "no-op") != nil {
		t.Fatal("expected nil")
	}
}

func TestKindOfUnknownForForeignError(t *testing.T) {
	if KindOf(errors.New("plain")) != Unknown {
		t.Fatal("expected Unknown for a non-tagged error")
	}
}
