package apperr

import (
	"errors"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(Conflict, "duplicate pathId")
	if KindOf(err) != Conflict {
		t.Fatalf("expected Conflict, got %v", KindOf(err))
	}

	plain := errors.New("boom")
	if KindOf(plain) != Fatal {
		t.Fatalf("expected Fatal default for untagged error, got %v", KindOf(plain))
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(Transient, "write credential", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find wrapped cause")
	}
	if KindOf(err) != Transient {
		t.Fatalf("expected Transient, got %v", KindOf(err))
	}
}

func TestWithHint(t *testing.T) {
	err := New(RateLimited, "too many attempts").WithHint("retry in 42s")
	if HintOf(err) != "retry in 42s" {
		t.Fatalf("expected hint to round-trip, got %q", HintOf(err))
	}
}

func TestIs(t *testing.T) {
	err := New(NotFound, "no such session")
	if !Is(err, NotFound) {
		t.Fatalf("expected Is(err, NotFound) to be true")
	}
	if Is(err, Conflict) {
		t.Fatalf("expected Is(err, Conflict) to be false")
	}
}
