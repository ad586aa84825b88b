package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := Validationf("test.op", "bad input %q", "x")
	if KindOf(err) != KindValidation {
		t.Errorf("KindOf = %s, want validation", KindOf(err))
	}

	wrapped := fmt.Errorf("outer: %w", NotFoundf("test.op", "missing"))
	if !IsKind(wrapped, KindNotFound) {
		t.Error("IsKind should see through wrapping")
	}
	if IsKind(wrapped, KindSemantic) {
		t.Error("IsKind matched the wrong kind")
	}

	if KindOf(errors.New("plain")) != KindTransient {
		t.Error("Untyped errors default to dependency_transient")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := E(KindCapacity, "store.insert", "cannot write", cause)
	if !errors.Is(err, cause) {
		t.Error("Typed error must unwrap to its cause")
	}
	msg := err.Error()
	if msg != "store.insert: cannot write (capacity): disk full" {
		t.Errorf("Error() = %q", msg)
	}
}
