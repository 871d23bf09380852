package taskz

import (
	"errors"
	"testing"
)

func TestRoutingErrorMessage(t *testing.T) {
	err := &RoutingError{Target: "missing-module", Reason: "not registered"}
	if err.Error() == "" {
		t.Fatal("expected a non-empty error message")
	}
}

func TestProtocolErrorMessage(t *testing.T) {
	err := &ProtocolError{Op: "power_on", Reason: "already on"}
	if err.Error() == "" {
		t.Fatal("expected a non-empty error message")
	}
}

func TestRaiseInvariantPanics(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected raiseInvariant to panic")
		}
		v, ok := r.(*InvariantViolation)
		if !ok {
			t.Fatalf("expected *InvariantViolation, got %T", r)
		}
		if v.What != "boom" {
			t.Errorf("expected What %q, got %q", "boom", v.What)
		}
	}()
	raiseInvariant("boom")
}

func TestSentinelErrorsWrap(t *testing.T) {
	wrapped := errors.Join(ErrModuleExists, errors.New("context"))
	if !errors.Is(wrapped, ErrModuleExists) {
		t.Error("expected errors.Is to find the sentinel through the wrapper")
	}
}
