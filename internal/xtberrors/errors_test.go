package xtberrors

import (
	"errors"
	"testing"
)

func TestErrorsWrapACause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := NewConnectionLost("socket failed", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
	if err.Kind() != KindConnectionLost {
		t.Fatalf("unexpected kind: %v", err.Kind())
	}
}

func TestErrorsAsDiscriminatesTaxonomyMembers(t *testing.T) {
	var wrapped error = NewRequestRejected("BE001", "bad login")

	var rejected *RequestRejected
	if !errors.As(wrapped, &rejected) {
		t.Fatal("expected errors.As to match RequestRejected")
	}
	if rejected.ErrorCode != "BE001" || rejected.ErrorDescr != "bad login" {
		t.Fatalf("unexpected fields: %+v", rejected)
	}

	var protoErr *ProtocolError
	if errors.As(wrapped, &protoErr) {
		t.Fatal("expected errors.As not to match an unrelated taxonomy member")
	}
}

func TestCapacityExhaustedAndInvalidStateCarryNoCause(t *testing.T) {
	ce := NewCapacityExhausted("max connections reached")
	if ce.Unwrap() != nil {
		t.Fatalf("expected no wrapped cause, got %v", ce.Unwrap())
	}
	if ce.Error() == "" {
		t.Fatal("expected a non-empty error message")
	}

	is := NewInvalidState("subscription already exists")
	if is.Kind() != KindInvalidState {
		t.Fatalf("unexpected kind: %v", is.Kind())
	}
}
