package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonLLMGenerate)
	if Reason(err) != ReasonLLMGenerate {
		t.Fatalf("expected reason %s, got %s", ReasonLLMGenerate, Reason(err))
	}
	if !HasReason(err, ReasonLLMGenerate) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonHospitalLookup)
	second := Wrap(first, ReasonLLMGenerate)
	if Reason(second) != ReasonHospitalLookup {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestReasonSurvivesFmtWrapping(t *testing.T) {
	base := Wrap(assertErr{}, ReasonAuditWrite)
	outer := fmt.Errorf("record emergency: %w", base)
	if Reason(outer) != ReasonAuditWrite {
		t.Fatalf("expected audit_write, got %s", Reason(outer))
	}
	if !errors.Is(outer, base) {
		t.Fatalf("expected errors.Is to see the reasoned error")
	}
}

func TestWrapfAddsPrefix(t *testing.T) {
	err := Wrapf(assertErr{}, ReasonCallRecord, "patch call %s", "rec-1")
	if err.Error() != "patch call rec-1: boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if Reason(err) != ReasonCallRecord {
		t.Fatalf("expected call_record, got %s", Reason(err))
	}
	if Wrapf(nil, ReasonCallRecord, "x") != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestNewWithoutCause(t *testing.T) {
	err := New(ReasonDuplicateCall, "call %s already active", "CA1")
	if err.Error() != "call CA1 already active" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown for nil")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
