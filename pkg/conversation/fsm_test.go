package conversation

import (
	"errors"
	"testing"

	"github.com/harunnryd/wardline/pkg/callctx"
)

func newTestContext(t *testing.T) *callctx.Context {
	t.Helper()
	c, err := callctx.NewStore(callctx.StoreConfig{}).Create("CA1", callctx.Attrs{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return c
}

func TestTransitionValid(t *testing.T) {
	cases := []struct {
		from, to callctx.State
		ok       bool
	}{
		{callctx.StateInitializing, callctx.StateGreeting, true},
		{callctx.StateGreeting, callctx.StateProcessing, true},
		{callctx.StateListening, callctx.StateProcessing, true},
		{callctx.StateProcessing, callctx.StateResponding, true},
		{callctx.StateResponding, callctx.StateCollectingInfo, true},
		{callctx.StateCollectingInfo, callctx.StateProcessing, true},
		{callctx.StateEscalating, callctx.StateTransferring, true},
		{callctx.StateTransferring, callctx.StateEnding, true},
		{callctx.StateListening, callctx.StateEscalating, true},
		{callctx.StateTransferring, callctx.StateCompleted, true},
		{callctx.StateInitializing, callctx.StateCompleted, true},
		{callctx.StateEnding, callctx.StateEscalating, false},
		{callctx.StateListening, callctx.StateTransferring, false},
		{callctx.StateGreeting, callctx.StateResponding, false},
		{callctx.StateTransferring, callctx.StateListening, false},
		{callctx.StateCompleted, callctx.StateEscalating, false},
		{callctx.StateCompleted, callctx.StateCompleted, false},
		{callctx.StateListening, callctx.StateListening, false},
	}
	for _, tc := range cases {
		if got := TransitionValid(tc.from, tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestStateMachineRejectsInvalidTransition(t *testing.T) {
	sm := newStateMachine(nil)
	c := newTestContext(t)

	err := sm.Transition(c, callctx.StateTransferring, "skip ahead")
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != callctx.StateInitializing || invalid.To != callctx.StateTransferring {
		t.Fatalf("unexpected error fields %+v", invalid)
	}
	if err.Error() != "invalid state transition from INITIALIZING to TRANSFERRING" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if c.State() != callctx.StateInitializing {
		t.Fatalf("state must not change on rejection")
	}
}

func TestStateMachineNotifiesListeners(t *testing.T) {
	sm := newStateMachine(nil)
	c := newTestContext(t)
	var events []StateChange
	sm.AddListener(StateListenerFunc(func(ev StateChange) { events = append(events, ev) }))
	sm.AddListener(nil)

	if err := sm.Transition(c, callctx.StateGreeting, "accepted"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := sm.Transition(c, callctx.StateProcessing, "utterance"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	sm.restore(c, callctx.StateGreeting, "rollback")
	sm.restore(c, callctx.StateGreeting, "noop")

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	last := events[2]
	if last.FromState != callctx.StateProcessing || last.ToState != callctx.StateGreeting || last.Reason != "rollback" {
		t.Fatalf("unexpected restore event %+v", last)
	}
	if last.CallID != "CA1" || last.Timestamp.IsZero() {
		t.Fatalf("expected call id and timestamp, got %+v", last)
	}
}

func TestActionString(t *testing.T) {
	if ActionTransfer.String() != "transfer" || Action(9).String() != "unknown" {
		t.Fatalf("unexpected action names")
	}
	d := Directive{Say: []string{"a", "b"}}
	if d.Text() != "a b" {
		t.Fatalf("unexpected text %q", d.Text())
	}
}
