package conversation

import (
	"sync"
	"time"

	"github.com/harunnryd/wardline/pkg/callctx"
)

// StateChange represents a lifecycle transition of one call.
type StateChange struct {
	CallID    string
	FromState callctx.State
	ToState   callctx.State
	Timestamp time.Time
	Reason    string
}

// StateListener observes call state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(event StateChange)

func (f StateListenerFunc) OnStateChange(event StateChange) { f(event) }

// validTransitions lists the ordinary moves. COMPLETED is reachable from
// every state and ESCALATING from every state that is not winding down.
var validTransitions = map[callctx.State][]callctx.State{
	callctx.StateInitializing:   {callctx.StateGreeting, callctx.StateEnding},
	callctx.StateGreeting:       {callctx.StateListening, callctx.StateProcessing, callctx.StateEnding},
	callctx.StateListening:      {callctx.StateProcessing, callctx.StateEnding},
	callctx.StateProcessing:     {callctx.StateResponding, callctx.StateListening, callctx.StateEnding},
	callctx.StateResponding:     {callctx.StateListening, callctx.StateCollectingInfo, callctx.StateEnding},
	callctx.StateCollectingInfo: {callctx.StateProcessing, callctx.StateListening, callctx.StateEnding},
	callctx.StateEscalating:     {callctx.StateTransferring, callctx.StateEnding},
	callctx.StateTransferring:   {callctx.StateEnding},
	callctx.StateEnding:         {},
}

// TransitionValid reports whether from may move to to.
func TransitionValid(from, to callctx.State) bool {
	if from == to || from.Terminal() {
		return false
	}
	if to == callctx.StateCompleted {
		return true
	}
	if to == callctx.StateEscalating {
		return from != callctx.StateEnding
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From callctx.State
	To   callctx.State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

// stateMachine applies guarded transitions to call contexts. Callers hold
// the per-call lock, so read-then-write on a context is not racy.
type stateMachine struct {
	mu        sync.RWMutex
	listeners []StateListener
	now       func() time.Time
}

func newStateMachine(now func() time.Time) *stateMachine {
	if now == nil {
		now = time.Now
	}
	return &stateMachine{now: now}
}

func (m *stateMachine) AddListener(l StateListener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Transition moves c to state with validation.
func (m *stateMachine) Transition(c *callctx.Context, state callctx.State, reason string) error {
	from := c.State()
	if !TransitionValid(from, state) {
		return &InvalidTransitionError{From: from, To: state}
	}
	c.SetState(state)
	m.notify(StateChange{CallID: c.CallID, FromState: from, ToState: state, Timestamp: m.now(), Reason: reason})
	return nil
}

// restore puts c back into a state it held earlier in the same turn. It
// bypasses the table because rollback is not an ordinary move.
func (m *stateMachine) restore(c *callctx.Context, state callctx.State, reason string) {
	from := c.SetState(state)
	if from == state {
		return
	}
	m.notify(StateChange{CallID: c.CallID, FromState: from, ToState: state, Timestamp: m.now(), Reason: reason})
}

func (m *stateMachine) notify(event StateChange) {
	m.mu.RLock()
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, l := range listeners {
		l.OnStateChange(event)
	}
}
