package conversation

import (
	"strings"

	"github.com/harunnryd/wardline/pkg/callctx"
)

// Action is what the telephony layer does after speaking.
type Action int

const (
	ActionListen Action = iota
	ActionTransfer
	ActionHangup
)

func (a Action) String() string {
	switch a {
	case ActionListen:
		return "listen"
	case ActionTransfer:
		return "transfer"
	case ActionHangup:
		return "hangup"
	default:
		return "unknown"
	}
}

// Directive tells the transport what to say and do next.
type Directive struct {
	Say    []string
	Action Action
	// HoldSeconds is a pause before hanging up.
	HoldSeconds int
	// TransferTo is the number dialed for ActionTransfer.
	TransferTo string
	// Degraded is set when the reply is the completion fallback.
	Degraded bool
	State    callctx.State
}

// Text joins the utterances for transports that speak one string.
func (d Directive) Text() string {
	return strings.Join(d.Say, " ")
}
