package transports

import (
	"context"

	"github.com/harunnryd/wardline/pkg/conversation"
)

// Conversation is the call-handling core a transport drives.
type Conversation interface {
	StartCall(ctx context.Context, start conversation.CallStart) (conversation.Directive, error)
	HandleUtterance(ctx context.Context, u conversation.Utterance) (conversation.Directive, error)
	EndCall(ctx context.Context, end conversation.CallEnd) error
}

// Transport defines a vendor-agnostic telephony boundary.
// Implementations are responsible for their own network lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
