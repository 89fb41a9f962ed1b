package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/wardline/pkg/errorsx"
	"github.com/harunnryd/wardline/pkg/logging"
)

type Type string

const (
	TypeCallStarted       Type = "call_started"
	TypeStateChanged      Type = "state_changed"
	TypeSentimentUpdated  Type = "sentiment_updated"
	TypeEmergencyDetected Type = "emergency_detected"
	TypeEscalated         Type = "escalated"
	TypeCallEnded         Type = "call_ended"
)

// Event is one call lifecycle notification for dashboards and consumers.
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	CallID     string         `json:"call_id"`
	HospitalID string         `json:"hospital_id,omitempty"`
	State      string         `json:"state,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"ts"`
}

// New stamps an event with an id and the current time.
func New(t Type, callID string) Event {
	return Event{ID: uuid.NewString(), Type: t, CallID: callID, At: time.Now().UTC()}
}

// Publisher delivers events. Delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher. Individual failures are
// logged and do not stop delivery to the others.
type Multi struct {
	publishers []Publisher
	logger     *slog.Logger
}

func NewMulti(logger *slog.Logger, publishers ...Publisher) *Multi {
	return &Multi{publishers: publishers, logger: logging.NewComponentLogger(logger, "events")}
}

func (m *Multi) Add(p Publisher) {
	if p != nil {
		m.publishers = append(m.publishers, p)
	}
}

func (m *Multi) Publish(ctx context.Context, evt Event) error {
	for _, p := range m.publishers {
		if err := p.Publish(ctx, evt); err != nil {
			m.logger.Warn("event_publish_failed",
				slog.String("call_id", evt.CallID),
				slog.String("event_type", string(evt.Type)),
				slog.String("error", err.Error()),
				slog.String("reason_code", string(errorsx.ReasonEventPublish)))
		}
	}
	return nil
}
