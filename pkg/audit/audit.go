package audit

import (
	"context"
	"time"
)

type Action string

const (
	ActionEmergencyDetected Action = "EMERGENCY_DETECTED"
	ActionEscalated         Action = "ESCALATED"
)

const ResourceCall = "call"

// Entry is one row of the audit trail.
type Entry struct {
	Action       Action
	ResourceType string
	ResourceID   string
	HospitalID   string
	Metadata     map[string]any
	At           time.Time
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

type Noop struct{}

func (Noop) Record(context.Context, Entry) error { return nil }
