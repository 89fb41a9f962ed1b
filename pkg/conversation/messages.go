package conversation

import (
	"fmt"
	"time"

	"github.com/harunnryd/wardline/pkg/responder"
)

const (
	RepromptText     = "I didn't catch that. How can I help you today?"
	LostTrackText    = "I'm sorry, I lost track of our conversation."
	EscalationNotice = "I'll connect you with a staff member now. Please hold."
	HoldNotice       = "Thank you for holding. A representative will be with you shortly."
	FallbackText     = responder.FallbackText

	EmergencyMessage = "This sounds like it could be a medical emergency. " +
		"Please hang up and call 911 immediately, or go to your nearest emergency room. " +
		"If you need immediate help, I'm transferring you now."

	DefaultHoldSeconds = 30
	// DefaultEndedRetention covers a gather action racing the status callback.
	DefaultEndedRetention = 5 * time.Minute
)

// Greeting is the first thing a caller hears.
func Greeting(hospitalName string) string {
	return fmt.Sprintf("Hello, thank you for calling %s. How can I help you today?", hospitalName)
}
