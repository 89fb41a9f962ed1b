package callctx

// State is the lifecycle state of a call.
type State int

const (
	StateInitializing State = iota
	StateGreeting
	StateListening
	StateProcessing
	StateResponding
	StateCollectingInfo
	StateEscalating
	StateTransferring
	StateEnding
	StateCompleted
)

var stateNames = [...]string{
	StateInitializing:   "INITIALIZING",
	StateGreeting:       "GREETING",
	StateListening:      "LISTENING",
	StateProcessing:     "PROCESSING",
	StateResponding:     "RESPONDING",
	StateCollectingInfo: "COLLECTING_INFO",
	StateEscalating:     "ESCALATING",
	StateTransferring:   "TRANSFERRING",
	StateEnding:         "ENDING",
	StateCompleted:      "COMPLETED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateCompleted }

// Intent is the caller need detected during the call. The zero value means
// nothing has been detected yet.
type Intent string

const (
	IntentNone           Intent = ""
	IntentScheduling     Intent = "scheduling"
	IntentBilling        Intent = "billing"
	IntentRefill         Intent = "refill"
	IntentInsurance      Intent = "insurance"
	IntentRecords        Intent = "records"
	IntentClinicalTriage Intent = "clinical-triage"
	IntentDepartment     Intent = "department"
	IntentGeneral        Intent = "general"
	IntentEmergency      Intent = "emergency"
	IntentTransfer       Intent = "transfer"
	IntentUnknown        Intent = "unknown"
)

// Role identifies who spoke a turn.
type Role string

const (
	RoleCaller    Role = "caller"
	RoleAssistant Role = "assistant"
)

// Label is the speaker prefix used in conversation text.
func (r Role) Label() string {
	if r == RoleAssistant {
		return "Assistant"
	}
	return "User"
}
