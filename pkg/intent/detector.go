// Package intent tags caller utterances with a coarse intent.
package intent

import (
	"regexp"
	"strings"

	"github.com/harunnryd/wardline/pkg/callctx"
	"github.com/harunnryd/wardline/pkg/hospital"
)

type rule struct {
	intent callctx.Intent
	re     *regexp.Regexp
}

// Rules are tried in order; transfer requests win over everything else.
var rules = []rule{
	{callctx.IntentTransfer, regexp.MustCompile(`\b(?:human|operator|representative|real person|receptionist|staff member|talk to someone|speak to someone|speak with someone)`)},
	{callctx.IntentRefill, regexp.MustCompile(`\b(?:refill|prescription|medication|pharmacy)`)},
	{callctx.IntentScheduling, regexp.MustCompile(`\b(?:appointment|schedul|reschedul|book(?:ing)?\b|availability|cancel my visit)`)},
	{callctx.IntentBilling, regexp.MustCompile(`\b(?:bill|billing|invoice|payment|pay my|balance|charge)`)},
	{callctx.IntentInsurance, regexp.MustCompile(`\b(?:insurance|coverage|copay|co-pay|deductible|in network)`)},
	{callctx.IntentRecords, regexp.MustCompile(`\b(?:medical records?|records|test results|lab results|results from)`)},
	{callctx.IntentClinicalTriage, regexp.MustCompile(`\b(?:symptom|fever|sick|nurse|hurts|pain|cough|rash|dizzy)`)},
	{callctx.IntentDepartment, regexp.MustCompile(`\b(?:department|extension|cardiology|pediatrics|radiology|oncology|orthopedics|connect me to)`)},
	{callctx.IntentGeneral, regexp.MustCompile(`\b(?:hours|open|directions|address|parking|located)`)},
}

// RequiredFields lists the intake keys each intent needs before it is done.
var RequiredFields = map[callctx.Intent][]string{
	callctx.IntentScheduling: {"full_name", "date_of_birth", "reason", "preferred_time", "contact_phone"},
	callctx.IntentRefill:     {"full_name", "date_of_birth", "medication", "pharmacy", "prescribing_doctor"},
}

// Detect returns the first matching intent, or IntentNone.
func Detect(utterance string) callctx.Intent {
	text := strings.ToLower(strings.TrimSpace(utterance))
	if text == "" {
		return callctx.IntentNone
	}
	for _, r := range rules {
		if r.re.MatchString(text) {
			return r.intent
		}
	}
	return callctx.IntentNone
}

// Supported reports whether a hospital offers the intent. Transfer and
// emergency are always supported; an empty intent list allows everything.
func Supported(i callctx.Intent, offered []hospital.Intent) bool {
	switch i {
	case callctx.IntentNone:
		return false
	case callctx.IntentTransfer, callctx.IntentEmergency, callctx.IntentGeneral, callctx.IntentUnknown:
		return true
	}
	if len(offered) == 0 {
		return true
	}
	for _, o := range offered {
		if strings.EqualFold(o.Key, string(i)) {
			return true
		}
	}
	return false
}
