// Package sentiment scores caller frustration and urgency with fixed lexicons.
package sentiment

import (
	"strings"

	"github.com/harunnryd/wardline/pkg/callctx"
)

// MaxWindow is the largest number of turns a single estimate looks at.
const MaxWindow = 6

var frustrationWords = []string{
	"frustrated", "angry", "upset", "ridiculous", "unacceptable",
	"terrible", "worst", "hate", "stupid",
}

var urgencyWords = []string{
	"urgent", "emergency", "immediately", "asap", "right now", "can't wait", "hurry",
}

var humanPhrases = []string{"speak to a human", "talk to someone", "real person"}

// Estimate scores the window. Only the last MaxWindow turns are used.
// Lexicon entries are counted as substring occurrences, so "hate" inside
// "whatever" counts too.
func Estimate(window []callctx.Turn) callctx.SentimentData {
	if len(window) > MaxWindow {
		window = window[len(window)-MaxWindow:]
	}
	return EstimateText(callctx.FormatTurns(window))
}

// EstimateText scores pre-rendered conversation text.
func EstimateText(text string) callctx.SentimentData {
	text = strings.ToLower(text)
	frustration := min(float64(countAll(text, frustrationWords))/10, 1.0)
	urgency := min(float64(countAll(text, urgencyWords))/5, 1.0)
	humanAsked := containsAny(text, humanPhrases)

	var reasons []string
	if frustration > 0.6 {
		reasons = append(reasons, "frustration")
	}
	if urgency > 0.8 {
		reasons = append(reasons, "urgency")
	}
	if humanAsked {
		reasons = append(reasons, "human requested")
	}
	d := callctx.SentimentData{
		Overall:          1 - (frustration+urgency)/2,
		Frustration:      frustration,
		Urgency:          urgency,
		EscalationNeeded: len(reasons) > 0,
		Reason:           strings.Join(reasons, ", "),
	}
	return d.Clamped()
}

func countAll(text string, words []string) int {
	n := 0
	for _, w := range words {
		n += strings.Count(text, w)
	}
	return n
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
