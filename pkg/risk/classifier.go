// Package risk flags caller utterances that describe a medical emergency.
package risk

import "strings"

// EmergencyPhrases is matched case-insensitively as substrings, in order.
var EmergencyPhrases = []string{
	"chest pain",
	"can't breathe",
	"difficulty breathing",
	"stroke",
	"heart attack",
	"bleeding",
	"unconscious",
	"not breathing",
	"overdose",
	"suicide",
	"kill myself",
	"severe pain",
	"allergic reaction",
	"anaphylaxis",
}

// IsEmergency reports whether the utterance contains any emergency phrase.
func IsEmergency(utterance string) bool {
	_, ok := Match(utterance)
	return ok
}

// Match returns the first emergency phrase found in the utterance.
func Match(utterance string) (string, bool) {
	if utterance == "" {
		return "", false
	}
	text := strings.ToLower(utterance)
	for _, phrase := range EmergencyPhrases {
		if strings.Contains(text, phrase) {
			return phrase, true
		}
	}
	return "", false
}
