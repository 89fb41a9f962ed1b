package stt

import (
	"context"
	"time"
)

// Transcript is recognized caller speech. Only final transcripts are treated
// as utterances by the conversation engine.
type Transcript struct {
	Text       string
	Confidence float64
	IsFinal    bool
	At         time.Time
}

// StreamingSTT defines the contract for any STT vendor implementation.
type StreamingSTT interface {
	// Name returns adapter name for logging.
	Name() string
	// Start initializes the STT connection.
	Start(ctx context.Context) error
	// Close shuts down the STT connection and closes Results.
	Close() error
	// SendAudio forwards raw caller audio (8 kHz mu-law for Twilio streams).
	SendAudio(chunk []byte) error
	// Results returns recognized speech.
	Results() <-chan Transcript
}

// Factory builds one recognizer per call.
type Factory func(callID, streamID string) StreamingSTT
