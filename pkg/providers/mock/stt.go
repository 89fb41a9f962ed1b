package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/wardline/pkg/adapters/stt"
)

type STTConfig struct {
	// Transcripts are emitted in order, one per SendAudio call.
	Transcripts []string
	Confidence  float64
	EmitInterim bool
}

// StreamingSTT replays scripted transcripts instead of recognizing audio.
type StreamingSTT struct {
	cfg     STTConfig
	out     chan stt.Transcript
	mu      sync.Mutex
	started bool
	closed  bool
	next    int
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	if len(cfg.Transcripts) == 0 {
		cfg.Transcripts = []string{"mock transcript"}
	}
	if cfg.Confidence == 0 {
		cfg.Confidence = 0.9
	}
	return &StreamingSTT{cfg: cfg, out: make(chan stt.Transcript, 2*len(cfg.Transcripts)+1)}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("closed")
	}
	s.started = true
	return nil
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	s.started = false
	return nil
}

func (s *StreamingSTT) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("not started")
	}
	if s.next >= len(s.cfg.Transcripts) {
		return nil
	}
	text := s.cfg.Transcripts[s.next]
	s.next++
	now := time.Now()
	if s.cfg.EmitInterim {
		s.out <- stt.Transcript{Text: text, Confidence: s.cfg.Confidence / 2, At: now}
	}
	s.out <- stt.Transcript{Text: text, Confidence: s.cfg.Confidence, IsFinal: true, At: now}
	return nil
}

func (s *StreamingSTT) Results() <-chan stt.Transcript { return s.out }

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
