package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/wardline/pkg/llm"
)

func TestLLMAdapterScript(t *testing.T) {
	a := NewLLMAdapter(LLMConfig{Responses: []string{"one", "two"}})
	for _, want := range []string{"one", "two", "two"} {
		resp, err := a.Generate(context.Background(), llm.Request{System: "s"})
		if err != nil || resp.Text != want {
			t.Fatalf("expected %q, got %q err=%v", want, resp.Text, err)
		}
	}
	if a.Calls() != 3 || a.Requests()[0].System != "s" {
		t.Fatalf("expected three recorded requests")
	}
}

func TestLLMAdapterDelayRespectsContext(t *testing.T) {
	a := NewLLMAdapter(LLMConfig{Delay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := a.Generate(ctx, llm.Request{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestLLMAdapterError(t *testing.T) {
	a := NewLLMAdapter(LLMConfig{Err: errors.New("down")})
	if _, err := a.Generate(context.Background(), llm.Request{}); err == nil {
		t.Fatalf("expected configured error")
	}
}

func TestSTTReplaysTranscripts(t *testing.T) {
	s := NewSTT(STTConfig{Transcripts: []string{"hello", "chest pain"}, EmitInterim: true})
	if err := s.SendAudio([]byte{0xff}); err == nil {
		t.Fatalf("expected error before start")
	}
	_ = s.Start(context.Background())
	for i := 0; i < 3; i++ {
		if err := s.SendAudio([]byte{0xff}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	_ = s.Close()

	var finals []string
	for tr := range s.Results() {
		if tr.IsFinal {
			finals = append(finals, tr.Text)
		}
	}
	if len(finals) != 2 || finals[1] != "chest pain" {
		t.Fatalf("unexpected finals %v", finals)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close should be safe: %v", err)
	}
}
