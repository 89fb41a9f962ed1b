package mock

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/wardline/pkg/llm"
)

type LLMConfig struct {
	// Responses are returned in order; the last one repeats.
	Responses []string
	Err       error
	// Delay is waited before replying and honors ctx cancellation.
	Delay time.Duration
}

// LLMAdapter is a scripted completion collaborator.
type LLMAdapter struct {
	cfg LLMConfig

	mu       sync.Mutex
	calls    int
	requests []llm.Request
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if len(cfg.Responses) == 0 {
		cfg.Responses = []string{"mock response"}
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Generate(ctx context.Context, input llm.Request) (llm.Response, error) {
	a.mu.Lock()
	i := a.calls
	a.calls++
	a.requests = append(a.requests, input)
	a.mu.Unlock()

	if a.cfg.Delay > 0 {
		t := time.NewTimer(a.cfg.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		case <-t.C:
		}
	}
	if a.cfg.Err != nil {
		return llm.Response{}, a.cfg.Err
	}
	if i >= len(a.cfg.Responses) {
		i = len(a.cfg.Responses) - 1
	}
	return llm.Response{Text: a.cfg.Responses[i], FinishReason: "stop"}, nil
}

// Calls returns how many requests were made.
func (a *LLMAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Requests returns a copy of every request received.
func (a *LLMAdapter) Requests() []llm.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.Request(nil), a.requests...)
}

var _ llm.Adapter = (*LLMAdapter)(nil)
