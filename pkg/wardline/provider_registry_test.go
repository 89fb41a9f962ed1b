package wardline

import (
	"context"
	"strings"
	"testing"

	"github.com/harunnryd/wardline/pkg/llm"
	"github.com/harunnryd/wardline/pkg/providers/deepgram"
	"github.com/harunnryd/wardline/pkg/providers/mock"
	"github.com/harunnryd/wardline/pkg/providers/openai"
)

func configWithLLM(provider string, settings map[string]any) Config {
	cfg := DefaultConfig()
	cfg.Vendors.LLM = VendorConfig{Provider: provider, Settings: settings}
	return cfg
}

func TestBuildLLMUnknownProvider(t *testing.T) {
	reg := DefaultRegistry()
	if _, err := reg.BuildLLM("nope", DefaultConfig(), nil); err == nil {
		t.Fatalf("expected error for unregistered provider")
	}
}

func TestBuildMockLLM(t *testing.T) {
	reg := DefaultRegistry()
	cfg := configWithLLM("Mock", map[string]any{"responses": []any{"hello there"}})
	adapter, err := reg.BuildLLM(cfg.Vendors.LLM.Provider, cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := adapter.(*mock.LLMAdapter); !ok {
		t.Fatalf("expected mock adapter, got %T", adapter)
	}
	resp, err := adapter.Generate(context.Background(), llm.Request{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != "hello there" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
}

func TestBuildOpenAIRequiresKey(t *testing.T) {
	reg := DefaultRegistry()
	cfg := configWithLLM("openai", map[string]any{"model": "gpt-4o-mini"})
	_, err := reg.BuildLLM("openai", cfg, nil)
	if err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("expected missing api_key error, got %v", err)
	}
}

func TestBuildOpenAIRejectsUnknownKey(t *testing.T) {
	reg := DefaultRegistry()
	cfg := configWithLLM("openai", map[string]any{"api_key": "k", "model": "m", "temperature": 0.2})
	_, err := reg.BuildLLM("openai", cfg, nil)
	if err == nil || !strings.Contains(err.Error(), "unknown: temperature") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestBuildOpenAIWrapsBreaker(t *testing.T) {
	reg := DefaultRegistry()
	cfg := configWithLLM("openai", map[string]any{"api_key": "k", "model": "m", "circuit_threshold": "5"})
	adapter, err := reg.BuildLLM("openai", cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := adapter.(*llm.CircuitBreakerAdapter); !ok {
		t.Fatalf("expected breaker adapter, got %T", adapter)
	}
	if adapter.Name() != "openai" {
		t.Fatalf("expected openai name, got %q", adapter.Name())
	}
}

func TestBuildOpenAIWithoutResilience(t *testing.T) {
	reg := DefaultRegistry()
	cfg := configWithLLM("openai", map[string]any{
		"api_key":             "k",
		"model":               "m",
		"base_url":            "http://localhost:9999/v1/",
		"use_circuit_breaker": "false",
		"retry_attempts":      1,
	})
	adapter, err := reg.BuildLLM("openai", cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	oa, ok := adapter.(*openai.Adapter)
	if !ok {
		t.Fatalf("expected bare openai adapter, got %T", adapter)
	}
	if oa.BaseURL != "http://localhost:9999/v1" {
		t.Fatalf("unexpected base url %q", oa.BaseURL)
	}
}

func TestBuildOpenAIRetryBounds(t *testing.T) {
	reg := DefaultRegistry()
	cfg := configWithLLM("openai", map[string]any{"api_key": "k", "model": "m", "retry_attempts": 9})
	if _, err := reg.BuildLLM("openai", cfg, nil); err == nil {
		t.Fatalf("expected retry_attempts bound error")
	}
}

func TestBuildAzureOpenAI(t *testing.T) {
	reg := DefaultRegistry()
	cfg := configWithLLM("azure_openai", map[string]any{
		"endpoint":            "https://example.openai.azure.com/",
		"api_key":             "k",
		"deployment":          "gpt4o",
		"use_circuit_breaker": false,
		"retry_attempts":      1,
	})
	adapter, err := reg.BuildLLM("azure_openai", cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	oa := adapter.(*openai.Adapter)
	if oa.Deployment != "gpt4o" || oa.Name() != "azure_openai" {
		t.Fatalf("unexpected adapter %+v", oa)
	}
	if _, err := reg.BuildLLM("azure_openai", configWithLLM("azure_openai", map[string]any{"api_key": "k"}), nil); err == nil {
		t.Fatalf("expected missing endpoint error")
	}
}

func TestBuildDeepgramFactory(t *testing.T) {
	reg := DefaultRegistry()
	cfg := DefaultConfig()
	cfg.Vendors.STT = VendorConfig{Provider: "deepgram", Settings: map[string]any{"api_key": "dg", "interim": "false"}}
	factory, err := reg.BuildSTTFactory("deepgram", cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	rec := factory("CA1", "MZ1")
	if _, ok := rec.(*deepgram.StreamingSTT); !ok {
		t.Fatalf("expected deepgram recognizer, got %T", rec)
	}

	cfg.Vendors.STT.Settings = map[string]any{"api_key": "dg", "encoding": "opus"}
	if _, err := reg.BuildSTTFactory("deepgram", cfg); err == nil {
		t.Fatalf("expected encoding error")
	}
	cfg.Vendors.STT.Settings = map[string]any{"api_key": "dg", "utterance_end_ms": 9000}
	if _, err := reg.BuildSTTFactory("deepgram", cfg); err == nil {
		t.Fatalf("expected utterance_end_ms error")
	}
}

func TestBuildMockSTTFactory(t *testing.T) {
	reg := DefaultRegistry()
	cfg := DefaultConfig()
	cfg.Vendors.STT = VendorConfig{Provider: "mock", Settings: map[string]any{"transcripts": []any{"hi"}}}
	factory, err := reg.BuildSTTFactory("mock", cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	a, b := factory("CA1", "MZ1"), factory("CA1", "MZ2")
	if a == b {
		t.Fatalf("expected a fresh recognizer per stream")
	}
	if _, err := reg.BuildSTTFactory("whisper", cfg); err == nil {
		t.Fatalf("expected error for unregistered stt provider")
	}
}
