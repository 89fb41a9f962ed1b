package wardline

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/wardline/pkg/adapters/stt"
	"github.com/harunnryd/wardline/pkg/configutil"
	"github.com/harunnryd/wardline/pkg/llm"
	"github.com/harunnryd/wardline/pkg/providers/deepgram"
	"github.com/harunnryd/wardline/pkg/providers/mock"
	"github.com/harunnryd/wardline/pkg/providers/openai"
	"github.com/harunnryd/wardline/pkg/resilience"
)

type STTFactoryBuilder func(cfg Config) (stt.Factory, error)
type LLMFactory func(cfg Config, logger *slog.Logger) (llm.Adapter, error)

type ProviderRegistry struct {
	stt map[string]STTFactoryBuilder
	llm map[string]LLMFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt: make(map[string]STTFactoryBuilder),
		llm: make(map[string]LLMFactory),
	}
}

// DefaultRegistry has every built-in vendor registered.
func DefaultRegistry() *ProviderRegistry {
	reg := NewProviderRegistry()
	reg.RegisterLLM("openai", buildOpenAI)
	reg.RegisterLLM("azure_openai", buildAzureOpenAI)
	reg.RegisterLLM("mock", buildMockLLM)
	reg.RegisterSTT("deepgram", buildDeepgram)
	reg.RegisterSTT("mock", buildMockSTT)
	return reg
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactoryBuilder) {
	r.stt[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[providerKey(name)] = factory
}

func (r *ProviderRegistry) BuildSTTFactory(provider string, cfg Config) (stt.Factory, error) {
	fn := r.stt[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildLLM(provider string, cfg Config, logger *slog.Logger) (llm.Adapter, error) {
	fn := r.llm[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", provider)
	}
	return fn(cfg, logger)
}

// resilienceSettings are shared by every remote completion vendor.
type resilienceSettings struct {
	UseCircuitBreaker *bool `mapstructure:"use_circuit_breaker"`
	CircuitThreshold  int   `mapstructure:"circuit_threshold"`
	CircuitCooldownMS int   `mapstructure:"circuit_cooldown_ms"`
	RetryAttempts     *int  `mapstructure:"retry_attempts"`
	RetryBaseDelayMS  int   `mapstructure:"retry_base_delay_ms"`
	RetryMaxDelayMS   int   `mapstructure:"retry_max_delay_ms"`
	TimeoutMS         int   `mapstructure:"timeout_ms"`
}

var resilienceKeys = []string{
	"use_circuit_breaker", "circuit_threshold", "circuit_cooldown_ms",
	"retry_attempts", "retry_base_delay_ms", "retry_max_delay_ms", "timeout_ms",
}

type openAISettings struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`

	Resilience resilienceSettings `mapstructure:",squash"`
}

type azureOpenAISettings struct {
	Endpoint   string `mapstructure:"endpoint"`
	APIKey     string `mapstructure:"api_key"`
	Deployment string `mapstructure:"deployment"`
	APIVersion string `mapstructure:"api_version"`

	Resilience resilienceSettings `mapstructure:",squash"`
}

type mockLLMSettings struct {
	Responses []string `mapstructure:"responses"`
	DelayMS   int      `mapstructure:"delay_ms"`
}

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Encoding       string `mapstructure:"encoding"`
	Interim        *bool  `mapstructure:"interim"`
	VADEvents      *bool  `mapstructure:"vad_events"`
	UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
}

type mockSTTSettings struct {
	Transcripts []string `mapstructure:"transcripts"`
	Confidence  float64  `mapstructure:"confidence"`
	EmitInterim *bool    `mapstructure:"emit_interim"`
}

const llmSettingsPath = "vendors.llm.settings"
const sttSettingsPath = "vendors.stt.settings"

func buildOpenAI(cfg Config, logger *slog.Logger) (llm.Adapter, error) {
	var settings openAISettings
	if err := configutil.Load(llmSettingsPath, cfg.Vendors.LLM.Settings, configutil.Schema{
		Required: []string{"api_key", "model"},
		Optional: append([]string{"base_url"}, resilienceKeys...),
	}, &settings); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(settings.APIKey, llmSettingsPath+".api_key"); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(settings.Model, llmSettingsPath+".model"); err != nil {
		return nil, err
	}
	adapter := openai.NewAdapter(settings.APIKey, settings.Model)
	if settings.BaseURL != "" {
		adapter.BaseURL = strings.TrimRight(settings.BaseURL, "/")
	}
	adapter.Timeout = configutil.Millis(settings.Resilience.TimeoutMS, adapter.Timeout)
	return wrapResilient(adapter, settings.Resilience, logger)
}

func buildAzureOpenAI(cfg Config, logger *slog.Logger) (llm.Adapter, error) {
	var settings azureOpenAISettings
	if err := configutil.Load(llmSettingsPath, cfg.Vendors.LLM.Settings, configutil.Schema{
		Required: []string{"endpoint", "api_key", "deployment"},
		Optional: append([]string{"api_version"}, resilienceKeys...),
	}, &settings); err != nil {
		return nil, err
	}
	for path, value := range map[string]string{
		llmSettingsPath + ".endpoint":   settings.Endpoint,
		llmSettingsPath + ".api_key":    settings.APIKey,
		llmSettingsPath + ".deployment": settings.Deployment,
	} {
		if err := configutil.RequireString(value, path); err != nil {
			return nil, err
		}
	}
	adapter := openai.NewAzureAdapter(settings.Endpoint, settings.APIKey, settings.Deployment, settings.APIVersion)
	adapter.Timeout = configutil.Millis(settings.Resilience.TimeoutMS, adapter.Timeout)
	return wrapResilient(adapter, settings.Resilience, logger)
}

// wrapResilient puts retries inside the breaker, so one exhausted retry
// sequence counts as a single breaker failure.
func wrapResilient(inner llm.Adapter, s resilienceSettings, logger *slog.Logger) (llm.Adapter, error) {
	attempts := configutil.IntValue(s.RetryAttempts, 2)
	if attempts < 1 || attempts > 5 {
		return nil, fmt.Errorf("%s.retry_attempts must be between 1 and 5, got %d", llmSettingsPath, attempts)
	}
	var adapter llm.Adapter = inner
	if attempts > 1 {
		adapter = llm.NewRetryAdapter(inner, llm.RetryConfig{
			MaxAttempts: attempts,
			BaseDelay:   configutil.Millis(s.RetryBaseDelayMS, 100*time.Millisecond),
			MaxDelay:    configutil.Millis(s.RetryMaxDelayMS, time.Second),
			Jitter:      0.2,
		})
	}
	if !configutil.BoolValue(s.UseCircuitBreaker, true) {
		return adapter, nil
	}
	threshold := s.CircuitThreshold
	if threshold <= 0 {
		threshold = 3
	}
	breaker := llm.NewCircuitBreakerAdapter(adapter,
		resilience.NewCircuitBreaker(threshold, configutil.Millis(s.CircuitCooldownMS, 30*time.Second)))
	breaker.SetLogger(logger)
	return breaker, nil
}

func buildMockLLM(cfg Config, _ *slog.Logger) (llm.Adapter, error) {
	var settings mockLLMSettings
	if err := configutil.Load(llmSettingsPath, cfg.Vendors.LLM.Settings, configutil.Schema{
		Optional: []string{"responses", "delay_ms"},
	}, &settings); err != nil {
		return nil, err
	}
	return mock.NewLLMAdapter(mock.LLMConfig{
		Responses: settings.Responses,
		Delay:     configutil.Millis(settings.DelayMS, 0),
	}), nil
}

func validDeepgramEncoding(encoding string) bool {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "linear16", "mulaw":
		return true
	default:
		return false
	}
}

func buildDeepgram(cfg Config) (stt.Factory, error) {
	var settings deepgramSettings
	if err := configutil.Load(sttSettingsPath, cfg.Vendors.STT.Settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "sample_rate", "encoding", "interim", "vad_events", "utterance_end_ms"},
	}, &settings); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(settings.APIKey, sttSettingsPath+".api_key"); err != nil {
		return nil, err
	}
	if settings.Language == "" {
		settings.Language = cfg.Twilio.Language
	}
	if settings.Encoding != "" && !validDeepgramEncoding(settings.Encoding) {
		return nil, fmt.Errorf("%s.encoding must be one of [linear16, mulaw], got %s", sttSettingsPath, settings.Encoding)
	}
	utteranceEnd := configutil.IntValue(settings.UtteranceEndMS, 1000)
	if utteranceEnd < 0 || utteranceEnd > 5000 {
		return nil, fmt.Errorf("%s.utterance_end_ms must be between 0 and 5000, got %d", sttSettingsPath, utteranceEnd)
	}
	interim := configutil.BoolValue(settings.Interim, true)
	vadEvents := configutil.BoolValue(settings.VADEvents, true)

	return func(callID, streamID string) stt.StreamingSTT {
		return deepgram.New(deepgram.Config{
			APIKey:         settings.APIKey,
			Model:          settings.Model,
			Language:       settings.Language,
			SampleRate:     settings.SampleRate,
			Encoding:       settings.Encoding,
			Interim:        interim,
			VADEvents:      vadEvents,
			UtteranceEndMS: utteranceEnd,
			CallID:         callID,
			StreamID:       streamID,
		})
	}, nil
}

func buildMockSTT(cfg Config) (stt.Factory, error) {
	var settings mockSTTSettings
	if err := configutil.Load(sttSettingsPath, cfg.Vendors.STT.Settings, configutil.Schema{
		Optional: []string{"transcripts", "confidence", "emit_interim"},
	}, &settings); err != nil {
		return nil, err
	}
	emitInterim := configutil.BoolValue(settings.EmitInterim, false)
	return func(string, string) stt.StreamingSTT {
		return mock.NewSTT(mock.STTConfig{
			Transcripts: settings.Transcripts,
			Confidence:  settings.Confidence,
			EmitInterim: emitInterim,
		})
	}, nil
}
