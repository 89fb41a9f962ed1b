package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/harunnryd/wardline/pkg/llm"
	"github.com/harunnryd/wardline/pkg/resilience"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultAPIVersion = "2024-12-01-preview"
)

// Adapter talks to the OpenAI chat completions API, or to an Azure OpenAI
// deployment when Deployment is set.
type Adapter struct {
	APIKey  string
	Model   string
	BaseURL string
	// Azure deployment settings. Empty Deployment means plain OpenAI.
	Deployment string
	APIVersion string
	Timeout    time.Duration

	client *resty.Client
}

func NewAdapter(apiKey, model string) *Adapter {
	return &Adapter{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: defaultBaseURL,
		Timeout: 60 * time.Second,
	}
}

// NewAzureAdapter targets {endpoint}/openai/deployments/{deployment}.
func NewAzureAdapter(endpoint, apiKey, deployment, apiVersion string) *Adapter {
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	return &Adapter{
		APIKey:     apiKey,
		Model:      deployment,
		BaseURL:    strings.TrimRight(endpoint, "/"),
		Deployment: deployment,
		APIVersion: apiVersion,
		Timeout:    60 * time.Second,
	}
}

func (a *Adapter) Name() string {
	if a.Deployment != "" {
		return "azure_openai"
	}
	return "openai"
}

type chatRequest struct {
	Model               string        `json:"model,omitempty"`
	Messages            []llm.Message `json:"messages"`
	MaxTokens           int           `json:"max_tokens,omitempty"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Generate(ctx context.Context, input llm.Request) (llm.Response, error) {
	body := a.buildRequest(input)
	var payload chatResponse
	req := a.http().R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&payload)
	a.applyAuth(req)

	resp, err := req.Post(a.path())
	if err != nil {
		return llm.Response{}, err
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		return llm.Response{}, resilience.RateLimitError{Provider: a.Name(), Message: string(resp.Body())}
	}
	if resp.IsError() {
		return llm.Response{}, llm.StatusError{Provider: a.Name(), Code: resp.StatusCode(), Body: string(resp.Body())}
	}
	if len(payload.Choices) == 0 {
		return llm.Response{}, errors.New("no choices")
	}
	first := payload.Choices[0]
	return llm.Response{
		Text:         first.Message.Content,
		FinishReason: first.FinishReason,
		Usage: llm.Usage{
			PromptTokens:     payload.Usage.PromptTokens,
			CompletionTokens: payload.Usage.CompletionTokens,
			TotalTokens:      payload.Usage.TotalTokens,
		},
	}, nil
}

func (a *Adapter) buildRequest(input llm.Request) chatRequest {
	req := chatRequest{Messages: input.ProviderMessages()}
	if a.Deployment != "" {
		// Azure reasoning deployments only accept max_completion_tokens.
		req.MaxCompletionTokens = input.MaxTokens
		return req
	}
	req.Model = a.Model
	req.MaxTokens = input.MaxTokens
	return req
}

func (a *Adapter) path() string {
	if a.Deployment != "" {
		return "/openai/deployments/" + a.Deployment + "/chat/completions"
	}
	return "/chat/completions"
}

func (a *Adapter) applyAuth(req *resty.Request) {
	if a.Deployment != "" {
		req.SetHeader("api-key", a.APIKey)
		req.SetQueryParam("api-version", a.APIVersion)
		return
	}
	req.SetAuthToken(a.APIKey)
}

func (a *Adapter) http() *resty.Client {
	if a.client == nil {
		a.client = resty.New().
			SetBaseURL(a.BaseURL).
			SetTimeout(a.Timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json")
	}
	return a.client
}

var _ llm.Adapter = (*Adapter)(nil)
