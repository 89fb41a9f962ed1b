package responder

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/harunnryd/wardline/pkg/callctx"
	"github.com/harunnryd/wardline/pkg/errorsx"
	"github.com/harunnryd/wardline/pkg/llm"
	"github.com/harunnryd/wardline/pkg/logging"
	"github.com/harunnryd/wardline/pkg/resilience"
)

// FallbackText is spoken whenever a reply cannot be generated.
const FallbackText = "I'm sorry, I'm having trouble understanding. Could you please repeat that?"

const (
	DefaultHistoryTurns = 8
	DefaultMaxTokens    = 100
	DefaultTimeout      = 4 * time.Second
)

type Config struct {
	HistoryTurns int
	MaxTokens    int
	Timeout      time.Duration
	Logger       *slog.Logger
}

// Result is the outcome of one generation. Err is informational; Text is
// always speakable.
type Result struct {
	Text     string
	Degraded bool
	Err      error
}

// Responder turns a call snapshot into the next assistant utterance.
type Responder struct {
	adapter      llm.Adapter
	historyTurns int
	maxTokens    int
	timeout      time.Duration
	logger       *slog.Logger
}

func New(adapter llm.Adapter, cfg Config) *Responder {
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = DefaultHistoryTurns
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Responder{
		adapter:      adapter,
		historyTurns: cfg.HistoryTurns,
		maxTokens:    cfg.MaxTokens,
		timeout:      cfg.Timeout,
		logger:       logging.NewComponentLogger(cfg.Logger, "responder"),
	}
}

// BuildRequest assembles the completion request for a snapshot.
func (r *Responder) BuildRequest(snap callctx.Snapshot) llm.Request {
	turns := snap.LastTurns(r.historyTurns)
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		role := llm.RoleUser
		if t.Role == callctx.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Text})
	}
	return llm.Request{
		System:    BuildSystemPrompt(snap.Hospital),
		Messages:  msgs,
		MaxTokens: r.maxTokens,
	}
}

// Generate never fails; any adapter problem yields the fallback text.
func (r *Responder) Generate(ctx context.Context, snap callctx.Snapshot) Result {
	if r.adapter == nil {
		return r.degraded(snap.CallID, errorsx.New(errorsx.ReasonLLMGenerate, "no completion adapter configured"))
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	resp, err := r.adapter.Generate(ctx, r.BuildRequest(snap))
	if err != nil {
		return r.degraded(snap.CallID, classify(err))
	}
	text := Sanitize(resp.Text)
	if text == "" {
		return r.degraded(snap.CallID, errorsx.New(errorsx.ReasonLLMGenerate, "empty completion"))
	}
	r.logger.Debug("llm_generate_ok",
		slog.String("call_id", snap.CallID),
		slog.String("provider", r.adapter.Name()),
		slog.Int("completion_tokens", resp.Usage.CompletionTokens),
		slog.Duration("latency", time.Since(start)))
	return Result{Text: text}
}

func (r *Responder) degraded(callID string, err error) Result {
	r.logger.Warn("llm_generate_failed",
		slog.String("call_id", callID),
		slog.String("error", err.Error()),
		slog.String("reason_code", string(errorsx.Reason(err))))
	return Result{Text: FallbackText, Degraded: true, Err: err}
}

func classify(err error) error {
	if errorsx.Reason(err) != errorsx.ReasonUnknown {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errorsx.Wrap(err, errorsx.ReasonLLMTimeout)
	case resilience.IsRateLimit(err):
		return errorsx.Wrap(err, errorsx.ReasonLLMRateLimit)
	default:
		return errorsx.Wrap(err, errorsx.ReasonLLMGenerate)
	}
}

var (
	handoffRe  = regexp.MustCompile(`(?i)\s*#handoff=\S*\s*$`)
	emphasisRe = regexp.MustCompile(`[*_` + "`" + `]+`)
	bulletRe   = regexp.MustCompile(`(?m)^\s*(?:[-•]|\d+\.|#+)\s+`)
	spaceRe    = regexp.MustCompile(`\s+`)
)

// Sanitize makes model output safe to hand to a speech synthesizer.
func Sanitize(text string) string {
	text = strings.TrimSpace(text)
	text = handoffRe.ReplaceAllString(text, "")
	text = bulletRe.ReplaceAllString(text, "")
	text = emphasisRe.ReplaceAllString(text, "")
	text = spaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
