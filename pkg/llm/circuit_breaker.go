package llm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/wardline/pkg/errorsx"
	"github.com/harunnryd/wardline/pkg/logging"
	"github.com/harunnryd/wardline/pkg/resilience"
)

// CircuitBreakerAdapter wraps an Adapter with rate-limit circuit breaking.
type CircuitBreakerAdapter struct {
	inner   Adapter
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
	open    bool
	mu      sync.Mutex
}

func NewCircuitBreakerAdapter(inner Adapter, breaker *resilience.CircuitBreaker) *CircuitBreakerAdapter {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerAdapter{
		inner:   inner,
		breaker: breaker,
		logger:  logging.NewComponentLogger(slog.Default(), "llm_breaker"),
	}
}

func (a *CircuitBreakerAdapter) Name() string { return a.inner.Name() }

// SetLogger replaces the logger used for breaker open/close events.
func (a *CircuitBreakerAdapter) SetLogger(l *slog.Logger) {
	if l != nil {
		a.logger = l
	}
}

func (a *CircuitBreakerAdapter) Generate(ctx context.Context, req Request) (Response, error) {
	if !a.breaker.Allow() {
		a.setOpen(true)
		return Response{}, errorsx.Wrap(resilience.RateLimitError{Provider: a.Name(), Message: "degraded"}, errorsx.ReasonLLMCircuitOpen)
	}
	a.setOpen(false)
	resp, err := a.inner.Generate(ctx, req)
	if err != nil {
		if resilience.IsRateLimit(err) {
			a.logger.Warn("llm_rate_limited",
				"provider", a.Name(),
				"reason_code", string(errorsx.ReasonLLMRateLimit))
		}
		a.breaker.OnError(err)
		return Response{}, err
	}
	a.breaker.OnSuccess()
	return resp, nil
}

func (a *CircuitBreakerAdapter) setOpen(open bool) {
	a.mu.Lock()
	changed := a.open != open
	a.open = open
	a.mu.Unlock()
	if !changed {
		return
	}
	if open {
		a.logger.Warn("llm_breaker_open", "provider", a.Name())
		return
	}
	a.logger.Info("llm_breaker_closed", "provider", a.Name())
}
