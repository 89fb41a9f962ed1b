package callctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/wardline/pkg/errorsx"
	"github.com/harunnryd/wardline/pkg/logging"
)

var (
	// ErrDuplicateCall is returned by Create when the call id is already active.
	ErrDuplicateCall = errors.New("call context already active")
	// ErrNotFound is returned when no context exists for a call id.
	ErrNotFound = errors.New("call context not found")
)

// DuplicatePolicy decides what Create does with an id that is already active.
type DuplicatePolicy string

const (
	PolicyReject  DuplicatePolicy = "reject"
	PolicyReplace DuplicatePolicy = "replace"
)

// ParsePolicy maps a config value to a policy. Anything unknown rejects.
func ParsePolicy(v string) DuplicatePolicy {
	if strings.EqualFold(strings.TrimSpace(v), string(PolicyReplace)) {
		return PolicyReplace
	}
	return PolicyReject
}

// EvictReason says why a context left the store.
type EvictReason string

const (
	EvictRemoved  EvictReason = "removed"
	EvictIdle     EvictReason = "idle"
	EvictReplaced EvictReason = "replaced"
)

type StoreConfig struct {
	Policy        DuplicatePolicy
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	// OnEvict runs once for every context that leaves the store.
	OnEvict func(c *Context, reason EvictReason)
	Now     func() time.Time
	Logger  *slog.Logger
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.Policy == "" {
		c.Policy = PolicyReject
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.Logger = logging.NewComponentLogger(c.Logger, "call_store")
	return c
}

// Store holds one Context per active call id.
type Store struct {
	cfg      StoreConfig
	contexts sync.Map
	count    atomic.Int64
}

func NewStore(cfg StoreConfig) *Store {
	return &Store{cfg: cfg.withDefaults()}
}

// Policy returns the configured duplicate policy.
func (s *Store) Policy() DuplicatePolicy { return s.cfg.Policy }

// Create registers a new context. Under PolicyReject an active id fails with
// ErrDuplicateCall; under PolicyReplace the old context is evicted.
func (s *Store) Create(callID string, attrs Attrs) (*Context, error) {
	if strings.TrimSpace(callID) == "" {
		return nil, errors.New("call id required")
	}
	if s.cfg.Policy == PolicyReplace {
		return s.Replace(callID, attrs), nil
	}
	c := newContext(callID, attrs, s.cfg.Now)
	if _, loaded := s.contexts.LoadOrStore(callID, c); loaded {
		return nil, errorsx.Wrap(fmt.Errorf("%w: %s", ErrDuplicateCall, callID), errorsx.ReasonDuplicateCall)
	}
	s.count.Add(1)
	return c, nil
}

// Replace registers a new context, evicting any previous one for the id.
func (s *Store) Replace(callID string, attrs Attrs) *Context {
	c := newContext(callID, attrs, s.cfg.Now)
	prev, loaded := s.contexts.Swap(callID, c)
	if loaded {
		s.evict(prev.(*Context), EvictReplaced)
		return c
	}
	s.count.Add(1)
	return c
}

func (s *Store) Get(callID string) (*Context, bool) {
	if v, ok := s.contexts.Load(callID); ok {
		return v.(*Context), true
	}
	return nil, false
}

// Remove deletes the context for callID. Removing an absent id is a no-op.
func (s *Store) Remove(callID string) {
	if v, ok := s.contexts.LoadAndDelete(callID); ok {
		s.count.Add(-1)
		s.evict(v.(*Context), EvictRemoved)
	}
}

// ListActive returns every live context ordered by start time.
func (s *Store) ListActive() []*Context {
	var out []*Context
	s.contexts.Range(func(_, value any) bool {
		out = append(out, value.(*Context))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (s *Store) Count() int64 {
	return s.count.Load()
}

// Sweep removes contexts idle longer than the idle timeout and returns how many
// were dropped.
func (s *Store) Sweep(now time.Time) int {
	removed := 0
	s.contexts.Range(func(key, value any) bool {
		c := value.(*Context)
		if now.Sub(c.LastActivity()) <= s.cfg.IdleTimeout {
			return true
		}
		if s.contexts.CompareAndDelete(key, value) {
			s.count.Add(-1)
			removed++
			s.cfg.Logger.Warn("call_context_swept",
				"call_id", c.CallID,
				"state", c.State().String(),
				"idle", now.Sub(c.LastActivity()).String())
			s.evict(c, EvictIdle)
		}
		return true
	})
	return removed
}

// Run sweeps on the configured interval until ctx is done.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(s.cfg.Now()); n > 0 {
				s.cfg.Logger.Info("call_store_sweep", "removed", n, "active", s.Count())
			}
		}
	}
}

// WaitForEmpty blocks until no calls are active or ctx ends.
func (s *Store) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if s.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (s *Store) evict(c *Context, reason EvictReason) {
	if s.cfg.OnEvict != nil {
		s.cfg.OnEvict(c, reason)
	}
}
