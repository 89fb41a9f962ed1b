package sentiment

import (
	"log/slog"
	"sync"

	"github.com/harunnryd/wardline/pkg/callctx"
	"github.com/harunnryd/wardline/pkg/errorsx"
	"github.com/harunnryd/wardline/pkg/logging"
)

type SchedulerConfig struct {
	// Every triggers an estimate on each Nth caller turn.
	Every     int
	Window    int
	Workers   int
	QueueSize int
	// OnUpdate runs on a worker after a write has been applied.
	OnUpdate func(c *callctx.Context, d callctx.SentimentData)
	Logger   *slog.Logger
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Every <= 0 {
		c.Every = 3
	}
	if c.Window <= 0 || c.Window > MaxWindow {
		c.Window = MaxWindow
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	c.Logger = logging.NewComponentLogger(c.Logger, "sentiment")
	return c
}

type job struct {
	call   *callctx.Context
	seq    uint64
	window []callctx.Turn
}

// Scheduler runs estimates off the caller-facing path. Each job carries the
// caller turn count it was scheduled at; the context keeps only the newest.
type Scheduler struct {
	cfg    SchedulerConfig
	jobs   chan job
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{cfg: cfg, jobs: make(chan job, cfg.QueueSize)}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// MaybeSchedule enqueues an estimate when the caller turn count hits the
// trigger interval. It never blocks; a full queue drops the job.
func (s *Scheduler) MaybeSchedule(c *callctx.Context) bool {
	if c == nil {
		return false
	}
	n := c.CallerTurns()
	if n == 0 || n%s.cfg.Every != 0 {
		return false
	}
	j := job{call: c, seq: uint64(n), window: c.LastTurns(s.cfg.Window)}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.jobs <- j:
		return true
	default:
		s.cfg.Logger.Warn("sentiment_queue_full",
			"call_id", c.CallID,
			"reason_code", string(errorsx.ReasonSentimentQueueFull))
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for j := range s.jobs {
		d := Estimate(j.window)
		if !j.call.ApplySentiment(j.seq, d) {
			s.cfg.Logger.Debug("sentiment_stale_write_skipped", "call_id", j.call.CallID, "seq", j.seq)
			continue
		}
		s.cfg.Logger.Debug("sentiment_updated",
			"call_id", j.call.CallID,
			"frustration", d.Frustration,
			"urgency", d.Urgency,
			"escalation_needed", d.EscalationNeeded)
		if s.cfg.OnUpdate != nil {
			s.cfg.OnUpdate(j.call, d)
		}
	}
}
