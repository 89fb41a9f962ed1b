package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/wardline/pkg/audit"
	"github.com/harunnryd/wardline/pkg/callctx"
	"github.com/harunnryd/wardline/pkg/errorsx"
	"github.com/harunnryd/wardline/pkg/events"
	"github.com/harunnryd/wardline/pkg/hospital"
	"github.com/harunnryd/wardline/pkg/intent"
	"github.com/harunnryd/wardline/pkg/logging"
	"github.com/harunnryd/wardline/pkg/redact"
	"github.com/harunnryd/wardline/pkg/responder"
	"github.com/harunnryd/wardline/pkg/risk"
)

// Directory resolves the dialed number to a hospital.
type Directory interface {
	Resolve(ctx context.Context, dialed string) hospital.Config
	Fallback() hospital.Config
}

// CallRecords persists call sessions in the Core API.
type CallRecords interface {
	CreateCallRecord(ctx context.Context, rec hospital.CallRecord) (string, error)
	UpdateCallRecord(ctx context.Context, recordID string, upd hospital.CallUpdate) error
}

// Generator produces the next assistant utterance.
type Generator interface {
	Generate(ctx context.Context, snap callctx.Snapshot) responder.Result
}

// SentimentScheduler runs estimates off the caller-facing path.
type SentimentScheduler interface {
	MaybeSchedule(c *callctx.Context) bool
}

type Config struct {
	Store     *callctx.Store
	Responder Generator
	Directory Directory
	Records   CallRecords
	Events    events.Publisher
	Audit     audit.Recorder
	Sentiment SentimentScheduler

	// TransferNumber is dialed on escalation. Empty means hold then hang up.
	TransferNumber string
	HoldSeconds    int
	// SideEffectTimeout bounds audit, event and call record writes.
	SideEffectTimeout time.Duration
	// EndedRetention is how long an ended call id is answered with a hangup
	// instead of being recovered.
	EndedRetention time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Store == nil {
		c.Store = callctx.NewStore(callctx.StoreConfig{Logger: c.Logger})
	}
	if c.Events == nil {
		c.Events = events.Noop{}
	}
	if c.Audit == nil {
		c.Audit = audit.Noop{}
	}
	if c.HoldSeconds <= 0 {
		c.HoldSeconds = DefaultHoldSeconds
	}
	if c.SideEffectTimeout <= 0 {
		c.SideEffectTimeout = 3 * time.Second
	}
	if c.EndedRetention <= 0 {
		c.EndedRetention = DefaultEndedRetention
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type CallStart struct {
	CallID string
	From   string
	To     string
}

type Utterance struct {
	CallID     string
	Text       string
	Confidence float64
}

type CallEnd struct {
	CallID   string
	Reason   string
	Duration time.Duration
}

// Engine runs the per-utterance conversation algorithm. Turns for the same
// call are serialized; distinct calls run independently.
type Engine struct {
	cfg    Config
	store  *callctx.Store
	fsm    *stateMachine
	logger *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*callLock

	endedMu sync.Mutex
	ended   map[string]time.Time
}

// callLock is shared by every holder and waiter of one call id.
type callLock struct {
	mu   sync.Mutex
	refs int
}

func NewEngine(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:    cfg,
		store:  cfg.Store,
		fsm:    newStateMachine(cfg.Now),
		logger: logging.NewComponentLogger(cfg.Logger, "conversation"),
		locks:  make(map[string]*callLock),
		ended:  make(map[string]time.Time),
	}
}

// Store exposes the call context store the engine writes to.
func (e *Engine) Store() *callctx.Store { return e.store }

// AddListener registers a listener for state change events.
func (e *Engine) AddListener(l StateListener) { e.fsm.AddListener(l) }

func (e *Engine) lock(callID string) func() {
	e.locksMu.Lock()
	l, ok := e.locks[callID]
	if !ok {
		l = &callLock{}
		e.locks[callID] = l
	}
	l.refs++
	e.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, callID)
		}
		e.locksMu.Unlock()
	}
}

func (e *Engine) heldLocks() int {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	return len(e.locks)
}

func (e *Engine) markEnded(callID string) {
	now := e.cfg.Now()
	e.endedMu.Lock()
	defer e.endedMu.Unlock()
	for id, at := range e.ended {
		if now.Sub(at) > e.cfg.EndedRetention {
			delete(e.ended, id)
		}
	}
	e.ended[callID] = now
}

func (e *Engine) recentlyEnded(callID string) bool {
	e.endedMu.Lock()
	defer e.endedMu.Unlock()
	at, ok := e.ended[callID]
	if !ok {
		return false
	}
	if e.cfg.Now().Sub(at) > e.cfg.EndedRetention {
		delete(e.ended, callID)
		return false
	}
	return true
}

func (e *Engine) forgetEnded(callID string) {
	e.endedMu.Lock()
	delete(e.ended, callID)
	e.endedMu.Unlock()
}

func (e *Engine) sideCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SideEffectTimeout)
}

func (e *Engine) resolveHospital(ctx context.Context, dialed string) hospital.Config {
	if e.cfg.Directory == nil {
		return hospital.Default("")
	}
	return e.cfg.Directory.Resolve(ctx, dialed)
}

func (e *Engine) fallbackHospital() hospital.Config {
	if e.cfg.Directory == nil {
		return hospital.Default("")
	}
	return e.cfg.Directory.Fallback()
}

// StartCall accepts a new call and returns the greeting.
func (e *Engine) StartCall(ctx context.Context, start CallStart) (Directive, error) {
	if strings.TrimSpace(start.CallID) == "" {
		return Directive{}, errors.New("call id required")
	}
	unlock := e.lock(start.CallID)
	defer unlock()
	e.forgetEnded(start.CallID)

	h := e.resolveHospital(ctx, start.To)
	c, err := e.store.Create(start.CallID, callctx.Attrs{From: start.From, To: start.To, Hospital: h})
	if err != nil {
		e.logger.Warn("call_start_rejected",
			slog.String("call_id", start.CallID),
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.Reason(err))))
		return Directive{}, err
	}
	if err := e.fsm.Transition(c, callctx.StateGreeting, "call_accepted"); err != nil {
		e.logTransitionError(c, err)
	}

	greeting := Greeting(h.Name)
	c.AddAssistantTurn(greeting)
	e.createRecord(ctx, c)

	e.logger.Info("call_started",
		slog.String("call_id", c.CallID),
		slog.String("from", redact.Phone(c.From)),
		slog.String("hospital", h.Name),
		slog.Bool("default_hospital", h.Default))
	e.publish(ctx, c, events.TypeCallStarted, map[string]any{
		"from":     redact.Phone(c.From),
		"to":       c.To,
		"hospital": h.Name,
	})
	return Directive{Say: []string{greeting}, Action: ActionListen, State: c.State()}, nil
}

func (e *Engine) createRecord(ctx context.Context, c *callctx.Context) {
	if e.cfg.Records == nil {
		return
	}
	sctx, cancel := e.sideCtx(ctx)
	defer cancel()
	id, err := e.cfg.Records.CreateCallRecord(sctx, hospital.CallRecord{
		TwilioCallSID: c.CallID,
		Direction:     "inbound",
		FromNumber:    c.From,
		ToNumber:      c.To,
		HospitalID:    c.HospitalID(),
	})
	if err != nil {
		e.logger.Warn("call_record_create_failed",
			slog.String("call_id", c.CallID),
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.ReasonCallRecord)))
		return
	}
	c.SetRecordID(id)
}

// HandleUtterance processes one caller utterance and decides what happens
// next. It never fails for a known or recoverable call.
func (e *Engine) HandleUtterance(ctx context.Context, u Utterance) (Directive, error) {
	if strings.TrimSpace(u.CallID) == "" {
		return Directive{}, errors.New("call id required")
	}
	unlock := e.lock(u.CallID)
	defer unlock()

	text := strings.TrimSpace(u.Text)
	c, ok := e.store.Get(u.CallID)
	if text == "" {
		state := callctx.StateListening
		if ok {
			state = c.State()
		}
		return Directive{Say: []string{RepromptText}, Action: ActionListen, State: state}, nil
	}

	var prefix []string
	if !ok && e.recentlyEnded(u.CallID) {
		e.logger.Info("utterance_after_end", slog.String("call_id", u.CallID))
		return Directive{Action: ActionHangup, State: callctx.StateCompleted}, nil
	}
	if !ok {
		recovered, err := e.recoverCall(u.CallID)
		if err != nil {
			return Directive{}, err
		}
		c = recovered
		prefix = []string{LostTrackText}
	}

	e.logger.Info("caller_utterance",
		slog.String("call_id", c.CallID),
		slog.String("text", redact.Text(text)),
		slog.Float64("confidence", u.Confidence))

	if routedOut(c.State()) {
		c.AddCallerTurn(text)
		return e.routedOutDirective(c, prefix), nil
	}

	prev := c.State()
	c.AddCallerTurn(text)
	if err := e.fsm.Transition(c, callctx.StateProcessing, "caller_utterance"); err != nil {
		e.logTransitionError(c, err)
	}
	if detected := intent.Detect(text); detected != callctx.IntentNone && !c.Emergency() {
		c.SetIntent(detected)
		if !intent.Supported(detected, c.Hospital().Intents) {
			e.logger.Info("intent_not_offered",
				slog.String("call_id", c.CallID),
				slog.String("intent", string(detected)))
		}
	}

	if phrase, hit := risk.Match(text); hit {
		return e.emergency(ctx, c, phrase, prefix), nil
	}

	if e.cfg.Sentiment != nil {
		e.cfg.Sentiment.MaybeSchedule(c)
	}

	res := e.generate(ctx, c)
	if res.Degraded {
		if c.ShouldEscalate() {
			d := e.escalate(ctx, c, "", prefix)
			d.Degraded = true
			return d, nil
		}
		c.AddAssistantTurn(res.Text)
		e.fsm.restore(c, prev, "completion_fallback")
		return Directive{
			Say:      append(prefix, res.Text),
			Action:   ActionListen,
			Degraded: true,
			State:    c.State(),
		}, nil
	}

	c.AddAssistantTurn(res.Text)
	if c.ShouldEscalate() {
		return e.escalate(ctx, c, res.Text, prefix), nil
	}

	if err := e.fsm.Transition(c, callctx.StateResponding, "reply_ready"); err != nil {
		e.logTransitionError(c, err)
	}
	next, reason := callctx.StateListening, "awaiting_caller"
	if required, ok := intent.RequiredFields[c.Intent()]; ok && !c.HasRequiredFields(required) {
		next, reason = callctx.StateCollectingInfo, "collecting_"+string(c.Intent())
	}
	if err := e.fsm.Transition(c, next, reason); err != nil {
		e.logTransitionError(c, err)
	}
	return Directive{Say: append(prefix, res.Text), Action: ActionListen, State: c.State()}, nil
}

func (e *Engine) generate(ctx context.Context, c *callctx.Context) responder.Result {
	if e.cfg.Responder == nil {
		return responder.Result{Text: FallbackText, Degraded: true}
	}
	return e.cfg.Responder.Generate(ctx, c.Snapshot())
}

// recoverCall rebuilds a context for an utterance whose call is unknown,
// for example after a restart.
func (e *Engine) recoverCall(callID string) (*callctx.Context, error) {
	c, err := e.store.Create(callID, callctx.Attrs{Hospital: e.fallbackHospital()})
	if errors.Is(err, callctx.ErrDuplicateCall) {
		if existing, ok := e.store.Get(callID); ok {
			return existing, nil
		}
	}
	if err != nil {
		return nil, err
	}
	e.logger.Warn("call_context_recovered",
		slog.String("call_id", callID),
		slog.String("reason_code", string(errorsx.ReasonCallNotFound)))
	if err := e.fsm.Transition(c, callctx.StateGreeting, "context_recovered"); err != nil {
		e.logTransitionError(c, err)
	}
	return c, nil
}

// routedOut reports whether the call has already left automated handling.
func routedOut(s callctx.State) bool {
	switch s {
	case callctx.StateEscalating, callctx.StateTransferring, callctx.StateEnding, callctx.StateCompleted:
		return true
	}
	return false
}

// routedOutDirective repeats the terminal instruction for a caller who keeps
// talking after an emergency or escalation.
func (e *Engine) routedOutDirective(c *callctx.Context, prefix []string) Directive {
	if c.Emergency() {
		return Directive{Say: append(prefix, EmergencyMessage), Action: ActionHangup, State: c.State()}
	}
	d := e.handoff(append(prefix, EscalationNotice))
	d.State = c.State()
	return d
}

func (e *Engine) handoff(say []string) Directive {
	if e.cfg.TransferNumber != "" {
		return Directive{Say: say, Action: ActionTransfer, TransferTo: e.cfg.TransferNumber}
	}
	return Directive{
		Say:         append(say, HoldNotice),
		Action:      ActionHangup,
		HoldSeconds: e.cfg.HoldSeconds,
	}
}

func (e *Engine) emergency(ctx context.Context, c *callctx.Context, phrase string, prefix []string) Directive {
	if err := e.fsm.Transition(c, callctx.StateEscalating, "emergency_detected"); err != nil {
		e.logTransitionError(c, err)
	}
	c.MarkEmergency()
	c.AddAssistantTurn(EmergencyMessage)

	e.logger.Warn("emergency_detected",
		slog.String("call_id", c.CallID),
		slog.String("phrase", phrase),
		slog.String("hospital_id", c.HospitalID()))
	e.record(ctx, c, audit.ActionEmergencyDetected, map[string]any{
		"phrase": phrase,
		"from":   redact.Phone(c.From),
		"state":  c.State().String(),
	})
	e.publish(ctx, c, events.TypeEmergencyDetected, map[string]any{"phrase": phrase})
	return Directive{Say: append(prefix, EmergencyMessage), Action: ActionHangup, State: c.State()}
}

func (e *Engine) escalate(ctx context.Context, c *callctx.Context, reply string, prefix []string) Directive {
	reason := escalationReason(c)
	if err := e.fsm.Transition(c, callctx.StateEscalating, reason); err != nil {
		e.logTransitionError(c, err)
	}
	if err := e.fsm.Transition(c, callctx.StateTransferring, "handoff"); err != nil {
		e.logTransitionError(c, err)
	}
	c.AddAssistantTurn(EscalationNotice)

	s := c.Sentiment()
	meta := map[string]any{
		"reason":      reason,
		"frustration": s.Frustration,
		"urgency":     s.Urgency,
		"intent":      string(c.Intent()),
	}
	e.logger.Info("call_escalated",
		slog.String("call_id", c.CallID),
		slog.String("reason", reason),
		slog.Float64("frustration", s.Frustration))
	e.record(ctx, c, audit.ActionEscalated, meta)
	e.publish(ctx, c, events.TypeEscalated, meta)

	say := prefix
	if reply != "" {
		say = append(say, reply)
	}
	d := e.handoff(append(say, EscalationNotice))
	d.State = c.State()
	return d
}

func escalationReason(c *callctx.Context) string {
	s := c.Sentiment()
	switch {
	case c.Emergency():
		return "emergency"
	case c.Intent() == callctx.IntentTransfer:
		return "transfer_requested"
	case s.EscalationNeeded && s.Reason != "":
		return s.Reason
	case s.EscalationNeeded:
		return "escalation_needed"
	default:
		return fmt.Sprintf("frustration %.2f", s.Frustration)
	}
}

// EndCall finishes a call and forgets it. Unknown ids are ignored. An ended
// id is remembered for EndedRetention so late utterances hang up.
func (e *Engine) EndCall(ctx context.Context, end CallEnd) error {
	unlock := e.lock(end.CallID)
	defer unlock()

	c, ok := e.store.Get(end.CallID)
	if !ok {
		e.logger.Debug("call_end_unknown", slog.String("call_id", end.CallID))
		e.markEnded(end.CallID)
		return nil
	}
	reason := end.Reason
	if reason == "" {
		reason = "completed"
	}
	if TransitionValid(c.State(), callctx.StateEnding) {
		_ = e.fsm.Transition(c, callctx.StateEnding, reason)
	}
	if err := e.fsm.Transition(c, callctx.StateCompleted, reason); err != nil {
		e.logTransitionError(c, err)
	}
	c.End()

	if e.cfg.Records != nil && c.RecordID() != "" {
		sctx, cancel := e.sideCtx(ctx)
		err := e.cfg.Records.UpdateCallRecord(sctx, c.RecordID(), hospital.CallUpdate{
			Status:         reason,
			Duration:       int(end.Duration / time.Second),
			DetectedIntent: string(c.Intent()),
		})
		cancel()
		if err != nil {
			e.logger.Warn("call_record_update_failed",
				slog.String("call_id", c.CallID),
				slog.String("error", err.Error()),
				slog.String("reason_code", string(errorsx.ReasonCallRecord)))
		}
	}

	e.logger.Info("call_ended",
		slog.String("call_id", c.CallID),
		slog.String("reason", reason),
		slog.Duration("duration", end.Duration),
		slog.Int("caller_turns", c.CallerTurns()),
		slog.Bool("emergency", c.Emergency()))
	e.publish(ctx, c, events.TypeCallEnded, map[string]any{
		"reason":           reason,
		"duration_seconds": int(end.Duration / time.Second),
		"intent":           string(c.Intent()),
		"emergency":        c.Emergency(),
	})
	e.store.Remove(end.CallID)
	e.markEnded(end.CallID)
	return nil
}

// CollectField stores a structured intake value. Once every required field
// for the current intent is confirmed the call goes back to listening.
func (e *Engine) CollectField(callID, key, value string, confirmed bool) error {
	unlock := e.lock(callID)
	defer unlock()

	c, ok := e.store.Get(callID)
	if !ok {
		return errorsx.Wrap(fmt.Errorf("%w: %s", callctx.ErrNotFound, callID), errorsx.ReasonCallNotFound)
	}
	c.CollectField(key, value, confirmed)
	if c.State() != callctx.StateCollectingInfo {
		return nil
	}
	if required, ok := intent.RequiredFields[c.Intent()]; ok && c.HasRequiredFields(required) {
		if err := e.fsm.Transition(c, callctx.StateListening, "intake_complete"); err != nil {
			return errorsx.Wrap(err, errorsx.ReasonInvalidTransition)
		}
	}
	return nil
}

func (e *Engine) record(ctx context.Context, c *callctx.Context, action audit.Action, meta map[string]any) {
	sctx, cancel := e.sideCtx(ctx)
	defer cancel()
	err := e.cfg.Audit.Record(sctx, audit.Entry{
		Action:       action,
		ResourceType: audit.ResourceCall,
		ResourceID:   c.CallID,
		HospitalID:   c.HospitalID(),
		Metadata:     meta,
		At:           e.cfg.Now(),
	})
	if err != nil {
		e.logger.Warn("audit_record_failed",
			slog.String("call_id", c.CallID),
			slog.String("action", string(action)),
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.ReasonAuditWrite)))
	}
}

func (e *Engine) publish(ctx context.Context, c *callctx.Context, t events.Type, data map[string]any) {
	evt := events.New(t, c.CallID)
	evt.HospitalID = c.HospitalID()
	evt.State = c.State().String()
	evt.Data = data
	sctx, cancel := e.sideCtx(ctx)
	defer cancel()
	if err := e.cfg.Events.Publish(sctx, evt); err != nil {
		e.logger.Warn("event_publish_failed",
			slog.String("call_id", c.CallID),
			slog.String("event_type", string(t)),
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.ReasonEventPublish)))
	}
}

func (e *Engine) logTransitionError(c *callctx.Context, err error) {
	e.logger.Error("state_transition_rejected",
		slog.String("call_id", c.CallID),
		slog.String("error", err.Error()),
		slog.String("reason_code", string(errorsx.ReasonInvalidTransition)))
}
