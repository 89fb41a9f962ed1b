package callctx

import (
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/wardline/pkg/hospital"
)

// Turn is one utterance by either party. Turns are never edited once appended.
type Turn struct {
	Role Role
	Text string
	At   time.Time
}

// CollectedField is a structured intake value. It only counts once confirmed.
type CollectedField struct {
	Value     string
	Confirmed bool
}

// SentimentData is the heuristic mood of the recent conversation.
type SentimentData struct {
	Overall          float64
	Frustration      float64
	Urgency          float64
	EscalationNeeded bool
	Reason           string
}

// NeutralSentiment is the value a call starts with.
func NeutralSentiment() SentimentData {
	return SentimentData{Overall: 0.5}
}

// Clamped returns d with every score bounded to [0,1].
func (d SentimentData) Clamped() SentimentData {
	d.Overall = clamp01(d.Overall)
	d.Frustration = clamp01(d.Frustration)
	d.Urgency = clamp01(d.Urgency)
	return d
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Attrs seeds a new context.
type Attrs struct {
	From     string
	To       string
	Hospital hospital.Config
	RecordID string
}

// Context is the mutable state of one active call. All accessors are safe for
// concurrent use; the conversation engine is the only writer of lifecycle state.
type Context struct {
	CallID    string
	From      string
	To        string
	StartedAt time.Time

	now func() time.Time

	mu               sync.RWMutex
	hospital         hospital.Config
	recordID         string
	state            State
	passedEscalating bool
	intent           Intent
	emergency        bool
	history          []Turn
	fields           map[string]CollectedField
	sentiment        SentimentData
	sentimentSeq     uint64
	callerTurns      int
	endedAt          time.Time
	lastActivity     time.Time
}

func newContext(callID string, attrs Attrs, now func() time.Time) *Context {
	if now == nil {
		now = time.Now
	}
	ts := now()
	return &Context{
		CallID:       callID,
		From:         attrs.From,
		To:           attrs.To,
		StartedAt:    ts,
		now:          now,
		hospital:     attrs.Hospital.Clone(),
		recordID:     attrs.RecordID,
		state:        StateInitializing,
		fields:       make(map[string]CollectedField),
		sentiment:    NeutralSentiment(),
		lastActivity: ts,
	}
}

func (c *Context) Hospital() hospital.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hospital.Clone()
}

func (c *Context) HospitalID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hospital.ID
}

func (c *Context) RecordID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recordID
}

func (c *Context) SetRecordID(id string) {
	c.mu.Lock()
	c.recordID = id
	c.mu.Unlock()
}

func (c *Context) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetState stores a new lifecycle state and returns the previous one.
// Transition rules are enforced by the conversation engine, not here.
func (c *Context) SetState(s State) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state
	c.state = s
	if s == StateEscalating {
		c.passedEscalating = true
	}
	c.lastActivity = c.now()
	return prev
}

// PassedEscalating reports whether the call has ever been in ESCALATING.
func (c *Context) PassedEscalating() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.passedEscalating
}

func (c *Context) Intent() Intent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.intent
}

func (c *Context) SetIntent(i Intent) {
	c.mu.Lock()
	c.intent = i
	c.mu.Unlock()
}

func (c *Context) Emergency() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.emergency
}

// MarkEmergency latches the emergency flag. The flag never resets, and the
// call is moved to ESCALATING if it has not been there yet.
func (c *Context) MarkEmergency() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emergency = true
	c.intent = IntentEmergency
	if !c.passedEscalating {
		c.state = StateEscalating
		c.passedEscalating = true
	}
	c.lastActivity = c.now()
}

// AddCallerTurn appends a caller utterance. Blank text is ignored and does not
// advance the caller turn counter. It returns the counter after the append.
func (c *Context) AddCallerTurn(text string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if strings.TrimSpace(text) == "" {
		return c.callerTurns, false
	}
	ts := c.now()
	c.history = append(c.history, Turn{Role: RoleCaller, Text: text, At: ts})
	c.callerTurns++
	c.lastActivity = ts
	return c.callerTurns, true
}

func (c *Context) AddAssistantTurn(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now()
	c.history = append(c.history, Turn{Role: RoleAssistant, Text: text, At: ts})
	c.lastActivity = ts
}

func (c *Context) CallerTurns() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callerTurns
}

// History returns a copy of every turn in order.
func (c *Context) History() []Turn {
	return c.LastTurns(0)
}

// LastTurns returns a copy of the last n turns. n <= 0 returns all of them.
func (c *Context) LastTurns(n int) []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return tail(c.history, n)
}

// ConversationText renders the last n turns as "Role: text" lines.
func (c *Context) ConversationText(n int) string {
	return FormatTurns(c.LastTurns(n))
}

// FormatTurns renders turns the way they are fed to scorers and prompts.
func FormatTurns(turns []Turn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, t.Role.Label()+": "+t.Text)
	}
	return strings.Join(lines, "\n")
}

func tail(turns []Turn, n int) []Turn {
	start := 0
	if n > 0 && n < len(turns) {
		start = len(turns) - n
	}
	out := make([]Turn, len(turns)-start)
	copy(out, turns[start:])
	return out
}

// CollectField records an intake value. Later writes for the same key win.
func (c *Context) CollectField(key, value string, confirmed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fields[key] = CollectedField{Value: value, Confirmed: confirmed}
	c.lastActivity = c.now()
}

func (c *Context) Field(key string) (CollectedField, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.fields[key]
	return f, ok
}

func (c *Context) Fields() map[string]CollectedField {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]CollectedField, len(c.fields))
	for k, v := range c.fields {
		out[k] = v
	}
	return out
}

// MissingFields lists required keys that are absent or unconfirmed.
func (c *Context) MissingFields(required []string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var missing []string
	for _, key := range required {
		if f, ok := c.fields[key]; !ok || !f.Confirmed {
			missing = append(missing, key)
		}
	}
	return missing
}

func (c *Context) HasRequiredFields(required []string) bool {
	return len(c.MissingFields(required)) == 0
}

func (c *Context) Sentiment() SentimentData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sentiment
}

// ApplySentiment stores d if seq is newer than the last applied write.
// Readers see either the previous value or d, never a mix of both.
func (c *Context) ApplySentiment(seq uint64, d SentimentData) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq <= c.sentimentSeq {
		return false
	}
	c.sentimentSeq = seq
	c.sentiment = d.Clamped()
	return true
}

// ShouldEscalate is the routing policy: emergency dominates, then the latest
// sentiment, then an explicit transfer request.
func (c *Context) ShouldEscalate() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.emergency {
		return true
	}
	if c.sentiment.EscalationNeeded || c.sentiment.Frustration > 0.7 {
		return true
	}
	return c.intent == IntentTransfer
}

// End stamps the end time and moves the call to COMPLETED.
func (c *Context) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateCompleted
	if c.endedAt.IsZero() {
		c.endedAt = c.now()
	}
	c.lastActivity = c.endedAt
}

func (c *Context) EndedAt() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endedAt, !c.endedAt.IsZero()
}

func (c *Context) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// Snapshot is a consistent, detached view of a context.
type Snapshot struct {
	CallID      string
	From        string
	To          string
	Hospital    hospital.Config
	State       State
	Intent      Intent
	Emergency   bool
	History     []Turn
	Fields      map[string]CollectedField
	Sentiment   SentimentData
	CallerTurns int
	StartedAt   time.Time
}

// Snapshot copies the context under a single read lock.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fields := make(map[string]CollectedField, len(c.fields))
	for k, v := range c.fields {
		fields[k] = v
	}
	return Snapshot{
		CallID:      c.CallID,
		From:        c.From,
		To:          c.To,
		Hospital:    c.hospital.Clone(),
		State:       c.state,
		Intent:      c.intent,
		Emergency:   c.emergency,
		History:     tail(c.history, 0),
		Fields:      fields,
		Sentiment:   c.sentiment,
		CallerTurns: c.callerTurns,
		StartedAt:   c.StartedAt,
	}
}

// LastTurns returns the last n turns of the snapshot.
func (s Snapshot) LastTurns(n int) []Turn {
	return tail(s.History, n)
}
