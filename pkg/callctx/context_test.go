package callctx

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/wardline/pkg/hospital"
)

func newTestContext() *Context {
	return newContext("CA1", Attrs{From: "+14155550100", To: "+18005550199", Hospital: hospital.Default("")}, nil)
}

func TestConversationTextReturnsLastTurnsInOrder(t *testing.T) {
	c := newTestContext()
	for i := 1; i <= 4; i++ {
		c.AddCallerTurn(fmt.Sprintf("question %d", i))
		c.AddAssistantTurn(fmt.Sprintf("answer %d", i))
	}
	got := c.ConversationText(3)
	want := "Assistant: answer 3\nUser: question 4\nAssistant: answer 4"
	if got != want {
		t.Fatalf("ConversationText(3) = %q, want %q", got, want)
	}
	if all := c.ConversationText(0); len(c.History()) != 8 || all == "" {
		t.Fatalf("expected all 8 turns, got %d", len(c.History()))
	}
	if got := c.ConversationText(100); got != c.ConversationText(0) {
		t.Fatalf("lastN beyond history should return everything")
	}
}

func TestHistoryIsCopied(t *testing.T) {
	c := newTestContext()
	c.AddCallerTurn("hello")
	h := c.History()
	h[0].Text = "edited"
	if c.History()[0].Text != "hello" {
		t.Fatalf("history must not be editable through a copy")
	}
}

func TestBlankCallerTurnNotCounted(t *testing.T) {
	c := newTestContext()
	if n, ok := c.AddCallerTurn("   "); ok || n != 0 {
		t.Fatalf("blank turn should be ignored, got n=%d ok=%v", n, ok)
	}
	if n, ok := c.AddCallerTurn("hi"); !ok || n != 1 {
		t.Fatalf("expected counter 1, got %d", n)
	}
	c.AddAssistantTurn("hello")
	if c.CallerTurns() != 1 {
		t.Fatalf("assistant turns must not advance the caller counter")
	}
}

func TestShouldEscalateEmergencyDominates(t *testing.T) {
	c := newTestContext()
	c.ApplySentiment(1, SentimentData{Overall: 1})
	if c.ShouldEscalate() {
		t.Fatalf("calm call should not escalate")
	}
	c.MarkEmergency()
	if !c.ShouldEscalate() {
		t.Fatalf("emergency must escalate regardless of sentiment")
	}
	if !c.PassedEscalating() || c.State() != StateEscalating {
		t.Fatalf("emergency implies ESCALATING, got %s", c.State())
	}
	c.SetState(StateCompleted)
	if !c.Emergency() {
		t.Fatalf("emergency flag must be monotonic")
	}
}

func TestShouldEscalateSentimentAndIntent(t *testing.T) {
	c := newTestContext()
	c.ApplySentiment(1, SentimentData{Frustration: 0.7})
	if c.ShouldEscalate() {
		t.Fatalf("frustration 0.7 is not above threshold")
	}
	c.ApplySentiment(2, SentimentData{Frustration: 0.71})
	if !c.ShouldEscalate() {
		t.Fatalf("frustration above 0.7 should escalate")
	}

	c2 := newTestContext()
	c2.ApplySentiment(1, SentimentData{EscalationNeeded: true})
	if !c2.ShouldEscalate() {
		t.Fatalf("escalation_needed should escalate")
	}

	c3 := newTestContext()
	c3.SetIntent(IntentTransfer)
	if !c3.ShouldEscalate() {
		t.Fatalf("transfer intent should escalate")
	}
}

func TestApplySentimentVersioned(t *testing.T) {
	c := newTestContext()
	if s := c.Sentiment(); s.Overall != 0.5 || s.Frustration != 0 {
		t.Fatalf("unexpected default sentiment %+v", s)
	}
	if !c.ApplySentiment(6, SentimentData{Frustration: 0.3}) {
		t.Fatalf("expected newer write to apply")
	}
	if c.ApplySentiment(3, SentimentData{Frustration: 0.9}) {
		t.Fatalf("stale write should be ignored")
	}
	if got := c.Sentiment().Frustration; got != 0.3 {
		t.Fatalf("expected 0.3 after stale write, got %v", got)
	}
	c.ApplySentiment(9, SentimentData{Frustration: 4, Urgency: -1, Overall: 2})
	s := c.Sentiment()
	if s.Frustration != 1 || s.Urgency != 0 || s.Overall != 1 {
		t.Fatalf("expected clamped scores, got %+v", s)
	}
}

func TestConcurrentSentimentWritesAreWhole(t *testing.T) {
	c := newTestContext()
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			v := float64(seq) / 100
			c.ApplySentiment(uint64(seq), SentimentData{Frustration: v, Urgency: v})
		}(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := c.Sentiment()
			if s.Frustration != s.Urgency {
				t.Errorf("torn sentiment read %+v", s)
			}
		}()
	}
	wg.Wait()
	if got := c.Sentiment().Frustration; got != 0.5 {
		t.Fatalf("expected newest write to win, got %v", got)
	}
}

func TestCollectedFieldsRequireConfirmation(t *testing.T) {
	c := newTestContext()
	required := []string{"full_name", "date_of_birth"}
	c.CollectField("full_name", "Ada Lovelace", true)
	c.CollectField("date_of_birth", "12/10/1815", false)
	if c.HasRequiredFields(required) {
		t.Fatalf("unconfirmed field must not satisfy requirement")
	}
	if missing := c.MissingFields(required); len(missing) != 1 || missing[0] != "date_of_birth" {
		t.Fatalf("unexpected missing %v", missing)
	}
	c.CollectField("date_of_birth", "12/10/1815", true)
	if !c.HasRequiredFields(required) {
		t.Fatalf("expected requirements satisfied")
	}
}

func TestEndStampsOnce(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	now := base
	c := newContext("CA9", Attrs{}, func() time.Time { return now })
	if _, ok := c.EndedAt(); ok {
		t.Fatalf("ended-at should be unset")
	}
	now = base.Add(time.Minute)
	c.End()
	now = base.Add(2 * time.Minute)
	c.End()
	ended, ok := c.EndedAt()
	if !ok || !ended.Equal(base.Add(time.Minute)) {
		t.Fatalf("expected first end time, got %v", ended)
	}
	if c.State() != StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", c.State())
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	c := newTestContext()
	c.AddCallerTurn("hi")
	c.CollectField("k", "v", true)
	snap := c.Snapshot()
	c.AddAssistantTurn("hello")
	c.CollectField("k", "changed", true)
	if len(snap.History) != 1 || snap.Fields["k"].Value != "v" {
		t.Fatalf("snapshot changed after capture: %+v", snap)
	}
	if snap.Hospital.Name != hospital.DefaultName {
		t.Fatalf("expected default hospital name, got %q", snap.Hospital.Name)
	}
}

func TestStateString(t *testing.T) {
	if StateCollectingInfo.String() != "COLLECTING_INFO" {
		t.Fatalf("unexpected %q", StateCollectingInfo.String())
	}
	if State(42).String() != "UNKNOWN" {
		t.Fatalf("out of range state should be UNKNOWN")
	}
	if !StateCompleted.Terminal() || StateEnding.Terminal() {
		t.Fatalf("only COMPLETED is terminal")
	}
}
