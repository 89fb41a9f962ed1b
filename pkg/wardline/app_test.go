package wardline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/wardline/pkg/audit"
	"github.com/harunnryd/wardline/pkg/events"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *capturePublisher) types() map[events.Type]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[events.Type]int)
	for _, e := range p.events {
		out[e.Type]++
	}
	return out
}

type captureRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *captureRecorder) Record(_ context.Context, e audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *captureRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func newTestApp(t *testing.T, responses ...string) (*App, *capturePublisher, *captureRecorder) {
	t.Helper()
	cfg := DefaultConfig()
	items := make([]any, 0, len(responses))
	for _, r := range responses {
		items = append(items, r)
	}
	cfg.Vendors.LLM = VendorConfig{Provider: "mock", Settings: map[string]any{"responses": items}}
	cfg.Server.DrainTimeoutMS = 500
	pub := &capturePublisher{}
	rec := &captureRecorder{}
	app, err := New(context.Background(), Options{Config: cfg, Audit: rec, Publishers: []events.Publisher{pub}})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = app.Stop() })
	return app, pub, rec
}

func post(t *testing.T, h http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAppCallLifecycle(t *testing.T) {
	app, pub, _ := newTestApp(t, "I can help you book that. What day works for you?")
	h := app.Transport().Handler()

	rr := post(t, h, "/voice/incoming", url.Values{"CallSid": {"CA100"}, "From": {"+15550001111"}, "To": {"+15550002222"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("incoming status %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Wardline Medical Center") {
		t.Fatalf("expected greeting with default hospital, got %s", rr.Body.String())
	}
	if app.Store().Count() != 1 {
		t.Fatalf("expected one active call, got %d", app.Store().Count())
	}

	rr = post(t, h, "/voice/process", url.Values{"CallSid": {"CA100"}, "SpeechResult": {"I would like to book an appointment"}, "Confidence": {"0.92"}})
	if !strings.Contains(rr.Body.String(), "What day works for you?") {
		t.Fatalf("expected completion in reply, got %s", rr.Body.String())
	}

	rr = post(t, h, "/voice/status", url.Values{"CallSid": {"CA100"}, "CallStatus": {"completed"}, "CallDuration": {"42"}})
	if rr.Code != http.StatusOK && rr.Code != http.StatusNoContent {
		t.Fatalf("status callback code %d", rr.Code)
	}
	if app.Store().Count() != 0 {
		t.Fatalf("expected call removed after completion, got %d", app.Store().Count())
	}

	seen := pub.types()
	for _, want := range []events.Type{events.TypeCallStarted, events.TypeStateChanged, events.TypeCallEnded} {
		if seen[want] == 0 {
			t.Fatalf("expected %s event, saw %v", want, seen)
		}
	}
}

func TestAppIdleSweepPublishesCallEnded(t *testing.T) {
	app, pub, _ := newTestApp(t, "Okay.")
	h := app.Transport().Handler()
	post(t, h, "/voice/incoming", url.Values{"CallSid": {"CA300"}, "From": {"+15550001111"}})
	if pub.types()[events.TypeCallEnded] != 0 {
		t.Fatalf("unexpected call_ended before sweep")
	}

	if n := app.Store().Sweep(time.Now().Add(2 * time.Hour)); n != 1 {
		t.Fatalf("expected one idle call swept, got %d", n)
	}
	if pub.types()[events.TypeCallEnded] != 1 {
		t.Fatalf("expected call_ended for idle sweep, saw %v", pub.types())
	}
}

func TestAppEmergencyPublishesEvent(t *testing.T) {
	app, pub, rec := newTestApp(t, "unused")
	h := app.Transport().Handler()
	post(t, h, "/voice/incoming", url.Values{"CallSid": {"CA200"}, "From": {"+15550003333"}})
	rr := post(t, h, "/voice/process", url.Values{"CallSid": {"CA200"}, "SpeechResult": {"I have chest pain and can't breathe"}})
	if !strings.Contains(rr.Body.String(), "911") {
		t.Fatalf("expected emergency instructions, got %s", rr.Body.String())
	}
	if pub.types()[events.TypeEmergencyDetected] != 1 {
		t.Fatalf("expected one emergency event, saw %v", pub.types())
	}
	if rec.count() == 0 {
		t.Fatalf("expected an audit entry for the emergency")
	}
}

func TestAppDrainWaitsForCalls(t *testing.T) {
	app, _, _ := newTestApp(t, "ok")
	h := app.Transport().Handler()
	post(t, h, "/voice/incoming", url.Values{"CallSid": {"CA300"}})

	start := time.Now()
	err := app.Drain()
	if err == nil {
		t.Fatalf("expected drain timeout with an active call")
	}
	if time.Since(start) < 400*time.Millisecond {
		t.Fatalf("drain returned before its timeout")
	}
}

func TestAppDrainRefusesNewCalls(t *testing.T) {
	app, _, _ := newTestApp(t, "ok")
	h := app.Transport().Handler()
	app.Transport().Drain()
	rr := post(t, h, "/voice/incoming", url.Values{"CallSid": {"CA400"}})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %d", rr.Code)
	}
}

func TestAppStreamModeRequiresSTT(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Twilio.Mode = "stream"
	cfg.Twilio.AccountSID = "AC1"
	cfg.Twilio.AuthToken = "tok"
	cfg.Vendors.STT = VendorConfig{Provider: "whisper"}
	if _, err := New(context.Background(), Options{Config: cfg, Audit: audit.Noop{}}); err == nil {
		t.Fatalf("expected stt build error")
	}
}
