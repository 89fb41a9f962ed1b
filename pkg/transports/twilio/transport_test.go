package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/wardline/pkg/adapters/stt"
	"github.com/harunnryd/wardline/pkg/callctx"
	"github.com/harunnryd/wardline/pkg/conversation"
	"github.com/harunnryd/wardline/pkg/errorsx"
	"github.com/harunnryd/wardline/pkg/providers/mock"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeConversation struct {
	mu         sync.Mutex
	startErr   error
	greeting   conversation.Directive
	reply      conversation.Directive
	utterances []conversation.Utterance
	ended      chan conversation.CallEnd
}

func newFakeConversation() *fakeConversation {
	return &fakeConversation{
		greeting: conversation.Directive{Say: []string{"Hello, thank you for calling."}, Action: conversation.ActionListen},
		reply:    conversation.Directive{Say: []string{"Sure."}, Action: conversation.ActionListen},
		ended:    make(chan conversation.CallEnd, 4),
	}
}

func (f *fakeConversation) StartCall(_ context.Context, _ conversation.CallStart) (conversation.Directive, error) {
	if f.startErr != nil {
		return conversation.Directive{}, f.startErr
	}
	return f.greeting, nil
}

func (f *fakeConversation) HandleUtterance(_ context.Context, u conversation.Utterance) (conversation.Directive, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.utterances = append(f.utterances, u)
	return f.reply, nil
}

func (f *fakeConversation) EndCall(_ context.Context, end conversation.CallEnd) error {
	f.ended <- end
	return nil
}

func (f *fakeConversation) lastUtterance() (conversation.Utterance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.utterances) == 0 {
		return conversation.Utterance{}, false
	}
	return f.utterances[len(f.utterances)-1], true
}

type stubCallUpdater struct {
	mu        sync.Mutex
	lastSID   string
	lastTwiml string
	err       error
	pushed    chan string
}

func (s *stubCallUpdater) UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error) {
	s.mu.Lock()
	s.lastSID = sid
	if params != nil && params.Twiml != nil {
		s.lastTwiml = *params.Twiml
	}
	err, body := s.err, s.lastTwiml
	s.mu.Unlock()
	if s.pushed != nil {
		s.pushed <- body
	}
	if err != nil {
		return nil, err
	}
	return &api.ApiV2010Call{}, nil
}

func postForm(t *testing.T, tr *Transport, handler http.HandlerFunc, path string, params map[string]string, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	req := httptest.NewRequest(http.MethodPost, "https://example.com"+path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if sign {
		req.Header.Set("X-Twilio-Signature", computeSignature(tr.cfg.AuthToken, tr.requestURL(req), params))
	} else {
		req.Header.Set("X-Twilio-Signature", "invalid")
	}
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func TestHandleIncomingSignatureValidation(t *testing.T) {
	tr := New(Config{AuthToken: "token", PublicURL: "https://example.com"}, newFakeConversation(), nil)
	params := map[string]string{"CallSid": "CA123", "From": "+15550001111", "To": "+15550002222"}

	w := postForm(t, tr, tr.handleIncoming, "/voice/incoming", params, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	wInvalid := postForm(t, tr, tr.handleIncoming, "/voice/incoming", params, false)
	if wInvalid.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", wInvalid.Code)
	}
}

func TestHandleIncomingRejectsGet(t *testing.T) {
	tr := New(Config{}, newFakeConversation(), nil)
	req := httptest.NewRequest(http.MethodGet, "/voice/incoming", nil)
	w := httptest.NewRecorder()
	tr.handleIncoming(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestHandleIncomingGatherTwiml(t *testing.T) {
	tr := New(Config{}, newFakeConversation(), nil)
	w := postForm(t, tr, tr.handleIncoming, "/voice/incoming", map[string]string{"CallSid": "CA1"}, false)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/xml" {
		t.Fatalf("expected text/xml, got %q", ct)
	}
	body := w.Body.String()
	for _, want := range []string{
		`language="en-US"><Say voice="Polly.Joanna" language="en-US">Hello, thank you for calling.</Say></Gather>`,
		`<Gather input="speech" action="/voice/process" method="POST" speechTimeout="auto"`,
		`</Gather><Say voice="Polly.Joanna" language="en-US">I didn&apos;t catch that. How can I help you today?</Say>`,
		`<Redirect method="POST">/voice/incoming</Redirect>`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in %s", want, body)
		}
	}
	if _, ok := tr.callStarted("CA1"); !ok {
		t.Fatalf("expected call start time tracked")
	}
}

func TestHandleIncomingDuplicateCallPrompts(t *testing.T) {
	conv := newFakeConversation()
	conv.startErr = errorsx.Wrap(fmt.Errorf("%w: CA1", callctx.ErrDuplicateCall), errorsx.ReasonDuplicateCall)
	tr := New(Config{}, conv, nil)
	w := postForm(t, tr, tr.handleIncoming, "/voice/incoming", map[string]string{"CallSid": "CA1"}, false)
	if !strings.Contains(w.Body.String(), pickUpPrompt) {
		t.Fatalf("expected pick-up prompt, got %s", w.Body.String())
	}
}

func TestHandleIncomingStreamMode(t *testing.T) {
	tr := New(Config{Mode: "stream", PublicURL: "https://example.com/"}, newFakeConversation(), nil)
	w := postForm(t, tr, tr.handleIncoming, "/voice/incoming", map[string]string{"CallSid": "CA1"}, false)
	body := w.Body.String()
	if !strings.Contains(body, `<Connect><Stream url="wss://example.com/ws"/></Connect>`) {
		t.Fatalf("expected stream connect, got %s", body)
	}
	if strings.Contains(body, "<Gather") {
		t.Fatalf("stream mode should not gather: %s", body)
	}
}

func TestHandleIncomingWhileDraining(t *testing.T) {
	tr := New(Config{}, newFakeConversation(), nil)
	tr.Drain()
	w := postForm(t, tr, tr.handleIncoming, "/voice/incoming", map[string]string{"CallSid": "CA9"}, false)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestHandleProcessRendersDirectives(t *testing.T) {
	cases := []struct {
		name  string
		reply conversation.Directive
		want  []string
		deny  []string
	}{
		{
			name:  "listen",
			reply: conversation.Directive{Say: []string{"What day works for you?"}, Action: conversation.ActionListen},
			want:  []string{`<Gather input="speech"`, `What day works for you?</Say></Gather>`, `<Redirect method="POST">/voice/incoming</Redirect>`},
		},
		{
			name:  "transfer",
			reply: conversation.Directive{Say: []string{"Connecting you now."}, Action: conversation.ActionTransfer, TransferTo: "+15550100"},
			want:  []string{`Connecting you now.</Say>`, `<Dial>+15550100</Dial>`},
			deny:  []string{"<Gather"},
		},
		{
			name:  "hold then hangup",
			reply: conversation.Directive{Say: []string{"Please hold."}, Action: conversation.ActionHangup, HoldSeconds: 30},
			want:  []string{`Please hold.</Say><Pause length="30"/><Hangup/>`},
			deny:  []string{"<Gather"},
		},
		{
			name:  "escaping",
			reply: conversation.Directive{Say: []string{`Smith & Sons <clinic> "east"`}, Action: conversation.ActionListen},
			want:  []string{`Smith &amp; Sons &lt;clinic&gt; &quot;east&quot;`},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conv := newFakeConversation()
			conv.reply = tc.reply
			tr := New(Config{}, conv, nil)
			w := postForm(t, tr, tr.handleProcess, "/voice/process", map[string]string{
				"CallSid":      "CA1",
				"SpeechResult": "I need an appointment",
				"Confidence":   "0.87",
			}, false)
			body := w.Body.String()
			for _, want := range tc.want {
				if !strings.Contains(body, want) {
					t.Fatalf("expected %q in %s", want, body)
				}
			}
			for _, deny := range tc.deny {
				if strings.Contains(body, deny) {
					t.Fatalf("unexpected %q in %s", deny, body)
				}
			}
			u, ok := conv.lastUtterance()
			if !ok {
				t.Fatalf("expected utterance forwarded")
			}
			if u.CallID != "CA1" || u.Text != "I need an appointment" || u.Confidence != 0.87 {
				t.Fatalf("unexpected utterance %+v", u)
			}
		})
	}
}

func TestHandleStatusCallbackEndsCall(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com"}
	conv := newFakeConversation()
	tr := New(cfg, conv, nil)

	w := postForm(t, tr, tr.handleStatusCallback, "/voice/status", map[string]string{"CallSid": "CA1", "CallStatus": "in-progress"}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	select {
	case end := <-conv.ended:
		t.Fatalf("unexpected end for in-progress status: %+v", end)
	default:
	}

	w = postForm(t, tr, tr.handleStatusCallback, "/voice/status", map[string]string{
		"CallSid":      "CA1",
		"CallStatus":   "completed",
		"CallDuration": "42",
	}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	select {
	case end := <-conv.ended:
		if end.CallID != "CA1" || end.Reason != "completed" || end.Duration != 42*time.Second {
			t.Fatalf("unexpected end %+v", end)
		}
	default:
		t.Fatalf("expected EndCall for completed status")
	}
}

func TestPushTwiml(t *testing.T) {
	tr := New(Config{AccountSID: "AC123", AuthToken: "token"}, newFakeConversation(), nil)
	stub := &stubCallUpdater{}
	tr.updateClient = stub

	if err := tr.pushTwiml("CA123", "<Response><Hangup/></Response>"); err != nil {
		t.Fatalf("pushTwiml error: %v", err)
	}
	if stub.lastSID != "CA123" {
		t.Fatalf("expected call sid CA123, got %q", stub.lastSID)
	}
	if stub.lastTwiml != "<Response><Hangup/></Response>" {
		t.Fatalf("unexpected twiml %q", stub.lastTwiml)
	}

	stub.err = errors.New("boom")
	err := tr.pushTwiml("CA123", "<Response/>")
	if !errorsx.HasReason(err, errorsx.ReasonTransportSend) {
		t.Fatalf("expected transport_send reason, got %v", err)
	}
	if err := tr.pushTwiml("", "<Response/>"); err == nil {
		t.Fatalf("expected error for empty call sid")
	}
}

func TestPushTwimlRequiresCredentials(t *testing.T) {
	tr := New(Config{}, newFakeConversation(), nil)
	if err := tr.pushTwiml("CA1", "<Response/>"); err == nil {
		t.Fatalf("expected missing credentials error")
	}
}

func TestStreamTranscriptPushesReply(t *testing.T) {
	conv := newFakeConversation()
	tr := New(Config{Mode: ModeStream, PublicURL: "https://example.com"}, conv, nil)
	stub := &stubCallUpdater{pushed: make(chan string, 2)}
	tr.updateClient = stub
	tr.SetSTTFactory(func(callID, streamID string) stt.StreamingSTT {
		return mock.NewSTT(mock.STTConfig{Transcripts: []string{"I need an appointment"}})
	})

	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	sendEvent(t, conn, TwilioEvent{Event: "start", Start: &TwilioStart{CallSID: "CA1", StreamID: "MZ1", From: "+15550001111"}})
	sendEvent(t, conn, TwilioEvent{Event: "media", Media: &TwilioMedia{Payload: base64.StdEncoding.EncodeToString([]byte{0xff, 0xff})}})

	select {
	case body := <-stub.pushed:
		if !strings.Contains(body, `Sure.</Say><Connect><Stream url="wss://example.com/ws"/></Connect>`) {
			t.Fatalf("unexpected pushed twiml %s", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected reply pushed to call")
	}
	u, ok := conv.lastUtterance()
	if !ok || u.Text != "I need an appointment" || u.CallID != "CA1" {
		t.Fatalf("unexpected utterance %+v", u)
	}

	// The stream that follows a pushed reply stops without ending the call.
	sendEvent(t, conn, TwilioEvent{Event: "stop"})
	waitClosed(t, conn)

	next, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer next.Close()
	sendEvent(t, next, TwilioEvent{Event: "start", Start: &TwilioStart{CallSID: "CA1", StreamID: "MZ2"}})
	sendEvent(t, next, TwilioEvent{Event: "stop", Stop: &TwilioStop{Reason: "hangup"}})

	select {
	case end := <-conv.ended:
		if end.CallID != "CA1" || end.Reason != "completed" {
			t.Fatalf("unexpected end %+v", end)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected EndCall after final stop")
	}
	select {
	case end := <-conv.ended:
		t.Fatalf("unexpected second end %+v", end)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStreamRequiresFactory(t *testing.T) {
	tr := New(Config{Mode: ModeStream}, newFakeConversation(), nil)
	if err := tr.Start(context.Background()); err == nil {
		t.Fatalf("expected error without stt factory")
	}
}

func TestNormalizeCallEndReason(t *testing.T) {
	cases := map[string]string{
		"":                 "",
		"in-progress":      "",
		"hangup":           "completed",
		"no_answer":        "no-answer",
		"cancelled":        "canceled",
		"transport_closed": "failed",
		"weird":            "unknown",
	}
	for in, want := range cases {
		if got := normalizeCallEndReason(in); got != want {
			t.Fatalf("normalizeCallEndReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCheckOrigin(t *testing.T) {
	tr := New(Config{AllowedOrigins: []string{"https://dash.example.com", "ops.example.com"}}, newFakeConversation(), nil)
	for origin, want := range map[string]bool{
		"https://dash.example.com": true,
		"http://ops.example.com":   true,
		"https://evil.example.com": false,
		"":                         true,
	} {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if got := tr.checkOrigin(req); got != want {
			t.Fatalf("checkOrigin(%q) = %v, want %v", origin, got, want)
		}
	}
}

func TestReadyFields(t *testing.T) {
	tr := New(Config{Mode: ModeStream, PublicURL: "example.com"}, newFakeConversation(), nil)
	fields := tr.ReadyFields()
	if fields["webhook_url"] != "https://example.com/voice/incoming" {
		t.Fatalf("unexpected webhook url %v", fields["webhook_url"])
	}
	if fields["status_callback_url"] != "https://example.com/voice/status" {
		t.Fatalf("unexpected status url %v", fields["status_callback_url"])
	}
	if fields["stream_url"] != "wss://example.com/ws" {
		t.Fatalf("unexpected stream url %v", fields["stream_url"])
	}
}

func sendEvent(t *testing.T, conn *websocket.Conn, evt TwilioEvent) {
	t.Helper()
	if err := conn.WriteJSON(evt); err != nil {
		t.Fatalf("write event: %v", err)
	}
}

func waitClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatalf("stream was not closed by server")
			}
			return
		}
	}
}

func computeSignature(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	base := url
	for _, k := range keys {
		base += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
