package twilio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/wardline/pkg/adapters/stt"
	"github.com/harunnryd/wardline/pkg/callctx"
	"github.com/harunnryd/wardline/pkg/conversation"
	"github.com/harunnryd/wardline/pkg/errorsx"
	"github.com/harunnryd/wardline/pkg/logging"
	"github.com/harunnryd/wardline/pkg/redact"
	"github.com/harunnryd/wardline/pkg/transports"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

const (
	ModeGather = "gather"
	ModeStream = "stream"
)

// pickUpPrompt answers the incoming webhook again for a call that is already active.
const pickUpPrompt = "How can I help you today?"

type Config struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	PublicURL      string   `mapstructure:"public_url"`
	AuthToken      string   `mapstructure:"auth_token"`
	AccountSID     string   `mapstructure:"account_sid"`
	Mode           string   `mapstructure:"mode"`
	IncomingPath   string   `mapstructure:"incoming_path"`
	ProcessPath    string   `mapstructure:"process_path"`
	StatusPath     string   `mapstructure:"status_path"`
	WebsocketPath  string   `mapstructure:"ws_path"`
	Voice          string   `mapstructure:"voice"`
	Language       string   `mapstructure:"language"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Mode != ModeStream {
		c.Mode = ModeGather
	}
	if c.IncomingPath == "" {
		c.IncomingPath = "/voice/incoming"
	}
	if c.ProcessPath == "" {
		c.ProcessPath = "/voice/process"
	}
	if c.StatusPath == "" {
		c.StatusPath = "/voice/status"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.Voice == "" {
		c.Voice = "Polly.Joanna"
	}
	if c.Language == "" {
		c.Language = "en-US"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Transport answers Twilio voice webhooks. In stream mode it also accepts
// media streams and feeds caller audio to a recognizer.
type Transport struct {
	cfg      Config
	conv     transports.Conversation
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger

	sttFactory   stt.Factory
	updateClient callUpdater
	mounts       map[string]http.Handler

	mu          sync.Mutex
	sessions    map[string]*session
	callStreams map[string]string
	pendingStop map[string]bool
	startedAt   map[string]time.Time

	draining atomic.Bool
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

func New(cfg Config, conv transports.Conversation, logger *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:  cfg,
		conv: conv,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger:      logging.NewComponentLogger(logger, "twilio_transport"),
		mounts:      make(map[string]http.Handler),
		sessions:    make(map[string]*session),
		callStreams: make(map[string]string),
		pendingStop: make(map[string]bool),
		startedAt:   make(map[string]time.Time),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) Mode() string { return t.cfg.Mode }

// SetSTTFactory supplies per-call recognizers for stream mode.
func (t *Transport) SetSTTFactory(f stt.Factory) { t.sttFactory = f }

// Mount serves an extra handler on the transport listener. Call before Start.
func (t *Transport) Mount(path string, h http.Handler) {
	if path == "" || h == nil {
		return
	}
	t.mounts[path] = h
}

func (t *Transport) ReadyFields() map[string]any {
	fields := map[string]any{
		"mode":                t.cfg.Mode,
		"webhook_url":         t.publicHTTPURL(t.cfg.IncomingPath),
		"status_callback_url": t.publicHTTPURL(t.cfg.StatusPath),
	}
	if t.cfg.Mode == ModeStream {
		fields["stream_url"] = t.websocketURL(nil)
	}
	return fields
}

// Handler returns the transport routes without binding a listener.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.IncomingPath, t.handleIncoming)
	mux.HandleFunc(t.cfg.ProcessPath, t.handleProcess)
	mux.HandleFunc(t.cfg.StatusPath, t.handleStatusCallback)
	if t.cfg.Mode == ModeStream {
		mux.Handle(t.cfg.WebsocketPath, t)
	}
	for path, h := range t.mounts {
		mux.Handle(path, h)
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if t.cfg.Mode == ModeStream && t.sttFactory == nil {
		return errors.New("stream mode requires an stt factory")
	}
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           t.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("twilio_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

// Drain refuses new calls. Calls already in progress keep being served.
func (t *Transport) Drain() {
	t.draining.Store(true)
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = t.server.Shutdown(ctx)
		cancel()
	}
	t.mu.Lock()
	sessions := t.sessions
	t.sessions = make(map[string]*session)
	t.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.close()
	}
	return nil
}

func (t *Transport) handleIncoming(w http.ResponseWriter, r *http.Request) {
	if !t.acceptWebhook(w, r, "incoming") {
		return
	}
	callSID := r.FormValue("CallSid")
	if _, active := t.callStarted(callSID); t.draining.Load() && !active {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	start := conversation.CallStart{CallID: callSID, From: r.FormValue("From"), To: r.FormValue("To")}
	d, err := t.conv.StartCall(r.Context(), start)
	switch {
	case errors.Is(err, callctx.ErrDuplicateCall):
		d = conversation.Directive{Say: []string{pickUpPrompt}, Action: conversation.ActionListen}
	case err != nil:
		t.logger.Error("call_start_failed",
			slog.String("call_id", callSID),
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.Reason(err))))
		d = conversation.Directive{Say: []string{conversation.FallbackText}, Action: conversation.ActionListen}
	default:
		t.markStarted(callSID)
		t.logger.Info("call_answered",
			slog.String("call_id", callSID),
			slog.String("from", redact.Phone(start.From)),
			slog.String("mode", t.cfg.Mode))
	}
	writeTwiml(w, t.greetingTwiml(d, t.websocketURL(r)))
}

func (t *Transport) handleProcess(w http.ResponseWriter, r *http.Request) {
	if !t.acceptWebhook(w, r, "process") {
		return
	}
	callSID := r.FormValue("CallSid")
	confidence, _ := strconv.ParseFloat(r.FormValue("Confidence"), 64)
	u := conversation.Utterance{CallID: callSID, Text: r.FormValue("SpeechResult"), Confidence: confidence}
	d, err := t.conv.HandleUtterance(r.Context(), u)
	if err != nil {
		t.logger.Error("utterance_failed",
			slog.String("call_id", callSID),
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.Reason(err))))
		d = conversation.Directive{Say: []string{conversation.FallbackText}, Action: conversation.ActionListen}
	}
	writeTwiml(w, t.directiveTwiml(d, t.websocketURL(r)))
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if !t.acceptWebhook(w, r, "status") {
		return
	}
	callSID := r.FormValue("CallSid")
	status := strings.ToLower(strings.TrimSpace(r.FormValue("CallStatus")))
	if callSID == "" || !terminalStatus(status) {
		w.WriteHeader(http.StatusOK)
		return
	}
	var duration time.Duration
	if secs, err := strconv.Atoi(r.FormValue("CallDuration")); err == nil && secs > 0 {
		duration = time.Duration(secs) * time.Second
	} else if started, ok := t.callStarted(callSID); ok {
		duration = time.Since(started)
	}
	t.endCall(r.Context(), callSID, status, duration)
	if streamID := t.streamForCall(callSID); streamID != "" {
		t.detach(streamID)
	}
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) endCall(ctx context.Context, callSID, reason string, duration time.Duration) {
	t.mu.Lock()
	delete(t.startedAt, callSID)
	delete(t.pendingStop, callSID)
	t.mu.Unlock()
	if err := t.conv.EndCall(ctx, conversation.CallEnd{CallID: callSID, Reason: reason, Duration: duration}); err != nil {
		t.logger.Warn("call_end_failed",
			slog.String("call_id", callSID),
			slog.String("error", err.Error()))
	}
}

// acceptWebhook enforces POST and the Twilio signature, then parses the form.
func (t *Transport) acceptWebhook(w http.ResponseWriter, r *http.Request, name string) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_invalid_signature",
			slog.String("webhook", name),
			slog.String("reason_code", string(errorsx.ReasonTransportInvalidSignature)))
		w.WriteHeader(http.StatusForbidden)
		return false
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	return true
}

func writeTwiml(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(body))
}

func terminalStatus(status string) bool {
	switch status {
	case "completed", "failed", "busy", "no-answer", "canceled":
		return true
	}
	return false
}

func (t *Transport) markStarted(callSID string) {
	t.mu.Lock()
	t.startedAt[callSID] = time.Now()
	t.mu.Unlock()
}

func (t *Transport) callStarted(callSID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.startedAt[callSID]
	return ts, ok
}

func (t *Transport) updater() (callUpdater, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.updateClient != nil {
		return t.updateClient, nil
	}
	if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
		return nil, errors.New("missing twilio credentials")
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: t.cfg.AccountSID,
		Password: t.cfg.AuthToken,
	})
	t.updateClient = rest.Api
	return t.updateClient, nil
}

// pushTwiml replaces the instructions an in-progress call is executing.
func (t *Transport) pushTwiml(callSID, body string) error {
	if strings.TrimSpace(callSID) == "" {
		return errors.New("call sid required")
	}
	updater, err := t.updater()
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	params := &api.UpdateCallParams{}
	params.SetTwiml(body)
	if _, err := updater.UpdateCall(callSID, params); err != nil {
		return errorsx.Wrapf(err, errorsx.ReasonTransportSend, "update call %s", callSID)
	}
	return nil
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := ""
	if r != nil {
		host = r.Host
	}
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) publicHTTPURL(path string) string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		if !strings.Contains(base, "://") {
			base = "https://" + base
		}
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

// normalizeCallEndReason maps media stream stop reasons onto call statuses.
func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	switch r {
	case "":
		return ""
	case "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no-answer"
	case "canceled", "cancelled":
		return "canceled"
	case "failed", "error", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}
