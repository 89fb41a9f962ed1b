package twilio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/wardline/pkg/adapters/stt"
	"github.com/harunnryd/wardline/pkg/conversation"
	"github.com/harunnryd/wardline/pkg/errorsx"
)

type TwilioStart struct {
	CallSID  string `json:"callSid"`
	StreamID string `json:"streamSid"`
	From     string `json:"from"`
}

type TwilioMedia struct {
	Payload string `json:"payload"`
}

type TwilioStop struct {
	Reason string `json:"reason"`
}

type TwilioEvent struct {
	Event string       `json:"event"`
	Start *TwilioStart `json:"start,omitempty"`
	Media *TwilioMedia `json:"media,omitempty"`
	Stop  *TwilioStop  `json:"stop,omitempty"`
}

// session is one media stream. A call gets a new stream after every reply,
// since replies are delivered by replacing the call's TwiML.
type session struct {
	callSID   string
	streamID  string
	streamURL string
	conn      *websocket.Conn
	stt       stt.StreamingSTT
	cancel    context.CancelFunc

	// handedOff is set once a reply has been pushed for this stream.
	handedOff atomic.Bool
	closeOnce sync.Once
}

func (s *session) close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.stt.Close()
		err = s.conn.Close()
	})
	return err
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	streamURL := t.websocketURL(r)
	var sess *session
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt TwilioEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil || sess != nil {
				continue
			}
			sess, err = t.attach(evt.Start, streamURL, conn)
			if err != nil {
				t.logger.Error("stream_attach_failed",
					slog.String("call_id", evt.Start.CallSID),
					slog.String("error", err.Error()),
					slog.String("reason_code", string(errorsx.Reason(err))))
				return
			}
		case "media":
			if sess == nil || evt.Media == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				continue
			}
			if err := sess.stt.SendAudio(payload); err != nil {
				t.logger.Debug("stt_send_failed",
					slog.String("call_id", sess.callSID),
					slog.String("error", err.Error()),
					slog.String("reason_code", string(errorsx.ReasonSTTSend)))
			}
		case "stop":
			if sess == nil {
				return
			}
			reason := ""
			if evt.Stop != nil {
				reason = normalizeCallEndReason(evt.Stop.Reason)
			}
			if reason == "" {
				reason = "completed"
			}
			t.streamClosed(sess, reason)
			return
		}
	}
	if sess != nil {
		t.streamClosed(sess, normalizeCallEndReason("transport_closed"))
	}
}

func (t *Transport) attach(start *TwilioStart, streamURL string, conn *websocket.Conn) (*session, error) {
	if t.sttFactory == nil {
		return nil, errors.New("no stt factory configured")
	}
	recognizer := t.sttFactory(start.CallSID, start.StreamID)
	ctx, cancel := context.WithCancel(context.Background())
	if err := recognizer.Start(ctx); err != nil {
		cancel()
		return nil, errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	sess := &session{
		callSID:   start.CallSID,
		streamID:  start.StreamID,
		streamURL: streamURL,
		conn:      conn,
		stt:       recognizer,
		cancel:    cancel,
	}

	var old *session
	t.mu.Lock()
	if existing := t.callStreams[start.CallSID]; existing != "" && existing != start.StreamID {
		old = t.sessions[existing]
		delete(t.sessions, existing)
	}
	t.sessions[start.StreamID] = sess
	t.callStreams[start.CallSID] = start.StreamID
	delete(t.pendingStop, start.CallSID)
	if _, ok := t.startedAt[start.CallSID]; !ok {
		t.startedAt[start.CallSID] = time.Now()
	}
	t.mu.Unlock()
	if old != nil {
		_ = old.close()
	}

	t.logger.Debug("stream_attached",
		slog.String("call_id", sess.callSID),
		slog.String("stream_id", sess.streamID),
		slog.String("stt", recognizer.Name()))
	go t.consume(ctx, sess)
	return sess, nil
}

// detach forgets a stream and returns its session if it was still current.
func (t *Transport) detach(streamID string) *session {
	t.mu.Lock()
	sess := t.sessions[streamID]
	delete(t.sessions, streamID)
	if sess != nil && t.callStreams[sess.callSID] == streamID {
		delete(t.callStreams, sess.callSID)
	}
	t.mu.Unlock()
	if sess != nil {
		_ = sess.close()
	}
	return sess
}

func (t *Transport) streamForCall(callSID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callStreams[callSID]
}

// streamClosed ends the call unless the stream stopped because a reply was
// pushed or a newer stream already replaced it.
func (t *Transport) streamClosed(sess *session, reason string) {
	var expected, hasStart bool
	var started time.Time
	t.mu.Lock()
	current := t.sessions[sess.streamID] == sess
	if current {
		delete(t.sessions, sess.streamID)
		if t.callStreams[sess.callSID] == sess.streamID {
			delete(t.callStreams, sess.callSID)
		}
		expected = t.pendingStop[sess.callSID]
		delete(t.pendingStop, sess.callSID)
		started, hasStart = t.startedAt[sess.callSID]
	}
	t.mu.Unlock()
	_ = sess.close()
	if !current {
		return
	}
	if expected {
		t.logger.Debug("stream_handed_off",
			slog.String("call_id", sess.callSID),
			slog.String("stream_id", sess.streamID))
		return
	}
	var duration time.Duration
	if hasStart {
		duration = time.Since(started)
	}
	t.endCall(context.Background(), sess.callSID, reason, duration)
}

func (t *Transport) consume(ctx context.Context, sess *session) {
	for tr := range sess.stt.Results() {
		if !tr.IsFinal || strings.TrimSpace(tr.Text) == "" {
			continue
		}
		if sess.handedOff.Load() {
			continue
		}
		t.respond(ctx, sess, tr)
	}
}

func (t *Transport) respond(ctx context.Context, sess *session, tr stt.Transcript) {
	d, err := t.conv.HandleUtterance(ctx, conversation.Utterance{
		CallID:     sess.callSID,
		Text:       tr.Text,
		Confidence: tr.Confidence,
	})
	if err != nil {
		t.logger.Error("utterance_failed",
			slog.String("call_id", sess.callSID),
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.Reason(err))))
		d = conversation.Directive{Say: []string{conversation.FallbackText}, Action: conversation.ActionListen}
	}
	body := t.directiveTwiml(d, sess.streamURL)

	sess.handedOff.Store(true)
	t.mu.Lock()
	t.pendingStop[sess.callSID] = true
	t.mu.Unlock()
	if err := t.pushTwiml(sess.callSID, body); err != nil {
		sess.handedOff.Store(false)
		t.mu.Lock()
		delete(t.pendingStop, sess.callSID)
		t.mu.Unlock()
		t.logger.Warn("twiml_push_failed",
			slog.String("call_id", sess.callSID),
			slog.String("action", d.Action.String()),
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.Reason(err))))
	}
}
