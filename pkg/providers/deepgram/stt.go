package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/wardline/pkg/adapters/stt"
	"github.com/harunnryd/wardline/pkg/errorsx"
	"github.com/harunnryd/wardline/pkg/logging"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string
	Model          string
	Language       string
	SampleRate     int
	Encoding       string
	Interim        bool
	VADEvents      bool
	UtteranceEndMS int
	CallID         string
	StreamID       string
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "nova-2-phonecall"
	}
	if c.Language == "" {
		c.Language = "en-US"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 8000
	}
	if c.Encoding == "" {
		c.Encoding = "mulaw"
	}
	return c
}

// StreamingSTT streams Twilio call audio to Deepgram and emits one final
// transcript per caller utterance.
type StreamingSTT struct {
	cfg        Config
	dgClient   *client.WSCallback
	out        chan stt.Transcript
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	logger     *slog.Logger

	mu        sync.Mutex
	segments  []string
	conf      float64
	closeOnce sync.Once
}

func New(cfg Config) *StreamingSTT {
	cfg = cfg.withDefaults()
	logger := logging.NewComponentLogger(slog.Default(), "deepgram_stt")
	return &StreamingSTT{
		cfg:    cfg,
		out:    make(chan stt.Transcript, 64),
		logger: logger.With("call_id", cfg.CallID, "stream_id", cfg.StreamID),
	}
}

func (s *StreamingSTT) Name() string { return "deepgram_streaming" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		InterimResults: s.cfg.Interim,
		VadEvents:      s.cfg.VADEvents,
		SmartFormat:    true,
		Punctuate:      true,
	}
	if s.cfg.UtteranceEndMS > 0 {
		// utterance_end requires interim results on the Deepgram side.
		transcriptOptions.InterimResults = true
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", s.cfg.UtteranceEndMS)
	}

	s.logger.Info("deepgram_connecting",
		slog.String("model", s.cfg.Model),
		slog.Int("sample_rate", s.cfg.SampleRate))

	dgClient, err := client.NewWSUsingCallback(s.ctx, s.cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: s})
	if err != nil {
		s.logger.Error("deepgram_client_create_error",
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.ReasonSTTConnect)))
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	s.dgClient = dgClient

	if connected := s.dgClient.Connect(); !connected {
		s.logger.Error("deepgram_connect_failed", slog.String("reason_code", string(errorsx.ReasonSTTConnect)))
		return errorsx.New(errorsx.ReasonSTTConnect, "deepgram connection failed")
	}
	s.logger.Info("deepgram_connected")

	go func() {
		if err := s.dgClient.Stream(s.pipeReader); err != nil && s.ctx.Err() == nil {
			s.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (s *StreamingSTT) Close() error {
	s.closeOnce.Do(func() {
		s.logger.Info("deepgram_closing")
		if s.cancel != nil {
			s.cancel()
		}
		if s.pipeWriter != nil {
			_ = s.pipeWriter.Close()
		}
		if s.dgClient != nil {
			s.dgClient.Stop()
		}
		s.flush()
		close(s.out)
	})
	return nil
}

func (s *StreamingSTT) SendAudio(chunk []byte) error {
	if s.pipeWriter == nil {
		return errorsx.New(errorsx.ReasonSTTSend, "not started")
	}
	if _, err := s.pipeWriter.Write(chunk); err != nil {
		s.logger.Error("deepgram_send_failed",
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.ReasonSTTSend)))
		return errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	return nil
}

func (s *StreamingSTT) Results() <-chan stt.Transcript { return s.out }

// addSegment buffers a finalized segment. Deepgram finalizes long utterances
// in pieces; they are joined until speech_final or utterance_end.
func (s *StreamingSTT) addSegment(text string, confidence float64) {
	s.mu.Lock()
	s.segments = append(s.segments, text)
	if confidence > s.conf {
		s.conf = confidence
	}
	s.mu.Unlock()
}

func (s *StreamingSTT) flush() {
	s.mu.Lock()
	text := strings.TrimSpace(strings.Join(s.segments, " "))
	conf := s.conf
	s.segments = nil
	s.conf = 0
	s.mu.Unlock()
	if text == "" {
		return
	}
	s.emit(stt.Transcript{Text: text, Confidence: conf, IsFinal: true, At: time.Now()})
}

func (s *StreamingSTT) emit(t stt.Transcript) {
	select {
	case s.out <- t:
	default:
		s.logger.Warn("deepgram_out_channel_full")
	}
}

type callback struct {
	parent *StreamingSTT
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	transcript := strings.TrimSpace(alt.Transcript)
	if transcript == "" {
		if mr.SpeechFinal {
			c.parent.flush()
		}
		return nil
	}
	if !mr.IsFinal {
		if c.parent.cfg.Interim {
			c.parent.emit(stt.Transcript{Text: transcript, Confidence: alt.Confidence, At: time.Now()})
		}
		return nil
	}
	c.parent.addSegment(transcript, alt.Confidence)
	if mr.SpeechFinal {
		c.parent.flush()
	}
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.logger.Debug("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("speech_started_event")
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("utterance_end_event", slog.Int("utterance_end_ms", c.parent.cfg.UtteranceEndMS))
	c.parent.flush()
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed")
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.String("data", string(byData)))
	return nil
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
