package wardline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/wardline/pkg/audit"
	"github.com/harunnryd/wardline/pkg/callctx"
	"github.com/harunnryd/wardline/pkg/configutil"
	"github.com/harunnryd/wardline/pkg/conversation"
	"github.com/harunnryd/wardline/pkg/events"
	"github.com/harunnryd/wardline/pkg/hospital"
	"github.com/harunnryd/wardline/pkg/logging"
	"github.com/harunnryd/wardline/pkg/redact"
	"github.com/harunnryd/wardline/pkg/responder"
	"github.com/harunnryd/wardline/pkg/sentiment"
	"github.com/harunnryd/wardline/pkg/transports"
	twiliotransport "github.com/harunnryd/wardline/pkg/transports/twilio"
)

const eventPublishTimeout = 2 * time.Second

type Options struct {
	Config    Config
	Providers *ProviderRegistry
	Logger    *slog.Logger

	// Audit overrides the recorder chosen from audit.dsn.
	Audit audit.Recorder
	// Backend overrides the hospital client built from hospital.api_url.
	Backend hospital.Backend
	Records conversation.CallRecords
	// Publishers are added to the configured event sinks.
	Publishers []events.Publisher
}

// App owns every long-lived component of one receptionist process.
type App struct {
	cfg       Config
	logger    *slog.Logger
	store     *callctx.Store
	scheduler *sentiment.Scheduler
	engine    *conversation.Engine
	transport *twiliotransport.Transport
	events    *events.Multi
	redis     *events.RedisPublisher
	hub       *events.Hub
	auditDB   *sql.DB

	cancel    context.CancelFunc
	closeOnce sync.Once
}

func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)
	providers := opts.Providers
	if providers == nil {
		providers = DefaultRegistry()
	}

	logger.Info("wardline_init",
		slog.String("environment", cfg.Environment),
		slog.String("llm_provider", cfg.Vendors.LLM.Provider),
		slog.String("stt_provider", cfg.Vendors.STT.Provider),
		slog.String("twilio_mode", cfg.Twilio.Mode),
		slog.String("duplicate_policy", cfg.Calls.DuplicatePolicy))

	app := &App{cfg: cfg, logger: logger}

	adapter, err := providers.BuildLLM(cfg.Vendors.LLM.Provider, cfg, logging.NewComponentLogger(logger, "llm"))
	if err != nil {
		return nil, fmt.Errorf("build llm: %w", err)
	}

	app.events = events.NewMulti(logger)
	if cfg.Events.Redis.Enabled {
		app.redis = events.NewRedisPublisher(events.RedisConfig{
			Addr:     cfg.Events.Redis.Addr,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			Stream:   cfg.Events.Redis.Stream,
			MaxLen:   cfg.Events.Redis.MaxLen,
		})
		pctx, cancel := context.WithTimeout(ctx, eventPublishTimeout)
		if err := app.redis.Ping(pctx); err != nil {
			logger.Warn("redis_events_unreachable",
				slog.String("addr", cfg.Events.Redis.Addr),
				slog.String("error", err.Error()))
		}
		cancel()
		app.events.Add(app.redis)
	}
	if cfg.Events.Dashboard.Enabled {
		app.hub = events.NewHub(events.HubConfig{
			AllowedOrigins: cfg.Events.Dashboard.AllowedOrigins,
			Logger:         logger,
		})
		app.events.Add(app.hub)
	}
	for _, p := range opts.Publishers {
		app.events.Add(p)
	}

	recorder := opts.Audit
	if recorder == nil {
		recorder, err = app.openAudit(ctx)
		if err != nil {
			app.close()
			return nil, err
		}
	}

	backend, records := opts.Backend, opts.Records
	if backend == nil && strings.TrimSpace(cfg.Hospital.APIURL) != "" {
		client := hospital.NewClient(hospital.ClientConfig{
			BaseURL:    cfg.Hospital.APIURL,
			APIKey:     cfg.Hospital.APIKey,
			Timeout:    configutil.Millis(cfg.Hospital.TimeoutMS, 10*time.Second),
			RetryCount: cfg.Hospital.RetryCount,
		})
		backend = client
		if records == nil {
			records = client
		}
	}
	directory := hospital.NewDirectory(backend, cfg.Hospital.DefaultName, logger)

	app.store = callctx.NewStore(callctx.StoreConfig{
		Policy:        callctx.ParsePolicy(cfg.Calls.DuplicatePolicy),
		IdleTimeout:   configutil.Millis(cfg.Calls.IdleTimeoutMS, time.Hour),
		SweepInterval: configutil.Millis(cfg.Calls.SweepIntervalMS, 15*time.Minute),
		OnEvict:       app.publishEviction,
		Logger: logger,
	})
	app.scheduler = sentiment.NewScheduler(sentiment.SchedulerConfig{
		Every:     cfg.Conversation.SentimentEvery,
		Window:    cfg.Conversation.SentimentWindow,
		Workers:   cfg.Conversation.SentimentWorkers,
		QueueSize: cfg.Conversation.SentimentQueue,
		OnUpdate:  app.publishSentiment,
		Logger:    logger,
	})

	gen := responder.New(adapter, responder.Config{
		HistoryTurns: cfg.Conversation.HistoryTurns,
		MaxTokens:    cfg.Conversation.MaxTokens,
		Timeout:      configutil.Millis(cfg.Conversation.CompletionTimeoutMS, responder.DefaultTimeout),
		Logger:       logger,
	})

	engineCfg := conversation.Config{
		Store:             app.store,
		Responder:         gen,
		Directory:         directory,
		Events:            app.events,
		Audit:             recorder,
		Sentiment:         app.scheduler,
		TransferNumber:    cfg.Conversation.TransferNumber,
		HoldSeconds:       cfg.Conversation.HoldSeconds,
		SideEffectTimeout: configutil.Millis(cfg.Conversation.SideEffectTimeoutMS, 3*time.Second),
		Logger:            logger,
	}
	if records != nil {
		engineCfg.Records = records
	}
	engine := conversation.NewEngine(engineCfg)
	engine.AddListener(conversation.StateListenerFunc(app.publishStateChange))
	app.engine = engine

	app.transport = twiliotransport.New(cfg.TransportConfig(), engine, logger)
	if app.hub != nil {
		app.transport.Mount(cfg.Events.Dashboard.Path, app.hub)
	}
	if app.transport.Mode() == twiliotransport.ModeStream {
		factory, err := providers.BuildSTTFactory(cfg.Vendors.STT.Provider, cfg)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("build stt: %w", err)
		}
		app.transport.SetSTTFactory(factory)
	}
	return app, nil
}

func (a *App) openAudit(ctx context.Context) (audit.Recorder, error) {
	dsn := strings.TrimSpace(a.cfg.Audit.DSN)
	if dsn == "" {
		return audit.Noop{}, nil
	}
	db, err := audit.OpenPostgres(ctx, dsn, a.cfg.Audit.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	a.auditDB = db
	return audit.NewPostgresRecorder(db, audit.PostgresConfig{Logger: a.logger}), nil
}

func (a *App) Engine() *conversation.Engine { return a.engine }

func (a *App) Store() *callctx.Store { return a.store }

func (a *App) Transport() *twiliotransport.Transport { return a.transport }

// Start binds the webhook listener and starts the idle sweeper.
func (a *App) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, a.cancel = context.WithCancel(ctx)
	if err := a.transport.Start(ctx); err != nil {
		a.cancel()
		return err
	}
	go a.store.Run(ctx)

	fields := []any{slog.String("transport", a.transport.Name()), slog.String("addr", a.cfg.Server.Addr)}
	var rr transports.ReadyReporter = a.transport
	for k, v := range rr.ReadyFields() {
		fields = append(fields, slog.Any(k, v))
	}
	a.logger.Info("wardline_ready", fields...)
	return nil
}

// Drain stops accepting calls, waits for active calls to finish and then
// releases every component.
func (a *App) Drain() error {
	a.transport.Drain()
	timeout := configutil.Millis(a.cfg.Server.DrainTimeoutMS, 30*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.logger.Info("wardline_draining", slog.Int64("active_calls", a.store.Count()))
	var err error
	if !a.store.WaitForEmpty(ctx, 250*time.Millisecond) {
		a.logger.Warn("drain_timeout",
			slog.Int64("active_calls", a.store.Count()),
			slog.Duration("timeout", timeout))
		err = errors.New("drain timeout with active calls")
	}
	return errors.Join(err, a.Stop())
}

// Stop releases every component without waiting for calls.
func (a *App) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	return a.close()
}

func (a *App) close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.transport != nil {
			err = errors.Join(err, a.transport.Stop())
		}
		if a.scheduler != nil {
			a.scheduler.Close()
		}
		if a.hub != nil {
			err = errors.Join(err, a.hub.Close())
		}
		if a.redis != nil {
			err = errors.Join(err, a.redis.Close())
		}
		if a.auditDB != nil {
			err = errors.Join(err, a.auditDB.Close())
		}
	})
	return err
}

func (a *App) publishStateChange(ev conversation.StateChange) {
	evt := events.New(events.TypeStateChanged, ev.CallID)
	evt.State = ev.ToState.String()
	evt.Data = map[string]any{
		"from":   ev.FromState.String(),
		"to":     ev.ToState.String(),
		"reason": ev.Reason,
	}
	if c, ok := a.store.Get(ev.CallID); ok {
		evt.HospitalID = c.HospitalID()
	}
	a.emit(evt)
}

// publishEviction reports calls dropped by the idle sweep. Explicit ends
// publish their own call_ended event.
func (a *App) publishEviction(c *callctx.Context, reason callctx.EvictReason) {
	if reason != callctx.EvictIdle {
		return
	}
	evt := events.New(events.TypeCallEnded, c.CallID)
	evt.HospitalID = c.HospitalID()
	evt.State = c.State().String()
	evt.Data = map[string]any{"reason": "idle_timeout"}
	a.emit(evt)
}

func (a *App) publishSentiment(c *callctx.Context, d callctx.SentimentData) {
	evt := events.New(events.TypeSentimentUpdated, c.CallID)
	evt.HospitalID = c.HospitalID()
	evt.State = c.State().String()
	evt.Data = map[string]any{
		"overall":           d.Overall,
		"frustration":       d.Frustration,
		"urgency":           d.Urgency,
		"escalation_needed": d.EscalationNeeded,
	}
	a.emit(evt)
}

func (a *App) emit(evt events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), eventPublishTimeout)
	defer cancel()
	_ = a.events.Publish(ctx, evt)
}
