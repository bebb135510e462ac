// Package server builds the apply engine's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnymr/PASS-ATS-sub004/internal/api"
	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
	"github.com/vnymr/PASS-ATS-sub004/internal/browser"
	"github.com/vnymr/PASS-ATS-sub004/internal/challenge"
	"github.com/vnymr/PASS-ATS-sub004/internal/classifier"
	"github.com/vnymr/PASS-ATS-sub004/internal/clock/system"
	"github.com/vnymr/PASS-ATS-sub004/internal/config"
	"github.com/vnymr/PASS-ATS-sub004/internal/cost"
	"github.com/vnymr/PASS-ATS-sub004/internal/dispatcher"
	"github.com/vnymr/PASS-ATS-sub004/internal/events"
	"github.com/vnymr/PASS-ATS-sub004/internal/events/sinks"
	"github.com/vnymr/PASS-ATS-sub004/internal/formfill"
	"github.com/vnymr/PASS-ATS-sub004/internal/id/uuid"
	"github.com/vnymr/PASS-ATS-sub004/internal/lock"
	"github.com/vnymr/PASS-ATS-sub004/internal/metrics"
	"github.com/vnymr/PASS-ATS-sub004/internal/orchestrator"
	"github.com/vnymr/PASS-ATS-sub004/internal/policy/ratelimit"
	"github.com/vnymr/PASS-ATS-sub004/internal/policy/routing"
	memorypublisher "github.com/vnymr/PASS-ATS-sub004/internal/publisher/memory"
	gcppublisher "github.com/vnymr/PASS-ATS-sub004/internal/publisher/pubsub"
	"github.com/vnymr/PASS-ATS-sub004/internal/queue"
	gcsresume "github.com/vnymr/PASS-ATS-sub004/internal/resume/gcs"
	localresume "github.com/vnymr/PASS-ATS-sub004/internal/resume/local"
	"github.com/vnymr/PASS-ATS-sub004/internal/retry"
	memorystore "github.com/vnymr/PASS-ATS-sub004/internal/storage/memory"
	pgstore "github.com/vnymr/PASS-ATS-sub004/internal/storage/postgres"
	"github.com/vnymr/PASS-ATS-sub004/internal/telemetry"
	"github.com/vnymr/PASS-ATS-sub004/internal/trust"
	"github.com/vnymr/PASS-ATS-sub004/internal/worker"
)

// App contains the application's long-lived dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	hub       *events.Hub
	queue     *queue.Queue

	store        apply.RequestStore
	pgStore      *pgstore.RequestStore
	redis        *redis.Client
	chrome       *browser.Chrome
	pool         *browser.Pool
	pubsubClient *pubsub.Client
	gcpPublisher *gcppublisher.Publisher
	gcs          *storage.Client

	checks         map[string]api.ReadyCheck
	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies. On error everything built so
// far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger, checks: map[string]api.ReadyCheck{}}
	defer func() {
		if err != nil {
			app.Close(context.Background())
		}
	}()

	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("workers", cfg.Queue.Workers),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("resume_backend", cfg.Resume.Backend),
		zap.Bool("redis", cfg.Redis.Addr != ""),
	)
	metrics.Init()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	clock := system.New()

	if err = app.setupStore(ctx); err != nil {
		return nil, err
	}
	locker, costs, err := app.setupRedis(ctx, clock)
	if err != nil {
		return nil, err
	}
	resumes, err := app.setupResumes(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	broadcaster, err := app.setupEvents(publisher)
	if err != nil {
		return nil, err
	}

	validator := trust.New(cfg.Trust.AllowedHosts)
	classify := classifier.New(classifier.Config{MinConfidence: cfg.Routing.MinConfidence})

	if err = app.setupBrowser(validator); err != nil {
		return nil, err
	}
	solver, err := app.setupSolver(costs)
	if err != nil {
		return nil, err
	}
	filler, err := app.setupFiller(ctx)
	if err != nil {
		return nil, err
	}

	orch, err := orchestrator.New(orchestrator.Config{MaxChallengeRounds: cfg.Challenge.MaxRounds}, orchestrator.Deps{
		Validator:  validator,
		Classifier: classify,
		Sessions:   app.pool,
		Filler:     filler,
		Solver:     solver,
		Resumes:    resumes,
		Events:     app.hub,
		Clock:      clock,
		Tracer:     tp.Tracer("github.com/vnymr/PASS-ATS-sub004/internal/orchestrator"),
		Logger:     logger.Named("orchestrator"),
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	queueDeps := queue.Deps{
		Store:      app.store,
		Validator:  validator,
		Classifier: classify,
		Router: routing.New(routing.Config{
			MinConfidence:         cfg.Routing.MinConfidence,
			BorderlineConfidence:  cfg.Routing.BorderlineConfidence,
			BorderlineMaxAttempts: cfg.Routing.BorderlineMaxAttempts,
			AutomateComplex:       cfg.Routing.AutomateComplex,
		}),
		IDs:    uuid.New(),
		Clock:  clock,
		Events: app.hub,
		Logger: logger.Named("queue"),
	}
	if cfg.Queue.SamplePages {
		queueDeps.Sampler = classifier.NewSampler(classifier.SamplerConfig{
			UserAgent: cfg.Browser.UserAgent,
			Timeout:   cfg.Queue.SampleTimeout,
		})
	}
	app.queue, err = queue.New(queue.Config{
		MaxAttempts:   cfg.Retry.MaxAttempts,
		PollInterval:  cfg.Queue.PollInterval,
		StaleAfter:    cfg.Queue.StaleAfter,
		SampleTimeout: cfg.Queue.SampleTimeout,
	}, queueDeps)
	if err != nil {
		return nil, fmt.Errorf("queue init failed: %w", err)
	}

	policy := retry.New(retry.Config{
		MaxAttempts:        cfg.Retry.MaxAttempts,
		BaseDelay:          cfg.Retry.BaseDelay,
		MaxDelay:           cfg.Retry.MaxDelay,
		RateLimitMinDelay:  cfg.Retry.RateLimitMinDelay,
		TimeoutMultiplier:  cfg.Retry.TimeoutMultiplier,
		UnknownMaxAttempts: cfg.Retry.UnknownMaxAttempts,
	})
	workers := make([]dispatcher.Worker, 0, cfg.Queue.Workers)
	for i := 0; i < cfg.Queue.Workers; i++ {
		id := fmt.Sprintf("worker-%d", i+1)
		w, werr := worker.New(worker.Config{
			ID:             id,
			AttemptTimeout: cfg.Queue.AttemptTimeout,
			LockTTL:        cfg.Queue.LockTTL,
		}, worker.Deps{
			Queue:  app.queue,
			Store:  app.store,
			Runner: orch,
			Policy: policy,
			Locker: locker,
			Clock:  clock,
			Events: app.hub,
			Logger: logger.Named("worker").With(zap.String("worker_id", id)),
		})
		if werr != nil {
			return nil, fmt.Errorf("worker init failed: %w", werr)
		}
		workers = append(workers, w)
	}
	app.dispatch = dispatcher.New(app.queue, workers, dispatcher.Config{
		RecoverInterval: cfg.Queue.RecoverInterval,
	}, logger.Named("dispatcher"))

	app.apiServer = api.NewServer(app.queue, broadcaster, app.checks, api.Config{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
	}, logger.Named("api"))

	logger.Info("application dependencies ready")
	return app, nil
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "postgres":
		store, err := pgstore.NewRequestStore(ctx, pgstore.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("request store init failed: %w", err)
		}
		a.pgStore = store
		a.store = store
		a.checks["postgres"] = store.Ping
		if a.cfg.DB.Migrate {
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("request store migrate failed: %w", err)
			}
			a.logger.Info("request store schema applied")
		}
		a.logger.Info("using postgres request store")
	default:
		a.logger.Warn("using in-memory request store; requests are lost on restart")
		a.store = memorystore.NewRequestStore()
	}
	return nil
}

func (a *App) setupRedis(ctx context.Context, clock apply.Clock) (apply.Locker, apply.CostTracker, error) {
	budget := cost.Config{DailyLimit: a.cfg.Budget.DailyLimit}
	if a.cfg.Redis.Addr == "" {
		a.logger.Info("redis not configured, using in-process locks and spend counters")
		return lock.NewMemory(), cost.NewMemoryTracker(budget, clock), nil
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("redis ping failed: %w", err)
	}
	a.checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	locker, err := lock.NewRedis(a.redis, a.cfg.Redis.Prefix)
	if err != nil {
		return nil, nil, fmt.Errorf("redis locker init failed: %w", err)
	}
	costs, err := cost.NewRedisTracker(a.redis, budget, a.cfg.Redis.Prefix, clock)
	if err != nil {
		return nil, nil, fmt.Errorf("redis cost tracker init failed: %w", err)
	}
	a.logger.Info("using redis locks and spend counters", zap.String("addr", a.cfg.Redis.Addr))
	return locker, costs, nil
}

func (a *App) setupResumes(ctx context.Context) (apply.ResumeStore, error) {
	switch a.cfg.Resume.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcs = client
		store, err := gcsresume.New(client, gcsresume.Config{
			Bucket:  a.cfg.Resume.Bucket,
			TempDir: a.cfg.Resume.TempDir,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs resume store init failed: %w", err)
		}
		a.logger.Info("using GCS resume store", zap.String("bucket", a.cfg.Resume.Bucket))
		return store, nil
	default:
		store, err := localresume.New(localresume.Config{BaseDir: a.cfg.Resume.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local resume store init failed: %w", err)
		}
		a.logger.Info("using local resume store", zap.String("path", a.cfg.Resume.BaseDir))
		return store, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (apply.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.gcpPublisher = gcppublisher.New(client)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.gcpPublisher, nil
}

func (a *App) setupEvents(publisher apply.Publisher) (*sinks.Broadcaster, error) {
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("prometheus event sink init failed: %w", err)
	}
	broadcaster := sinks.NewBroadcaster(a.cfg.Events.SubscriberQueue)
	a.hub = events.NewHub(events.Config{
		BufferSize:     a.cfg.Events.BufferSize,
		MaxBatchEvents: a.cfg.Events.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Events.MaxBatchWait,
		SinkTimeout:    a.cfg.Events.SinkTimeout,
		Logger:         a.logger.Named("events"),
	},
		sinks.NewLogSink(a.logger.Named("attempts")),
		promSink,
		sinks.NewPublisherSink(publisher, a.cfg.PubSub.TopicName, a.logger.Named("publisher")),
		broadcaster,
	)
	return broadcaster, nil
}

func (a *App) setupBrowser(guard browser.URLGuard) error {
	bc := a.cfg.Browser
	pacer := ratelimit.New(ratelimit.Config{DefaultRPS: bc.RatePerSecond, DefaultBurst: bc.RateBurst})
	chrome, err := browser.NewChrome(browser.ChromeConfig{
		Headless:  bc.Headless,
		RemoteURL: bc.RemoteURL,
		UserAgent: bc.UserAgent,
		Proxy: browser.ProxyConfig{
			Server:   bc.Proxy.Server,
			Username: bc.Proxy.Username,
			Password: bc.Proxy.Password,
		},
		NavigationTimeout: bc.NavigationTimeout,
		StepTimeout:       bc.StepTimeout,
		SettleDelay:       bc.SettleDelay,
	}, guard, pacer, a.logger.Named("chrome"))
	if err != nil {
		return fmt.Errorf("chrome init failed: %w", err)
	}
	a.chrome = chrome
	a.pool, err = browser.NewPool(browser.PoolConfig{
		MaxSessions:      bc.MaxSessions,
		AcquireTimeout:   bc.AcquireTimeout,
		IdleTTL:          bc.IdleTTL,
		LaunchRetries:    bc.LaunchRetries,
		LaunchRetryDelay: bc.LaunchRetryDelay,
	}, chrome, a.logger.Named("browser_pool"))
	if err != nil {
		return fmt.Errorf("browser pool init failed: %w", err)
	}
	a.logger.Info("browser pool ready",
		zap.Int("max_sessions", bc.MaxSessions),
		zap.Bool("headless", bc.Headless),
		zap.Bool("remote", bc.RemoteURL != ""),
	)
	return nil
}

func (a *App) setupSolver(costs apply.CostTracker) (orchestrator.Solver, error) {
	cc := a.cfg.Challenge
	if !cc.Enabled {
		a.logger.Info("challenge solver disabled; challenged attempts fail for manual follow-up")
		return nil, nil
	}
	solver, err := challenge.NewSolver(challenge.Config{
		BaseURL:      cc.BaseURL,
		APIKey:       cc.APIKey,
		CostPerSolve: cc.CostPerSolve,
		PollInterval: cc.PollInterval,
		Timeout:      cc.Timeout,
	}, nil, costs, a.logger.Named("challenge"))
	if err != nil {
		return nil, fmt.Errorf("challenge solver init failed: %w", err)
	}
	return solver, nil
}

func (a *App) setupFiller(ctx context.Context) (*formfill.Engine, error) {
	if a.cfg.LLM.APIKey == "" {
		a.logger.Info("no LLM key configured, free-text answers use templates")
		return formfill.New(formfill.TemplateGenerator{}, a.logger.Named("formfill")), nil
	}
	gen, err := formfill.NewGoogleAI(ctx, formfill.LLMConfig{
		APIKey:      a.cfg.LLM.APIKey,
		Model:       a.cfg.LLM.Model,
		MaxTokens:   a.cfg.LLM.MaxTokens,
		Temperature: a.cfg.LLM.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("llm generator init failed: %w", err)
	}
	a.logger.Info("using LLM answer generator", zap.String("model", a.cfg.LLM.Model))
	return formfill.New(gen, a.logger.Named("formfill")), nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP and processes requests until ctx ends, then drains
// in-flight attempts and releases every dependency.
func (a *App) Run(ctx context.Context) error {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Queue.Workers))
		a.dispatch.Run(runCtx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-runCtx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	a.logger.Info("waiting for in-flight attempts")
	<-dispatchDone

	closeCtx, closeCancel := context.WithTimeout(context.Background(), timeout)
	defer closeCancel()
	a.Close(closeCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases dependencies in reverse build order. It is safe on a
// partially built App.
func (a *App) Close(ctx context.Context) {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.chrome != nil {
		a.chrome.Close()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.gcpPublisher != nil {
		a.gcpPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}
