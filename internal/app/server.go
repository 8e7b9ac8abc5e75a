// Package app assembles the process: configuration, persistence, trackers,
// providers, the scheduler, async jobs, and the HTTP surface, with one
// graceful-shutdown path that drains background work and flushes tracker
// state to the configured store.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/routecore/routecore/internal/apikey"
	"github.com/routecore/routecore/internal/asyncjobs"
	"github.com/routecore/routecore/internal/calibration"
	"github.com/routecore/routecore/internal/circuitbreaker"
	"github.com/routecore/routecore/internal/events"
	"github.com/routecore/routecore/internal/executor"
	"github.com/routecore/routecore/internal/health"
	"github.com/routecore/routecore/internal/httpapi"
	"github.com/routecore/routecore/internal/idempotency"
	"github.com/routecore/routecore/internal/judge"
	"github.com/routecore/routecore/internal/logging"
	"github.com/routecore/routecore/internal/metrics"
	"github.com/routecore/routecore/internal/model"
	"github.com/routecore/routecore/internal/policyconfig"
	"github.com/routecore/routecore/internal/portfolio"
	"github.com/routecore/routecore/internal/project"
	"github.com/routecore/routecore/internal/providers/anthropic"
	"github.com/routecore/routecore/internal/providers/openai"
	"github.com/routecore/routecore/internal/providers/vllm"
	"github.com/routecore/routecore/internal/ratelimit"
	"github.com/routecore/routecore/internal/router"
	"github.com/routecore/routecore/internal/runner"
	"github.com/routecore/routecore/internal/scheduler"
	"github.com/routecore/routecore/internal/stats"
	"github.com/routecore/routecore/internal/store"
	"github.com/routecore/routecore/internal/tracing"
	"github.com/routecore/routecore/internal/trust"
	"github.com/routecore/routecore/internal/variance"
)

// Server owns every long-lived component and the HTTP listener.
type Server struct {
	cfg    Config
	logger *slog.Logger

	httpServer *http.Server

	registry    *model.Registry
	calibration *calibration.Store
	variance    *variance.Store
	trust       *trust.Store
	stats       *stats.Collector
	store       store.Store

	queue           *asyncjobs.Queue
	temporalManager *asyncjobs.Manager
	rateLimiter     *ratelimit.Limiter
	idemCache       *idempotency.Cache
	tracingShutdown func(context.Context) error
}

// New builds the full component graph from cfg.
func New(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	s := &Server{cfg: cfg, logger: logger}

	// Persistence driver.
	var st store.Store
	var err error
	switch cfg.PersistenceDriver {
	case "db":
		st, err = store.NewSQLite(cfg.DBDSN)
	default:
		st = store.NewFile(cfg.DataDir)
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	s.store = st

	// Registry and trackers, seeded from the store.
	s.registry = model.NewRegistry()
	seedDefaultModels(s.registry)

	s.calibration = calibration.NewStore()
	s.variance = variance.NewStore()
	s.trust = trust.NewStore()
	s.stats = stats.NewCollector()
	s.loadTrackerState()

	mets := metrics.New()
	bus := events.NewBus()

	// Portfolio optimizer + cache; registry mutations invalidate the cache
	// via the one-shot refresh token.
	optimizer := portfolio.NewOptimizer(s.registry, s.variance, s.trust)
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	cache := portfolio.NewCache(rdb)
	s.registry.OnInvalidate(func() {
		cache.Invalidate()
		cache.ForceRefreshNext()
	})

	// Executor pool with health tracking and traced outbound HTTP.
	tracker := health.NewTracker(health.DefaultConfig(), health.WithEventBus(bus))
	pool := executor.NewPool()
	pool.SetHealthChecker(tracker)

	httpClient := &http.Client{
		Timeout:   time.Duration(cfg.ProviderTimeoutSecs) * time.Second,
		Transport: tracing.HTTPTransport(nil),
	}
	openaiAdapter := openai.New("openai", cfg.OpenAIAPIKey, "https://api.openai.com", openai.WithHTTPClient(httpClient))
	anthropicAdapter := anthropic.New("anthropic", cfg.AnthropicAPIKey, "https://api.anthropic.com", anthropic.WithHTTPClient(httpClient))
	pool.RegisterAdapter(openaiAdapter)
	pool.RegisterAdapter(anthropicAdapter)
	if cfg.VLLMBaseURL != "" {
		pool.RegisterAdapter(vllm.New("vllm", cfg.VLLMBaseURL, vllm.WithHTTPClient(httpClient)))
	}

	jdg := judge.New(anthropicAdapter, cfg.JudgeModelID)

	// Routing policy.
	routerCfg, err := policyconfig.Load(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	if cfg.RouterSelectionPolicy != "" {
		routerCfg.SelectionPolicy = router.SelectionPolicy(cfg.RouterSelectionPolicy)
	}
	routerCfg.EvaluationSampleRate = cfg.EffectiveEvalSampleRate()

	runnerDeps := runner.Deps{
		Pool:         pool,
		Calibration:  s.calibration,
		Variance:     s.variance,
		Trust:        s.trust,
		Judge:        jdg,
		Stats:        s.stats,
		Registry:     s.registry,
		ProviderByID: s.providerByModel,
	}

	// testMode runs against a deterministic in-process adapter, never a
	// paid provider.
	testPool := executor.NewPool()
	testPool.RegisterAdapter(newEchoSender("openai"))
	testPool.RegisterAdapter(newEchoSender("anthropic"))
	testDeps := runnerDeps
	testDeps.Pool = testPool
	testDeps.Judge = nil

	sched := &scheduler.Scheduler{
		Registry:    s.registry,
		Calibration: s.calibration,
		Variance:    s.variance,
		Trust:       s.trust,
		Optimizer:   optimizer,
		Cache:       cache,
		RunnerDeps:  runnerDeps,
		Cfg:         routerCfg,
		EventBus:    bus,
		Metrics:     mets,
	}

	projects := &project.Service{
		Scheduler:        sched,
		Store:            st,
		EventBus:         bus,
		Metrics:          mets,
		DefaultBudgetUSD: cfg.DefaultProjectBudgetUSD,
	}

	// Async jobs: bounded in-process queue, plus optional durable Temporal
	// dispatch gated by a circuit breaker.
	s.queue = asyncjobs.NewQueue(512, 2, time.Duration(cfg.ProviderTimeoutSecs)*time.Second*4)
	breaker := circuitbreaker.New(circuitbreaker.WithOnStateChange(func(_, to circuitbreaker.State) {
		mets.AsyncCircuitState.Set(float64(to))
	}))
	dispatcher := &asyncjobs.Dispatcher{
		Breaker:  breaker,
		Queue:    s.queue,
		Projects: projects,
		Metrics:  mets,
	}
	if cfg.TemporalEnabled {
		mgr, err := asyncjobs.NewManager(asyncjobs.TemporalConfig{
			HostPort:  cfg.TemporalHostPort,
			Namespace: cfg.TemporalNamespace,
			TaskQueue: cfg.TemporalTaskQueue,
		}, &asyncjobs.Activities{Projects: projects})
		if err != nil {
			logger.Warn("temporal unavailable, async runs fall back in-process", slog.String("error", err.Error()))
			mets.AsyncDispatchUp.Set(0)
		} else if err := mgr.Start(); err != nil {
			logger.Warn("temporal worker start failed", slog.String("error", err.Error()))
			mgr.Stop()
			mets.AsyncDispatchUp.Set(0)
		} else {
			s.temporalManager = mgr
			dispatcher.Temporal = mgr.Client()
			dispatcher.TaskQueue = mgr.TaskQueue()
			mets.AsyncDispatchUp.Set(1)
		}
	}

	// Tracing.
	s.tracingShutdown, err = tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	s.rateLimiter = ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(mets.RateLimitedTotal))
	s.idemCache = idempotency.New(10*time.Minute, 4096)

	keyMgr := apikey.NewManager(st)
	budgetChecker := apikey.NewBudgetChecker(st)

	deps := httpapi.Dependencies{
		Registry:           s.registry,
		BaseCfg:            routerCfg,
		RunnerDeps:         runnerDeps,
		TestRunnerDeps:     &testDeps,
		Projects:           projects,
		Optimizer:          optimizer,
		Cache:              cache,
		Trust:              s.trust,
		Variance:           s.variance,
		Calibration:        s.calibration,
		Stats:              s.stats,
		Health:             tracker,
		Store:              st,
		Metrics:            mets,
		EventBus:           bus,
		Dispatcher:         dispatcher,
		RateLimiter:        s.rateLimiter,
		IdempotencyCache:   s.idemCache,
		KeyMgr:             keyMgr,
		BudgetChecker:      budgetChecker,
		RequireAPIKey:      cfg.RequireAPIKey,
		AdminToken:         cfg.AdminToken,
		Governance:         httpapi.NewGovernanceState(scheduler.PortfolioOff),
		DefaultConcurrency: scheduler.Concurrency{Worker: cfg.WorkerPoolSize, QA: cfg.QAPoolSize},
		EvalMode:           cfg.EvalMode,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(tracing.Middleware())
	r.Use(logging.RequestLogger(logger))
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key"},
	}))
	httpapi.MountRoutes(r, deps)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler exposes the assembled HTTP handler, primarily for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run blocks serving HTTP until Shutdown is called or the listener fails.
func (s *Server) Run() error {
	s.logger.Info("routecore listening",
		slog.String("addr", s.cfg.ListenAddr),
		slog.String("persistence", s.cfg.PersistenceDriver))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener, drains background jobs, flushes tracker
// state, and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(s.httpServer.Shutdown(ctx))
	record(s.queue.Drain(ctx))
	if s.temporalManager != nil {
		s.temporalManager.Stop()
	}
	s.flushTrackerState(ctx)
	if s.tracingShutdown != nil {
		record(s.tracingShutdown(ctx))
	}
	s.rateLimiter.Close()
	s.idemCache.Stop()
	record(s.store.Close())
	return firstErr
}

// loadTrackerState seeds the in-memory stores from the persistence driver.
// Missing or unreadable state starts fresh; persistence is observability,
// not correctness.
func (s *Server) loadTrackerState() {
	ctx := context.Background()
	if recs, err := s.store.LoadCalibration(ctx); err == nil && len(recs) > 0 {
		s.calibration.Seed(recs)
	}
	if buckets, err := s.store.LoadVariance(ctx); err == nil && len(buckets) > 0 {
		s.variance.Seed(buckets)
	}
	if entries, err := s.store.LoadTrust(ctx); err == nil && len(entries) > 0 {
		s.trust.Seed(entries)
	}
	if ms, err := s.store.LoadModelStats(ctx); err == nil && len(ms) > 0 {
		s.stats.Seed(ms)
	}
}

func (s *Server) flushTrackerState(ctx context.Context) {
	if err := s.store.SaveCalibration(ctx, s.calibration.Snapshot()); err != nil {
		s.logger.Warn("calibration flush failed", slog.String("error", err.Error()))
	}
	if err := s.store.SaveVariance(ctx, s.variance.Snapshot()); err != nil {
		s.logger.Warn("variance flush failed", slog.String("error", err.Error()))
	}
	if err := s.store.SaveTrust(ctx, s.trust.Snapshot()); err != nil {
		s.logger.Warn("trust flush failed", slog.String("error", err.Error()))
	}
	if err := s.store.SaveModelStats(ctx, s.stats.Snapshot()); err != nil {
		s.logger.Warn("model stats flush failed", slog.String("error", err.Error()))
	}
}

// providerByModel maps a model id to its provider id via the registry.
func (s *Server) providerByModel(modelID string) (string, bool) {
	m, ok := s.registry.Get(modelID)
	if !ok {
		return "", false
	}
	return m.Provider, true
}

// seedDefaultModels registers a starter registry so a fresh deployment can
// route before any governance configuration happens. Operators overwrite
// these via POST /governance/models.
func seedDefaultModels(reg *model.Registry) {
	for _, m := range []model.Model{
		{
			ID: "gpt-4o-mini", Provider: "openai", InPer1K: 0.00015, OutPer1K: 0.0006,
			Expertise:   map[string]float64{"code": 0.72, "writing": 0.74, "analysis": 0.70, "general": 0.75},
			Reliability: 0.97, Status: model.StatusActive,
		},
		{
			ID: "gpt-4o", Provider: "openai", InPer1K: 0.0025, OutPer1K: 0.01,
			Expertise:   map[string]float64{"code": 0.86, "writing": 0.85, "analysis": 0.86, "general": 0.87},
			Reliability: 0.98, Status: model.StatusActive,
		},
		{
			ID: "claude-haiku-4-5", Provider: "anthropic", InPer1K: 0.001, OutPer1K: 0.005,
			Expertise:   map[string]float64{"code": 0.80, "writing": 0.82, "analysis": 0.78, "general": 0.81},
			Reliability: 0.98, Status: model.StatusActive,
		},
		{
			ID: "claude-sonnet-4-5", Provider: "anthropic", InPer1K: 0.003, OutPer1K: 0.015,
			Expertise:   map[string]float64{"code": 0.92, "writing": 0.90, "analysis": 0.91, "general": 0.91},
			Reliability: 0.99, Status: model.StatusActive,
		},
	} {
		reg.Upsert(m)
	}
}
