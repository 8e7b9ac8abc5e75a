// Package httpapi is the JSON HTTP surface: single-task submission, project
// runs, and the governance/observability endpoints. It translates between
// wire shapes and the core packages and holds no routing logic of its own.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/routecore/routecore/internal/apikey"
	"github.com/routecore/routecore/internal/asyncjobs"
	"github.com/routecore/routecore/internal/calibration"
	"github.com/routecore/routecore/internal/events"
	"github.com/routecore/routecore/internal/health"
	"github.com/routecore/routecore/internal/idempotency"
	"github.com/routecore/routecore/internal/metrics"
	"github.com/routecore/routecore/internal/model"
	"github.com/routecore/routecore/internal/portfolio"
	"github.com/routecore/routecore/internal/project"
	"github.com/routecore/routecore/internal/ratelimit"
	"github.com/routecore/routecore/internal/router"
	"github.com/routecore/routecore/internal/runner"
	"github.com/routecore/routecore/internal/scheduler"
	"github.com/routecore/routecore/internal/stats"
	"github.com/routecore/routecore/internal/store"
	"github.com/routecore/routecore/internal/trust"
	"github.com/routecore/routecore/internal/variance"
)

// GovernanceState is the mutable, operator-controlled portfolio enforcement
// mode shared between the HTTP surface and the scheduler defaults.
type GovernanceState struct {
	mu   sync.RWMutex
	mode scheduler.PortfolioMode
}

func NewGovernanceState(mode scheduler.PortfolioMode) *GovernanceState {
	if mode == "" {
		mode = scheduler.PortfolioOff
	}
	return &GovernanceState{mode: mode}
}

func (g *GovernanceState) Mode() scheduler.PortfolioMode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mode
}

func (g *GovernanceState) SetMode(mode scheduler.PortfolioMode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mode = mode
}

// Dependencies carries everything the handlers need.
type Dependencies struct {
	Registry    *model.Registry
	BaseCfg     router.RouterConfig
	RunnerDeps  runner.Deps
	TestRunnerDeps *runner.Deps // testMode execution path; nil disables testMode

	Projects  *project.Service
	Optimizer *portfolio.Optimizer
	Cache     *portfolio.Cache

	Trust       *trust.Store
	Variance    *variance.Store
	Calibration *calibration.Store
	Stats       *stats.Collector
	Health      *health.Tracker

	Store    store.Store
	Metrics  *metrics.Registry
	EventBus *events.Bus

	Dispatcher *asyncjobs.Dispatcher

	RateLimiter      *ratelimit.Limiter
	IdempotencyCache *idempotency.Cache
	KeyMgr           *apikey.Manager
	BudgetChecker    *apikey.BudgetChecker
	RequireAPIKey    bool // enforce tenant auth on submission endpoints
	AdminToken       string

	Governance         *GovernanceState
	DefaultConcurrency scheduler.Concurrency
	EvalMode           string
}

// maxRequestBodySize caps POST bodies at 10 MB.
const maxRequestBodySize = 10 << 20

func bodySizeLimit(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		modelCount := len(d.Registry.List())
		status := http.StatusOK
		state := "ok"
		if modelCount == 0 {
			status = http.StatusServiceUnavailable
			state = "unhealthy"
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": state,
			"models": modelCount,
		})
	})

	// Run submission endpoints: rate-limited, idempotent, tenant-authed.
	submission := func(r chi.Router) {
		r.Use(bodySizeLimit(maxRequestBodySize))
		if d.RateLimiter != nil {
			r.Use(d.RateLimiter.Middleware)
		}
		if d.IdempotencyCache != nil {
			r.Use(idempotency.Middleware(d.IdempotencyCache))
		}
		if d.KeyMgr != nil && d.RequireAPIKey {
			r.Use(apikey.AuthMiddleware(d.KeyMgr, d.BudgetChecker))
		}
	}

	r.Group(func(r chi.Router) {
		submission(r)
		r.Post("/run", RunHandler(d))
	})

	r.Route("/projects", func(r chi.Router) {
		submission(r)
		r.Post("/run-scenario", RunScenarioHandler(d))
		r.Get("/runs/{id}", ProjectRunGetHandler(d))
	})

	r.Route("/governance", func(r chi.Router) {
		r.Use(bodySizeLimit(maxRequestBodySize))

		r.Get("/portfolio-config", PortfolioConfigGetHandler(d))
		r.Get("/portfolio", PortfolioGetHandler(d))
		r.Get("/trust", TrustHandler(d))
		r.Get("/variance", VarianceHandler(d))
		r.Get("/calibration", CalibrationHandler(d))
		r.Get("/health", ProviderHealthHandler(d))
		r.Get("/stats", ModelStatsHandler(d))
		r.Get("/models", ModelsListHandler(d))
		r.Get("/runs", RunLogsHandler(d))
		r.Get("/analytics", AnalyticsHandler(d))

		// Mutations require the admin token when one is configured.
		r.Group(func(r chi.Router) {
			if d.AdminToken != "" {
				r.Use(adminAuthMiddleware(d.AdminToken))
			}
			r.Post("/portfolio-config", PortfolioConfigSetHandler(d))
			r.Post("/models", ModelsUpsertHandler(d))
			r.Patch("/models/{id}", ModelStatusHandler(d))
			r.Post("/apikeys", TenantKeysCreateHandler(d))
			r.Get("/apikeys", TenantKeysListHandler(d))
			r.Delete("/apikeys/{id}", TenantKeysRevokeHandler(d))
		})
	})

	if d.EventBus != nil {
		r.Get("/events", SSEHandler(d.EventBus))
	}

	r.Handle("/metrics", d.Metrics.Handler())
}

// adminAuthMiddleware checks for a valid Bearer token on governance
// mutations.
func adminAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				slog.Warn("admin auth: missing token", slog.String("path", r.URL.Path))
				http.Error(w, "missing admin token", http.StatusUnauthorized)
				return
			}
			provided := strings.TrimPrefix(auth, "Bearer ")
			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				slog.Warn("admin auth: invalid token", slog.String("path", r.URL.Path))
				http.Error(w, "invalid admin token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
