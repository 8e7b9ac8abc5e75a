package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/routecore/routecore/internal/apikey"
	"github.com/routecore/routecore/internal/apperr"
	"github.com/routecore/routecore/internal/events"
	"github.com/routecore/routecore/internal/providers"
	"github.com/routecore/routecore/internal/router"
	"github.com/routecore/routecore/internal/runner"
	"github.com/routecore/routecore/internal/store"
)

// runRequest is the POST /run wire shape.
type runRequest struct {
	Message    string  `json:"message"`
	TaskType   string  `json:"taskType"`
	Difficulty string  `json:"difficulty"`
	Constraints *struct {
		MinQuality *float64 `json:"minQuality"`
		MaxCostUSD *float64 `json:"maxCostUSD"`
	} `json:"constraints"`
	Profile  string `json:"profile"` // fast | strict | low_cost
	TestMode bool   `json:"testMode"`

	SelectionPolicyOverride       string   `json:"selectionPolicyOverride"`
	EscalationPolicyOverride      string   `json:"escalationPolicyOverride"`
	EscalationRoutingModeOverride string   `json:"escalationRoutingModeOverride"`
	PremiumTaskTypesOverride      []string `json:"premiumTaskTypesOverride"`
}

var validTaskTypes = map[string]bool{"code": true, "writing": true, "analysis": true, "general": true}
var validDifficulties = map[string]bool{"low": true, "medium": true, "high": true}

func (rq runRequest) validate() error {
	if rq.Message == "" {
		return apperr.Validation("message is required")
	}
	if !validTaskTypes[rq.TaskType] {
		return apperr.Validation("taskType must be one of code, writing, analysis, general")
	}
	if !validDifficulties[rq.Difficulty] {
		return apperr.Validation("difficulty must be one of low, medium, high")
	}
	switch rq.Profile {
	case "", "fast", "strict", "low_cost":
	default:
		return apperr.Validation("profile must be one of fast, strict, low_cost")
	}
	return nil
}

// applyProfile specializes the base router config for a request profile.
func applyProfile(cfg router.RouterConfig, profile string) router.RouterConfig {
	switch profile {
	case "fast":
		cfg.SelectionPolicy = router.PolicyLowestCostQualified
		cfg.Escalation.Policy = "none"
	case "strict":
		cfg.SelectionPolicy = router.PolicyBestValue
		cfg.Escalation.Policy = router.EscalationPolicyPromoteOnLowScore
		cfg.Escalation.RequireEvalForDecision = true
		cfg.EvaluationSampleRate = 1.0
	case "low_cost":
		cfg.SelectionPolicy = router.PolicyLowestCostQualified
		cfg.Escalation.Policy = router.EscalationPolicyPromoteOnLowScore
		cfg.Escalation.RoutingMode = router.RoutingModeEscalationAware
	}
	return cfg
}

func applyOverrides(cfg router.RouterConfig, rq runRequest) router.RouterConfig {
	if rq.SelectionPolicyOverride != "" {
		cfg.SelectionPolicy = router.SelectionPolicy(rq.SelectionPolicyOverride)
	}
	if rq.EscalationPolicyOverride != "" {
		cfg.Escalation.Policy = rq.EscalationPolicyOverride
	}
	if rq.EscalationRoutingModeOverride != "" {
		cfg.Escalation.RoutingMode = rq.EscalationRoutingModeOverride
	}
	if rq.PremiumTaskTypesOverride != nil {
		cfg.PremiumTaskTypes = map[string]bool{}
		for _, tt := range rq.PremiumTaskTypesOverride {
			cfg.PremiumTaskTypes[tt] = true
		}
	}
	return cfg
}

// RunHandler executes one task through the full route -> execute ->
// validate -> judge -> escalate pipeline and returns the RunLogEvent.
func RunHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rq runRequest
		if err := decodeBody(r, &rq); err != nil {
			writeError(w, err)
			return
		}
		if err := rq.validate(); err != nil {
			writeError(w, err)
			return
		}

		cfg := applyOverrides(applyProfile(d.BaseCfg, rq.Profile), rq)

		deps := d.RunnerDeps
		if rq.TestMode {
			if d.TestRunnerDeps == nil {
				writeError(w, apperr.Validation("testMode is not enabled on this deployment"))
				return
			}
			deps = *d.TestRunnerDeps
		}

		task := router.TaskCard{
			ID:         uuid.NewString(),
			TaskType:   rq.TaskType,
			Difficulty: rq.Difficulty,
		}
		if rq.Constraints != nil {
			task.Constraints.MinQuality = rq.Constraints.MinQuality
			task.Constraints.MaxCostUSD = rq.Constraints.MaxCostUSD
		}

		candidates := runner.BuildCandidates(d.Registry, d.Calibration, d.Variance, d.Trust, rq.TaskType, rq.Difficulty)

		// Provider calls forward the request id for cross-service tracing.
		ctx := providers.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))

		event := runner.Run(ctx, deps, runner.Input{
			Task:       task,
			Directive:  rq.Message,
			Candidates: candidates,
			Cfg:        cfg,
			EvalMode:   d.EvalMode,
		})

		d.observeRun(r, event, rq.TaskType)
		writeJSON(w, http.StatusOK, event)
	}
}

// observeRun fans the run outcome out to metrics, events, and async
// persistence. None of it can fail the request.
func (d Dependencies) observeRun(r *http.Request, event runner.RunLogEvent, taskType string) {
	if d.Metrics != nil {
		d.Metrics.RoutingDecisionsTotal.WithLabelValues(string(event.Routing.Status), event.Routing.RankedBy).Inc()
		for _, a := range event.Attempts {
			outcome := "ok"
			if a.ExecutionError != "" {
				outcome = "execution_error"
			} else if !a.Validation.OK {
				outcome = "validation_failed"
			}
			d.Metrics.AttemptsTotal.WithLabelValues(a.ModelID, taskType, outcome).Inc()
		}
	}
	if d.EventBus != nil {
		d.EventBus.Publish(events.Event{
			Type:     events.EventRoute,
			ModelID:  event.Final.ChosenModelID,
			RankedBy: event.Routing.RankedBy,
			Status:   event.Final.Status,
			CostUSD:  event.Final.ActualCostUSD,
		})
	}
	if d.Dispatcher != nil && d.Store != nil {
		tenant := ""
		if rec := apikey.FromContext(r.Context()); rec != nil {
			tenant = rec.Tenant
		}
		payload, err := json.Marshal(event)
		if err != nil {
			return
		}
		rec := store.RunLogRecord{
			TaskID:        event.TaskID,
			Tenant:        tenant,
			ChosenModelID: event.Final.ChosenModelID,
			Status:        event.Final.Status,
			CostUSD:       event.Final.ActualCostUSD,
			Timestamp:     time.Now().UTC(),
			Payload:       payload,
		}
		d.Dispatcher.SubmitPersist("run-log-append", func(ctx context.Context) error {
			return d.Store.AppendRunLog(ctx, rec)
		})
	}
}
