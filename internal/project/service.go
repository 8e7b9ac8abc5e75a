// Package project coordinates the plan -> package -> run pipeline: it
// decomposes a directive into subtasks, expands them into a work-package
// DAG, hands the DAG to the scheduler, and persists the resulting bundle
// under a run session id.
package project

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/routecore/routecore/internal/apperr"
	"github.com/routecore/routecore/internal/events"
	"github.com/routecore/routecore/internal/ledger"
	"github.com/routecore/routecore/internal/metrics"
	"github.com/routecore/routecore/internal/packager"
	"github.com/routecore/routecore/internal/scheduler"
	"github.com/routecore/routecore/internal/store"
	"github.com/routecore/routecore/internal/trust"
	"github.com/routecore/routecore/internal/variance"
)

// Input is one project-run request.
type Input struct {
	RunSessionID    string                `json:"runSessionId"`
	Directive       string                `json:"directive,omitempty"`
	PresetID        string                `json:"presetId,omitempty"`
	ProjectBudgetUSD float64              `json:"projectBudgetUSD"`
	TierProfile     string                `json:"tierProfile"`
	Difficulty      string                `json:"difficulty,omitempty"`
	PortfolioMode   string                `json:"portfolioMode,omitempty"`
	Concurrency     scheduler.Concurrency `json:"concurrency"`
	EvalMode        string                `json:"evalMode,omitempty"`
	IncludeTrust    bool                  `json:"includeTrust,omitempty"`
	IncludeVariance bool                  `json:"includeVariance,omitempty"`
}

// Plan is the decomposed directive before execution.
type Plan struct {
	Directive string             `json:"directive"`
	Subtasks  []packager.Subtask `json:"subtasks"`
}

// Bundle is the observability payload returned with a completed run.
type Bundle struct {
	Ledger   ledger.RunLedger  `json:"ledger"`
	Summary  Summary           `json:"summary"`
	Trust    []trust.Entry     `json:"trust,omitempty"`
	Variance []variance.Bucket `json:"variance,omitempty"`
}

// Summary is the aggregated outcome of one run.
type Summary struct {
	Status         string  `json:"status"`
	Packages       int     `json:"packages"`
	Completed      int     `json:"completed"`
	Skipped        int     `json:"skipped"`
	SpentUSD       float64 `json:"spentUsd"`
	RemainingUSD   float64 `json:"remainingUsd"`
	Escalations    int     `json:"escalations"`
	WarningCount   int     `json:"warningCount"`
}

// Result is the full project-run payload persisted under the run session id.
type Result struct {
	RunSessionID string              `json:"runSessionId"`
	Status       string              `json:"status"`
	Plan         Plan                `json:"plan"`
	Packages     []packager.Package  `json:"packages"`
	Session      *scheduler.RunSession `json:"result,omitempty"`
	Bundle       *Bundle             `json:"bundle,omitempty"`
	Error        string              `json:"error,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}

// preset scenarios let callers exercise the pipeline without authoring a
// directive.
var presets = map[string]string{
	"demo-refactor": "Analyze the billing module for dead code. Refactor the invoice API endpoint. Write a summary document of the changes.",
	"demo-audit":    "Audit the authentication flow for security issues and then write a report of the findings.",
}

// Service wires the packager, scheduler, and persistence together.
type Service struct {
	Scheduler *scheduler.Scheduler
	Store     store.Store
	EventBus  *events.Bus
	Metrics   *metrics.Registry

	DefaultBudgetUSD float64

	mu     sync.Mutex
	recent []ledger.RunSummary // analytics window, newest last
}

const recentWindow = 200

// Recent returns a copy of the in-memory analytics window.
func (s *Service) Recent() []ledger.RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.RunSummary, len(s.recent))
	copy(out, s.recent)
	return out
}

// Analytics aggregates the window with the pure ledger functions.
func (s *Service) Analytics() ledger.Totals {
	return ledger.Aggregate(s.Recent())
}

// recordSummary folds one completed run into the analytics window.
func (s *Service) recordSummary(session *scheduler.RunSession) {
	sum := ledger.RunSummary{
		Ledger:      session.Ledger,
		RealizedUSD: session.SpentUSD,
	}
	sum.EscalationUsed = session.Ledger.EscalationCount() > 0
	for _, r := range session.Results {
		aware := r.Event.Routing.EscalationAware
		if aware == nil {
			continue
		}
		if aware.CheapFirstChoice != "" {
			sum.CheapFirstChosen = true
			// The normal choice would have cost the cheap cost plus savings.
			sum.NormalExpectedUSD += r.ActualCostUSD + aware.SavingsUSD
		} else if aware.PrimaryBlocker != "" && sum.PrimaryBlocker == "" {
			sum.PrimaryBlocker = aware.PrimaryBlocker
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, sum)
	if len(s.recent) > recentWindow {
		s.recent = s.recent[len(s.recent)-recentWindow:]
	}
}

// NewRunSessionID mints a fresh run session id.
func NewRunSessionID() string { return uuid.NewString() }

// Plan decomposes the input's directive (or preset) into subtasks and
// expands them into a validated package DAG without executing anything.
func (s *Service) Plan(in Input) (Plan, []packager.Package, error) {
	directive := in.Directive
	if directive == "" && in.PresetID != "" {
		p, ok := presets[in.PresetID]
		if !ok {
			return Plan{}, nil, apperr.NotFound("preset %q", in.PresetID)
		}
		directive = p
	}
	if directive == "" {
		return Plan{}, nil, apperr.Validation("directive or presetId required")
	}

	subtasks := packager.Decompose(directive)
	if in.Difficulty != "" {
		for i := range subtasks {
			subtasks[i].DifficultyHint = in.Difficulty
		}
	}
	pkgs, err := packager.Expand(subtasks)
	if err != nil {
		return Plan{}, nil, apperr.Validation("package expansion failed: %v", err)
	}
	return Plan{Directive: directive, Subtasks: subtasks}, pkgs, nil
}

// Run executes the full pipeline and persists the result payload. The
// returned Result mirrors what was persisted.
func (s *Service) Run(ctx context.Context, in Input) (*Result, error) {
	if in.RunSessionID == "" {
		in.RunSessionID = NewRunSessionID()
	}
	if in.ProjectBudgetUSD <= 0 {
		in.ProjectBudgetUSD = s.DefaultBudgetUSD
	}

	now := time.Now().UTC()
	res := &Result{RunSessionID: in.RunSessionID, Status: "running", CreatedAt: now, UpdatedAt: now}

	plan, pkgs, err := s.Plan(in)
	if err != nil {
		res.Status = "failed"
		res.Error = err.Error()
		s.persist(ctx, res)
		return res, err
	}
	res.Plan = plan
	res.Packages = pkgs

	session, err := s.Scheduler.Run(ctx, pkgs, scheduler.Options{
		BudgetUSD:     in.ProjectBudgetUSD,
		TierProfile:   in.TierProfile,
		Concurrency:   in.Concurrency,
		PortfolioMode: scheduler.PortfolioMode(in.PortfolioMode),
		EvalMode:      in.EvalMode,
	})
	if err != nil {
		// Plan validation failures mark the session failed; everything else
		// the scheduler absorbs into warnings.
		res.Status = "failed"
		res.Error = err.Error()
		res.UpdatedAt = time.Now().UTC()
		s.persist(ctx, res)
		return res, err
	}

	res.Session = session
	res.Status = string(session.Status)
	res.Bundle = s.buildBundle(in, session)
	res.UpdatedAt = time.Now().UTC()
	s.recordSummary(session)

	if s.Metrics != nil {
		s.Metrics.BudgetRemainingUSD.Set(in.ProjectBudgetUSD - session.SpentUSD)
	}
	if s.EventBus != nil {
		s.EventBus.Publish(events.Event{
			Type:         events.EventRunCompleted,
			RunSessionID: in.RunSessionID,
			Status:       res.Status,
			TotalCostUSD: session.SpentUSD,
		})
	}

	s.persist(ctx, res)
	return res, nil
}

func (s *Service) buildBundle(in Input, session *scheduler.RunSession) *Bundle {
	completed, skipped := 0, 0
	for _, r := range session.Results {
		if r.Skipped {
			skipped++
		} else {
			completed++
		}
	}
	b := &Bundle{
		Ledger: session.Ledger,
		Summary: Summary{
			Status:       string(session.Status),
			Packages:     len(session.Results),
			Completed:    completed,
			Skipped:      skipped,
			SpentUSD:     session.SpentUSD,
			RemainingUSD: in.ProjectBudgetUSD - session.SpentUSD,
			Escalations:  session.Ledger.EscalationCount(),
			WarningCount: len(session.Ledger.Warnings),
		},
	}
	if in.IncludeTrust && s.Scheduler.Trust != nil {
		for _, m := range s.Scheduler.Registry.List() {
			b.Trust = append(b.Trust, s.Scheduler.Trust.Get(m.ID))
		}
	}
	if in.IncludeVariance && s.Scheduler.Variance != nil {
		for _, m := range s.Scheduler.Registry.List() {
			for _, tt := range []string{"code", "writing", "analysis", "general"} {
				bucket := s.Scheduler.Variance.Get(m.ID, tt)
				if bucket.NCost > 0 || bucket.NQuality > 0 {
					b.Variance = append(b.Variance, bucket)
				}
			}
		}
	}
	return b
}

// persist writes the result payload; persistence failures are observability
// losses, never run failures.
func (s *Service) persist(ctx context.Context, res *Result) {
	if s.Store == nil {
		return
	}
	payload, err := json.Marshal(res)
	if err != nil {
		slog.Error("project result marshal failed", slog.String("run_session_id", res.RunSessionID), slog.String("error", err.Error()))
		return
	}
	if err := s.Store.SaveProjectRun(ctx, res.RunSessionID, payload); err != nil {
		slog.Error("project result persist failed", slog.String("run_session_id", res.RunSessionID), slog.String("error", err.Error()))
	}
}

// Load fetches a persisted run payload.
func (s *Service) Load(ctx context.Context, runSessionID string) (*Result, error) {
	raw, err := s.Store.LoadProjectRun(ctx, runSessionID)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			return nil, apperr.NotFound("run session %q", runSessionID)
		}
		return nil, fmt.Errorf("load project run: %w", err)
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, apperr.Internal("corrupt run payload for %q", runSessionID)
	}
	return &res, nil
}
