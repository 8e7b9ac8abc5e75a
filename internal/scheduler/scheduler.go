// Package scheduler runs a Worker+QA work-package DAG with bounded
// per-role concurrency, budget accounting, portfolio enforcement, tier
// overrides, and cooperative cancellation. Execution is an in-process
// worker pool; durability for async runs lives in internal/asyncjobs.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/routecore/routecore/internal/calibration"
	"github.com/routecore/routecore/internal/events"
	"github.com/routecore/routecore/internal/judge"
	"github.com/routecore/routecore/internal/ledger"
	"github.com/routecore/routecore/internal/metrics"
	"github.com/routecore/routecore/internal/model"
	"github.com/routecore/routecore/internal/packager"
	"github.com/routecore/routecore/internal/portfolio"
	"github.com/routecore/routecore/internal/router"
	"github.com/routecore/routecore/internal/runner"
	"github.com/routecore/routecore/internal/trust"
	"github.com/routecore/routecore/internal/variance"
)

// PortfolioMode selects how the portfolio recommendation constrains routing.
type PortfolioMode string

const (
	PortfolioOff    PortfolioMode = "off"
	PortfolioPrefer PortfolioMode = "prefer"
	PortfolioLock   PortfolioMode = "lock"
)

// Concurrency caps the worker/qa pool sizes.
type Concurrency struct {
	Worker int
	QA     int
}

// DefaultConcurrency returns the default pool sizes.
func DefaultConcurrency() Concurrency { return Concurrency{Worker: 3, QA: 1} }

// ValidationError is returned when the package graph fails precondition
// checks before any work runs.
type ValidationError struct{ Err error }

func (v *ValidationError) Error() string { return v.Err.Error() }

// RunStatus is the terminal status of a RunSession.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// PackageResult is one package's outcome. QAReport is set only for QA
// packages that produced a verdict.
type PackageResult struct {
	PackageID     string
	Event         runner.RunLogEvent
	QAReport      *judge.QAReport
	Skipped       bool
	SkipReason    string
	ActualCostUSD float64
}

// RunSession is the Scheduler's output.
type RunSession struct {
	Status   RunStatus
	Results  map[string]PackageResult
	Ledger   ledger.RunLedger
	SpentUSD float64
}

// Scheduler executes a validated package DAG.
type Scheduler struct {
	Registry    *model.Registry
	Calibration *calibration.Store
	Variance    *variance.Store
	Trust       *trust.Store
	Optimizer   *portfolio.Optimizer
	Cache       *portfolio.Cache
	RunnerDeps  runner.Deps
	Cfg         router.RouterConfig

	// Optional observability sinks; nil-safe.
	EventBus *events.Bus
	Metrics  *metrics.Registry
}

// Options configures one Run call.
type Options struct {
	BudgetUSD     float64
	TierProfile   string
	Concurrency   Concurrency
	PortfolioMode PortfolioMode
	ForceRefreshPortfolio bool
	EvalMode      string
}

// Run executes pkgs to completion, honoring dependency order, concurrency
// caps, budget accounting, and portfolio enforcement.
func (s *Scheduler) Run(ctx context.Context, pkgs []packager.Package, opts Options) (*RunSession, error) {
	if err := packager.Validate(pkgs); err != nil {
		return nil, &ValidationError{Err: err}
	}
	if opts.Concurrency.Worker <= 0 || opts.Concurrency.QA <= 0 {
		opts.Concurrency = DefaultConcurrency()
	}

	session := &RunSession{Status: StatusRunning, Results: map[string]PackageResult{}}
	var mu sync.Mutex // guards session, remaining budget, ready-state
	remaining := opts.BudgetUSD

	portfolioOpts, pbypass := s.resolvePortfolio(ctx, opts)
	if pbypass != nil {
		session.Ledger.Append(ledger.Entry{
			Type:                      ledger.TypeRoute,
			PortfolioValidationFailed: true,
			PortfolioFailureReason:    pbypass.Reason,
			MissingModelIDs:           pbypass.MissingModelIDs,
		})
		if s.EventBus != nil {
			s.EventBus.Publish(events.Event{
				Type:         events.EventPortfolioBypass,
				BypassReason: pbypass.Reason,
			})
		}
	}

	byID := make(map[string]packager.Package, len(pkgs))
	dependents := make(map[string][]string)
	indegree := make(map[string]int)
	for _, p := range pkgs {
		byID[p.ID] = p
		indegree[p.ID] = len(p.DependsOn)
		for _, dep := range p.DependsOn {
			dependents[dep] = append(dependents[dep], p.ID)
		}
	}

	done := make(map[string]bool)
	fatalStop := false

	workerSem := make(chan struct{}, opts.Concurrency.Worker)
	qaSem := make(chan struct{}, opts.Concurrency.QA)
	var wg sync.WaitGroup

	var runPackage func(id string)
	runPackage = func(id string) {
		defer wg.Done()
		p := byID[id]

		mu.Lock()
		if fatalStop && p.Role == packager.RoleWorker {
			session.Ledger.Warn(fmt.Sprintf("Package %s: skipped after fatal failure", id))
			session.Results[id] = PackageResult{PackageID: id, Skipped: true, SkipReason: "cancelled_after_fatal"}
			done[id] = true
			mu.Unlock()
			s.releaseDependents(&mu, id, dependents, indegree, byID, &wg, runPackage)
			return
		}
		mu.Unlock()

		sem := workerSem
		if p.Role == packager.RoleQA {
			sem = qaSem
		}
		sem <- struct{}{}
		defer func() { <-sem }()

		// QA packages review their worker's output: run the deterministic
		// validator first, and the LLM second pass only when the package's
		// QA policy demands one.
		var qaDet *judge.ValidationResult
		var qaWorkerModelID, qaWorkerOutput string
		var qaWorkerCriteria []string
		if p.Role == packager.RoleQA && len(p.DependsOn) == 1 {
			mu.Lock()
			dep := session.Results[p.DependsOn[0]]
			mu.Unlock()
			if dep.Skipped || dep.Event.Final.Status != "ok" {
				mu.Lock()
				session.Ledger.Warn(fmt.Sprintf("Package %s: reviewed package did not complete", id))
				session.Results[id] = PackageResult{PackageID: id, Skipped: true, SkipReason: "dependency_not_ok"}
				done[id] = true
				mu.Unlock()
				s.releaseDependents(&mu, id, dependents, indegree, byID, &wg, runPackage)
				return
			}
			det := judge.Validate(p.TaskType, dep.Event.Final.Output, nil, nil)
			qaDet = &det
			qaWorkerModelID = dep.Event.Final.ChosenModelID
			qaWorkerOutput = dep.Event.Final.Output
			qaWorkerCriteria = byID[p.DependsOn[0]].AcceptanceCriteria

			if !p.QAPolicy.RequiresLLM(p.Difficulty) {
				report := judge.QAReportFromValidation(det)
				s.applyQAVerdict("", qaWorkerModelID, report, det)
				mu.Lock()
				session.Ledger.RecordExecution(ledger.RoleExecution{
					PackageID: id, Role: string(p.Role), Success: true,
				})
				session.Results[id] = PackageResult{PackageID: id, QAReport: report}
				done[id] = true
				mu.Unlock()
				if s.EventBus != nil {
					s.EventBus.Publish(events.Event{
						Type:      events.EventPackageDone,
						PackageID: id,
						Status:    "ok",
					})
				}
				s.releaseDependents(&mu, id, dependents, indegree, byID, &wg, runPackage)
				return
			}
		}

		taskCard := router.TaskCard{ID: p.ID, TaskType: p.TaskType, Difficulty: p.Difficulty}
		candidates := runner.BuildCandidates(s.Registry, s.Calibration, s.Variance, s.Trust, p.TaskType, p.Difficulty)

		mu.Lock()
		allowed := portfolioOpts.AllowedModelIDs
		prefer := portfolioOpts.PreferModelIDs
		budgetCap := remaining
		mu.Unlock()

		if budgetCap <= 0 && opts.BudgetUSD > 0 {
			mu.Lock()
			session.Ledger.Warn(fmt.Sprintf("Package %s: no model fits allocated budget", id))
			session.Results[id] = PackageResult{PackageID: id, Skipped: true, SkipReason: "budget_exceeded"}
			done[id] = true
			mu.Unlock()
			s.releaseDependents(&mu, id, dependents, indegree, byID, &wg, runPackage)
			return
		}
		if opts.BudgetUSD > 0 {
			capped := budgetCap
			taskCard.Constraints.MaxCostUSD = &capped
		}

		routingOpts := router.RoutingOptions{CheapestViableChosen: p.CheapestViableChosen}

		in := runner.Input{
			Task:          taskCard,
			Candidates:    candidates,
			Cfg:           s.Cfg,
			PortfolioOpts: router.PortfolioOptions{AllowedModelIDs: allowed, PreferModelIDs: prefer},
			RoutingOpts:   routingOpts,
			EvalMode:      opts.EvalMode,
		}
		if qaDet != nil {
			in.Directive = judge.BuildQAPrompt(p.Title, qaWorkerOutput, qaWorkerCriteria)
			in.OutputSchema = judge.QAOutputSchema
		}
		event := runner.Run(ctx, s.RunnerDeps, in)

		var qaReport *judge.QAReport
		if qaDet != nil && event.Final.Status == "ok" {
			if rep, err := judge.ParseQAReport(event.Final.Output); err == nil {
				qaReport = rep
				s.applyQAVerdict(event.Final.ChosenModelID, qaWorkerModelID, rep, *qaDet)
			}
		}

		chosenPredicted := 0.0
		if event.Routing.ExpectedCostUSD != nil {
			chosenPredicted = *event.Routing.ExpectedCostUSD
		}

		mu.Lock()
		session.Ledger.Append(ledger.Entry{
			Type:                   ledger.TypeRoute,
			PackageID:              id,
			TierProfile:            opts.TierProfile,
			ChosenModelID:          event.Routing.ChosenModelID,
			ChosenPredictedCostUSD: chosenPredicted,
			RankedBy:               event.Routing.RankedBy,
			EnforceCheapestViable:  p.CheapestViableChosen,
			RoutingCandidates:      len(event.Routing.RoutingAudit),
			PricingMismatchCount:   s.pricingMismatches(candidates),
		})
		if event.Final.Status == "no_qualified_models" {
			session.Ledger.Warn(fmt.Sprintf("Package %s: no model fits allocated budget", id))
		}
		if event.Final.EscalationUsed {
			session.Ledger.Append(ledger.Entry{Type: ledger.TypeEscalation, PackageID: id, ToModelID: event.Final.ChosenModelID})
			if s.Metrics != nil {
				s.Metrics.EscalationsTotal.WithLabelValues(p.TaskType).Inc()
			}
			if s.EventBus != nil {
				s.EventBus.Publish(events.Event{
					Type:      events.EventEscalation,
					PackageID: id,
					ToModelID: event.Final.ChosenModelID,
				})
			}
		}
		session.Ledger.RecordExecution(ledger.RoleExecution{
			PackageID: id, Role: string(p.Role), ModelID: event.Final.ChosenModelID,
			ActualCostUSD: event.Final.ActualCostUSD, Success: event.Final.Status == "ok",
		})
		remaining -= event.Final.ActualCostUSD
		session.SpentUSD += event.Final.ActualCostUSD
		session.Results[id] = PackageResult{PackageID: id, Event: event, QAReport: qaReport, ActualCostUSD: event.Final.ActualCostUSD}
		if p.Importance == 5 && event.Final.Status != "ok" {
			fatalStop = true
		}
		done[id] = true
		mu.Unlock()

		if s.EventBus != nil {
			s.EventBus.Publish(events.Event{
				Type:      events.EventPackageDone,
				PackageID: id,
				ModelID:   event.Final.ChosenModelID,
				Status:    event.Final.Status,
				CostUSD:   event.Final.ActualCostUSD,
			})
		}
		if s.Metrics != nil {
			s.Metrics.CostUSD.WithLabelValues(event.Final.ChosenModelID, string(p.Role)).Add(event.Final.ActualCostUSD)
		}

		s.releaseDependents(&mu, id, dependents, indegree, byID, &wg, runPackage)
	}

	var initial []string
	for _, p := range pkgs {
		if indegree[p.ID] == 0 {
			initial = append(initial, p.ID)
		}
	}
	sortByPriority(initial, byID)
	for _, id := range initial {
		wg.Add(1)
		go runPackage(id)
	}
	wg.Wait()

	session.Status = StatusCompleted
	return session, nil
}

// applyQAVerdict feeds a QA verdict into the trust tracker: the QA model's
// trust moves on agreement with the deterministic validator, and the
// reviewed worker model takes the pass/fail penalty. qaModelID is empty for
// deterministic-only reviews, which carry no agreement signal.
func (s *Scheduler) applyQAVerdict(qaModelID, workerModelID string, report *judge.QAReport, det judge.ValidationResult) {
	if s.Trust == nil {
		return
	}
	if qaModelID != "" {
		s.Trust.UpdateQA(qaModelID, report.Pass == det.OK)
	}
	if workerModelID != "" {
		passed := report.Pass
		s.Trust.UpdateWorker(workerModelID, trust.WorkerUpdateInput{QAPassed: &passed})
	}
}

// pricingMismatches counts candidates whose snapshot pricing no longer
// matches the registry, which would make the audit's predicted costs stale.
// Pricing is immutable within a run, so a nonzero count flags an operator
// upsert racing the run.
func (s *Scheduler) pricingMismatches(candidates []router.Candidate) int {
	n := 0
	for _, c := range candidates {
		m, ok := s.Registry.Get(c.Model.ID)
		if !ok || m.InPer1K != c.Model.InPer1K || m.OutPer1K != c.Model.OutPer1K {
			n++
		}
	}
	return n
}

// releaseDependents decrements dependents' indegree under the run lock and
// launches any that become ready (all dependencies terminal). Called with
// mu not held.
func (s *Scheduler) releaseDependents(mu *sync.Mutex, id string, dependents map[string][]string, indegree map[string]int, byID map[string]packager.Package, wg *sync.WaitGroup, runPackage func(string)) {
	mu.Lock()
	var ready []string
	for _, dep := range dependents[id] {
		indegree[dep]--
		if indegree[dep] == 0 {
			ready = append(ready, dep)
		}
	}
	mu.Unlock()
	sortByPriority(ready, byID)
	for _, rid := range ready {
		wg.Add(1)
		go runPackage(rid)
	}
}

// sortByPriority orders ready packages by importance desc, then fewer
// dependencies first.
func sortByPriority(ids []string, byID map[string]packager.Package) {
	sort.SliceStable(ids, func(i, j int) bool {
		pi, pj := byID[ids[i]], byID[ids[j]]
		if pi.Importance != pj.Importance {
			return pi.Importance > pj.Importance
		}
		return len(pi.DependsOn) < len(pj.DependsOn)
	})
}

// resolvePortfolio maps the requested portfolio mode to PortfolioOptions,
// returning a non-nil bypass record when lock mode had to downgrade to off
// because the recommendation names models missing from the registry.
func (s *Scheduler) resolvePortfolio(ctx context.Context, opts Options) (router.PortfolioOptions, *router.PortfolioBypass) {
	if opts.PortfolioMode == "" || opts.PortfolioMode == PortfolioOff || s.Optimizer == nil {
		return router.PortfolioOptions{}, nil
	}

	if opts.ForceRefreshPortfolio && s.Cache != nil {
		s.Cache.ForceRefreshNext()
	}
	floors := portfolio.DefaultFloors()
	var rec portfolio.Recommendation
	if s.Cache != nil {
		key := portfolio.CacheKey{SortedModelIDs: s.Registry.IDs(), WorkerTrust: floors.WorkerTrust, QATrust: floors.QATrust, MinQuality: floors.MinQuality}
		rec = s.Cache.Get(ctx, key, func() portfolio.Recommendation { return s.Optimizer.Select(floors) })
	} else {
		rec = s.Optimizer.Select(floors)
	}

	var missing []string
	for _, id := range rec.ModelIDs() {
		if _, ok := s.Registry.Get(id); !ok {
			missing = append(missing, id)
		}
	}

	switch opts.PortfolioMode {
	case PortfolioPrefer:
		return router.PortfolioOptions{PreferModelIDs: rec.ModelIDs()}, nil
	case PortfolioLock:
		if len(missing) > 0 {
			return router.PortfolioOptions{}, &router.PortfolioBypass{Reason: "portfolio_coverage_invalid", MissingModelIDs: missing}
		}
		return router.PortfolioOptions{AllowedModelIDs: rec.ModelIDs()}, nil
	default:
		return router.PortfolioOptions{}, nil
	}
}
