// Package runner is the per-task state machine: route, execute, validate,
// retry once on a fallback model, sample the judge, and conditionally
// escalate to a stronger model, feeding outcomes back into the calibration,
// variance, and trust trackers.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/routecore/routecore/internal/calibration"
	"github.com/routecore/routecore/internal/executor"
	"github.com/routecore/routecore/internal/judge"
	"github.com/routecore/routecore/internal/model"
	"github.com/routecore/routecore/internal/router"
	"github.com/routecore/routecore/internal/stats"
	"github.com/routecore/routecore/internal/trust"
	"github.com/routecore/routecore/internal/variance"
)

// State is a Task Runner state-machine state.
type State string

const (
	StatePending        State = "pending"
	StateRouted         State = "routed"
	StateAttempted      State = "attempted"
	StateValidated      State = "validated"
	StateFallbackAttempt State = "fallback_attempt"
	StateJudgeEvaluated State = "judge_evaluated"
	StateEscalated      State = "escalated"
	StateDone           State = "done"
)

// Attempt records one executor call plus its validation result and optional
// judge evaluation.
type Attempt struct {
	ModelID          string
	Prompt           string
	Output           string
	ExecutionError   string
	Validation       judge.ValidationResult
	Evaluation       *judge.Evaluation
	ActualCostUSD    float64
	ExpectedCostUSD  float64
	InputTokens      int
	OutputTokens     int
	LatencyMs        float64
}

// FinalResult is the Task Runner's terminal output.
type FinalResult struct {
	Status          string // "ok" | "no_qualified_models" | "failed"
	ChosenModelID   string
	Output          string
	ActualCostUSD   float64
	EscalationUsed  bool
	ChosenAttempt   string // "initial" | "escalated"
	Evaluation      *judge.Evaluation
}

// RunLogEvent is the persisted record of one Task Runner execution.
type RunLogEvent struct {
	TaskID    string
	Routing   router.RoutingDecision
	Attempts  []Attempt
	Final     FinalResult
	Timestamp time.Time
}

// Deps bundles the shared stores and executor pool the runner consults.
// Stats and Registry are optional observability sinks: when set, finalize
// updates per-model counters and appends a predicted-vs-actual observation.
type Deps struct {
	Pool         *executor.Pool
	Calibration  *calibration.Store
	Variance     *variance.Store
	Trust        *trust.Store
	Judge        *judge.Judge
	Stats        *stats.Collector
	Registry     *model.Registry
	ProviderByID func(modelID string) (providerID string, ok bool)
}

// Input is everything one Run call needs beyond the shared Deps.
type Input struct {
	Task          router.TaskCard
	Directive     string
	Candidates    []router.Candidate
	Cfg           router.RouterConfig
	PortfolioOpts router.PortfolioOptions
	RoutingOpts   router.RoutingOptions
	FallbackModel *model.Model // resolved fallback candidate, if any
	EvalMode      string       // "prod" | "benchmark" | "test"

	// OutputSchema, when set, is enforced against every attempt's output at
	// validation time (e.g. the QA verdict contract).
	OutputSchema json.RawMessage
}

// Run executes the full state machine for one task.
func Run(ctx context.Context, deps Deps, in Input) RunLogEvent {
	decision := router.Route(in.Task, in.Candidates, in.Cfg, len(in.Directive), in.PortfolioOpts, in.RoutingOpts)
	decision = router.ApplyCheapFirst(in.Task, in.Candidates, in.Cfg, decision)

	event := RunLogEvent{TaskID: in.Task.ID, Routing: decision, Timestamp: time.Now().UTC()}

	if decision.Status == router.StatusNoQualified {
		event.Final = FinalResult{Status: "no_qualified_models"}
		return event
	}

	prompt := buildPrompt(in.Directive, in.Task, "")
	attempt1 := executeAndValidate(ctx, deps, in, decision.ChosenModelID, prompt, decision)
	event.Attempts = append(event.Attempts, attempt1)

	final := attempt1

	fallback := in.FallbackModel
	if fallback == nil && len(decision.FallbackModelIDs) > 0 {
		if m, ok := findModel(in.Candidates, decision.FallbackModelIDs[0]); ok {
			fallback = &m
		}
	}

	needsRetry := (attempt1.ExecutionError != "" || !attempt1.Validation.OK) && fallback != nil
	if needsRetry {
		retryPrompt := buildPrompt(in.Directive, in.Task, "\nRETRY")
		attempt2 := executeAndValidate(ctx, deps, in, fallback.ID, retryPrompt, decision)
		event.Attempts = append(event.Attempts, attempt2)
		final = attempt2
	}

	finalOK := final.ExecutionError == "" && final.Validation.OK

	var eval *judge.Evaluation
	if finalOK && deps.Judge != nil {
		rate := effectiveSampleRate(in.Cfg, in.EvalMode, decision.EscalationAware != nil && decision.EscalationAware.CheapFirstChoice != "")
		if sampleHit(in.Task.ID, rate) {
			e, err := deps.Judge.Evaluate(ctx, in.Task.TaskType, in.Directive, final.Output)
			if err == nil {
				eval = e
				final.Evaluation = e
				deps.Calibration.Record(final.ModelID, in.Task.TaskType, e.Overall)
			}
		}
	}
	if idx := len(event.Attempts) - 1; idx >= 0 {
		event.Attempts[idx] = final
	}

	status := "ok"
	if !finalOK {
		status = "failed"
	}
	result := FinalResult{
		Status:        status,
		ChosenModelID: final.ModelID,
		Output:        final.Output,
		ActualCostUSD: final.ActualCostUSD,
		ChosenAttempt: "initial",
		Evaluation:    eval,
	}

	if finalOK && eval != nil && in.Cfg.Escalation.Policy == router.EscalationPolicyPromoteOnLowScore {
		escalated, escAttempt := maybeEscalate(ctx, deps, in, decision, final, eval)
		if escAttempt != nil {
			event.Attempts = append(event.Attempts, *escAttempt)
			result = escalated
		}
	}

	finalizeTrackers(deps, in, event.Attempts, result)
	event.Final = result
	return event
}

func buildPrompt(directive string, task router.TaskCard, suffix string) string {
	p := ""
	if directive != "" {
		p += "User directive:\n" + directive + "\n\n"
	}
	p += fmt.Sprintf("Task id: %s\nTask type: %s\nDifficulty: %s", task.ID, task.TaskType, task.Difficulty)
	return p + suffix
}

func executeAndValidate(ctx context.Context, deps Deps, in Input, modelID, prompt string, decision router.RoutingDecision) Attempt {
	providerID, ok := deps.ProviderByID(modelID)
	if !ok {
		return Attempt{ModelID: modelID, Prompt: prompt, ExecutionError: fmt.Sprintf("no provider mapping for model %q", modelID)}
	}
	req := executor.Request{Messages: []executor.Message{{Role: "user", Content: prompt}}}
	expectedCost := 0.0
	if decision.ExpectedCostUSD != nil {
		expectedCost = *decision.ExpectedCostUSD
	}
	res, err := deps.Pool.Execute(ctx, providerID, modelID, req, decision.EstimatedTokens.Output)

	a := Attempt{ModelID: modelID, Prompt: prompt, ExpectedCostUSD: expectedCost}
	if err != nil {
		a.ExecutionError = err.Error()
		a.Validation = judge.Validate(in.Task.TaskType, "", err, in.OutputSchema)
		return a
	}
	a.Output = res.Text
	a.InputTokens = res.InputTokens
	a.OutputTokens = res.OutputTokens
	a.LatencyMs = res.LatencyMs
	a.Validation = judge.Validate(in.Task.TaskType, res.Text, nil, in.OutputSchema)

	m, _ := findModel(in.Candidates, modelID)
	a.ActualCostUSD = model.EstimatedCost(m, res.InputTokens, res.OutputTokens)
	return a
}

// expertiseFor looks up the effective expertise the router used for a
// model, 0 if the model never appeared in the candidate set.
func expertiseFor(candidates []router.Candidate, id string) float64 {
	for _, c := range candidates {
		if c.Model.ID == id {
			return c.EffectiveExpertise
		}
	}
	return 0
}

func findModel(candidates []router.Candidate, id string) (model.Model, bool) {
	for _, c := range candidates {
		if c.Model.ID == id {
			return c.Model, true
		}
	}
	return model.Model{}, false
}

// effectiveSampleRate resolves the judge sampling rate, honoring focused
// evaluation mode's separate cheap-first and normal rates.
func effectiveSampleRate(cfg router.RouterConfig, evalMode string, cheapFirstUsed bool) float64 {
	esc := cfg.Escalation
	if esc.EvaluationMode == "focused" {
		if cheapFirstUsed && esc.CheapFirstEvalRate != nil {
			return *esc.CheapFirstEvalRate
		}
		if esc.NormalEvalRate != nil {
			return *esc.NormalEvalRate
		}
	}
	rate := cfg.EvaluationSampleRate
	if evalMode == "prod" && rate >= 1.0 {
		rate = 0.25
	}
	return rate
}

// sampleHit is a deterministic stand-in for uniform sampling: it hashes
// taskID (FNV), so repeated runs of the same task make the same sampling
// decision.
func sampleHit(taskID string, rate float64) bool {
	if rate >= 1.0 {
		return true
	}
	if rate <= 0 {
		return false
	}
	h := fnv32(taskID)
	return float64(h%1000)/1000.0 < rate
}

func fnv32(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// maybeEscalate runs one additional attempt on a strictly-stronger model
// when the judged score falls below the effective target, keeping whichever
// attempt scores higher (ties go to the cheaper one).
func maybeEscalate(ctx context.Context, deps Deps, in Input, decision router.RoutingDecision, final Attempt, eval *judge.Evaluation) (FinalResult, *Attempt) {
	esc := in.Cfg.Escalation
	target := esc.MinScoreByDifficulty.For(in.Task.Difficulty)
	if byType, ok := esc.MinScoreByTaskType[in.Task.TaskType]; ok {
		target = byType.For(in.Task.Difficulty)
	}
	effective := target - esc.PromotionMargin
	res := esc.ScoreResolution
	if roundTo(eval.Overall, res) >= roundTo(effective, res) {
		return FinalResult{}, nil
	}

	order := esc.EscalationModelOrderByTaskType[in.Task.TaskType]
	targetID := strongerModel(order, final.ModelID)
	if targetID == "" {
		return FinalResult{}, nil
	}
	targetModel, ok := findModel(in.Candidates, targetID)
	if !ok {
		return FinalResult{}, nil
	}

	incremental := model.EstimatedCost(targetModel, decision.EstimatedTokens.Input, decision.EstimatedTokens.Output)
	actualSoFar := final.ActualCostUSD
	if in.Task.Constraints.MaxCostUSD != nil && actualSoFar+incremental > *in.Task.Constraints.MaxCostUSD {
		return FinalResult{}, nil
	}
	if esc.MaxExtraCostUSD != nil && incremental > *esc.MaxExtraCostUSD {
		return FinalResult{}, nil
	}

	prompt := buildPrompt(in.Directive, in.Task, "")
	escAttempt := executeAndValidate(ctx, deps, in, targetID, prompt, decision)
	if escAttempt.ExecutionError != "" || !escAttempt.Validation.OK || deps.Judge == nil {
		// Escalation fizzled: the initial attempt stands, with its cost plus
		// whatever the failed promotion burned.
		return FinalResult{
			Status:         "ok",
			ChosenModelID:  final.ModelID,
			Output:         final.Output,
			ActualCostUSD:  final.ActualCostUSD + escAttempt.ActualCostUSD,
			EscalationUsed: true,
			ChosenAttempt:  "initial",
			Evaluation:     eval,
		}, &escAttempt
	}

	escEval, err := deps.Judge.Evaluate(ctx, in.Task.TaskType, in.Directive, escAttempt.Output)
	chosenAttempt := "initial"
	output := final.Output
	// Both attempts were paid for regardless of which output wins.
	cost := final.ActualCostUSD + escAttempt.ActualCostUSD
	chosenModel := final.ModelID
	var chosenEval *judge.Evaluation = eval
	if err == nil {
		escAttempt.Evaluation = escEval
		deps.Calibration.Record(targetID, in.Task.TaskType, escEval.Overall)
		higher := escEval.Overall > eval.Overall
		tie := escEval.Overall == eval.Overall && escAttempt.ActualCostUSD < final.ActualCostUSD
		if higher || tie {
			chosenAttempt = "escalated"
			output = escAttempt.Output
			chosenModel = targetID
			chosenEval = escEval
		}
	}

	return FinalResult{
		Status:         "ok",
		ChosenModelID:  chosenModel,
		Output:         output,
		ActualCostUSD:  cost,
		EscalationUsed: true,
		ChosenAttempt:  chosenAttempt,
		Evaluation:     chosenEval,
	}, &escAttempt
}

func roundTo(v float64, places int) float64 {
	mult := math.Pow(10, float64(places))
	return math.Round(v*mult) / mult
}

func strongerModel(order []string, currentID string) string {
	for i, id := range order {
		if id == currentID && i+1 < len(order) {
			return order[i+1]
		}
	}
	return ""
}

// finalizeTrackers applies the tracker updates after the final attempt is
// chosen: variance, worker trust, per-model counters, and the append-only
// observation log.
func finalizeTrackers(deps Deps, in Input, attempts []Attempt, final FinalResult) {
	taskType := in.Task.TaskType
	for i, a := range attempts {
		if deps.Stats != nil {
			var quality *float64
			if a.Evaluation != nil {
				q := a.Evaluation.Overall
				quality = &q
			}
			deps.Stats.Record(stats.Outcome{
				ModelID:          a.ModelID,
				Success:          a.ExecutionError == "" && a.Validation.OK,
				WasRetry:         i > 0,
				ValidationFailed: a.ExecutionError == "" && !a.Validation.OK,
				ExecutionError:   a.ExecutionError != "",
				Quality:          quality,
				CostUSD:          a.ActualCostUSD,
			})
		}
		if a.ExecutionError != "" {
			continue
		}

		// Predicted quality is the effective expertise the router acted on;
		// the judge's overall is the actual. Without an eval there is no
		// actual-quality signal, so only the cost side feeds variance and
		// the trust quality delta stays zero.
		predictedQ := expertiseFor(in.Candidates, a.ModelID)
		actualQ := predictedQ
		if a.Evaluation != nil {
			actualQ = a.Evaluation.Overall
			deps.Variance.RecordQuality(a.ModelID, taskType, predictedQ, actualQ)
		}
		deps.Variance.RecordCost(a.ModelID, taskType, a.ExpectedCostUSD, a.ActualCostUSD)

		costRatio := 0.0
		if a.ExpectedCostUSD > 0 {
			costRatio = a.ActualCostUSD / a.ExpectedCostUSD
		}
		// Structural validation failure counts as a failed deterministic QA
		// verdict; a pass says nothing until a QA package reviews the work.
		var qaPassed *bool
		if !a.Validation.OK {
			passed := false
			qaPassed = &passed
		}
		deps.Trust.UpdateWorker(a.ModelID, trust.WorkerUpdateInput{
			PredictedQuality: predictedQ,
			ActualQuality:    actualQ,
			QAPassed:         qaPassed,
			CostRatio:        costRatio,
		})
	}

	if deps.Registry != nil && final.Status == "ok" && final.ChosenModelID != "" {
		var chosen *Attempt
		for i := range attempts {
			if attempts[i].ModelID == final.ChosenModelID && attempts[i].ExecutionError == "" {
				chosen = &attempts[i]
			}
		}
		if chosen != nil {
			predictedQ := expertiseFor(in.Candidates, chosen.ModelID)
			actualQ := predictedQ
			if final.Evaluation != nil {
				actualQ = final.Evaluation.Overall
			}
			deps.Registry.RecordObservation(model.Observation{
				ModelID:          chosen.ModelID,
				TaskType:         taskType,
				Difficulty:       in.Task.Difficulty,
				PredictedCostUSD: chosen.ExpectedCostUSD,
				ActualCostUSD:    chosen.ActualCostUSD,
				PredictedQuality: predictedQ,
				ActualQuality:    actualQ,
			})
		}
	}
}
