// Package router chooses a model for a task card: given a candidate list
// it returns a ranked choice with a full audit trail. Route is a pure
// function — it consults no external state beyond the signals passed to
// it, so identical inputs always produce an identical RoutingDecision.
package router

import "github.com/routecore/routecore/internal/model"

// TaskCard describes a single unit of work to be routed.
type TaskCard struct {
	ID          string
	TaskType    string
	Difficulty  string // low|medium|high
	Constraints Constraints
}

// Constraints carries optional per-task overrides of the gate.
type Constraints struct {
	MinQuality *float64
	MaxCostUSD *float64
}

// Candidate bundles a registry Model with the precomputed signals the router
// needs from the Calibration/Variance/Trust trackers (C2-C4). Building this
// slice is the caller's (Task Runner's) job; Route itself never touches
// those stores directly.
type Candidate struct {
	Model model.Model

	// EffectiveExpertise is prior.qualityPrior(taskType,difficulty) or
	// registry expertise, already blended with calibrated expertise by
	// calibration confidence (calibration.EffectiveExpertise).
	EffectiveExpertise float64

	// RawConfidence is the calibration confidence for (model, taskType):
	// min(1, n/30).
	RawConfidence float64

	// CostMultiplier is the variance tracker's cost multiplier (1.0 if the
	// variance bucket doesn't have enough samples yet).
	CostMultiplier float64

	// WorkerTrust is the trust tracker's current worker trust score.
	WorkerTrust float64
}

// EstimatedTokens is the {input, output} token estimate for a task.
type EstimatedTokens struct {
	Input  int
	Output int
}

// Status is the outcome of a routing attempt.
type Status string

const (
	StatusOK               Status = "ok"
	StatusNoQualified      Status = "no_qualified_models"
	StatusBestEffort       Status = "best_effort"
)

// DisqualifiedReason enumerates why a candidate failed the gate.
type DisqualifiedReason string

const (
	ReasonDisabled             DisqualifiedReason = "disabled"
	ReasonBelowThreshold       DisqualifiedReason = "below_quality_threshold"
	ReasonOverBudget           DisqualifiedReason = "over_budget"
	ReasonNotAllowedByPortfolio DisqualifiedReason = "not_allowed_by_portfolio"
)

// CandidateAudit is one row of the routing audit trail. Every candidate
// handed to Route appears exactly once, passed or not.
type CandidateAudit struct {
	ModelID             string
	PredictedCost       float64
	PredictedQuality    float64
	Passed              bool
	DisqualifiedReason  DisqualifiedReason `json:",omitempty"`
	Score               *float64
	ValueScoreEntry     *float64
}

// EscalationAwareAudit records how cheap-first substitution was evaluated,
// present only when RoutingMode == EscalationAware.
type EscalationAwareAudit struct {
	Considered       bool
	NormalChoice     string
	CheapFirstChoice string
	SavingsUSD       float64
	GateProgress     []string // gate names the winning candidate passed, in order; empty when none survives
	PrimaryBlocker   string
	PremiumLane      bool
}

// RoutingDecision is the full output of Route.
type RoutingDecision struct {
	ChosenModelID     string
	FallbackModelIDs  []string
	ExpectedCostUSD   *float64
	EstimatedTokens   EstimatedTokens
	Status            Status
	Rationale         string
	RankedBy          string
	RoutingMeta       map[string]any
	RoutingAudit      []CandidateAudit
	EscalationAware   *EscalationAwareAudit
	PortfolioBypassed *PortfolioBypass
}

// PortfolioBypass records a lock-mode portfolio enforcement failure that
// caused the scheduler to fall back to off-mode semantics for one decision.
type PortfolioBypass struct {
	Reason          string
	MissingModelIDs []string
}

// PortfolioOptions narrows (lock) or biases (prefer) the candidate set.
type PortfolioOptions struct {
	AllowedModelIDs []string // non-empty => lock mode gate
	PreferModelIDs  []string // bias only, never gates
}

// SelectionPolicy names the primary ordering applied to passed candidates.
type SelectionPolicy string

const (
	PolicyLowestCostQualified SelectionPolicy = "lowest_cost_qualified"
	PolicyBestValue           SelectionPolicy = "best_value"
	PolicyCheapestViable      SelectionPolicy = "cheapest_viable"
	PolicyScore               SelectionPolicy = "score"
)

// NoQualifiedPolicy names the fallback behavior when no candidate passes
// the gate.
type NoQualifiedPolicy string

const (
	OnBudgetFailFail            NoQualifiedPolicy = "fail"
	OnBudgetFailBestEffort      NoQualifiedPolicy = "best_effort_within_budget"
	OnBudgetFailIgnoreBudget    NoQualifiedPolicy = "ignore_budget"
	NoQualifiedBestValueNearThreshold NoQualifiedPolicy = "best_value_near_threshold"
)

// RoutingOptions carry per-call assertions and caller-supplied scores.
type RoutingOptions struct {
	// CheapestViableChosen asserts the caller expects cheapest-among-passed
	// semantics; Route still computes it itself but records RankedBy.
	CheapestViableChosen bool

	// CandidateScores is used by the "score" (Model-HR) policy.
	CandidateScores map[string]float64
}
