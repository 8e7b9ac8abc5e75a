package router

// RouterConfig enumerates every routing knob as a named field so the whole
// policy can be loaded from a file (internal/policyconfig) instead of
// hardcoded.
type RouterConfig struct {
	Thresholds DifficultyFloat // quality gate thresholds by difficulty

	BaseTokenEstimates map[string]TokenEstimate // taskType -> base estimate
	DifficultyMultipliers DifficultyFloat

	FallbackCount int

	OnBudgetFail   NoQualifiedPolicy
	SelectionPolicy SelectionPolicy
	NoQualifiedPolicy NoQualifiedPolicy

	NearThresholdDeltaByDifficulty DifficultyFloat

	MinConfidenceToUseCalibration float64
	ConfidenceFloor                float64

	MinBenefitByDifficulty            DifficultyFloat
	MinBenefitNearThresholdByDifficulty DifficultyFloat

	PremiumTaskTypes map[string]bool

	EvaluationSampleRate float64

	Escalation EscalationConfig
}

// DifficultyFloat is a {low,medium,high} keyed float table.
type DifficultyFloat struct {
	Low    float64
	Medium float64
	High   float64
}

func (d DifficultyFloat) For(difficulty string) float64 {
	switch difficulty {
	case "low":
		return d.Low
	case "medium":
		return d.Medium
	case "high":
		return d.High
	default:
		return d.Medium
	}
}

// TokenEstimate is a base {input,output} token pair for a taskType.
type TokenEstimate struct {
	Input  int
	Output int
}

// EscalationConfig is the full escalation policy object.
type EscalationConfig struct {
	Policy                 string // "promote_on_low_score" | "none"
	MaxPromotions          int
	PromotionMargin        float64
	ScoreResolution        int
	MinScoreByDifficulty   DifficultyFloat
	MinScoreByTaskType     map[string]DifficultyFloat
	RequireEvalForDecision bool
	EscalateJudgeAlways    bool

	RoutingMode string // "" | "escalation_aware"

	CheapFirstMaxGapByDifficulty DifficultyFloat
	CheapFirstMaxGapByTaskType   map[string]DifficultyFloat
	CheapFirstMinConfidence      float64
	CheapFirstSavingsMinPct      float64
	CheapFirstSavingsMinUSD      *float64
	CheapFirstBudgetHeadroomFactor float64
	CheapFirstOnlyWhenCanPromote bool
	CheapFirstOverridesByTaskType map[string]bool // taskType -> forcibly disabled

	MaxExtraCostUSD *float64

	// EscalationModelOrderByTaskType lists model ids weakest-to-strongest
	// per taskType, used both to find a cheap-first promotion target and to
	// pick the escalation target in the Task Runner.
	EscalationModelOrderByTaskType map[string][]string

	EvaluationMode     string
	NormalEvalRate     *float64
	CheapFirstEvalRate *float64

	LogPrimaryBlockerOnlyWhenFailed bool
}

const RoutingModeEscalationAware = "escalation_aware"
const EscalationPolicyPromoteOnLowScore = "promote_on_low_score"

// DefaultConfig returns the default policy values.
func DefaultConfig() RouterConfig {
	return RouterConfig{
		Thresholds: DifficultyFloat{Low: 0.55, Medium: 0.70, High: 0.82},
		BaseTokenEstimates: map[string]TokenEstimate{
			"code":     {Input: 2500, Output: 1500},
			"writing":  {Input: 2000, Output: 1000},
			"analysis": {Input: 3000, Output: 2000},
			"general":  {Input: 2000, Output: 1000},
		},
		DifficultyMultipliers: DifficultyFloat{Low: 0.7, Medium: 1.0, High: 1.5},
		FallbackCount:         1,
		OnBudgetFail:          OnBudgetFailFail,
		SelectionPolicy:       PolicyLowestCostQualified,
		NoQualifiedPolicy:     OnBudgetFailBestEffort,
		NearThresholdDeltaByDifficulty: DifficultyFloat{Low: 0.04, Medium: 0.06, High: 0.10},
		MinConfidenceToUseCalibration:  0.4,
		ConfidenceFloor:                0.3,
		MinBenefitByDifficulty:            DifficultyFloat{Low: 0.02, Medium: 0.03, High: 0.05},
		MinBenefitNearThresholdByDifficulty: DifficultyFloat{Low: 0.01, Medium: 0.02, High: 0.03},
		PremiumTaskTypes:      map[string]bool{},
		EvaluationSampleRate:  0.2,
		Escalation: EscalationConfig{
			Policy:                 EscalationPolicyPromoteOnLowScore,
			MaxPromotions:          1,
			PromotionMargin:        0.03,
			ScoreResolution:        2,
			MinScoreByDifficulty:   DifficultyFloat{Low: 0.6, Medium: 0.75, High: 0.85},
			RequireEvalForDecision: false,
			EscalateJudgeAlways:    false,
			RoutingMode:            "",
			CheapFirstMaxGapByDifficulty:   DifficultyFloat{Low: 0.06, Medium: 0.08, High: 0.10},
			CheapFirstMinConfidence:        0.5,
			CheapFirstSavingsMinPct:        0.3,
			CheapFirstBudgetHeadroomFactor: 1.1,
			CheapFirstOnlyWhenCanPromote:   true,
			EscalationModelOrderByTaskType: map[string][]string{},
		},
	}
}
