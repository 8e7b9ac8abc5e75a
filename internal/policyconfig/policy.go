// Package policyconfig loads the router and escalation policy from a YAML
// file so operators can tune every routing knob without a redeploy. Values
// omitted from the file keep their documented defaults.
package policyconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/routecore/routecore/internal/router"
)

// difficultyTable is the YAML shape of a {low,medium,high} float table.
type difficultyTable struct {
	Low    *float64 `yaml:"low"`
	Medium *float64 `yaml:"medium"`
	High   *float64 `yaml:"high"`
}

func (t *difficultyTable) apply(dst *router.DifficultyFloat) {
	if t == nil {
		return
	}
	if t.Low != nil {
		dst.Low = *t.Low
	}
	if t.Medium != nil {
		dst.Medium = *t.Medium
	}
	if t.High != nil {
		dst.High = *t.High
	}
}

type tokenEstimate struct {
	Input  int `yaml:"input"`
	Output int `yaml:"output"`
}

type escalationFile struct {
	Policy                 *string          `yaml:"policy"`
	MaxPromotions          *int             `yaml:"maxPromotions"`
	PromotionMargin        *float64         `yaml:"promotionMargin"`
	ScoreResolution        *int             `yaml:"scoreResolution"`
	MinScoreByDifficulty   *difficultyTable `yaml:"minScoreByDifficulty"`
	MinScoreByTaskType     map[string]difficultyTable `yaml:"minScoreByTaskType"`
	RequireEvalForDecision *bool            `yaml:"requireEvalForDecision"`
	EscalateJudgeAlways    *bool            `yaml:"escalateJudgeAlways"`
	RoutingMode            *string          `yaml:"routingMode"`

	CheapFirstMaxGapByDifficulty   *difficultyTable           `yaml:"cheapFirstMaxGapByDifficulty"`
	CheapFirstMaxGapByTaskType     map[string]difficultyTable `yaml:"cheapFirstMaxGapByTaskType"`
	CheapFirstMinConfidence        *float64                   `yaml:"cheapFirstMinConfidence"`
	CheapFirstSavingsMinPct        *float64                   `yaml:"cheapFirstSavingsMinPct"`
	CheapFirstSavingsMinUSD        *float64                   `yaml:"cheapFirstSavingsMinUSD"`
	CheapFirstBudgetHeadroomFactor *float64                   `yaml:"cheapFirstBudgetHeadroomFactor"`
	CheapFirstOnlyWhenCanPromote   *bool                      `yaml:"cheapFirstOnlyWhenCanPromote"`
	CheapFirstOverridesByTaskType  map[string]bool            `yaml:"cheapFirstOverridesByTaskType"`

	MaxExtraCostUSD                *float64            `yaml:"maxExtraCostUSD"`
	EscalationModelOrderByTaskType map[string][]string `yaml:"escalationModelOrderByTaskType"`

	EvaluationMode     *string  `yaml:"evaluationMode"`
	NormalEvalRate     *float64 `yaml:"normalEvalRate"`
	CheapFirstEvalRate *float64 `yaml:"cheapFirstEvalRate"`

	LogPrimaryBlockerOnlyWhenFailed *bool `yaml:"logPrimaryBlockerOnlyWhenFailed"`
}

// fileConfig is the full YAML schema: one optional entry per RouterConfig
// field.
type fileConfig struct {
	Thresholds            *difficultyTable         `yaml:"thresholds"`
	BaseTokenEstimates    map[string]tokenEstimate `yaml:"baseTokenEstimates"`
	DifficultyMultipliers *difficultyTable         `yaml:"difficultyMultipliers"`

	FallbackCount *int `yaml:"fallbackCount"`

	OnBudgetFail      *string `yaml:"onBudgetFail"`
	SelectionPolicy   *string `yaml:"selectionPolicy"`
	NoQualifiedPolicy *string `yaml:"noQualifiedPolicy"`

	NearThresholdDeltaByDifficulty *difficultyTable `yaml:"nearThresholdDeltaByDifficulty"`

	MinConfidenceToUseCalibration *float64 `yaml:"minConfidenceToUseCalibration"`
	ConfidenceFloor               *float64 `yaml:"confidenceFloor"`

	MinBenefitByDifficulty              *difficultyTable `yaml:"minBenefitByDifficulty"`
	MinBenefitNearThresholdByDifficulty *difficultyTable `yaml:"minBenefitNearThresholdByDifficulty"`

	PremiumTaskTypes []string `yaml:"premiumTaskTypes"`

	EvaluationSampleRate *float64 `yaml:"evaluationSampleRate"`

	Escalation *escalationFile `yaml:"escalation"`
}

// Load reads path and overlays it on router.DefaultConfig(). An empty path
// returns the defaults unchanged.
func Load(path string) (router.RouterConfig, error) {
	cfg := router.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(b)
}

// Parse overlays YAML bytes on router.DefaultConfig().
func Parse(b []byte) (router.RouterConfig, error) {
	cfg := router.DefaultConfig()

	var f fileConfig
	if err := yaml.Unmarshal(b, &f); err != nil {
		return cfg, fmt.Errorf("parse policy file: %w", err)
	}

	f.Thresholds.apply(&cfg.Thresholds)
	for tt, te := range f.BaseTokenEstimates {
		cfg.BaseTokenEstimates[tt] = router.TokenEstimate{Input: te.Input, Output: te.Output}
	}
	f.DifficultyMultipliers.apply(&cfg.DifficultyMultipliers)

	if f.FallbackCount != nil {
		cfg.FallbackCount = *f.FallbackCount
	}
	if f.OnBudgetFail != nil {
		cfg.OnBudgetFail = router.NoQualifiedPolicy(*f.OnBudgetFail)
	}
	if f.SelectionPolicy != nil {
		cfg.SelectionPolicy = router.SelectionPolicy(*f.SelectionPolicy)
	}
	if f.NoQualifiedPolicy != nil {
		cfg.NoQualifiedPolicy = router.NoQualifiedPolicy(*f.NoQualifiedPolicy)
	}
	f.NearThresholdDeltaByDifficulty.apply(&cfg.NearThresholdDeltaByDifficulty)
	if f.MinConfidenceToUseCalibration != nil {
		cfg.MinConfidenceToUseCalibration = *f.MinConfidenceToUseCalibration
	}
	if f.ConfidenceFloor != nil {
		cfg.ConfidenceFloor = *f.ConfidenceFloor
	}
	f.MinBenefitByDifficulty.apply(&cfg.MinBenefitByDifficulty)
	f.MinBenefitNearThresholdByDifficulty.apply(&cfg.MinBenefitNearThresholdByDifficulty)
	if f.PremiumTaskTypes != nil {
		cfg.PremiumTaskTypes = map[string]bool{}
		for _, tt := range f.PremiumTaskTypes {
			cfg.PremiumTaskTypes[tt] = true
		}
	}
	if f.EvaluationSampleRate != nil {
		cfg.EvaluationSampleRate = *f.EvaluationSampleRate
	}

	applyEscalation(f.Escalation, &cfg.Escalation)

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEscalation(f *escalationFile, e *router.EscalationConfig) {
	if f == nil {
		return
	}
	if f.Policy != nil {
		e.Policy = *f.Policy
	}
	if f.MaxPromotions != nil {
		e.MaxPromotions = *f.MaxPromotions
	}
	if f.PromotionMargin != nil {
		e.PromotionMargin = *f.PromotionMargin
	}
	if f.ScoreResolution != nil {
		e.ScoreResolution = *f.ScoreResolution
	}
	f.MinScoreByDifficulty.apply(&e.MinScoreByDifficulty)
	if len(f.MinScoreByTaskType) > 0 {
		e.MinScoreByTaskType = map[string]router.DifficultyFloat{}
		for tt, table := range f.MinScoreByTaskType {
			var df router.DifficultyFloat
			t := table
			t.apply(&df)
			e.MinScoreByTaskType[tt] = df
		}
	}
	if f.RequireEvalForDecision != nil {
		e.RequireEvalForDecision = *f.RequireEvalForDecision
	}
	if f.EscalateJudgeAlways != nil {
		e.EscalateJudgeAlways = *f.EscalateJudgeAlways
	}
	if f.RoutingMode != nil {
		e.RoutingMode = *f.RoutingMode
	}
	f.CheapFirstMaxGapByDifficulty.apply(&e.CheapFirstMaxGapByDifficulty)
	if len(f.CheapFirstMaxGapByTaskType) > 0 {
		e.CheapFirstMaxGapByTaskType = map[string]router.DifficultyFloat{}
		for tt, table := range f.CheapFirstMaxGapByTaskType {
			var df router.DifficultyFloat
			t := table
			t.apply(&df)
			e.CheapFirstMaxGapByTaskType[tt] = df
		}
	}
	if f.CheapFirstMinConfidence != nil {
		e.CheapFirstMinConfidence = *f.CheapFirstMinConfidence
	}
	if f.CheapFirstSavingsMinPct != nil {
		e.CheapFirstSavingsMinPct = *f.CheapFirstSavingsMinPct
	}
	if f.CheapFirstSavingsMinUSD != nil {
		e.CheapFirstSavingsMinUSD = f.CheapFirstSavingsMinUSD
	}
	if f.CheapFirstBudgetHeadroomFactor != nil {
		e.CheapFirstBudgetHeadroomFactor = *f.CheapFirstBudgetHeadroomFactor
	}
	if f.CheapFirstOnlyWhenCanPromote != nil {
		e.CheapFirstOnlyWhenCanPromote = *f.CheapFirstOnlyWhenCanPromote
	}
	if f.CheapFirstOverridesByTaskType != nil {
		e.CheapFirstOverridesByTaskType = f.CheapFirstOverridesByTaskType
	}
	if f.MaxExtraCostUSD != nil {
		e.MaxExtraCostUSD = f.MaxExtraCostUSD
	}
	if f.EscalationModelOrderByTaskType != nil {
		e.EscalationModelOrderByTaskType = f.EscalationModelOrderByTaskType
	}
	if f.EvaluationMode != nil {
		e.EvaluationMode = *f.EvaluationMode
	}
	if f.NormalEvalRate != nil {
		e.NormalEvalRate = f.NormalEvalRate
	}
	if f.CheapFirstEvalRate != nil {
		e.CheapFirstEvalRate = f.CheapFirstEvalRate
	}
	if f.LogPrimaryBlockerOnlyWhenFailed != nil {
		e.LogPrimaryBlockerOnlyWhenFailed = *f.LogPrimaryBlockerOnlyWhenFailed
	}
}

func validate(cfg router.RouterConfig) error {
	switch cfg.SelectionPolicy {
	case router.PolicyLowestCostQualified, router.PolicyBestValue, router.PolicyCheapestViable, router.PolicyScore:
	default:
		return fmt.Errorf("unknown selectionPolicy %q", cfg.SelectionPolicy)
	}
	if cfg.EvaluationSampleRate < 0 || cfg.EvaluationSampleRate > 1 {
		return fmt.Errorf("evaluationSampleRate must be in [0,1], got %f", cfg.EvaluationSampleRate)
	}
	if cfg.Escalation.CheapFirstBudgetHeadroomFactor < 1 {
		return fmt.Errorf("cheapFirstBudgetHeadroomFactor must be >= 1, got %f", cfg.Escalation.CheapFirstBudgetHeadroomFactor)
	}
	return nil
}
