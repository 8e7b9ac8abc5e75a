package router

import (
	"fmt"
	"math"
	"sort"

	"github.com/routecore/routecore/internal/model"
)

const minTotalTokens = 800

// EstimateTokens derives the {input, output} token estimate. directiveLen is
// len(directive); pass 0 when no directive was supplied.
func EstimateTokens(directiveLen int, taskType string, difficulty string, cfg RouterConfig) EstimatedTokens {
	mult := cfg.DifficultyMultipliers.For(difficulty)

	if directiveLen > 0 {
		in := clampInt(directiveLen/4, 200, 6000)
		out := int(math.Round(0.6 * float64(in)))
		if in+out >= minTotalTokens {
			return EstimatedTokens{
				Input:  int(math.Round(float64(in) * mult)),
				Output: int(math.Round(float64(out) * mult)),
			}
		}
	}

	base, ok := cfg.BaseTokenEstimates[taskType]
	if !ok {
		base = cfg.BaseTokenEstimates["general"]
	}
	return EstimatedTokens{
		Input:  int(math.Round(float64(base.Input) * mult)),
		Output: int(math.Round(float64(base.Output) * mult)),
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Route is the C6 Router's pure entry point: route(task, models, config,
// directive?, portfolioOptions?, routingOptions?) -> RoutingDecision.
func Route(task TaskCard, candidates []Candidate, cfg RouterConfig, directiveLen int, portfolioOpts PortfolioOptions, routingOpts RoutingOptions) RoutingDecision {
	tokens := EstimateTokens(directiveLen, task.TaskType, task.Difficulty, cfg)

	threshold := cfg.Thresholds.For(task.Difficulty)
	if task.Constraints.MinQuality != nil && *task.Constraints.MinQuality > threshold {
		threshold = *task.Constraints.MinQuality
	}

	allowed := toSet(portfolioOpts.AllowedModelIDs)

	audits := make([]CandidateAudit, 0, len(candidates))
	var passed []scoredCandidate

	for _, c := range candidates {
		cost := model.EstimatedCost(c.Model, tokens.Input, tokens.Output) * effectiveCostMultiplier(c)
		a := CandidateAudit{
			ModelID:          c.Model.ID,
			PredictedCost:    cost,
			PredictedQuality: c.EffectiveExpertise,
		}

		reason, ok := gate(c, cost, threshold, task, allowed)
		if !ok {
			a.DisqualifiedReason = reason
			audits = append(audits, a)
			continue
		}
		a.Passed = true
		audits = append(audits, a)
		passed = append(passed, scoredCandidate{Candidate: c, cost: cost, audit: &audits[len(audits)-1]})
	}

	decision := RoutingDecision{
		EstimatedTokens: tokens,
		RoutingAudit:    audits,
		RoutingMeta:     map[string]any{"threshold": threshold},
	}

	if len(passed) == 0 {
		return noQualifiedFallback(task, candidates, cfg, tokens, threshold, decision)
	}

	chosen, rankedBy, rationale := selectFromPassed(passed, cfg, task.Difficulty, threshold, portfolioOpts, routingOpts)
	decision.Status = StatusOK
	decision.ChosenModelID = chosen.Model.ID
	cost := chosen.cost
	decision.ExpectedCostUSD = &cost
	decision.RankedBy = rankedBy
	decision.Rationale = rationale
	decision.FallbackModelIDs = fallbackIDs(passed, chosen.Model.ID, cfg.FallbackCount)
	applyScores(decision.RoutingAudit, routingOpts.CandidateScores)

	return decision
}

type scoredCandidate struct {
	Candidate
	cost  float64
	audit *CandidateAudit
}

func effectiveCostMultiplier(c Candidate) float64 {
	if c.CostMultiplier <= 0 {
		return 1.0
	}
	return c.CostMultiplier
}

func toSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// gate decides whether one candidate is eligible for this task.
func gate(c Candidate, cost float64, threshold float64, task TaskCard, allowed map[string]bool) (DisqualifiedReason, bool) {
	if !c.Model.Eligible() {
		return ReasonDisabled, false
	}
	if allowed != nil && !allowed[c.Model.ID] {
		return ReasonNotAllowedByPortfolio, false
	}
	if c.EffectiveExpertise < threshold {
		return ReasonBelowThreshold, false
	}
	if task.Constraints.MaxCostUSD != nil && cost > *task.Constraints.MaxCostUSD {
		return ReasonOverBudget, false
	}
	return "", true
}

// selectFromPassed applies the selection policy plus the tie-break rule
// (reliability desc, expertise desc, cost asc) and the portfolio preference
// bias.
func selectFromPassed(passed []scoredCandidate, cfg RouterConfig, difficulty string, threshold float64, portfolioOpts PortfolioOptions, routingOpts RoutingOptions) (scoredCandidate, string, string) {
	prefer := toSet(portfolioOpts.PreferModelIDs)
	biasFor := func(id string) float64 {
		if !prefer[id] {
			return 0
		}
		switch difficulty {
		case "low":
			return 0.01
		case "high":
			return 0.05
		default:
			return 0.03
		}
	}

	if routingOpts.CheapestViableChosen {
		sort.SliceStable(passed, func(i, j int) bool {
			if passed[i].cost != passed[j].cost {
				return passed[i].cost < passed[j].cost
			}
			return tieBreakLess(passed[i], passed[j])
		})
		best := passed[0]
		return best, "cheapest_viable", "asserted cheapest-viable selection"
	}

	switch cfg.SelectionPolicy {
	case PolicyScore:
		if len(routingOpts.CandidateScores) > 0 {
			sort.SliceStable(passed, func(i, j int) bool {
				si, siok := routingOpts.CandidateScores[passed[i].Model.ID]
				sj, sjok := routingOpts.CandidateScores[passed[j].Model.ID]
				if siok && sjok && si != sj {
					return si > sj
				}
				return passed[i].cost < passed[j].cost
			})
			return passed[0], "score", "ranked by caller-supplied candidate scores"
		}
		fallthrough
	case PolicyBestValue:
		return selectBestValue(passed, cfg, difficulty, threshold, biasFor)
	default: // lowest_cost_qualified
		sort.SliceStable(passed, func(i, j int) bool {
			if passed[i].cost != passed[j].cost {
				return passed[i].cost < passed[j].cost
			}
			return tieBreakLess(passed[i], passed[j])
		})
		return passed[0], "lowest_cost_qualified", "lowest cost among qualified candidates"
	}
}

func selectBestValue(passed []scoredCandidate, cfg RouterConfig, difficulty string, threshold float64, biasFor func(string) float64) (scoredCandidate, string, string) {
	minBenefit := cfg.MinBenefitByDifficulty.For(difficulty)
	type vc struct {
		scoredCandidate
		value float64
	}
	var viable []vc
	for _, c := range passed {
		benefit := math.Max(0, c.EffectiveExpertise-threshold)
		if benefit < minBenefit {
			continue
		}
		effConf := c.RawConfidence
		if effConf < cfg.MinConfidenceToUseCalibration {
			effConf = cfg.ConfidenceFloor
		}
		value := benefit * math.Max(0.1, effConf) / (c.cost + 1e-4)
		value += biasFor(c.Model.ID)
		if c.audit != nil {
			v := value
			c.audit.ValueScoreEntry = &v
		}
		viable = append(viable, vc{c, value})
	}
	if len(viable) == 0 {
		// fall back to expertise-desc ordering over all passed candidates.
		sort.SliceStable(passed, func(i, j int) bool {
			ei, ej := passed[i].EffectiveExpertise+biasFor(passed[i].Model.ID), passed[j].EffectiveExpertise+biasFor(passed[j].Model.ID)
			if ei != ej {
				return ei > ej
			}
			return tieBreakLess(passed[i], passed[j])
		})
		return passed[0], "best_value_expertise_fallback", "no candidate met minimum benefit; ranked by expertise"
	}
	sort.SliceStable(viable, func(i, j int) bool {
		if viable[i].value != viable[j].value {
			return viable[i].value > viable[j].value
		}
		return tieBreakLess(viable[i].scoredCandidate, viable[j].scoredCandidate)
	})
	return viable[0].scoredCandidate, "best_value", "best value score among qualified candidates"
}

func tieBreakLess(a, b scoredCandidate) bool {
	if a.Model.Reliability != b.Model.Reliability {
		return a.Model.Reliability > b.Model.Reliability
	}
	if a.EffectiveExpertise != b.EffectiveExpertise {
		return a.EffectiveExpertise > b.EffectiveExpertise
	}
	return a.cost < b.cost
}

func fallbackIDs(passed []scoredCandidate, chosenID string, n int) []string {
	if n <= 0 {
		return nil
	}
	ordered := make([]scoredCandidate, len(passed))
	copy(ordered, passed)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].cost != ordered[j].cost {
			return ordered[i].cost < ordered[j].cost
		}
		return tieBreakLess(ordered[i], ordered[j])
	})
	var out []string
	for _, c := range ordered {
		if c.Model.ID == chosenID {
			continue
		}
		out = append(out, c.Model.ID)
		if len(out) >= n {
			break
		}
	}
	return out
}

func applyScores(audits []CandidateAudit, scores map[string]float64) {
	if len(scores) == 0 {
		return
	}
	for i := range audits {
		if s, ok := scores[audits[i].ModelID]; ok {
			v := s
			audits[i].Score = &v
		}
	}
}

// noQualifiedFallback decides what to do when no candidate passed the gate.
func noQualifiedFallback(task TaskCard, candidates []Candidate, cfg RouterConfig, tokens EstimatedTokens, threshold float64, decision RoutingDecision) RoutingDecision {
	policy := cfg.OnBudgetFail
	if policy == "" {
		policy = OnBudgetFailFail
	}

	eligible := filterEligible(candidates)

	switch policy {
	case OnBudgetFailFail:
		decision.Status = StatusNoQualified
		decision.Rationale = "no model passed the qualification gate"
		return decision

	case OnBudgetFailBestEffort:
		if task.Constraints.MaxCostUSD != nil {
			var best *Candidate
			var bestCost float64
			for i := range eligible {
				c := eligible[i]
				cost := model.EstimatedCost(c.Model, tokens.Input, tokens.Output) * effectiveCostMultiplier(c)
				if cost > *task.Constraints.MaxCostUSD {
					continue
				}
				if best == nil || c.EffectiveExpertise > best.EffectiveExpertise {
					cc := c
					best = &cc
					bestCost = cost
				}
			}
			if best == nil {
				decision.Status = StatusNoQualified
				decision.Rationale = "no cost-feasible model available for best-effort routing"
				return decision
			}
			decision.Status = StatusBestEffort
			decision.ChosenModelID = best.Model.ID
			decision.ExpectedCostUSD = &bestCost
			decision.RankedBy = "best_effort_within_budget"
			decision.Rationale = "best effort: highest expertise within budget"
			return decision
		}
		fallthrough

	case OnBudgetFailIgnoreBudget:
		if cfg.SelectionPolicy == PolicyBestValue && cfg.NoQualifiedPolicy == NoQualifiedBestValueNearThreshold {
			return nearThresholdBestValue(task, eligible, cfg, tokens, threshold, decision)
		}
		if len(eligible) == 0 {
			decision.Status = StatusNoQualified
			decision.Rationale = "no eligible models in registry"
			return decision
		}
		best := eligible[0]
		for _, c := range eligible[1:] {
			if c.EffectiveExpertise > best.EffectiveExpertise {
				best = c
			}
		}
		cost := model.EstimatedCost(best.Model, tokens.Input, tokens.Output) * effectiveCostMultiplier(best)
		decision.Status = StatusBestEffort
		decision.ChosenModelID = best.Model.ID
		decision.ExpectedCostUSD = &cost
		decision.RankedBy = "best_effort_highest_expertise"
		decision.Rationale = "best effort: highest expertise overall"
		return decision
	}

	decision.Status = StatusNoQualified
	decision.Rationale = fmt.Sprintf("unrecognized onBudgetFail policy %q", policy)
	return decision
}

func filterEligible(candidates []Candidate) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if c.Model.Eligible() {
			out = append(out, c)
		}
	}
	return out
}

// nearThresholdBestValue implements the best_value_near_threshold branch of
// the no-qualified fallback.
func nearThresholdBestValue(task TaskCard, eligible []Candidate, cfg RouterConfig, tokens EstimatedTokens, threshold float64, decision RoutingDecision) RoutingDecision {
	delta := cfg.NearThresholdDeltaByDifficulty.For(task.Difficulty)
	effThreshold := threshold - delta
	minBenefit := cfg.MinBenefitNearThresholdByDifficulty.For(task.Difficulty)

	type nc struct {
		c     Candidate
		cost  float64
		value float64
	}
	var near []nc
	for _, c := range eligible {
		if c.EffectiveExpertise < effThreshold {
			continue
		}
		cost := model.EstimatedCost(c.Model, tokens.Input, tokens.Output) * effectiveCostMultiplier(c)
		benefit := math.Max(0, c.EffectiveExpertise-effThreshold)
		if benefit < minBenefit {
			continue
		}
		effConf := c.RawConfidence
		if effConf < cfg.MinConfidenceToUseCalibration {
			effConf = cfg.ConfidenceFloor
		}
		value := benefit * math.Max(0.1, effConf) / (cost + 1e-4)
		near = append(near, nc{c, cost, value})
	}
	if len(near) == 0 {
		decision.Status = StatusNoQualified
		decision.Rationale = "no model within near-threshold band"
		return decision
	}
	sort.SliceStable(near, func(i, j int) bool { return near[i].value > near[j].value })
	best := near[0]
	decision.Status = StatusBestEffort
	decision.ChosenModelID = best.c.Model.ID
	decision.ExpectedCostUSD = &best.cost
	decision.RankedBy = "best_value_near_threshold"
	decision.Rationale = "best value among near-threshold candidates"
	return decision
}
