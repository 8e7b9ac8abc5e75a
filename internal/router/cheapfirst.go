package router

import (
	"sort"

	"github.com/routecore/routecore/internal/model"
)

// ApplyCheapFirst implements escalation-aware cheap-first routing. It takes
// the RoutingDecision Route() already produced (the "normal choice") and,
// when the escalation config enables escalation-aware routing, may
// substitute a cheaper attempt-1 model. Called by the Task Runner after
// Route() returns, composing with it rather than being inlined into it, so
// Route() itself stays a single-policy pure function.
func ApplyCheapFirst(task TaskCard, candidates []Candidate, cfg RouterConfig, normal RoutingDecision) RoutingDecision {
	esc := cfg.Escalation
	if esc.Policy != EscalationPolicyPromoteOnLowScore || esc.RoutingMode != RoutingModeEscalationAware {
		return normal
	}
	if normal.Status != StatusOK && normal.Status != StatusBestEffort {
		return normal
	}
	if cfg.PremiumTaskTypes[task.TaskType] {
		normal.EscalationAware = &EscalationAwareAudit{
			Considered:     true,
			NormalChoice:   normal.ChosenModelID,
			PrimaryBlocker: "premium_lane",
			PremiumLane:    true,
		}
		return normal
	}
	if esc.CheapFirstOverridesByTaskType[task.TaskType] {
		normal.EscalationAware = &EscalationAwareAudit{
			Considered:     true,
			NormalChoice:   normal.ChosenModelID,
			PrimaryBlocker: "disabled_for_task_type",
		}
		return normal
	}

	normalCost := 0.0
	if normal.ExpectedCostUSD != nil {
		normalCost = *normal.ExpectedCostUSD
	}
	threshold, _ := normal.RoutingMeta["threshold"].(float64)

	order := esc.EscalationModelOrderByTaskType[task.TaskType]
	normalIdx := indexOf(order, normal.ChosenModelID)

	byID := make(map[string]Candidate, len(candidates))
	for _, c := range candidates {
		byID[c.Model.ID] = c
	}

	maxGap := esc.CheapFirstMaxGapByDifficulty.For(task.Difficulty)
	if byType, ok := esc.CheapFirstMaxGapByTaskType[task.TaskType]; ok {
		maxGap = byType.For(task.Difficulty)
	}

	type survivor struct {
		c               Candidate
		cost            float64
		promotionTarget string
		promotionCost   float64
		score           float64
	}
	var survivors []survivor
	blockedAt := map[string]int{"savings": 0, "confidence": 0, "gap": 0, "promotion": 0, "budget": 0}
	anyPastGate := [5]bool{}

	for _, c := range candidates {
		if c.Model.ID == normal.ChosenModelID {
			continue
		}
		if !c.Model.Eligible() {
			continue
		}
		cost := model.EstimatedCost(c.Model, normal.EstimatedTokens.Input, normal.EstimatedTokens.Output) * effectiveCostMultiplier(c)

		// Gate 1: savings.
		if !(cost <= normalCost*(1-esc.CheapFirstSavingsMinPct)) {
			blockedAt["savings"]++
			continue
		}
		if esc.CheapFirstSavingsMinUSD != nil && normalCost-cost < *esc.CheapFirstSavingsMinUSD {
			blockedAt["savings"]++
			continue
		}
		anyPastGate[0] = true

		// Gate 2: confidence.
		if c.RawConfidence < esc.CheapFirstMinConfidence {
			blockedAt["confidence"]++
			continue
		}
		anyPastGate[1] = true

		// Gate 3: gap.
		gap := threshold - c.EffectiveExpertise
		qualified := c.EffectiveExpertise >= threshold
		if !qualified && !(gap >= 0 && gap <= maxGap) {
			blockedAt["gap"]++
			continue
		}
		anyPastGate[2] = true

		// Gate 4: promotion target — strictly stronger model in escalation order.
		promIdx := indexOf(order, c.Model.ID)
		var target string
		if promIdx >= 0 && normalIdx >= 0 {
			target = normal.ChosenModelID // normal choice is already "stronger" by definition of order
		} else if len(order) > 0 {
			// find the first model in order strictly stronger (later) than c.
			ci := indexOf(order, c.Model.ID)
			for i := ci + 1; i >= 0 && i < len(order); i++ {
				target = order[i]
				break
			}
		}
		if target == "" {
			target = normal.ChosenModelID
		}
		if target == "" {
			blockedAt["promotion"]++
			continue
		}
		anyPastGate[3] = true

		promCandidate, ok := byID[target]
		var promCost float64
		if ok {
			promCost = model.EstimatedCost(promCandidate.Model, normal.EstimatedTokens.Input, normal.EstimatedTokens.Output) * effectiveCostMultiplier(promCandidate)
		} else {
			promCost = normalCost
		}

		// Gate 5: budget.
		if task.Constraints.MaxCostUSD != nil {
			if (cost+promCost)*esc.CheapFirstBudgetHeadroomFactor > *task.Constraints.MaxCostUSD {
				blockedAt["budget"]++
				continue
			}
		}
		if esc.MaxExtraCostUSD != nil && promCost > *esc.MaxExtraCostUSD {
			blockedAt["budget"]++
			continue
		}
		anyPastGate[4] = true

		score := c.EffectiveExpertise * c.RawConfidence / (cost + 1e-4)
		survivors = append(survivors, survivor{c: c, cost: cost, promotionTarget: target, promotionCost: promCost, score: score})
	}

	aware := &EscalationAwareAudit{
		Considered:   true,
		NormalChoice: normal.ChosenModelID,
		SavingsUSD:   0,
	}

	if len(survivors) == 0 {
		aware.PrimaryBlocker = firstBlockedGate(blockedAt, anyPastGate)
		normal.EscalationAware = aware
		return normal
	}

	sort.SliceStable(survivors, func(i, j int) bool { return survivors[i].score > survivors[j].score })
	winner := survivors[0]

	aware.CheapFirstChoice = winner.c.Model.ID
	aware.SavingsUSD = normalCost - winner.cost
	aware.GateProgress = []string{"savings", "confidence", "gap", "promotion", "budget"}

	normal.ChosenModelID = winner.c.Model.ID
	cost := winner.cost
	normal.ExpectedCostUSD = &cost
	normal.RankedBy = "escalation_aware_cheap_first"
	normal.EscalationAware = aware
	return normal
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func firstBlockedGate(blocked map[string]int, passed [5]bool) string {
	order := []string{"savings", "confidence", "gap", "promotion", "budget"}
	total := 0
	for _, n := range blocked {
		total += n
	}
	if total == 0 {
		return "no_candidates"
	}
	for i, g := range order {
		if !passed[i] {
			return g
		}
	}
	return "no_candidates"
}
