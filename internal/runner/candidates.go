package runner

import (
	"github.com/routecore/routecore/internal/calibration"
	"github.com/routecore/routecore/internal/model"
	"github.com/routecore/routecore/internal/router"
	"github.com/routecore/routecore/internal/trust"
	"github.com/routecore/routecore/internal/variance"
)

// BuildCandidates assembles the router.Candidate slice for a (taskType,
// difficulty) pair from the registry and trackers, blending registry
// expertise (or a stored prior, when present) with calibrated expertise per
// calibration.EffectiveExpertise. This is the "caller builds the candidate
// bundle" step router.Route itself deliberately never performs.
func BuildCandidates(reg *model.Registry, cal *calibration.Store, vs *variance.Store, tr *trust.Store, taskType, difficulty string) []router.Candidate {
	models := reg.List()
	out := make([]router.Candidate, 0, len(models))
	for _, m := range models {
		prior := m.ExpertiseFor(taskType)
		if p, ok := reg.Prior(m.ID, taskType, difficulty); ok {
			prior = p.QualityPrior
		}
		rec := cal.Get(m.ID, taskType)
		effective := calibration.EffectiveExpertise(prior, rec)

		bucket := vs.Get(m.ID, taskType)
		costMult := 1.0
		if mult, ok := bucket.CostMultiplier(); ok {
			costMult = mult
		}

		te := tr.Get(m.ID)

		out = append(out, router.Candidate{
			Model:              m,
			EffectiveExpertise: effective,
			RawConfidence:      rec.Confidence(),
			CostMultiplier:     costMult,
			WorkerTrust:        te.Worker,
		})
	}
	return out
}
