package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/routecore/routecore/internal/apperr"
	"github.com/routecore/routecore/internal/project"
)

// runScenarioRequest is the POST /projects/run-scenario wire shape.
type runScenarioRequest struct {
	Directive        string  `json:"directive"`
	PresetID         string  `json:"presetId"`
	ProjectBudgetUSD float64 `json:"projectBudgetUSD"`
	TierProfile      string  `json:"tierProfile"`
	Difficulty       string  `json:"difficulty"`
	EstimateOnly     bool    `json:"estimateOnly"`
	IncludeCouncilAudit bool `json:"includeCouncilAudit"`
	PortfolioMode    string  `json:"portfolioMode"`
	Concurrency      *struct {
		Worker int `json:"worker"`
		QA     int `json:"qa"`
	} `json:"concurrency"`
	Async bool `json:"async"`
}

func (rq runScenarioRequest) validate() error {
	if rq.Directive == "" && rq.PresetID == "" {
		return apperr.Validation("directive or presetId is required")
	}
	if rq.ProjectBudgetUSD < 0 {
		return apperr.Validation("projectBudgetUSD must be >= 0")
	}
	if rq.Difficulty != "" && !validDifficulties[rq.Difficulty] {
		return apperr.Validation("difficulty must be one of low, medium, high")
	}
	switch rq.PortfolioMode {
	case "", "off", "prefer", "lock":
	default:
		return apperr.Validation("portfolioMode must be one of off, prefer, lock")
	}
	return nil
}

func (d Dependencies) projectInput(rq runScenarioRequest) project.Input {
	conc := d.DefaultConcurrency
	if rq.Concurrency != nil {
		if rq.Concurrency.Worker > 0 {
			conc.Worker = rq.Concurrency.Worker
		}
		if rq.Concurrency.QA > 0 {
			conc.QA = rq.Concurrency.QA
		}
	}
	mode := rq.PortfolioMode
	if mode == "" && d.Governance != nil {
		mode = string(d.Governance.Mode())
	}
	return project.Input{
		Directive:        rq.Directive,
		PresetID:         rq.PresetID,
		ProjectBudgetUSD: rq.ProjectBudgetUSD,
		TierProfile:      rq.TierProfile,
		Difficulty:       rq.Difficulty,
		PortfolioMode:    mode,
		Concurrency:      conc,
		EvalMode:         d.EvalMode,
		IncludeTrust:     rq.IncludeCouncilAudit,
		IncludeVariance:  rq.IncludeCouncilAudit,
	}
}

// RunScenarioHandler runs (or estimates, or asynchronously launches) one
// project scenario.
func RunScenarioHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rq runScenarioRequest
		if err := decodeBody(r, &rq); err != nil {
			writeError(w, err)
			return
		}
		if err := rq.validate(); err != nil {
			writeError(w, err)
			return
		}

		in := d.projectInput(rq)

		if rq.EstimateOnly {
			plan, pkgs, err := d.Projects.Plan(in)
			if err != nil {
				writeError(w, err)
				return
			}
			totalTokens := 0
			for _, p := range pkgs {
				totalTokens += p.EstimatedTokens
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"plan":            plan,
				"packages":        pkgs,
				"estimatedTokens": totalTokens,
			})
			return
		}

		if rq.Async {
			in.RunSessionID = project.NewRunSessionID()
			if d.Dispatcher == nil {
				writeError(w, apperr.Internal("async execution is not configured"))
				return
			}
			d.Dispatcher.SubmitProjectRun(r.Context(), in)
			writeJSON(w, http.StatusAccepted, map[string]any{
				"runSessionId": in.RunSessionID,
				"status":       "running",
			})
			return
		}

		res, err := d.Projects.Run(r.Context(), in)
		if err != nil {
			// Plan validation is the only fatal path; the scheduler reports
			// everything else inside the result.
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// ProjectRunGetHandler fetches a persisted (possibly still running) project
// run payload by run session id.
func ProjectRunGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		res, err := d.Projects.Load(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
