package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/routecore/routecore/internal/apperr"
	"github.com/routecore/routecore/internal/model"
	"github.com/routecore/routecore/internal/portfolio"
	"github.com/routecore/routecore/internal/scheduler"
	"github.com/routecore/routecore/internal/store"
	"github.com/routecore/routecore/internal/trust"
	"github.com/routecore/routecore/internal/variance"
)

// PortfolioConfigGetHandler returns the active portfolio enforcement mode.
func PortfolioConfigGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"mode": d.Governance.Mode()})
	}
}

// PortfolioConfigSetHandler switches the portfolio enforcement mode and
// appends the change to the governance log.
func PortfolioConfigSetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Mode string `json:"mode"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
		switch body.Mode {
		case "off", "prefer", "lock":
		default:
			writeError(w, apperr.Validation("mode must be one of off, prefer, lock"))
			return
		}
		d.Governance.SetMode(scheduler.PortfolioMode(body.Mode))
		if d.Store != nil {
			_ = d.Store.AppendGovernance(r.Context(), store.GovernanceRecord{
				Action: "portfolio_mode",
				Detail: body.Mode,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"mode": body.Mode})
	}
}

// PortfolioGetHandler returns the current cached portfolio recommendation,
// honoring ?forceRefresh=true.
func PortfolioGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		floors := portfolio.DefaultFloors()
		if r.URL.Query().Get("forceRefresh") == "true" && d.Cache != nil {
			d.Cache.ForceRefreshNext()
		}
		var rec portfolio.Recommendation
		if d.Cache != nil {
			key := portfolio.CacheKey{
				SortedModelIDs: d.Registry.IDs(),
				WorkerTrust:    floors.WorkerTrust,
				QATrust:        floors.QATrust,
				MinQuality:     floors.MinQuality,
			}
			rec = d.Cache.Get(r.Context(), key, func() portfolio.Recommendation {
				return d.Optimizer.Select(floors)
			})
		} else {
			rec = d.Optimizer.Select(floors)
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// TrustHandler snapshots trust entries for every registered model.
func TrustHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var out []trust.Entry
		for _, m := range d.Registry.List() {
			out = append(out, d.Trust.Get(m.ID))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// VarianceHandler snapshots non-empty variance buckets.
func VarianceHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var out []variance.Bucket
		for _, m := range d.Registry.List() {
			for _, tt := range []string{"code", "writing", "analysis", "general"} {
				b := d.Variance.Get(m.ID, tt)
				if b.NCost > 0 || b.NQuality > 0 {
					out = append(out, b)
				}
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// CalibrationHandler snapshots calibration records with observations.
func CalibrationHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		type calView struct {
			ModelID             string  `json:"modelId"`
			TaskType            string  `json:"taskType"`
			N                   int     `json:"n"`
			EWMAQuality         float64 `json:"ewmaQuality"`
			EWMAAbsDev          float64 `json:"ewmaAbsDev"`
			Confidence          float64 `json:"confidence"`
			CalibratedExpertise float64 `json:"calibratedExpertise"`
		}
		var out []calView
		for _, m := range d.Registry.List() {
			for _, tt := range []string{"code", "writing", "analysis", "general"} {
				rec := d.Calibration.Get(m.ID, tt)
				if rec.N == 0 {
					continue
				}
				out = append(out, calView{
					ModelID:             rec.ModelID,
					TaskType:            rec.TaskType,
					N:                   rec.N,
					EWMAQuality:         rec.EWMAQuality,
					EWMAAbsDev:          rec.EWMAAbsDev,
					Confidence:          rec.Confidence(),
					CalibratedExpertise: rec.CalibratedExpertise(),
				})
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// ProviderHealthHandler returns provider adapter health stats.
func ProviderHealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Health.AllStats())
	}
}

// ModelStatsHandler returns the per-model execution counters.
func ModelStatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Stats.Snapshot())
	}
}

// AnalyticsHandler aggregates the recent project-run window.
func AnalyticsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Projects.Analytics())
	}
}

// RunLogsHandler pages through the persisted run log.
func RunLogsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		logs, err := d.Store.ListRunLogs(r.Context(), limit, offset)
		if err != nil {
			writeError(w, apperr.Internal("list run logs: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, logs)
	}
}

// Model registry management.

type modelUpsertRequest struct {
	ID          string             `json:"id"`
	Provider    string             `json:"provider"`
	InPer1K     float64            `json:"inPer1k"`
	OutPer1K    float64            `json:"outPer1k"`
	Expertise   map[string]float64 `json:"expertise"`
	Reliability float64            `json:"reliability"`
	Status      string             `json:"status"`
}

func ModelsUpsertHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rq modelUpsertRequest
		if err := decodeBody(r, &rq); err != nil {
			writeError(w, err)
			return
		}
		if rq.ID == "" || rq.Provider == "" {
			writeError(w, apperr.Validation("id and provider are required"))
			return
		}
		if rq.InPer1K < 0 || rq.OutPer1K < 0 {
			writeError(w, apperr.Validation("pricing must be non-negative"))
			return
		}
		status := model.Status(rq.Status)
		if rq.Status == "" {
			status = model.StatusActive
		}
		d.Registry.Upsert(model.Model{
			ID:          rq.ID,
			Provider:    rq.Provider,
			InPer1K:     rq.InPer1K,
			OutPer1K:    rq.OutPer1K,
			Expertise:   rq.Expertise,
			Reliability: rq.Reliability,
			Status:      status,
		})
		if d.Store != nil {
			_ = d.Store.AppendGovernance(r.Context(), store.GovernanceRecord{
				Action: "model.upsert",
				Detail: rq.ID,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": rq.ID})
	}
}

func ModelsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Registry.List())
	}
}

func ModelStatusHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
		switch model.Status(body.Status) {
		case model.StatusActive, model.StatusProbation, model.StatusDeprecated, model.StatusDisabled:
		default:
			writeError(w, apperr.Validation("invalid status %q", body.Status))
			return
		}
		if err := d.Registry.SetStatus(id, model.Status(body.Status)); err != nil {
			writeError(w, apperr.NotFound("model %q", id))
			return
		}
		if d.Store != nil {
			_ = d.Store.AppendGovernance(r.Context(), store.GovernanceRecord{
				Action: "model.status",
				Detail: id + ":" + body.Status,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": body.Status})
	}
}
