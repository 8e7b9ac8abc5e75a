// Package portfolio deterministically assigns five canonical role slots
// from the registry, with a TTL cache keyed by registry contents and
// floors.
package portfolio

import (
	"fmt"
	"sort"

	"github.com/routecore/routecore/internal/model"
	"github.com/routecore/routecore/internal/trust"
	"github.com/routecore/routecore/internal/variance"
)

// Slot is one of the five canonical portfolio roles.
type Slot string

const (
	SlotWorkerCheap          Slot = "workerCheap"
	SlotWorkerImplementation Slot = "workerImplementation"
	SlotWorkerStrategy       Slot = "workerStrategy"
	SlotQAPrimary            Slot = "qaPrimary"
	SlotQABackup             Slot = "qaBackup"
)

var allSlots = []Slot{SlotWorkerCheap, SlotWorkerImplementation, SlotWorkerStrategy, SlotQAPrimary, SlotQABackup}

// Floors carries the role-specific trust and quality floors.
type Floors struct {
	WorkerTrust     float64
	QATrust         float64
	MinQuality      float64 // 0.72 default
	WorkerCheapRelax float64 // 0.05 default, relaxes the quality floor for workerCheap
}

// DefaultFloors returns the default floors.
func DefaultFloors() Floors {
	return Floors{WorkerTrust: 0.5, QATrust: 0.55, MinQuality: 0.72, WorkerCheapRelax: 0.05}
}

// Recommendation is the five-slot assignment plus a rationale per slot.
type Recommendation struct {
	Slots     map[Slot]string
	Rationale map[Slot]string
}

// ModelIDs returns the five chosen model ids (may contain duplicates if a
// fallback picked the same model for two slots).
func (r Recommendation) ModelIDs() []string {
	ids := make([]string, 0, len(allSlots))
	for _, s := range allSlots {
		if id, ok := r.Slots[s]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Optimizer computes a Recommendation from the registry and trackers. It is
// deterministic for a fixed registry snapshot and tracker state.
type Optimizer struct {
	Registry *model.Registry
	Variance *variance.Store
	Trust    *trust.Store
}

func NewOptimizer(reg *model.Registry, v *variance.Store, tr *trust.Store) *Optimizer {
	return &Optimizer{Registry: reg, Variance: v, Trust: tr}
}

type ranked struct {
	model.Model
	quality float64
	cost    float64
	ratio   float64
}

// Select fills each slot in order: filter by trust and quality floors,
// adjust quality and cost by observed variance, rank by quality/cost, and
// apply the provider-diversity and backup-exclusion rules.
func (o *Optimizer) Select(floors Floors) Recommendation {
	models := o.Registry.List()
	rec := Recommendation{Slots: map[Slot]string{}, Rationale: map[Slot]string{}}

	implProvider := ""
	for _, slot := range []Slot{SlotWorkerCheap, SlotWorkerImplementation, SlotWorkerStrategy, SlotQAPrimary, SlotQABackup} {
		var preferProviderOtherThan string
		if slot == SlotWorkerStrategy {
			preferProviderOtherThan = implProvider
		}
		var exclude string
		if slot == SlotQABackup {
			exclude = rec.Slots[SlotQAPrimary]
		}

		isWorker := slot == SlotWorkerCheap || slot == SlotWorkerImplementation || slot == SlotWorkerStrategy
		trustFloor := floors.WorkerTrust
		if !isWorker {
			trustFloor = floors.QATrust
		}
		qualityFloor := floors.MinQuality
		if slot == SlotWorkerCheap {
			qualityFloor -= floors.WorkerCheapRelax
		}

		candidates := o.rankSlot(models, slot, trustFloor, qualityFloor, exclude, preferProviderOtherThan)
		if len(candidates) == 0 {
			// Fallback: pick any registry model deterministically (lowest id).
			sorted := append([]model.Model{}, models...)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
			for _, m := range sorted {
				if m.ID == exclude {
					continue
				}
				rec.Slots[slot] = m.ID
				rec.Rationale[slot] = fmt.Sprintf("No qualified models for %s; using fallback %s", slot, m.ID)
				break
			}
			continue
		}
		best := candidates[0]
		rec.Slots[slot] = best.ID
		rec.Rationale[slot] = fmt.Sprintf("ranked by quality/cost=%.4f among %d qualified candidates", best.ratio, len(candidates))
		if slot == SlotWorkerImplementation {
			implProvider = best.Provider
		}
	}
	return rec
}

func (o *Optimizer) rankSlot(models []model.Model, slot Slot, trustFloor, qualityFloor float64, exclude, preferProviderOtherThan string) []ranked {
	taskType := taskTypeForSlot(slot)
	var out []ranked
	for _, m := range models {
		if !m.Eligible() || m.ID == exclude {
			continue
		}
		role := "worker"
		if slot == SlotQAPrimary || slot == SlotQABackup {
			role = "qa"
		}
		te := o.Trust.Get(m.ID)
		tv := te.Worker
		if role == "qa" {
			tv = te.QA
		}
		if tv < trustFloor {
			continue
		}

		quality := m.ExpertiseFor(taskType)
		vb := o.Variance.Get(m.ID, taskType)
		if bias, ok := vb.QualityBias(); ok {
			quality += bias
		}
		if quality < qualityFloor {
			continue
		}

		cost := m.InPer1K + m.OutPer1K
		if mult, ok := vb.CostMultiplier(); ok {
			cost *= mult
		}
		if cost <= 0 {
			cost = 1e-6
		}

		out = append(out, ranked{Model: m, quality: quality, cost: cost, ratio: quality / cost})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if preferProviderOtherThan != "" {
			iOther := out[i].Provider != preferProviderOtherThan
			jOther := out[j].Provider != preferProviderOtherThan
			if iOther != jOther {
				return iOther
			}
		}
		if out[i].ratio != out[j].ratio {
			return out[i].ratio > out[j].ratio
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func taskTypeForSlot(slot Slot) string {
	switch slot {
	case SlotWorkerCheap:
		return "general"
	case SlotWorkerImplementation:
		return "code"
	case SlotWorkerStrategy:
		return "analysis"
	default:
		return "general"
	}
}
