package portfolio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/routecore/routecore/internal/model"
	"github.com/routecore/routecore/internal/trust"
	"github.com/routecore/routecore/internal/variance"
)

func testRegistry() *model.Registry {
	reg := model.NewRegistry()
	reg.Upsert(model.Model{
		ID: "cheap", Provider: "alpha", InPer1K: 0.0002, OutPer1K: 0.0004,
		Expertise:   map[string]float64{"general": 0.75, "code": 0.72, "analysis": 0.70},
		Reliability: 0.95, Status: model.StatusActive,
	})
	reg.Upsert(model.Model{
		ID: "impl", Provider: "alpha", InPer1K: 0.002, OutPer1K: 0.008,
		Expertise:   map[string]float64{"general": 0.85, "code": 0.90, "analysis": 0.84},
		Reliability: 0.98, Status: model.StatusActive,
	})
	reg.Upsert(model.Model{
		ID: "strategy", Provider: "beta", InPer1K: 0.003, OutPer1K: 0.012,
		Expertise:   map[string]float64{"general": 0.88, "code": 0.87, "analysis": 0.92},
		Reliability: 0.99, Status: model.StatusActive,
	})
	return reg
}

func TestSelect_FillsAllSlots(t *testing.T) {
	o := NewOptimizer(testRegistry(), variance.NewStore(), trust.NewStore())
	rec := o.Select(DefaultFloors())

	for _, slot := range []Slot{SlotWorkerCheap, SlotWorkerImplementation, SlotWorkerStrategy, SlotQAPrimary, SlotQABackup} {
		require.NotEmpty(t, rec.Slots[slot], "slot %s unfilled", slot)
	}
}

func TestSelect_QABackupExcludesPrimary(t *testing.T) {
	o := NewOptimizer(testRegistry(), variance.NewStore(), trust.NewStore())
	rec := o.Select(DefaultFloors())
	require.NotEqual(t, rec.Slots[SlotQAPrimary], rec.Slots[SlotQABackup])
}

func TestSelect_StrategyPrefersOtherProvider(t *testing.T) {
	reg := testRegistry()
	o := NewOptimizer(reg, variance.NewStore(), trust.NewStore())
	rec := o.Select(DefaultFloors())

	implModel, _ := reg.Get(rec.Slots[SlotWorkerImplementation])
	stratModel, _ := reg.Get(rec.Slots[SlotWorkerStrategy])
	require.NotEqual(t, implModel.Provider, stratModel.Provider)
}

func TestSelect_FallbackWhenNoneQualify(t *testing.T) {
	reg := model.NewRegistry()
	reg.Upsert(model.Model{
		ID: "weak", Provider: "alpha", InPer1K: 0.001, OutPer1K: 0.001,
		Expertise:   map[string]float64{"general": 0.3, "code": 0.3, "analysis": 0.3},
		Reliability: 0.9, Status: model.StatusActive,
	})
	o := NewOptimizer(reg, variance.NewStore(), trust.NewStore())
	rec := o.Select(DefaultFloors())

	require.Equal(t, "weak", rec.Slots[SlotWorkerImplementation])
	require.Contains(t, rec.Rationale[SlotWorkerImplementation], "No qualified models for workerImplementation; using fallback weak")
}

func TestSelect_VarianceBiasDisqualifies(t *testing.T) {
	reg := testRegistry()
	vs := variance.NewStore()
	// impl consistently underdelivers quality by 0.3, pushing it below the
	// 0.72 floor for code.
	for i := 0; i < 5; i++ {
		vs.RecordQuality("impl", "code", 0.9, 0.6)
	}
	o := NewOptimizer(reg, vs, trust.NewStore())
	rec := o.Select(DefaultFloors())
	require.NotEqual(t, "impl", rec.Slots[SlotWorkerImplementation])
}

func TestSelect_Deterministic(t *testing.T) {
	o := NewOptimizer(testRegistry(), variance.NewStore(), trust.NewStore())
	a := o.Select(DefaultFloors())
	b := o.Select(DefaultFloors())
	require.Equal(t, a.Slots, b.Slots)
}

func TestCache_HitAndInvalidate(t *testing.T) {
	c := NewCache(nil)
	key := CacheKey{SortedModelIDs: []string{"a", "b"}, WorkerTrust: 0.5, QATrust: 0.55, MinQuality: 0.72}

	computes := 0
	compute := func() Recommendation {
		computes++
		return Recommendation{Slots: map[Slot]string{SlotWorkerCheap: "a"}}
	}

	c.Get(context.Background(), key, compute)
	c.Get(context.Background(), key, compute)
	require.Equal(t, 1, computes)

	c.Invalidate()
	c.Get(context.Background(), key, compute)
	require.Equal(t, 2, computes)
}

func TestCache_KeyChangeRecomputes(t *testing.T) {
	c := NewCache(nil)
	computes := 0
	compute := func() Recommendation {
		computes++
		return Recommendation{}
	}
	c.Get(context.Background(), CacheKey{SortedModelIDs: []string{"a"}}, compute)
	c.Get(context.Background(), CacheKey{SortedModelIDs: []string{"a", "b"}}, compute)
	require.Equal(t, 2, computes)
}

func TestCache_ForceRefreshConsumesItself(t *testing.T) {
	c := NewCache(nil)
	key := CacheKey{SortedModelIDs: []string{"a"}}
	computes := 0
	compute := func() Recommendation {
		computes++
		return Recommendation{}
	}

	c.Get(context.Background(), key, compute)
	c.ForceRefreshNext()
	c.Get(context.Background(), key, compute)
	require.Equal(t, 2, computes)

	// Flag consumed: next hit is served from cache again.
	c.Get(context.Background(), key, compute)
	require.Equal(t, 2, computes)
}

func TestCache_TTLExpiry(t *testing.T) {
	c := NewCache(nil)
	c.ttl = 10 * time.Millisecond
	key := CacheKey{SortedModelIDs: []string{"a"}}
	computes := 0
	compute := func() Recommendation {
		computes++
		return Recommendation{}
	}
	c.Get(context.Background(), key, compute)
	time.Sleep(20 * time.Millisecond)
	c.Get(context.Background(), key, compute)
	require.Equal(t, 2, computes)
}
