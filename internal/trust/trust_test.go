package trust

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestInitialTrust(t *testing.T) {
	s := NewStore()
	e := s.Get("never-seen")
	require.Equal(t, 0.7, e.Worker)
	require.Equal(t, 0.7, e.QA)
}

func TestUpdateWorker_QualityDelta(t *testing.T) {
	s := NewStore()
	// Overdelivered by 0.2: delta = 0.10*0.2 = 0.02, next = 0.7 + 0.15*0.02.
	e := s.UpdateWorker("m", WorkerUpdateInput{PredictedQuality: 0.7, ActualQuality: 0.9})
	require.InDelta(t, 0.7+0.15*0.02, e.Worker, 1e-12)

	// Underdelivered by 0.2: delta = -0.15*0.2 = -0.03.
	s2 := NewStore()
	e2 := s2.UpdateWorker("m", WorkerUpdateInput{PredictedQuality: 0.9, ActualQuality: 0.7})
	require.InDelta(t, 0.7-0.15*0.03, e2.Worker, 1e-12)
}

func TestUpdateWorker_QAFailPenalty(t *testing.T) {
	s := NewStore()
	failed := false
	e := s.UpdateWorker("m", WorkerUpdateInput{PredictedQuality: 0.8, ActualQuality: 0.8, QAPassed: &failed})
	require.InDelta(t, 0.7+0.15*(-0.35), e.Worker, 1e-12)
}

func TestUpdateWorker_CostOverrunPenalty(t *testing.T) {
	s := NewStore()
	// costRatio 2.0 maxes the overrun penalty: delta = -0.12*min(1,(2-1.3)/0.7) = -0.12.
	e := s.UpdateWorker("m", WorkerUpdateInput{PredictedQuality: 0.8, ActualQuality: 0.8, CostRatio: 2.0})
	require.InDelta(t, 0.7+0.15*(-0.12), e.Worker, 1e-12)
}

func TestTrustBounds(t *testing.T) {
	s := NewStore()
	failed := false
	for i := 0; i < 50; i++ {
		e := s.UpdateWorker("bad", WorkerUpdateInput{PredictedQuality: 1.0, ActualQuality: 0.0, QAPassed: &failed, CostRatio: 3.0})
		require.GreaterOrEqual(t, e.Worker, 0.35)
	}
	require.Equal(t, 0.35, s.Get("bad").Worker)

	for i := 0; i < 500; i++ {
		e := s.UpdateWorker("good", WorkerUpdateInput{PredictedQuality: 0.0, ActualQuality: 1.0})
		require.LessOrEqual(t, e.Worker, 1.0)
	}
}

func TestUpdateQA_Agreement(t *testing.T) {
	s := NewStore()
	e := s.UpdateQA("m", true)
	require.InDelta(t, 0.7+0.2*0.10, e.QA, 1e-12)
	e = s.UpdateQA("m", false)
	require.InDelta(t, 0.7+0.2*0.10+0.2*(-0.15), e.QA, 1e-12)
}

func TestDecayBeyondGrace(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewStore()
	s.now = fixedNow(base)
	s.UpdateWorker("m", WorkerUpdateInput{PredictedQuality: 0.5, ActualQuality: 0.5})
	start := s.Get("m").Worker

	// 7 days of inactivity: no decay yet.
	s.now = fixedNow(base.Add(7 * 24 * time.Hour))
	require.InDelta(t, start, s.Get("m").Worker, 1e-9)

	// 12 days: 5 days past grace, 0.01/day.
	s.now = fixedNow(base.Add(12 * 24 * time.Hour))
	require.InDelta(t, start-0.05, s.Get("m").Worker, 1e-9)

	// Decay floors at 0.35.
	s.now = fixedNow(base.Add(400 * 24 * time.Hour))
	require.Equal(t, 0.35, s.Get("m").Worker)
}

func TestSnapshotSkipsDecay(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewStore()
	s.now = fixedNow(base)
	s.UpdateWorker("m", WorkerUpdateInput{PredictedQuality: 0.5, ActualQuality: 0.5})
	stored := s.Snapshot()[0].Worker

	s.now = fixedNow(base.Add(30 * 24 * time.Hour))
	// Snapshot persists the undecayed value; Get applies the decayed view.
	require.Equal(t, stored, s.Snapshot()[0].Worker)
	require.Less(t, s.Get("m").Worker, stored)
}

func TestSeedRoundTrip(t *testing.T) {
	s := NewStore()
	s.UpdateWorker("m", WorkerUpdateInput{PredictedQuality: 0.2, ActualQuality: 0.9})
	fresh := NewStore()
	fresh.Seed(s.Snapshot())
	require.Equal(t, s.Snapshot(), fresh.Snapshot())
}
