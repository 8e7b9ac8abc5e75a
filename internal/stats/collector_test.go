package stats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordCounters(t *testing.T) {
	c := NewCollector()
	q := 0.8
	c.Record(Outcome{ModelID: "m", Success: true, Quality: &q, CostUSD: 0.01})
	c.Record(Outcome{ModelID: "m", WasRetry: true, ValidationFailed: true, CostUSD: 0.02})
	c.Record(Outcome{ModelID: "m", ExecutionError: true})

	s := c.Get("m")
	require.Equal(t, int64(1), s.Successes)
	require.Equal(t, int64(1), s.Retries)
	require.Equal(t, int64(1), s.ValidationFailures)
	require.Equal(t, int64(1), s.ExecutionErrors)
	require.Equal(t, int64(1), s.EvalCount)
	require.InDelta(t, 0.03, s.TotalCostUSD, 1e-12)
	require.InDelta(t, 0.8, s.AvgQuality(), 1e-12)
}

func TestGetUnknownModel(t *testing.T) {
	c := NewCollector()
	s := c.Get("nope")
	require.Equal(t, "nope", s.ModelID)
	require.Zero(t, s.Successes)
	require.Zero(t, s.AvgQuality())
}

func TestSnapshotSeedRoundTrip(t *testing.T) {
	c := NewCollector()
	c.Record(Outcome{ModelID: "a", Success: true, CostUSD: 0.5})
	c.Record(Outcome{ModelID: "b", ExecutionError: true})

	fresh := NewCollector()
	fresh.Seed(c.Snapshot())
	require.Equal(t, c.Get("a"), fresh.Get("a"))
	require.Equal(t, c.Get("b"), fresh.Get("b"))
}
