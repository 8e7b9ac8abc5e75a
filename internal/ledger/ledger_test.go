package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCostBuckets(t *testing.T) {
	var l RunLedger
	l.RecordExecution(RoleExecution{PackageID: "p1", ModelID: "m1", ActualCostUSD: 0.01, Success: true})
	l.RecordExecution(RoleExecution{PackageID: "p2", ModelID: "m1", ActualCostUSD: 0.02, Success: true})
	l.RecordExecution(RoleExecution{PackageID: "p3", ModelID: "m2", ActualCostUSD: 0.05, Success: true})

	buckets := l.CostBuckets()
	require.Len(t, buckets, 2)
	require.Equal(t, "m1", buckets[0].ModelID)
	require.InDelta(t, 0.03, buckets[0].Total, 1e-9)
	require.Equal(t, 2, buckets[0].Count)
}

func TestAggregate_Regret(t *testing.T) {
	runs := []RunSummary{
		{NormalExpectedUSD: 0.01, RealizedUSD: 0.02, CheapFirstChosen: true, EscalationUsed: true},
		{NormalExpectedUSD: 0.01, RealizedUSD: 0.005, CheapFirstChosen: true, EscalationUsed: false},
	}
	totals := Aggregate(runs)
	require.Equal(t, 2, totals.RunCount)
	require.Len(t, totals.RegretExamples, 1)
	require.InDelta(t, 0.0125, totals.AverageCostUSD, 1e-9)
}

func TestAggregate_BypassHistogram(t *testing.T) {
	var l RunLedger
	l.Append(Entry{Type: TypeRoute, PortfolioValidationFailed: true, PortfolioFailureReason: "portfolio_coverage_invalid"})
	runs := []RunSummary{{Ledger: l}}
	totals := Aggregate(runs)
	require.Equal(t, 1, totals.BypassHistogram["portfolio_coverage_invalid"])
}
