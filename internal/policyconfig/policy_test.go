package policyconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/routecore/routecore/internal/router"
)

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, router.DefaultConfig(), cfg)
}

func TestParse_OverlaysOnDefaults(t *testing.T) {
	yaml := `
selectionPolicy: best_value
noQualifiedPolicy: best_value_near_threshold
thresholds:
  high: 0.85
premiumTaskTypes: [code]
evaluationSampleRate: 0.5
escalation:
  policy: promote_on_low_score
  routingMode: escalation_aware
  cheapFirstMinConfidence: 0.6
  minScoreByTaskType:
    code:
      low: 0.7
      medium: 0.8
      high: 0.9
  escalationModelOrderByTaskType:
    code: [cheap, mid, pro]
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)

	require.Equal(t, router.PolicyBestValue, cfg.SelectionPolicy)
	require.Equal(t, router.NoQualifiedBestValueNearThreshold, cfg.NoQualifiedPolicy)

	// Overridden field changes, siblings keep their defaults.
	require.Equal(t, 0.85, cfg.Thresholds.High)
	require.Equal(t, router.DefaultConfig().Thresholds.Low, cfg.Thresholds.Low)

	require.True(t, cfg.PremiumTaskTypes["code"])
	require.Equal(t, 0.5, cfg.EvaluationSampleRate)

	require.Equal(t, router.RoutingModeEscalationAware, cfg.Escalation.RoutingMode)
	require.Equal(t, 0.6, cfg.Escalation.CheapFirstMinConfidence)
	require.Equal(t, router.DifficultyFloat{Low: 0.7, Medium: 0.8, High: 0.9}, cfg.Escalation.MinScoreByTaskType["code"])
	require.Equal(t, []string{"cheap", "mid", "pro"}, cfg.Escalation.EscalationModelOrderByTaskType["code"])
}

func TestParse_RejectsUnknownPolicy(t *testing.T) {
	_, err := Parse([]byte("selectionPolicy: coin_flip\n"))
	require.Error(t, err)
}

func TestParse_RejectsBadSampleRate(t *testing.T) {
	_, err := Parse([]byte("evaluationSampleRate: 1.5\n"))
	require.Error(t, err)
}

func TestParse_RejectsHeadroomBelowOne(t *testing.T) {
	_, err := Parse([]byte("escalation:\n  cheapFirstBudgetHeadroomFactor: 0.9\n"))
	require.Error(t, err)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fallbackCount: 2\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.FallbackCount)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/policy.yaml")
	require.Error(t, err)
}
