package app

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, "file", cfg.PersistenceDriver)
	require.Equal(t, "claude-sonnet-4-5-20250929", cfg.JudgeModelID)
	require.Equal(t, 3, cfg.WorkerPoolSize)
	require.Equal(t, 1, cfg.QAPoolSize)
}

func TestLoadConfig_InvalidDriver(t *testing.T) {
	t.Setenv("PERSISTENCE_DRIVER", "cassandra")
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfig_InvalidEvalMode(t *testing.T) {
	t.Setenv("EVAL_MODE", "sometimes")
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestEffectiveEvalSampleRate_ProdClamp(t *testing.T) {
	cfg := Config{EvalMode: "prod", EvalSampleRateProd: 1.0, NodeEnv: "production", EvalSampleRateForce: -1}
	require.Equal(t, 0.25, cfg.EffectiveEvalSampleRate())

	cfg.AllowFullEvalInProd = true
	require.Equal(t, 1.0, cfg.EffectiveEvalSampleRate())
}

func TestEffectiveEvalSampleRate_BenchmarkIgnoredInProd(t *testing.T) {
	cfg := Config{EvalMode: "benchmark", EvalSampleRateProd: 0.2, NodeEnv: "production", EvalSampleRateForce: -1}
	require.Equal(t, 0.2, cfg.EffectiveEvalSampleRate())

	cfg.AllowFullEvalInProd = true
	require.Equal(t, 1.0, cfg.EffectiveEvalSampleRate())
}

func TestEffectiveEvalSampleRate_ForceWins(t *testing.T) {
	cfg := Config{EvalMode: "prod", EvalSampleRateProd: 0.2, NodeEnv: "production", EvalSampleRateForce: 0.9}
	require.Equal(t, 0.9, cfg.EffectiveEvalSampleRate())
}

func TestEffectiveEvalSampleRate_TestMode(t *testing.T) {
	cfg := Config{EvalMode: "test", EvalSampleRateTest: 1.0, EvalSampleRateForce: -1}
	require.Equal(t, 1.0, cfg.EffectiveEvalSampleRate())
}
