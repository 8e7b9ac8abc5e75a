package runner

import (
	"context"
	"testing"

	"github.com/routecore/routecore/internal/calibration"
	"github.com/routecore/routecore/internal/executor"
	"github.com/routecore/routecore/internal/judge"
	"github.com/routecore/routecore/internal/model"
	"github.com/routecore/routecore/internal/router"
	"github.com/routecore/routecore/internal/trust"
	"github.com/routecore/routecore/internal/variance"
	"github.com/stretchr/testify/require"
)

type stubSender struct{ body string }

func (s *stubSender) ID() string { return "stub" }
func (s *stubSender) Send(ctx context.Context, model string, req executor.Request) (executor.ProviderResponse, error) {
	return []byte(s.body), nil
}
func (s *stubSender) ClassifyError(err error) *executor.ClassifiedError {
	return &executor.ClassifiedError{Err: err, Class: executor.ErrFatal}
}

func newDeps(t *testing.T) Deps {
	pool := executor.NewPool()
	pool.RegisterAdapter(&stubSender{body: `{"choices":[{"message":{"content":"result text"}}]}`})
	return Deps{
		Pool:        pool,
		Calibration: calibration.NewStore(),
		Variance:    variance.NewStore(),
		Trust:       trust.NewStore(),
		Judge:       judge.New(&stubSender{body: `{"dimensions":{"correctness":0.9,"completeness":0.9,"clarity":0.9,"safety":1.0},"compliance":0.9}`}, "judge-model"),
		ProviderByID: func(modelID string) (string, bool) { return "stub", true },
	}
}

func TestRun_HappyPath(t *testing.T) {
	m := model.Model{ID: "m1", Provider: "stub", InPer1K: 0.001, OutPer1K: 0.001, Expertise: map[string]float64{"general": 0.8}, Reliability: 0.9, Status: model.StatusActive}
	task := router.TaskCard{ID: "t1", TaskType: "general", Difficulty: "low"}
	zero := 0.0
	task.Constraints.MinQuality = &zero

	in := Input{
		Task:       task,
		Directive:  "say hi",
		Candidates: []router.Candidate{{Model: m, EffectiveExpertise: 0.8, RawConfidence: 0.5, CostMultiplier: 1}},
		Cfg:        router.DefaultConfig(),
	}
	in.Cfg.EvaluationSampleRate = 1.0

	event := Run(context.Background(), newDeps(t), in)
	require.Equal(t, "ok", event.Final.Status)
	require.Equal(t, "m1", event.Final.ChosenModelID)
	require.NotEmpty(t, event.Attempts)
	require.Equal(t, "result text", event.Final.Output)
}

func TestRun_NoQualifiedModels(t *testing.T) {
	m := model.Model{ID: "m1", Provider: "stub", InPer1K: 0.001, OutPer1K: 0.001, Expertise: map[string]float64{"general": 0.1}, Reliability: 0.9, Status: model.StatusActive}
	task := router.TaskCard{ID: "t2", TaskType: "general", Difficulty: "high"}

	in := Input{
		Task:       task,
		Candidates: []router.Candidate{{Model: m, EffectiveExpertise: 0.1, RawConfidence: 0.5, CostMultiplier: 1}},
		Cfg:        router.DefaultConfig(),
	}
	event := Run(context.Background(), newDeps(t), in)
	require.Equal(t, "no_qualified_models", event.Final.Status)
}
