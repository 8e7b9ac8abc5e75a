package runner

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/routecore/routecore/internal/calibration"
	"github.com/routecore/routecore/internal/executor"
	"github.com/routecore/routecore/internal/judge"
	"github.com/routecore/routecore/internal/model"
	"github.com/routecore/routecore/internal/router"
	"github.com/routecore/routecore/internal/trust"
	"github.com/routecore/routecore/internal/variance"
)

// seqSender replays a fixed sequence of responses, one per call.
type seqSender struct {
	mu     sync.Mutex
	id     string
	bodies []string
	errs   []error
	calls  int
}

func (s *seqSender) ID() string { return s.id }
func (s *seqSender) Send(context.Context, string, executor.Request) (executor.ProviderResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.bodies) {
		i = len(s.bodies) - 1
	}
	if s.errs != nil && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return []byte(s.bodies[i]), nil
}
func (s *seqSender) ClassifyError(err error) *executor.ClassifiedError {
	return &executor.ClassifiedError{Err: err, Class: executor.ErrFatal}
}

func judgeBody(score float64) string {
	// All dimensions and compliance equal => overall equals the score for
	// every task type weighting.
	return `{"dimensions":{"correctness":` + f(score) + `,"completeness":` + f(score) + `,"clarity":` + f(score) + `,"safety":` + f(score) + `},"dimensionNotes":{},"compliance":` + f(score) + `}`
}

func f(v float64) string {
	switch v {
	case 0.70:
		return "0.70"
	case 0.87:
		return "0.87"
	default:
		return "0.5"
	}
}

func TestRun_EscalationOnLowScore(t *testing.T) {
	workPool := executor.NewPool()
	workPool.RegisterAdapter(&seqSender{
		id: "stub",
		bodies: []string{
			`{"choices":[{"message":{"content":"cheap model output that is long enough"}}]}`,
			`{"choices":[{"message":{"content":"pro model output that is long enough"}}]}`,
		},
	})
	judgeSender := &seqSender{id: "judge", bodies: []string{judgeBody(0.70), judgeBody(0.87)}}

	deps := Deps{
		Pool:        workPool,
		Calibration: calibration.NewStore(),
		Variance:    variance.NewStore(),
		Trust:       trust.NewStore(),
		Judge:       judge.New(judgeSender, "judge-model"),
		ProviderByID: func(string) (string, bool) { return "stub", true },
	}

	cheap := model.Model{ID: "m_cheap", Provider: "stub", InPer1K: 0.0001, OutPer1K: 0.0001,
		Expertise: map[string]float64{"general": 0.80}, Reliability: 0.9, Status: model.StatusActive}
	pro := model.Model{ID: "m_pro", Provider: "stub", InPer1K: 0.002, OutPer1K: 0.003,
		Expertise: map[string]float64{"general": 0.92}, Reliability: 0.95, Status: model.StatusActive}

	cfg := router.DefaultConfig()
	cfg.SelectionPolicy = router.PolicyLowestCostQualified
	cfg.EvaluationSampleRate = 1.0
	cfg.Escalation.Policy = router.EscalationPolicyPromoteOnLowScore
	cfg.Escalation.MinScoreByDifficulty = router.DifficultyFloat{Low: 0.85, Medium: 0.85, High: 0.9}
	cfg.Escalation.PromotionMargin = 0.03
	cfg.Escalation.EscalationModelOrderByTaskType = map[string][]string{
		"general": {"m_cheap", "m_pro"},
	}

	budget := 0.02
	task := router.TaskCard{ID: "t-esc", TaskType: "general", Difficulty: "low"}
	task.Constraints.MaxCostUSD = &budget

	event := Run(context.Background(), deps, Input{
		Task:      task,
		Directive: "summarize the release notes",
		Candidates: []router.Candidate{
			{Model: cheap, EffectiveExpertise: 0.80, RawConfidence: 0.7, CostMultiplier: 1},
			{Model: pro, EffectiveExpertise: 0.92, RawConfidence: 0.6, CostMultiplier: 1},
		},
		Cfg: cfg,
	})

	require.Equal(t, "ok", event.Final.Status)
	require.Len(t, event.Attempts, 2)
	require.True(t, event.Final.EscalationUsed)
	require.Equal(t, "escalated", event.Final.ChosenAttempt)
	require.Equal(t, "m_pro", event.Final.ChosenModelID)
	require.InDelta(t, 0.87, event.Final.Evaluation.Overall, 1e-9)

	// Both attempts' scores are recorded in calibration.
	require.Equal(t, 1, deps.Calibration.Get("m_cheap", "general").N)
	require.Equal(t, 1, deps.Calibration.Get("m_pro", "general").N)
}

func TestRun_RetryOnExecutionError(t *testing.T) {
	pool := executor.NewPool()
	pool.RegisterAdapter(&seqSender{
		id:     "stub",
		bodies: []string{"", `{"choices":[{"message":{"content":"fallback output text"}}]}`},
		errs:   []error{errors.New("boom"), nil},
	})

	deps := Deps{
		Pool:        pool,
		Calibration: calibration.NewStore(),
		Variance:    variance.NewStore(),
		Trust:       trust.NewStore(),
		ProviderByID: func(string) (string, bool) { return "stub", true },
	}

	a := model.Model{ID: "a", Provider: "stub", InPer1K: 0.001, OutPer1K: 0.001,
		Expertise: map[string]float64{"general": 0.8}, Reliability: 0.9, Status: model.StatusActive}
	b := model.Model{ID: "b", Provider: "stub", InPer1K: 0.002, OutPer1K: 0.002,
		Expertise: map[string]float64{"general": 0.85}, Reliability: 0.9, Status: model.StatusActive}

	cfg := router.DefaultConfig()
	cfg.EvaluationSampleRate = 0
	cfg.Escalation.Policy = "none"

	event := Run(context.Background(), deps, Input{
		Task: router.TaskCard{ID: "t-retry", TaskType: "general", Difficulty: "low"},
		Candidates: []router.Candidate{
			{Model: a, EffectiveExpertise: 0.8, RawConfidence: 0.5, CostMultiplier: 1},
			{Model: b, EffectiveExpertise: 0.85, RawConfidence: 0.5, CostMultiplier: 1},
		},
		Cfg: cfg,
	})

	require.Len(t, event.Attempts, 2)
	require.NotEmpty(t, event.Attempts[0].ExecutionError)
	require.Contains(t, event.Attempts[1].Prompt, "RETRY")
	require.Equal(t, "b", event.Attempts[1].ModelID)
	require.Equal(t, "ok", event.Final.Status)
}
