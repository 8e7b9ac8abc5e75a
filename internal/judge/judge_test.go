package judge

import (
	"context"
	"testing"

	"github.com/routecore/routecore/internal/executor"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	body string
	err  error
}

func (f *fakeSender) ID() string { return "fake" }
func (f *fakeSender) Send(ctx context.Context, model string, req executor.Request) (executor.ProviderResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.body), nil
}
func (f *fakeSender) ClassifyError(err error) *executor.ClassifiedError {
	return &executor.ClassifiedError{Err: err, Class: executor.ErrFatal}
}

func TestValidate_AnalysisTooShort(t *testing.T) {
	res := Validate("analysis", "short", nil, nil)
	require.False(t, res.OK)
	require.NotEmpty(t, res.Reasons)
}

func TestValidate_NotSureRejected(t *testing.T) {
	res := Validate("general", "I am not sure what you want.", nil, nil)
	require.False(t, res.OK)
}

func TestValidate_ExecutionErrorShortCircuits(t *testing.T) {
	res := Validate("code", "", errBoom, nil)
	require.False(t, res.OK)
	require.Contains(t, res.Reasons[0], "Execution error")
}

var errBoom = &boomErr{}

type boomErr struct{}

func (b *boomErr) Error() string { return "boom" }

func TestOverall_CodeWeighting(t *testing.T) {
	d := Dimensions{Correctness: 1, Completeness: 1, Clarity: 1, Safety: 1}
	got := Overall("code", d, 1)
	require.InDelta(t, 1.0, got, 1e-9)
}

func TestJudge_Evaluate(t *testing.T) {
	sender := &fakeSender{body: `{"dimensions":{"correctness":0.9,"completeness":0.8,"clarity":0.7,"safety":1.0},"compliance":0.95}`}
	j := New(sender, "judge-model")
	eval, err := j.Evaluate(context.Background(), "code", "write a func", "func f() {}")
	require.NoError(t, err)
	require.InDelta(t, 0.9, eval.Dimensions.Correctness, 1e-9)
	require.Greater(t, eval.Overall, 0.0)
}

func TestJudge_Evaluate_WrappedInProse(t *testing.T) {
	sender := &fakeSender{body: "Here is my evaluation:\n```json\n{\"dimensions\":{\"correctness\":0.5,\"completeness\":0.5,\"clarity\":0.5,\"safety\":0.5},\"compliance\":0.5}\n```"}
	j := New(sender, "judge-model")
	eval, err := j.Evaluate(context.Background(), "general", "task", "output")
	require.NoError(t, err)
	require.InDelta(t, 0.5, eval.Compliance, 1e-9)
}
