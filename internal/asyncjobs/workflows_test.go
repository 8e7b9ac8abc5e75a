package asyncjobs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/routecore/routecore/internal/project"
)

func TestProjectRunWorkflow_Completes(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()

	acts := &Activities{}
	env.RegisterActivity(acts.RunScenario)
	env.OnActivity(acts.RunScenario, mock.Anything, mock.Anything).Return("run-1", nil)

	env.ExecuteWorkflow(ProjectRunWorkflow, project.Input{RunSessionID: "run-1", Directive: "do a thing"})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out string
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, "run-1", out)
}

func TestProjectRunWorkflow_PropagatesActivityFailure(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()

	acts := &Activities{}
	env.RegisterActivity(acts.RunScenario)
	env.OnActivity(acts.RunScenario, mock.Anything, mock.Anything).Return("", errors.New("scheduler validation failed"))

	env.ExecuteWorkflow(ProjectRunWorkflow, project.Input{RunSessionID: "run-2"})

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
}
