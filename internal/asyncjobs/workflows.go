package asyncjobs

import (
	"context"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/routecore/routecore/internal/project"
)

const activityTimeout = 10 * time.Minute

// Activities holds the dependencies Temporal activity implementations need.
type Activities struct {
	Projects *project.Service
}

// RunScenario executes a full project run in-process. The scheduler already
// persists the result payload under the run session id, so replaying this
// activity after a worker crash simply overwrites the same key.
func (a *Activities) RunScenario(ctx context.Context, in project.Input) (string, error) {
	res, err := a.Projects.Run(ctx, in)
	if err != nil {
		return "", err
	}
	return res.RunSessionID, nil
}

// ProjectRunWorkflow is the durable wrapper around one async project run.
// The heavy lifting is a single activity: Temporal buys us crash-restart
// durability and visibility, not step decomposition — the scheduler is
// already the orchestrator within the run.
func ProjectRunWorkflow(ctx workflow.Context, in project.Input) (string, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		HeartbeatTimeout:    2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 2,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var runSessionID string
	err := workflow.ExecuteActivity(ctx, (*Activities).RunScenario, in).Get(ctx, &runSessionID)
	return runSessionID, err
}
