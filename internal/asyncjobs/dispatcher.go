package asyncjobs

import (
	"context"
	"log/slog"

	"go.temporal.io/sdk/client"

	"github.com/routecore/routecore/internal/circuitbreaker"
	"github.com/routecore/routecore/internal/metrics"
	"github.com/routecore/routecore/internal/project"
)

// Dispatcher routes async project runs to Temporal when it is healthy and
// falls back to the in-process queue when it is not. Fire-and-forget
// persistence jobs always use the in-process queue.
type Dispatcher struct {
	Temporal  client.Client // nil when Temporal is disabled
	TaskQueue string
	Breaker   *circuitbreaker.Breaker
	Queue     *Queue
	Projects  *project.Service
	Metrics   *metrics.Registry
}

// SubmitProjectRun starts an async project run and returns immediately. The
// caller has already assigned in.RunSessionID; results land in the store
// under that id regardless of which path executes the run.
func (d *Dispatcher) SubmitProjectRun(ctx context.Context, in project.Input) {
	if d.Temporal != nil && (d.Breaker == nil || d.Breaker.Allow()) {
		_, err := d.Temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
			ID:        "project-run-" + in.RunSessionID,
			TaskQueue: d.TaskQueue,
		}, ProjectRunWorkflow, in)
		if err == nil {
			if d.Breaker != nil {
				d.Breaker.RecordSuccess()
			}
			return
		}
		if d.Breaker != nil {
			d.Breaker.RecordFailure()
		}
		slog.Warn("temporal dispatch failed, running project in-process",
			slog.String("run_session_id", in.RunSessionID), slog.String("error", err.Error()))
	}

	if d.Metrics != nil {
		d.Metrics.AsyncFallbackTotal.Inc()
	}
	d.Queue.Submit(Job{
		Name: "project-run-" + in.RunSessionID,
		Fn: func(jobCtx context.Context) error {
			_, err := d.Projects.Run(jobCtx, in)
			return err
		},
	})
}

// SubmitPersist enqueues a named fire-and-forget persistence job.
func (d *Dispatcher) SubmitPersist(name string, fn func(ctx context.Context) error) {
	d.Queue.Submit(Job{Name: name, Fn: fn})
}
