package orchestration

import (
	"errors"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// ClientOptions configures the Temporal connection.
type ClientOptions struct {
	HostPort  string
	Namespace string
}

// NewTemporalClient dials Temporal with tracing enabled.
func NewTemporalClient(opts ClientOptions) (client.Client, error) {
	tracing, err := opentelemetry.NewTracingInterceptor(opentelemetry.TracerOptions{})
	if err != nil {
		return nil, fmt.Errorf("temporal tracing interceptor: %w", err)
	}
	c, err := client.Dial(client.Options{
		HostPort:     opts.HostPort,
		Namespace:    opts.Namespace,
		Interceptors: []interceptor.ClientInterceptor{tracing},
	})
	if err != nil {
		return nil, fmt.Errorf("dial temporal: %w", err)
	}
	return c, nil
}

// NewWorker registers the workflow and activity implementations on the task
// queue. The caller owns Run/Stop.
func NewWorker(c client.Client, taskQueue string, workflows *Workflows, activities *Activities) (worker.Worker, error) {
	if c == nil {
		return nil, errors.New("temporal client is required")
	}
	if taskQueue == "" {
		return nil, errors.New("task queue is required")
	}
	if workflows == nil || activities == nil {
		return nil, errors.New("workflows and activities are required")
	}
	w := worker.New(c, taskQueue, worker.Options{})
	Register(w, workflows, activities)
	return w, nil
}

// Register binds the workflows, under their stable names, and the activities
// to a worker registry. Split out so the test environment can reuse it.
func Register(r worker.Registry, workflows *Workflows, activities *Activities) {
	r.RegisterWorkflowWithOptions(workflows.OrchestratorWorkflow, workflow.RegisterOptions{Name: WorkflowOrchestrator})
	r.RegisterWorkflowWithOptions(workflows.IntelligentDelegationWorkflow, workflow.RegisterOptions{Name: WorkflowDelegation})
	r.RegisterWorkflowWithOptions(workflows.DirectAssignmentWorkflow, workflow.RegisterOptions{Name: WorkflowDirectAssignment})
	r.RegisterActivity(activities)
}
