// Package protocol defines the contracts between the host workflow engine and suspending nodes.
package protocol

import (
	"context"

	"github.com/dukex/operion-approval/pkg/models"
)

// Step is a configured node instance the host engine enters when an execution reaches it.
type Step interface {
	// ID returns the node identifier within the workflow
	ID() string

	// Run enters the step and returns the job describing its suspension point
	Run(ctx context.Context, previous *models.Job, executionCtx *models.ExecutionContext) (*models.Job, error)

	// Resume re-evaluates a job this step returned earlier. The host calls it when it wants the
	// current state of a suspension point without waiting for an update event.
	Resume(ctx context.Context, job *models.Job) (*models.Job, error)
}

// StepHandler is the step-lifecycle contract of a node that suspends an execution branch until
// an external decision. The job status is the only field the host engine inspects.
type StepHandler interface {
	Run(ctx context.Context, nodeID string, config models.NodeConfig, previous *models.Job, executionCtx *models.ExecutionContext) (*models.Job, error)

	// Resume re-evaluates a pending job using the configuration snapshot it carries
	Resume(ctx context.Context, job *models.Job) (*models.Job, error)
}

// JobObserver is told about jobs after their state has been committed.
type JobObserver interface {
	JobUpdated(ctx context.Context, job *models.Job)
}

// JobObserverFunc adapts a function to JobObserver.
type JobObserverFunc func(ctx context.Context, job *models.Job)

func (f JobObserverFunc) JobUpdated(ctx context.Context, job *models.Job) {
	f(ctx, job)
}

// NodeFactory creates node instances and provides metadata about the node type.
type NodeFactory interface {
	// Create creates a new node instance with the given configuration
	Create(ctx context.Context, id string, config map[string]any) (Step, error)

	// ID returns the unique identifier for this node type
	ID() string

	// Name returns the human-readable name for this node type
	Name() string

	// Description returns a description of what this node does
	Description() string

	// Schema returns the JSON schema for configuring this node
	Schema() map[string]any
}
