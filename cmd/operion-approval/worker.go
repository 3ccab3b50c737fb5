package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/dukex/operion-approval/pkg/eventbus"
	"github.com/dukex/operion-approval/pkg/events"
	"github.com/dukex/operion-approval/pkg/models"
	"github.com/dukex/operion-approval/pkg/nodes/approval"
	"github.com/dukex/operion-approval/pkg/persistence"
	"github.com/dukex/operion-approval/pkg/registry"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

// StepWorker enters approval steps requested by the host engine over the event bus and resumes
// their jobs on request. The resulting jobs reach the host through the coordinator's job observer.
type StepWorker struct {
	id       string
	logger   *slog.Logger
	registry *registry.Registry
	eventBus eventbus.EventBus
}

func NewStepWorker(id string, eventBus eventbus.EventBus, logger *slog.Logger, registry *registry.Registry) *StepWorker {
	return &StepWorker{
		id:       id,
		logger:   logger.With("module", "approval_worker", "worker_id", id),
		registry: registry,
		eventBus: eventBus,
	}
}

// Start registers the handler and subscribes; delivery continues until ctx is cancelled.
func (w *StepWorker) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting approval worker")

	err := w.eventBus.Handle(events.ApprovalStepRequestedEvent, w.handleStepRequested)
	if err != nil {
		return err
	}

	err = w.eventBus.Handle(events.ApprovalStepResumeRequestedEvent, w.handleResumeRequested)
	if err != nil {
		return err
	}

	err = w.eventBus.Subscribe(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	return nil
}

// handleStepRequested builds the node and runs it. Configuration errors are acknowledged
// because redelivery cannot fix them; run errors are returned so the message is redelivered.
func (w *StepWorker) handleStepRequested(ctx context.Context, event any) error {
	requested, ok := event.(*events.ApprovalStepRequested)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for ApprovalStepRequested")

		return nil
	}

	logger := w.logger.With(
		"workflow_id", requested.WorkflowID,
		"execution_id", requested.ExecutionID,
		"node_id", requested.NodeID,
		"event_id", requested.ID,
	)
	logger.InfoContext(ctx, "Processing approval step requested event")

	step, err := w.registry.CreateNode(ctx, nodeTypeOrDefault(requested.NodeType), requested.NodeID, requested.Config)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to create approval node", "error", err)

		return nil
	}

	executionCtx := requested.ExecutionContext
	if executionCtx.ID == "" {
		executionCtx.ID = requested.ExecutionID
	}

	if executionCtx.WorkflowID == "" {
		executionCtx.WorkflowID = requested.WorkflowID
	}

	job, err := step.Run(ctx, requested.PreviousJob, &executionCtx)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to run approval step", "error", err)

		return err
	}

	logger.InfoContext(ctx, "Approval step entered", "job_id", job.ID, "status", job.Status)

	return nil
}

// handleResumeRequested re-evaluates a job of an entered step. Requests naming an unknown job
// or another step's job are acknowledged; store errors are returned for redelivery.
func (w *StepWorker) handleResumeRequested(ctx context.Context, event any) error {
	requested, ok := event.(*events.ApprovalStepResumeRequested)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for ApprovalStepResumeRequested")

		return nil
	}

	logger := w.logger.With(
		"workflow_id", requested.WorkflowID,
		"execution_id", requested.ExecutionID,
		"node_id", requested.NodeID,
		"job_id", requested.JobID,
		"event_id", requested.ID,
	)
	logger.InfoContext(ctx, "Processing approval step resume requested event")

	step, err := w.registry.CreateNode(ctx, nodeTypeOrDefault(requested.NodeType), requested.NodeID, requested.Config)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to create approval node", "error", err)

		return nil
	}

	job, err := step.Resume(ctx, &models.Job{
		ID:          requested.JobID,
		WorkflowID:  requested.WorkflowID,
		ExecutionID: requested.ExecutionID,
		NodeID:      requested.NodeID,
	})
	if err != nil {
		if persistence.IsJobNotFound(err) || errors.Is(err, approval.ErrJobMismatch) {
			logger.WarnContext(ctx, "Ignoring resume request", "error", err)

			return nil
		}

		logger.ErrorContext(ctx, "Failed to resume approval step", "error", err)

		return err
	}

	logger.InfoContext(ctx, "Approval step resumed", "status", job.Status)

	return nil
}

func nodeTypeOrDefault(nodeType string) string {
	if nodeType == "" {
		return approval.NodeType
	}

	return nodeType
}

func NewWorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Enter approval steps requested by the workflow engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, command, "worker")
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			worker := NewStepWorker(workerID, rt.eventBus, rt.logger, rt.registry)

			err = worker.Start(ctx)
			if err != nil {
				return err
			}

			<-ctx.Done()
			rt.logger.InfoContext(ctx, "Shutting down worker...")

			return nil
		},
	}
}
