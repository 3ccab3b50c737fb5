package cmd

import (
	"context"
	"log/slog"

	"github.com/dukex/operion-approval/pkg/eventbus"
	"github.com/dukex/operion-approval/pkg/events"
	"github.com/dukex/operion-approval/pkg/models"
	"github.com/dukex/operion-approval/pkg/nodes/approval"
	"github.com/dukex/operion-approval/pkg/notification"
	"github.com/dukex/operion-approval/pkg/persistence"
	"github.com/dukex/operion-approval/pkg/protocol"
	"go.opentelemetry.io/otel/trace"
)

// NewJobObserver publishes every committed job state to the host engine. Publication failures
// are logged; the job is already durable and the host can poll it.
func NewJobObserver(publisher eventbus.EventPublisher, logger *slog.Logger) protocol.JobObserver {
	logger = logger.With("module", "job_observer")

	return protocol.JobObserverFunc(func(ctx context.Context, job *models.Job) {
		event := events.NewApprovalJobUpdated(job)

		err := publisher.Publish(ctx, job.ExecutionID, event)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to publish job update",
				"job_id", job.ID,
				"status", job.Status,
				"error", err,
			)

			return
		}

		logger.DebugContext(ctx, "Published job update", "job_id", job.ID, "event_type", event.GetType())
	})
}

// NewCoordinator wires the approval coordinator to the event bus: notifications go out as
// approval.notification events and job changes as approval.job.* events.
func NewCoordinator(
	p persistence.Persistence,
	bus eventbus.EventPublisher,
	tracer trace.Tracer,
	logger *slog.Logger,
) (*approval.Coordinator, *notification.Dispatcher) {
	dispatcher := notification.NewDispatcher(notification.NewEventBusNotifier(bus), logger)

	coordinator := approval.NewCoordinator(p, logger,
		approval.WithDispatcher(dispatcher),
		approval.WithObserver(NewJobObserver(bus, logger)),
		approval.WithTracer(tracer),
	)

	return coordinator, dispatcher
}
