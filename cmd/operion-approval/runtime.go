package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/operion-approval/pkg/cmd"
	"github.com/dukex/operion-approval/pkg/eventbus"
	"github.com/dukex/operion-approval/pkg/log"
	"github.com/dukex/operion-approval/pkg/nodes/approval"
	"github.com/dukex/operion-approval/pkg/notification"
	"github.com/dukex/operion-approval/pkg/otelhelper"
	"github.com/dukex/operion-approval/pkg/persistence"
	"github.com/dukex/operion-approval/pkg/registry"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
)

// runtime holds the components every subcommand shares.
type runtime struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	tracer      trace.Tracer
	coordinator *approval.Coordinator
	dispatcher  *notification.Dispatcher
	registry    *registry.Registry

	shutdownTracer otelhelper.Shutdown
}

func newRuntime(ctx context.Context, command *cli.Command, service string) (*runtime, error) {
	log.Setup(command.String("log-level"), command.String("log-format"))

	logger := log.WithModule(service)
	logger.InfoContext(ctx, "Initializing operion-approval", "service", service)

	tracer, shutdownTracer, err := cmd.NewTracer(ctx, command.Bool("otel-enabled"), "operion-approval-"+service)
	if err != nil {
		return nil, err
	}

	p, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		_ = shutdownTracer(ctx)

		return nil, fmt.Errorf("failed to open persistence: %w", err)
	}

	bus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "operion-approval-"+service, logger)
	if err != nil {
		_ = p.Close(ctx)
		_ = shutdownTracer(ctx)

		return nil, err
	}

	coordinator, dispatcher := cmd.NewCoordinator(p, bus, tracer, logger)

	reg, err := cmd.NewRegistry(logger, command.String("plugins-path"), coordinator)
	if err != nil {
		_ = bus.Close()
		_ = p.Close(ctx)
		_ = shutdownTracer(ctx)

		return nil, err
	}

	return &runtime{
		logger:         logger,
		persistence:    p,
		eventBus:       bus,
		tracer:         tracer,
		coordinator:    coordinator,
		dispatcher:     dispatcher,
		registry:       reg,
		shutdownTracer: shutdownTracer,
	}, nil
}

// Close waits for in-flight notifications and releases every resource.
func (r *runtime) Close(ctx context.Context) {
	r.dispatcher.Wait()

	err := r.eventBus.Close()
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
	}

	err = r.persistence.Close(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
	}

	err = r.shutdownTracer(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
	}
}
