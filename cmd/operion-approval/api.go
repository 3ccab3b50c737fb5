package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/dukex/operion-approval/pkg/metrics"
	"github.com/dukex/operion-approval/pkg/registry"
	"github.com/dukex/operion-approval/pkg/services"
	"github.com/dukex/operion-approval/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9092

type API struct {
	logger   *slog.Logger
	approval *services.Approval
	registry *registry.Registry
	validate *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	approval *services.Approval,
	registry *registry.Registry,
) *API {
	return &API{
		logger:   logger,
		approval: approval,
		registry: registry,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.approval, a.validate, a.registry, a.logger)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Operion Approval API")
	})

	handlers.Register(app)

	app.Get("/health", handlers.HealthCheck)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	return app
}

// Start serves the API until ctx is cancelled.
func (a *API) Start(ctx context.Context, port int) error {
	app := a.App()

	go func() {
		<-ctx.Done()

		err := app.Shutdown()
		if err != nil {
			a.logger.Error("Failed to shut down API", "error", err)
		}
	}()

	return app.Listen(":" + strconv.Itoa(port))
}

func NewAPICommand() *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Serve the approval REST API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, command, "api")
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			approvalService := services.NewApproval(rt.persistence, rt.coordinator, rt.tracer, rt.logger)
			api := NewAPI(rt.logger, approvalService, rt.registry)

			err = api.Start(ctx, command.Int("port"))
			if err != nil && !errors.Is(err, context.Canceled) {
				rt.logger.ErrorContext(ctx, "API server stopped", "error", err)

				return err
			}

			return nil
		},
	}
}
