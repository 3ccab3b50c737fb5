package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/dukex/operion-approval/pkg/cmd"
	"github.com/dukex/operion-approval/pkg/timeout"
	cli "github.com/urfave/cli/v3"
)

func NewSchedulerCommand() *cli.Command {
	return &cli.Command{
		Name:  "scheduler",
		Usage: "Apply timeout policies to overdue approval tasks",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "sweep-interval",
				Usage:   "Time between two sweeps of overdue tasks",
				Value:   timeout.DefaultInterval,
				Sources: cli.EnvVars("SWEEP_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for the lock shared by scheduler instances; empty keeps the lock in-process",
				Sources: cli.EnvVars("REDIS_URL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, command, "scheduler")
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			locker, closeLocker, err := cmd.NewLocker(ctx, rt.logger, command.String("redis-url"))
			if err != nil {
				return err
			}

			defer func() {
				err := closeLocker()
				if err != nil {
					rt.logger.ErrorContext(ctx, "Failed to close lock client", "error", err)
				}
			}()

			scheduler := timeout.NewScheduler(rt.persistence, rt.coordinator, rt.logger,
				timeout.WithInterval(command.Duration("sweep-interval")),
				timeout.WithLocker(locker),
				timeout.WithTracer(rt.tracer),
			)

			err = scheduler.Start(ctx)
			if err != nil {
				return err
			}

			rt.logger.InfoContext(ctx, "Timeout scheduler started", "interval", command.Duration("sweep-interval"))

			<-ctx.Done()
			rt.logger.InfoContext(ctx, "Shutting down timeout scheduler...")

			return scheduler.Stop(context.WithoutCancel(ctx))
		},
	}
}
