package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/stepflow/graph/schedule"
	"github.com/dshills/stepflow/internal/api"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	var noScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the cron scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.Server.Address = addr
			}
			if noScheduler {
				a.cfg.Scheduler.Enabled = false
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override server.address")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not start the cron scheduler")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	s, err := a.build(ctx, stackOptions{hub: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			a.logger.Warn("shutdown: closing resources", slog.Any("error", err))
		}
	}()

	var sched *schedule.Scheduler
	if a.cfg.Scheduler.Enabled {
		sched = schedule.New(s.store, s.runner,
			schedule.WithInterval(a.cfg.Scheduler.Interval),
			schedule.WithBuffer(a.cfg.Scheduler.Buffer),
			schedule.WithStopTimeout(a.cfg.Scheduler.StopTimeout),
			schedule.WithLogger(a.logger),
			schedule.WithMetrics(schedule.NewMetrics(s.registry)))
		if err := sched.Start(ctx); err != nil {
			return err
		}
	}

	server := api.New(api.Config{
		Store:          s.store,
		Runner:         s.runner,
		Dispatcher:     s.dispatcher,
		Hub:            s.hub,
		Gatherer:       s.registry,
		TracerProvider: tracerProvider(s),
		ServiceName:    a.cfg.Tracing.ServiceName,
		Logger:         a.logger,
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start(a.cfg.Server.Address) }()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err = <-serveErr:
		if err != nil {
			a.logger.Error("api server stopped", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	errs = append(errs, err)
	if sched != nil {
		if stopErr := sched.Stop(); stopErr != nil {
			errs = append(errs, stopErr)
		}
	}
	if shutErr := server.Shutdown(shutdownCtx); shutErr != nil {
		errs = append(errs, shutErr)
	}
	if runErr := s.runner.Shutdown(shutdownCtx); runErr != nil {
		errs = append(errs, runErr)
	}
	a.logger.Info("stopped")
	return errors.Join(errs...)
}
