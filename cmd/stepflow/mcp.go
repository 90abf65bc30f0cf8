package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/stepflow/internal/mcpserver"
)

func newMCPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve workflow tools over the Model Context Protocol on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := a.build(ctx, stackOptions{})
			if err != nil {
				return err
			}
			defer s.Close()

			srv := mcpserver.New(s.store, s.runner, s.dispatcher,
				mcpserver.WithLogger(a.logger), mcpserver.WithVersion(version))
			serveErr := srv.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
			defer cancel()
			runErr := s.runner.Shutdown(shutdownCtx)

			if errors.Is(serveErr, context.Canceled) {
				serveErr = nil
			}
			return errors.Join(serveErr, runErr)
		},
	}
}
