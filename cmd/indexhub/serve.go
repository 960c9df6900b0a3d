package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/slipstream/indexhub/internal/api"
	"github.com/slipstream/indexhub/internal/logger"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, command queue and scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return opts.withServices(ctx, serve)
		},
	}
}

func serve(ctx context.Context, services *api.Services, log *logger.Logger) error {
	cfg := services.Config
	log.Info().
		Str("version", api.Version).
		Str("database", cfg.Database.Path).
		Bool("apiKey", cfg.Server.APIKey != "").
		Msg("Starting indexhub")

	if err := services.Start(ctx); err != nil {
		return err
	}
	defer services.Stop()
	log.Tail().SetBroadcaster(services.Hub)

	server := api.NewServer(services, log, log.Logger)
	errc := make(chan error, 1)
	go func() { errc <- server.Start(cfg.Server.Address()) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Msg("HTTP server did not shut down cleanly")
	}
	return <-errc
}
