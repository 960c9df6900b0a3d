package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/slipstream/indexhub/internal/api"
	"github.com/slipstream/indexhub/internal/logger"
)

func newDefinitionsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "definitions",
		Short: "Manage Cardigann indexer definitions",
	}

	var force bool
	update := &cobra.Command{
		Use:   "update",
		Short: "Download the definition package from the remote repository",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withServices(cmd.Context(), func(ctx context.Context, s *api.Services, _ *logger.Logger) error {
				if err := s.Definitions.UpdateDefinitions(ctx, force); err != nil {
					return err
				}
				defs, err := s.Definitions.ListDefinitions(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d definitions available, last updated %s\n",
					len(defs), s.Definitions.LastUpdate().Format("2006-01-02 15:04:05"))
				return nil
			})
		},
	}
	update.Flags().BoolVarP(&force, "force", "f", true, "update even if the package was fetched recently")

	cmd.AddCommand(update)
	return cmd
}
