package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/slipstream/indexhub/internal/database"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	var down, status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer log.Close()

			db, err := database.New(cfg.Database.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			switch {
			case status:
				return db.MigrationStatus()
			case down:
				err = db.MigrateDown()
			default:
				err = db.Migrate()
			}
			if err != nil {
				return err
			}
			version, err := db.Version()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "database %s at version %d\n", cfg.Database.Path, version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back the most recent migration")
	cmd.Flags().BoolVar(&status, "status", false, "print the migration status")
	cmd.MarkFlagsMutuallyExclusive("down", "status")
	return cmd
}
