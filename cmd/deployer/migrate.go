package main

import (
	"github.com/spf13/cobra"

	"github.com/k11v/deployer/internal/artifact"
	"github.com/k11v/deployer/internal/postgresprovision"
)

func newMigrateCommand(environ []string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Bring the database schema up to date and create the artifact bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := parseConfig(environ)
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			if err = postgresprovision.Setup(cfg.Postgres.ConnectionString); err != nil {
				return err
			}
			log.Info("migrated database")

			if cfg.Artifact.S3ConnectionString != "" {
				if _, err = artifact.NewS3StoreFromConfig(cmd.Context(), &cfg.Artifact); err != nil {
					return err
				}
				log.Info("created artifact bucket")
			}
			return nil
		},
	}
}
