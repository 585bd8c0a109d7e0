package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/k11v/deployer/internal/deploy"
)

func newReconcileCommand(environ []string) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Finalize attempts left unfinished by a stopped process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := parseConfig(environ)
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			a, err := openApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			reconciler := deploy.NewReconciler(&deploy.ReconcilerParams{
				Database:   a.db,
				Locker:     a.locker,
				Profiles:   a.profiles,
				Recovery:   a.sink,
				StaleAfter: cfg.Reconcile.StaleAfter,
				Log:        log,
			})
			n, err := reconciler.Reconcile(cmd.Context())
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "finalized %d stale attempts\n", n)
			return nil
		},
	}
}
