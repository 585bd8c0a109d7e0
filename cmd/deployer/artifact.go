package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/k11v/deployer/internal/artifact"
)

func newArtifactCommand(environ []string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifact",
		Short: "Manage APK artifacts",
	}
	cmd.AddCommand(newArtifactPushCommand(environ))
	return cmd
}

func newArtifactPushCommand(environ []string) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "push FILE",
		Short: "Upload an APK to the artifact bucket",
		Long: "Upload an APK to the artifact bucket so that it can be downloaded from the API.\n" +
			"The deploy agent runs it after a build when artifacts are kept in S3.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := parseConfig(environ)
			if err != nil {
				return err
			}

			store, err := artifact.NewS3StoreFromConfig(cmd.Context(), &cfg.Artifact)
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() {
				_ = f.Close()
			}()

			if name == "" {
				name = filepath.Base(args[0])
			}
			if err = store.Upload(cmd.Context(), name, f); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s\n", name)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "object name, defaults to the file name")
	return cmd
}
