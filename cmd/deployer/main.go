package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand(os.Environ()).ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func newRootCommand(environ []string) *cobra.Command {
	root := &cobra.Command{
		Use:           "deployer",
		Short:         "Run web deployments and APK builds through the deploy agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCommand(environ),
		newMigrateCommand(environ),
		newReconcileCommand(environ),
		newArtifactCommand(environ),
	)
	return root
}
