package commands

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/stratushq/stratus/internal/app"
)

var workerSpecPath string

// workerCmd is how the controller re-executes itself per region. It is not
// part of the public surface; the spec file and the environment are the
// whole contract.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one region worker from a spec file",
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
		logger := app.NewLogger()
		slog.SetDefault(logger)

		if err := app.RunWorker(context.Background(), workerSpecPath, logger); err != nil {
			logger.Error("Worker failed", "spec", workerSpecPath, "error", err)
			os.Exit(1)
		}
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerSpecPath, "spec", "", "Path to the worker spec file")
	_ = workerCmd.MarkFlagRequired("spec")
}
