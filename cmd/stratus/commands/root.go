package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stratushq/stratus/internal/app"
	"github.com/stratushq/stratus/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "stratus",
	Short: "Multi-tenant cloud security posture scanner",
	Long: `STRATUS runs one security posture scan job per invocation: load the
tenant's policies, plan the regions, execute each region in an isolated
worker, and persist the sharded results.

The whole configuration arrives through environment variables; the batch
scheduler sets them per job.`,
	Version:      version.Current,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(app.Run(context.Background()))
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
}

// runCmd is an explicit alias for the root behavior, for schedulers that
// insist on a subcommand.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured scan job",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(app.Run(context.Background()))
	},
}
