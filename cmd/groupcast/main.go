package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/groupcast/cmd/groupcast/commands"
	"github.com/teranos/groupcast/logger"
)

var rootCmd = &cobra.Command{
	Use:   "groupcast",
	Short: "groupcast - scheduled broadcasts to chat groups",
	Long: `groupcast - scheduled broadcasts to chat groups.

Jobs send a message to a list of groups once at a given date and time, or
weekly on chosen weekdays. A dispatcher delivers due jobs through the
messaging gateway and records every attempt.

Available commands:
  serve    - Run the dispatcher, retention and HTTP API
  dispatch - Run a single dispatch cycle
  jobs     - Create, list, pause and remove scheduled jobs
  db       - Apply and inspect schema migrations
  gateway  - Check the messaging gateway
  am       - Show and edit configuration ("I am")

Examples:
  groupcast serve -v               # Start the dispatcher and API
  groupcast jobs ls                # List scheduled jobs
  groupcast jobs import jobs.toml  # Create jobs from a file
  groupcast am show --sources      # Show where each setting comes from`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.DispatchCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.GatewayCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
