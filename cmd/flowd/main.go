package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crewflow/flowd/cmd/flowd/commands"
	"github.com/crewflow/flowd/logger"
)

var rootCmd = &cobra.Command{
	Use:   "flowd",
	Short: "flowd - flow execution and scheduling daemon",
	Long: `flowd runs declarative YAML flows on demand or on a cron schedule.

Available commands:
  serve    - Start the flowd API server and scheduler
  db       - Manage the flowd database
  version  - Show version information

Examples:
  flowd serve                        # Start with flowd.toml or defaults
  flowd serve --config /etc/flowd.toml
  flowd db migrate                   # Apply pending migrations
  flowd version`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("log-json")
		if err := logger.Initialize(jsonOutput); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
