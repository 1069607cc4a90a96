package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/agentpulse/cmd/agentpulse/commands"
	"github.com/teranos/agentpulse/logger"
)

var rootCmd = &cobra.Command{
	Use:   "agentpulse",
	Short: "agentpulse - pull scheduler for agent tasks",
	Long: `agentpulse - pull scheduler for agent tasks.

agentpulse claims due scheduled tasks from its database, resolves their
configuration against the catalog, stages plugins and subagents into the
session workspace and hands each task to the executor.

Available commands:
  serve     - Run the scheduler and introspection server
  schedules - Show or validate pull rules
  tasks     - Manage scheduled tasks
  db        - Manage the task database
  am        - Show agentpulse configuration ("I am")
  version   - Show version information

Examples:
  agentpulse serve                       # Start pulling
  agentpulse schedules                   # Rules and live jobs of a running server
  agentpulse schedules validate rules.toml
  agentpulse tasks ls --owner user-1`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// am show prints the config to stdout; keep log lines out of it
		if cmd.Name() == "show" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
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
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit JSON log lines")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.SchedulesCmd)
	rootCmd.AddCommand(commands.TasksCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
