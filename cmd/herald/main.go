package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/herald/cmd/herald/commands"
	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/logger"
)

var rootCmd = &cobra.Command{
	Use:   "herald",
	Short: "herald - scheduled social publishing",
	Long: `herald - schedule approved content and publish it to LinkedIn, X and Bluesky.

Posts are scheduled per platform, claimed when due and published with
bounded retries. Every attempt is recorded.

Available commands:
  schedule  - Schedule a post
  ls        - List scheduled posts
  start     - Start the dispatch daemon (poll or queue engine)
  dispatch  - Dispatch due posts once
  health    - Check health
  am        - Show and validate configuration ("I am")

Examples:
  herald schedule x --content "v2 is out" --in 2h
  herald ls --status failed
  herald start --engine queue
  herald am show --sources`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")
	rootCmd.PersistentFlags().StringVar(&commands.DatabasePath, "db", "", "database path (overrides database.path)")

	rootCmd.AddCommand(commands.ScheduleCmd)
	rootCmd.AddCommand(commands.RescheduleCmd)
	rootCmd.AddCommand(commands.CancelCmd)
	rootCmd.AddCommand(commands.LsCmd)
	rootCmd.AddCommand(commands.ShowCmd)
	rootCmd.AddCommand(commands.RequeueCmd)
	rootCmd.AddCommand(commands.DeleteCmd)
	rootCmd.AddCommand(commands.StartCmd)
	rootCmd.AddCommand(commands.DispatchCmd)
	rootCmd.AddCommand(commands.HealthCmd)
	rootCmd.AddCommand(commands.StatsCmd)
	rootCmd.AddCommand(commands.PauseCmd)
	rootCmd.AddCommand(commands.ResumeCmd)
	rootCmd.AddCommand(commands.ContentCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	err := rootCmd.Execute()
	logger.Cleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintf(os.Stderr, "  hint: %s\n", hint)
		}
		os.Exit(1)
	}
}
