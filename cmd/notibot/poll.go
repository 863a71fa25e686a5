package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run one poll cycle and print the results",
	Long: `Fetch comments for the configured pages, classify them, and reply to
anything new or updated. One synchronous cycle; useful for cron-driven
setups and for checking a deployment without waiting for the scheduler.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		log, err := newLogger()
		if err != nil {
			return err
		}
		defer log.Sync()

		application, err := buildApp(cfg, log)
		if err != nil {
			return err
		}
		defer application.db.Close()

		stats, err := application.poll.RunOnce(context.Background())
		if err != nil {
			return err
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("=== Poll Cycle Results ==="))
		fmt.Printf("  New:       %s\n", green(stats.New))
		fmt.Printf("  Updated:   %s\n", yellow(stats.Updated))
		fmt.Printf("  Unchanged: %s\n", gray(stats.Unchanged))
		fmt.Printf("  Skipped:   %s\n", gray(stats.Skipped))
		fmt.Printf("  Retried:   %s\n", yellow(stats.Retried))
		if stats.Failed > 0 {
			fmt.Printf("  Failed:    %s\n", red(stats.Failed))
		}
		fmt.Println()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pollCmd)
}
