package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/replyworks/notibot/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stored state and usage totals",
	Long:  `Display fingerprint counts, credential counts, and AI usage accounting from the configured storage backend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		// Status only reads storage; no secrets needed, so skip validation
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		db, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("=== notibot Status ==="))

		fmt.Printf("%s\n", yellow("Configuration:"))
		fmt.Printf("  Model:    %s\n", cfg.AI.Model)
		fmt.Printf("  Storage:  %s\n", cfg.Storage.Driver)
		fmt.Printf("  Pages:    %d configured\n", len(cfg.Platform.PageIDs))
		fmt.Println()

		total, processed, err := db.CountFingerprints(ctx)
		if err != nil {
			return fmt.Errorf("failed to count fingerprints: %w", err)
		}
		fmt.Printf("%s\n", yellow("Comments:"))
		fmt.Printf("  Seen:      %d\n", total)
		fmt.Printf("  Processed: %s\n", green(processed))
		if pending := total - processed; pending > 0 {
			fmt.Printf("  Pending:   %s\n", yellow(pending))
		} else {
			fmt.Printf("  Pending:   %s\n", gray(0))
		}
		fmt.Println()

		creds, err := db.CountCredentials(ctx)
		if err != nil {
			return fmt.Errorf("failed to count credentials: %w", err)
		}
		fmt.Printf("%s\n", yellow("Credentials:"))
		fmt.Printf("  Users: %d\n", creds)
		fmt.Println()

		usage, err := db.UsageTotals(ctx)
		if err != nil {
			return fmt.Errorf("failed to read usage totals: %w", err)
		}
		fmt.Printf("%s\n", yellow("AI Usage:"))
		fmt.Printf("  Invocations: %d\n", usage.Invocations)
		fmt.Printf("  Successes:   %s\n", green(usage.Successes))
		if usage.Failures > 0 {
			fmt.Printf("  Failures:    %s\n", red(usage.Failures))
		} else {
			fmt.Printf("  Failures:    %s\n", gray(0))
		}
		fmt.Printf("  Tokens:      %d in / %d out\n", usage.InputTokens, usage.OutputTokens)
		fmt.Println()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
