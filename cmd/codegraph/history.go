package main

import (
	"context"

	"github.com/spf13/cobra"

	"codegraph-backend/internal/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and prune temporal history",
}

var historyTimelineCmd = &cobra.Command{
	Use:   "timeline <entity-id>",
	Short: "Show an entity's version timeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryTimeline,
}

var historySessionCmd = &cobra.Command{
	Use:   "session <session-id>",
	Short: "Show the changes recorded under a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistorySession,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete temporal state outside the retention window",
	Args:  cobra.NoArgs,
	RunE:  runHistoryPrune,
}

func init() {
	historyTimelineCmd.Flags().Int("limit", 0, "maximum entries")
	historySessionCmd.Flags().Int("limit", 0, "maximum entries")

	historyPruneCmd.Flags().Int("retention-days", 0, "override the configured retention window")
	historyPruneCmd.Flags().Bool("dry-run", false, "report what would be deleted without deleting")

	historyCmd.AddCommand(historyTimelineCmd)
	historyCmd.AddCommand(historySessionCmd)
	historyCmd.AddCommand(historyPruneCmd)
}

func runHistoryTimeline(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		entries, err := a.history.EntityTimeline(ctx, args[0], limit)
		if err != nil {
			return err
		}
		return printJSON(entries)
	})
}

func runHistorySession(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		entries, err := a.history.SessionTimeline(ctx, args[0], limit)
		if err != nil {
			return err
		}
		return printJSON(entries)
	})
}

func runHistoryPrune(cmd *cobra.Command, _ []string) error {
	retentionDays, _ := cmd.Flags().GetInt("retention-days")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		if retentionDays <= 0 {
			retentionDays = a.cfg.History.RetentionDays
		}
		result, err := a.history.PruneHistory(ctx, retentionDays, history.PruneOptions{DryRun: dryRun})
		if err != nil {
			return err
		}
		return printJSON(result)
	})
}
