package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"codegraph-backend/internal/history"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage graph checkpoints",
}

var checkpointCreateCmd = &cobra.Command{
	Use:   "create <seed-id>...",
	Short: "Snapshot the subgraph reachable from the seed entities",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCheckpointCreate,
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints, newest first",
	Args:  cobra.NoArgs,
	RunE:  runCheckpointList,
}

var checkpointGetCmd = &cobra.Command{
	Use:   "get <checkpoint-id>",
	Short: "Show a checkpoint and its membership summary",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointGet,
}

var checkpointDeleteCmd = &cobra.Command{
	Use:   "delete <checkpoint-id>",
	Short: "Delete a checkpoint and release its members",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointDelete,
}

var checkpointExportCmd = &cobra.Command{
	Use:   "export <checkpoint-id>",
	Short: "Export a checkpoint as portable JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointExport,
}

var checkpointImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a previously exported checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointImport,
}

func init() {
	checkpointCreateCmd.Flags().String("reason", "", "why the checkpoint exists")
	checkpointCreateCmd.Flags().String("description", "", "human-readable description")
	checkpointCreateCmd.Flags().Int("hops", 0, "membership expansion depth from the seeds")
	checkpointCreateCmd.Flags().Duration("window", 0, "only include entities modified within this window")

	checkpointListCmd.Flags().Int("limit", 0, "maximum checkpoints to return")

	checkpointExportCmd.Flags().StringP("output", "o", "", "write to file instead of stdout")

	checkpointCmd.AddCommand(checkpointCreateCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointGetCmd)
	checkpointCmd.AddCommand(checkpointDeleteCmd)
	checkpointCmd.AddCommand(checkpointExportCmd)
	checkpointCmd.AddCommand(checkpointImportCmd)
}

func runCheckpointCreate(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")
	description, _ := cmd.Flags().GetString("description")
	hops, _ := cmd.Flags().GetInt("hops")
	window, _ := cmd.Flags().GetDuration("window")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		result, err := a.history.CreateCheckpoint(ctx, args, history.CheckpointOptions{
			Reason:      reason,
			Description: description,
			Hops:        hops,
			Window:      window,
		})
		if err != nil {
			return err
		}
		return printJSON(result)
	})
}

func runCheckpointList(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		checkpoints, err := a.history.ListCheckpoints(ctx, limit)
		if err != nil {
			return err
		}
		return printJSON(checkpoints)
	})
}

func runCheckpointGet(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		summary, err := a.history.GetCheckpointSummary(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(summary)
	})
}

func runCheckpointDelete(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.history.DeleteCheckpoint(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "deleted checkpoint %s\n", args[0])
		return nil
	})
}

func runCheckpointExport(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		data, err := a.history.ExportCheckpoint(ctx, args[0])
		if err != nil {
			return err
		}
		if output == "" {
			_, err = os.Stdout.Write(data)
			return err
		}
		return os.WriteFile(output, data, 0o644)
	})
}

func runCheckpointImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		result, err := a.history.ImportCheckpoint(ctx, data)
		if err != nil {
			return err
		}
		return printJSON(result)
	})
}
