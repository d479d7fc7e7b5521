package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"codegraph-backend/internal/pipeline"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <path>...",
	Short: "Ingest files or directories into the graph",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIngest,
}

func init() {
	ingestCmd.Flags().Bool("skip-embeddings", false, "skip the embedding stage")
	ingestCmd.Flags().Bool("progress", true, "print per-file progress")
}

func runIngest(cmd *cobra.Command, args []string) error {
	skipEmbeddings, _ := cmd.Flags().GetBool("skip-embeddings")
	showProgress, _ := cmd.Flags().GetBool("progress")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		if skipEmbeddings {
			a.cfg.Pipeline.SkipEmbeddings = true
			a.ingest = pipeline.New(a.cfg.Pipeline, a.entities, a.relationships,
				a.vectors, a.bus, a.metrics, a.logger, pipeline.Options{})
		}
		a.ingest.Start()
		defer a.ingest.Stop(context.Background())

		var progress pipeline.ProgressFunc
		if showProgress {
			progress = func(done, total int, path string) {
				fmt.Fprintf(os.Stderr, "[%d/%d] %s\n", done, total, path)
			}
		}

		for _, path := range args {
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			if info.IsDir() {
				if err := a.ingest.ProcessDirectory(ctx, path, progress); err != nil {
					return err
				}
			} else {
				if err := a.ingest.ProcessFile(ctx, path, ""); err != nil {
					return err
				}
			}
		}
		if err := a.ingest.Flush(ctx); err != nil {
			return err
		}
		return printJSON(a.ingest.Stats())
	})
}
