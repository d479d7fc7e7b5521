package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"codegraph-backend/internal/analysis"
	"codegraph-backend/internal/domain"
	"codegraph-backend/internal/search"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the graph structurally, semantically, or hybrid",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().String("strategy", "", "structural | semantic | hybrid (default: auto)")
	searchCmd.Flags().Int("limit", 0, "maximum results")
	searchCmd.Flags().Bool("fuzzy", false, "fuzzy name matching")
	searchCmd.Flags().StringToString("filter", nil, "filters, e.g. --filter type=function,language=go")
	searchCmd.Flags().Float64("min-score", 0, "minimum score")
}

func runSearch(cmd *cobra.Command, args []string) error {
	strategy, _ := cmd.Flags().GetString("strategy")
	limit, _ := cmd.Flags().GetInt("limit")
	fuzzy, _ := cmd.Flags().GetBool("fuzzy")
	filter, _ := cmd.Flags().GetStringToString("filter")
	minScore, _ := cmd.Flags().GetFloat64("min-score")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		results, err := a.search.Search(ctx, search.Request{
			Query:    args[0],
			Strategy: search.Strategy(strategy),
			Limit:    limit,
			Fuzzy:    fuzzy,
			Filter:   filter,
			MinScore: minScore,
		})
		if err != nil {
			return err
		}
		return printJSON(results)
	})
}

var impactCmd = &cobra.Command{
	Use:   "impact <entity-id>",
	Short: "Report what transitively depends on an entity",
	Args:  cobra.ExactArgs(1),
	RunE:  runImpact,
}

func init() {
	impactCmd.Flags().Int("depth", 0, "maximum traversal depth")
	impactCmd.Flags().String("types", "", "comma-separated relationship types")
}

func runImpact(cmd *cobra.Command, args []string) error {
	depth, _ := cmd.Flags().GetInt("depth")
	rawTypes, _ := cmd.Flags().GetString("types")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		var types []domain.RelationshipType
		if rawTypes != "" {
			for _, t := range strings.Split(rawTypes, ",") {
				types = append(types, domain.RelationshipType(strings.TrimSpace(t)))
			}
		}
		report, err := a.analysis.AnalyzeImpact(ctx, args[0], analysis.ImpactOptions{
			MaxDepth: depth,
			Types:    types,
		})
		if err != nil {
			return err
		}
		return printJSON(report)
	})
}
