package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/veridict/api/schemas"
	"github.com/xkilldash9x/veridict/internal/embed"
	"github.com/xkilldash9x/veridict/internal/index"
	"github.com/xkilldash9x/veridict/internal/observability"
	"github.com/xkilldash9x/veridict/internal/store"
)

// newIndexCmd groups the similarity-index maintenance commands.
func newIndexCmd() *cobra.Command {
	indexCmd := &cobra.Command{
		Use:   "index",
		Short: "Maintain the code-similarity index",
	}
	indexCmd.AddCommand(newIndexBuildCmd(), newIndexLabelCmd(), newIndexTrendsCmd())
	return indexCmd
}

// newIndexBuildCmd creates the `index build` command: harvest fragments from
// a source tree, embed the new ones, and persist the result.
func newIndexBuildCmd() *cobra.Command {
	buildCmd := &cobra.Command{
		Use:   "build",
		Short: "Harvest and embed code fragments from a source tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			sourceRoot, _ := cmd.Flags().GetString("source-root")
			sinceCommit, _ := cmd.Flags().GetString("since-commit")

			if appCfg.Embedding().APIKey == "" {
				return fmt.Errorf("embedding API key is required to build the index (set VERIDICT_EMBEDDING_API_KEY)")
			}
			embedder, err := embed.NewGeminiEmbedder(ctx, appCfg.Embedding(), logger)
			if err != nil {
				return fmt.Errorf("failed to create embedder: %w", err)
			}

			ix := index.New(logger)
			var vectorStore schemas.VectorStore
			if appCfg.Store().Enabled {
				st, err := store.Connect(ctx, appCfg.Store().Postgres, logger)
				if err != nil {
					return fmt.Errorf("failed to connect to store: %w", err)
				}
				vectors, err := st.LoadVectors(ctx)
				if err != nil {
					return fmt.Errorf("failed to load vectors: %w", err)
				}
				ix.Load(vectors)
				vectorStore = st
			}

			harvester := embed.NewHarvester(sourceRoot, appCfg.Extract().MaxFileSize, logger)
			reembedder := embed.NewReembedder(
				sourceRoot, harvester, embedder, ix, vectorStore,
				appCfg.Embedding().RateLimitPerSec, logger,
			)
			stats, err := reembedder.Run(ctx, sinceCommit)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(),
				"Indexed %d fragment(s): %d embedded, %d reused, %d removed (commit %s)\n",
				stats.Harvested, stats.Embedded, stats.Reused, stats.Removed, stats.Commit)
			if vectorStore == nil {
				logger.Warn("Store disabled; index contents were not persisted")
			}
			return nil
		},
	}
	buildCmd.Flags().String("source-root", ".", "root of the source tree to harvest")
	buildCmd.Flags().String("since-commit", "", "only re-harvest paths changed since this commit")
	return buildCmd
}

// newIndexLabelCmd creates the `index label` command: attach an analyst
// disposition to an indexed fragment.
func newIndexLabelCmd() *cobra.Command {
	labelCmd := &cobra.Command{
		Use:   "label <fragment-id>",
		Short: "Record a review disposition for an indexed fragment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			raw, _ := cmd.Flags().GetString("disposition")
			var disposition schemas.Disposition
			switch schemas.Disposition(raw) {
			case schemas.DispositionSafe, schemas.DispositionVulnerable, schemas.DispositionUnlabeled:
				disposition = schemas.Disposition(raw)
			default:
				return fmt.Errorf("invalid disposition %q: want %s, %s or %s",
					raw, schemas.DispositionSafe, schemas.DispositionVulnerable, schemas.DispositionUnlabeled)
			}

			if !appCfg.Store().Enabled {
				return fmt.Errorf("labeling requires the store to be enabled")
			}
			st, err := store.Connect(ctx, appCfg.Store().Postgres, logger)
			if err != nil {
				return fmt.Errorf("failed to connect to store: %w", err)
			}
			if err := st.SetDisposition(ctx, args[0], disposition); err != nil {
				return err
			}
			logger.Info("Disposition recorded",
				zap.String("fragment_id", args[0]),
				zap.String("disposition", string(disposition)))
			return nil
		},
	}
	labelCmd.Flags().StringP("disposition", "d", string(schemas.DispositionSafe),
		"disposition to record: confirmed-safe, confirmed-vulnerable or unlabeled")
	return labelCmd
}

// newIndexTrendsCmd creates the `index trends` command: per-rule verdict
// aggregates over past runs.
func newIndexTrendsCmd() *cobra.Command {
	trendsCmd := &cobra.Command{
		Use:   "trends",
		Short: "Show per-rule classification trends across past runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			window, _ := cmd.Flags().GetDuration("window")

			if !appCfg.Store().Enabled {
				return fmt.Errorf("trend reporting requires the store to be enabled")
			}
			st, err := store.Connect(ctx, appCfg.Store().Postgres, logger)
			if err != nil {
				return fmt.Errorf("failed to connect to store: %w", err)
			}
			trends, err := st.GetRuleTrends(ctx, time.Now().Add(-window))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-40s %8s %8s %8s %8s\n", "RULE", "TOTAL", "TRUE", "FALSE", "MANUAL")
			for _, t := range trends {
				fmt.Fprintf(out, "%-40s %8d %8d %8d %8d\n",
					t.RuleID, t.Total, t.TruePositive, t.FalsePositive, t.ManualReview)
			}
			return nil
		},
	}
	trendsCmd.Flags().Duration("window", 30*24*time.Hour, "trailing window to aggregate over")
	return trendsCmd
}

func init() {
	rootCmd.AddCommand(newIndexCmd())
}
