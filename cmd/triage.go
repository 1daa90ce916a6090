package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/veridict/api/schemas"
	"github.com/xkilldash9x/veridict/internal/analysis/structural"
	"github.com/xkilldash9x/veridict/internal/classify"
	"github.com/xkilldash9x/veridict/internal/embed"
	"github.com/xkilldash9x/veridict/internal/engine"
	"github.com/xkilldash9x/veridict/internal/extract"
	"github.com/xkilldash9x/veridict/internal/index"
	"github.com/xkilldash9x/veridict/internal/ingest"
	"github.com/xkilldash9x/veridict/internal/observability"
	"github.com/xkilldash9x/veridict/internal/reporting"
	"github.com/xkilldash9x/veridict/internal/scorer"
	"github.com/xkilldash9x/veridict/internal/store"
)

// newTriageCmd creates and configures the `triage` command.
func newTriageCmd() *cobra.Command {
	triageCmd := &cobra.Command{
		Use:   "triage <findings.sarif>",
		Short: "Triage a batch of static-analysis findings against a source tree",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags so command-line values override file and env config.
			if err := viper.BindPFlag("engine.concurrency", cmd.Flags().Lookup("concurrency")); err != nil {
				return err
			}
			if err := viper.BindPFlag("engine.index_failure_policy", cmd.Flags().Lookup("index-failure-policy")); err != nil {
				return err
			}
			if err := viper.BindPFlag("extract.window_lines", cmd.Flags().Lookup("window-lines")); err != nil {
				return err
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// Flag overrides were bound in PreRunE, after the config was
			// loaded; re-apply the engine-level ones explicitly. The zero
			// values mean "keep config", matching the flag help text.
			if n := viper.GetInt("engine.concurrency"); n > 0 {
				appCfg.SetEngineConcurrency(n)
			}
			if p := viper.GetString("engine.index_failure_policy"); p != "" {
				appCfg.SetEngineIndexFailurePolicy(p)
			}
			if n := viper.GetInt("extract.window_lines"); n > 0 {
				appCfg.SetExtractWindowLines(n)
			}

			sourceRoot, err := cmd.Flags().GetString("source-root")
			if err != nil {
				return err
			}
			outputPath, _ := cmd.Flags().GetString("output")
			format, _ := cmd.Flags().GetString("format")

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read findings file: %w", err)
			}
			findings, err := ingest.New(logger).Ingest(raw)
			if err != nil {
				return fmt.Errorf("ingestion failed: %w", err)
			}
			logger.Info("Ingested findings", zap.Int("count", len(findings)))

			// Similarity backing: in-memory index, hydrated from the store
			// when persistence is enabled.
			ix := index.New(logger)
			var verdictStore schemas.VerdictStore
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
				verdictStore = st
				logger.Info("Hydrated similarity index", zap.Int("vectors", ix.Len()))
			}

			var embedder schemas.Embedder
			if appCfg.Embedding().APIKey != "" {
				embedder, err = embed.NewGeminiEmbedder(ctx, appCfg.Embedding(), logger)
				if err != nil {
					return fmt.Errorf("failed to create embedder: %w", err)
				}
			} else {
				logger.Warn("No embedding API key configured; similarity signals disabled")
			}

			probe := engine.NewFragmentProbe(sourceRoot, appCfg.Analyzer(), appCfg.Extract().MaxFileSize, logger)
			eng := engine.New(
				appCfg,
				sourceRoot,
				extract.New(sourceRoot, appCfg.Extract(), logger),
				structural.New(appCfg.Analyzer(), logger),
				embedder,
				ix,
				scorer.New(appCfg.Scorer(), appCfg.Index(), probe, logger),
				classify.New(appCfg.Classifier()),
				logger,
			)

			report, err := eng.Triage(ctx, findings)
			if err != nil {
				return err
			}

			if verdictStore != nil {
				if err := verdictStore.SaveVerdicts(ctx, report); err != nil {
					// Persistence failure should not discard the report.
					logger.Error("Failed to persist verdicts", zap.Error(err))
				}
			}

			reporter, err := reporting.New(format, outputPath)
			if err != nil {
				return err
			}
			defer reporter.Close()
			return reporter.Write(report)
		},
	}

	triageCmd.Flags().String("source-root", ".", "root of the source tree the findings reference")
	triageCmd.Flags().StringP("output", "o", "", "output path (default stdout)")
	triageCmd.Flags().StringP("format", "f", "json", "output format: json or text")
	triageCmd.Flags().Int("concurrency", 0, "concurrent findings in flight (0 uses config)")
	triageCmd.Flags().String("index-failure-policy", "", "degrade or fail when similarity retrieval is unavailable")
	triageCmd.Flags().Int("window-lines", 0, "context lines above and below a finding (0 uses config)")

	return triageCmd
}

func init() {
	rootCmd.AddCommand(newTriageCmd())
}
