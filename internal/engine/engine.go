// Package engine orchestrates the triage pipeline: context extraction,
// structural analysis, similarity retrieval, scoring and classification for
// a batch of findings. Findings are processed concurrently; verdict order in
// the report always matches input order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/veridict/api/schemas"
	"github.com/xkilldash9x/veridict/internal/analysis/structural"
	"github.com/xkilldash9x/veridict/internal/classify"
	"github.com/xkilldash9x/veridict/internal/config"
	"github.com/xkilldash9x/veridict/internal/extract"
	"github.com/xkilldash9x/veridict/internal/index"
	"github.com/xkilldash9x/veridict/internal/scorer"
)

// Annotation signal names the engine attaches to degraded verdicts.
const (
	SignalSourceUnavailable     = "source-unavailable"
	SignalSimilarityUnavailable = "similarity-unavailable"
)

// Engine runs the full triage pipeline over ingested findings.
type Engine struct {
	cfg        config.Interface
	sourceRoot string

	extractor  *extract.Extractor
	analyzer   *structural.Analyzer
	embedder   schemas.Embedder // nil disables similarity signals
	searcher   schemas.SimilaritySearcher
	scorer     *scorer.Scorer
	classifier *classify.Classifier
	logger     *zap.Logger
}

// New assembles an engine from its stages. embedder may be nil, in which
// case every verdict carries a similarity-unavailable annotation.
func New(
	cfg config.Interface,
	sourceRoot string,
	extractor *extract.Extractor,
	analyzer *structural.Analyzer,
	embedder schemas.Embedder,
	searcher schemas.SimilaritySearcher,
	sc *scorer.Scorer,
	classifier *classify.Classifier,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		cfg:        cfg,
		sourceRoot: sourceRoot,
		extractor:  extractor,
		analyzer:   analyzer,
		embedder:   embedder,
		searcher:   searcher,
		scorer:     sc,
		classifier: classifier,
		logger:     logger.Named("engine"),
	}
}

// Triage processes a batch and returns the report. A per-finding failure
// degrades that finding's verdict; the batch as a whole fails only on
// context cancellation, or on index unavailability under the "fail" policy.
func (e *Engine) Triage(ctx context.Context, findings []schemas.Finding) (*schemas.TriageReport, error) {
	engCfg := e.cfg.Engine()
	// SetLimit(0) would block every task forever; a non-positive bound can
	// only come from a setter bypassing Config.Validate.
	if engCfg.Concurrency <= 0 {
		return nil, fmt.Errorf("engine.concurrency must be positive, got %d", engCfg.Concurrency)
	}
	runID := uuid.NewString()
	startedAt := time.Now().UTC()

	e.logger.Info("Starting triage run",
		zap.String("run_id", runID),
		zap.Int("findings", len(findings)),
		zap.Int("concurrency", engCfg.Concurrency))

	verdicts := make([]schemas.TriageVerdict, len(findings))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(engCfg.Concurrency)
	for i, finding := range findings {
		g.Go(func() error {
			taskCtx := gctx
			if engCfg.TaskTimeout > 0 {
				var cancel context.CancelFunc
				taskCtx, cancel = context.WithTimeout(gctx, engCfg.TaskTimeout)
				defer cancel()
			}
			verdict, err := e.triageOne(taskCtx, finding, runID)
			if err != nil {
				return err
			}
			verdicts[i] = verdict
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("triage run %s failed: %w", runID, err)
	}

	report := &schemas.TriageReport{
		RunID:      runID,
		SourceRoot: e.sourceRoot,
		StartedAt:  startedAt,
		FinishedAt: time.Now().UTC(),
		Verdicts:   verdicts,
		Summary:    summarize(verdicts),
	}
	e.logger.Info("Triage run complete",
		zap.String("run_id", runID),
		zap.Any("summary", report.Summary))
	return report, nil
}

// triageOne runs the pipeline for a single finding.
func (e *Engine) triageOne(ctx context.Context, finding schemas.Finding, runID string) (schemas.TriageVerdict, error) {
	var extras []schemas.SignalContribution

	cc, err := e.extractor.Extract(ctx, finding)
	if err != nil {
		var unavailable *extract.SourceUnavailableError
		if !errors.As(err, &unavailable) {
			if ctx.Err() != nil {
				return schemas.TriageVerdict{}, ctx.Err()
			}
			unavailable = &extract.SourceUnavailableError{
				FindingID: finding.ID,
				Path:      finding.Location.File,
				Reason:    err.Error(),
			}
		}
		e.logger.Warn("Source unavailable; scoring degraded",
			zap.String("finding_id", finding.ID),
			zap.String("file", unavailable.Path),
			zap.String("reason", unavailable.Reason))
		cc = extract.EmptyContext(finding)
		extras = append(extras, schemas.SignalContribution{
			Signal: SignalSourceUnavailable,
			Note:   unavailable.Reason,
		})
	}

	patterns := e.analyzer.Analyze(ctx, cc)

	var matches []schemas.SimilarityMatch
	if e.embedder == nil || e.searcher == nil {
		extras = append(extras, schemas.SignalContribution{
			Signal: SignalSimilarityUnavailable,
			Note:   "similarity retrieval disabled",
		})
	} else {
		var simErr error
		matches, simErr = e.similar(ctx, cc)
		if simErr != nil {
			if ctx.Err() != nil {
				return schemas.TriageVerdict{}, ctx.Err()
			}
			if e.cfg.Engine().IndexFailurePolicy == config.IndexFailurePolicyFail {
				return schemas.TriageVerdict{}, &index.IndexUnavailableError{
					Reason: "similarity retrieval failed",
					Err:    simErr,
				}
			}
			e.logger.Warn("Similarity retrieval degraded",
				zap.String("finding_id", finding.ID),
				zap.Error(simErr))
			matches = nil
			extras = append(extras, schemas.SignalContribution{
				Signal: SignalSimilarityUnavailable,
				Note:   simErr.Error(),
			})
		}
	}

	score := e.scorer.Score(ctx, finding, patterns, matches, extras...)
	return e.classifier.Classify(finding, score, runID, time.Now().UTC()), nil
}

// similar embeds the context window and queries the index. An empty context
// yields no matches and no error: there is nothing to retrieve with, which
// is degradation the caller already knows about.
func (e *Engine) similar(ctx context.Context, cc *schemas.CodeContext) ([]schemas.SimilarityMatch, error) {
	if cc.Empty || len(cc.Lines) == 0 {
		return nil, nil
	}
	vector, err := e.embedder.Embed(ctx, cc.Snippet())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("embedding query fragment: %w", err)
	}
	return e.searcher.Query(vector, e.cfg.Index().TopK), nil
}

func summarize(verdicts []schemas.TriageVerdict) map[string]int {
	summary := map[string]int{
		string(schemas.ClassLikelyTruePositive):  0,
		string(schemas.ClassLikelyFalsePositive): 0,
		string(schemas.ClassNeedsManualReview):   0,
	}
	for _, v := range verdicts {
		summary[string(v.Classification)]++
	}
	return summary
}
