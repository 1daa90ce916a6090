package structural

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/veridict/api/schemas"
	"github.com/xkilldash9x/veridict/internal/config"
)

// Analyzer applies the registered pattern matchers to code contexts. It only
// reports which patterns matched and where; scoring lives elsewhere so each
// matcher stays independently testable.
type Analyzer struct {
	cfg    config.AnalyzerConfig
	logger *zap.Logger
}

// New creates an Analyzer with the configured per-language pattern lists.
func New(cfg config.AnalyzerConfig, logger *zap.Logger) *Analyzer {
	return &Analyzer{
		cfg:    cfg,
		logger: logger.Named("structural"),
	}
}

// Analyze parses the context and returns the set of structural patterns
// found. Unparsable or unsupported source degrades to an empty (or partial)
// set with the Degraded flag raised; it never fails the finding.
func (a *Analyzer) Analyze(ctx context.Context, cc *schemas.CodeContext) *schemas.PatternSet {
	out := schemas.NewPatternSet()

	if cc == nil || cc.Empty || len(cc.Lines) == 0 {
		return out
	}

	cap, ok := capabilities[cc.Language]
	if !ok {
		a.logger.Warn("No structural support for language; skipping analysis",
			zap.String("language", string(cc.Language)),
			zap.String("finding_id", cc.FindingID))
		out.Degraded = true
		return out
	}

	src := []byte(cc.Snippet())
	tree, err := cap.parse(ctx, src)
	if err != nil {
		a.logger.Warn("Structural parse failed; emitting empty pattern set",
			zap.String("finding_id", cc.FindingID),
			zap.Error(err))
		out.Degraded = true
		return out
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		// Partial trees still yield useful matches; flag the degradation so
		// the explanation trail can note it.
		a.logger.Debug("Syntax errors in fragment; pattern set may be incomplete",
			zap.String("finding_id", cc.FindingID))
		out.Degraded = true
	}

	m := &matchContext{
		cap:         cap,
		src:         src,
		patterns:    a.cfg.ForLanguage(string(cc.Language)),
		lineOffset:  cc.StartLine - 1,
		findingLine: cc.FindingLine,
		out:         out,
	}

	m.collectTainted(root)
	m.matchCalls(root)
	m.matchMembers(root)
	m.matchValidation(root)

	a.logger.Debug("Structural analysis complete",
		zap.String("finding_id", cc.FindingID),
		zap.Int("patterns", out.Len()),
		zap.Bool("degraded", out.Degraded))
	return out
}
