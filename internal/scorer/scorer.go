// Package scorer fuses structural-pattern signals and similarity-derived
// signals into a bounded confidence-of-false-positive score. Scoring is pure
// and deterministic: identical inputs always produce the identical score and
// explanation trail.
package scorer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/veridict/api/schemas"
	"github.com/xkilldash9x/veridict/internal/config"
)

// Signal names recorded in the explanation trail.
const (
	SignalBaseline           = "baseline"
	SignalSeverityAdjust     = "severity-adjust"
	SignalValidation         = "pattern/validation"
	SignalSanitizer          = "pattern/sanitizer"
	SignalFrameworkGuard     = "pattern/framework-guard"
	SignalUnsafeCall         = "pattern/unsafe-call"
	SignalMissingValidation  = "pattern/missing-validation"
	SignalDispositionSafe    = "similarity/confirmed-safe"
	SignalDispositionVuln    = "similarity/confirmed-vulnerable"
	SignalPatternConsistency = "similarity/pattern-consistency"
	SignalAnalysisDegraded   = "analysis-degraded"
	SignalClamp              = "clamp"
)

// SanitizerProbe answers whether an indexed fragment itself contains
// sanitizer patterns, feeding the pattern-consistency term. Implementations
// must be deterministic for a fixed source tree.
type SanitizerProbe interface {
	HasSanitizer(ctx context.Context, ref schemas.FragmentRef) bool
}

// Scorer combines per-finding signals into a ConfidenceScore.
type Scorer struct {
	cfg    config.ScorerConfig
	floor  float64
	probe  SanitizerProbe
	logger *zap.Logger
}

// New creates a Scorer. probe may be nil, in which case the
// pattern-consistency term is skipped.
func New(cfg config.ScorerConfig, idx config.IndexConfig, probe SanitizerProbe, logger *zap.Logger) *Scorer {
	return &Scorer{
		cfg:    cfg,
		floor:  idx.SimilarityFloor,
		probe:  probe,
		logger: logger.Named("scorer"),
	}
}

// Score computes the confidence-of-false-positive for one finding. extra
// carries zero-contribution annotation signals from upstream stages (e.g.
// source-unavailable, similarity-unavailable); they are appended to the
// trail verbatim.
func (s *Scorer) Score(
	ctx context.Context,
	finding schemas.Finding,
	patterns *schemas.PatternSet,
	matches []schemas.SimilarityMatch,
	extra ...schemas.SignalContribution,
) schemas.ConfidenceScore {
	score := schemas.ConfidenceScore{FindingID: finding.ID}
	add := func(signal string, contribution float64, note string) {
		if contribution == 0 && note == "" {
			return
		}
		score.Signals = append(score.Signals, schemas.SignalContribution{
			Signal:       signal,
			Contribution: contribution,
			Note:         note,
		})
	}

	// 1. Severity-derived baseline: the scorer estimates "likely benign", so
	// higher raw severity starts lower.
	total := s.cfg.Baseline
	add(SignalBaseline, s.cfg.Baseline, "")
	if offset := s.severityOffset(finding.Severity); offset != 0 {
		total += offset
		add(SignalSeverityAdjust, offset, finding.Severity.String())
	}

	// 2. Structural patterns, each distinct tag exactly once.
	total += s.applyPatterns(patterns, add)

	// 3. Similarity-derived signals.
	total += s.applySimilarity(ctx, patterns, matches, add)

	// 4. Annotations from upstream degradation.
	if patterns != nil && patterns.Degraded {
		add(SignalAnalysisDegraded, 0, "structural analysis incomplete")
	}
	for _, sig := range extra {
		score.Signals = append(score.Signals, sig)
	}

	// 5. Clamp, recording the correction so contributions still sum to the
	// final value.
	clamped := clamp01(total)
	if clamped != total {
		add(SignalClamp, clamped-total, fmt.Sprintf("sum %.3f clamped", total))
	}
	score.Value = clamped

	s.logger.Debug("Scored finding",
		zap.String("finding_id", finding.ID),
		zap.Float64("score", score.Value),
		zap.Int("signals", len(score.Signals)))
	return score
}

// applyPatterns contributes the configured weight once per distinct tag
// present; duplicate tags from different ranges do not double-count.
func (s *Scorer) applyPatterns(patterns *schemas.PatternSet, add func(string, float64, string)) float64 {
	w := s.cfg.Weights
	var total float64

	firstRule := func(tag schemas.PatternTag) string {
		for _, p := range patterns.Patterns() {
			if p.Tag == tag {
				return p.Rule
			}
		}
		return ""
	}

	if patterns.HasTag(schemas.PatternValidation) {
		total += w.Validation
		add(SignalValidation, w.Validation, firstRule(schemas.PatternValidation))
	}
	if patterns.HasTag(schemas.PatternSanitizer) {
		total += w.Sanitizer
		add(SignalSanitizer, w.Sanitizer, firstRule(schemas.PatternSanitizer))
	}
	if patterns.HasTag(schemas.PatternFrameworkGuard) {
		total += w.FrameworkGuard
		add(SignalFrameworkGuard, w.FrameworkGuard, firstRule(schemas.PatternFrameworkGuard))
	}
	if patterns.HasTag(schemas.PatternUnsafeCall) {
		total += w.UnsafeCall
		add(SignalUnsafeCall, w.UnsafeCall, firstRule(schemas.PatternUnsafeCall))

		// No validation or sanitization on a path that reaches an unsafe
		// call is itself a signal.
		if !patterns.HasTag(schemas.PatternValidation) && !patterns.HasTag(schemas.PatternSanitizer) {
			total += w.MissingValidation
			add(SignalMissingValidation, w.MissingValidation, "no guard before unsafe call")
		}
	}
	return total
}

// applySimilarity folds disposition-labeled neighbors and the
// pattern-consistency term into the score. Only matches at or above the
// similarity floor carry weight.
func (s *Scorer) applySimilarity(
	ctx context.Context,
	patterns *schemas.PatternSet,
	matches []schemas.SimilarityMatch,
	add func(string, float64, string),
) float64 {
	var eligible []schemas.SimilarityMatch
	for _, m := range matches {
		if m.Similarity >= s.floor && m.Vector != nil {
			eligible = append(eligible, m)
		}
	}
	if len(eligible) == 0 {
		return 0
	}

	w := s.cfg.Weights
	var total float64

	// Similarity-weighted disposition fractions, each bounded by the
	// configured maximum.
	var safeW, vulnW, allW float64
	for _, m := range eligible {
		allW += m.Similarity
		switch m.Vector.Disposition {
		case schemas.DispositionSafe:
			safeW += m.Similarity
		case schemas.DispositionVulnerable:
			vulnW += m.Similarity
		}
	}
	if allW > 0 {
		if safeW > 0 {
			c := w.DispositionMax * (safeW / allW)
			total += c
			add(SignalDispositionSafe, c, fmt.Sprintf("%d labeled neighbors", len(eligible)))
		}
		if vulnW > 0 {
			c := -w.DispositionMax * (vulnW / allW)
			total += c
			add(SignalDispositionVuln, c, fmt.Sprintf("%d labeled neighbors", len(eligible)))
		}
	}

	// Pattern consistency: sanitizer patterns here that also appear in the
	// majority of retrieved neighbors add up to the configured bonus.
	if s.probe != nil && patterns.HasTag(schemas.PatternSanitizer) {
		withSanitizer := 0
		for _, m := range eligible {
			if s.probe.HasSanitizer(ctx, m.Vector.Fragment) {
				withSanitizer++
			}
		}
		if withSanitizer*2 > len(eligible) {
			frac := float64(withSanitizer) / float64(len(eligible))
			c := w.PatternConsistency * frac
			total += c
			add(SignalPatternConsistency, c,
				fmt.Sprintf("sanitizer present in %d/%d neighbors", withSanitizer, len(eligible)))
		}
	}
	return total
}

// severityOffset shifts the baseline by raw severity. The offsets are
// configuration like every other weight.
func (s *Scorer) severityOffset(sev schemas.Severity) float64 {
	o := s.cfg.SeverityOffsets
	switch sev {
	case schemas.SeverityCritical:
		return o.Critical
	case schemas.SeverityHigh:
		return o.High
	case schemas.SeverityLow:
		return o.Low
	case schemas.SeverityInfo:
		return o.Info
	default:
		return o.Medium
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
