package scorer_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/veridict/api/schemas"
	"github.com/xkilldash9x/veridict/internal/config"
	"github.com/xkilldash9x/veridict/internal/scorer"
)

// stubProbe answers HasSanitizer from a fixed set of content hashes.
type stubProbe struct {
	sanitized map[string]bool
}

func (p *stubProbe) HasSanitizer(_ context.Context, ref schemas.FragmentRef) bool {
	return p.sanitized[ref.ContentHash]
}

func newTestScorer(t *testing.T, probe scorer.SanitizerProbe) *scorer.Scorer {
	t.Helper()
	cfg := config.NewDefaultConfig()
	return scorer.New(cfg.Scorer(), cfg.Index(), probe, zap.NewNop())
}

func mediumFinding(id string) schemas.Finding {
	return schemas.Finding{
		ID:       id,
		RuleID:   "go.sql.injection",
		Severity: schemas.SeverityMedium,
		Location: schemas.SourceLocation{File: "db/query.go", StartLine: 42, StartColumn: 3},
	}
}

func patternsWith(tags ...schemas.PatternTag) *schemas.PatternSet {
	set := schemas.NewPatternSet()
	for i, tag := range tags {
		set.Add(schemas.ASTPattern{
			Tag:   tag,
			Range: schemas.LineRange{Start: 40 + i, End: 44 + i},
			Rule:  "test/" + string(tag),
		})
	}
	return set
}

func match(sim float64, disposition schemas.Disposition, hash string) schemas.SimilarityMatch {
	return schemas.SimilarityMatch{
		Vector: &schemas.EmbeddingVector{
			FragmentID:  hash,
			Fragment:    schemas.FragmentRef{File: "lib/neighbor.go", StartLine: 1, EndLine: 10, ContentHash: hash},
			Disposition: disposition,
		},
		Similarity: sim,
	}
}

func TestScore_UnsafeCallWithoutGuards(t *testing.T) {
	s := newTestScorer(t, nil)

	score := s.Score(context.Background(), mediumFinding("f-1"),
		patternsWith(schemas.PatternUnsafeCall), nil)

	// baseline 0.5, unsafe -0.3, missing validation -0.2
	assert.InDelta(t, 0.0, score.Value, 1e-9)

	names := signalNames(score)
	assert.Contains(t, names, scorer.SignalUnsafeCall)
	assert.Contains(t, names, scorer.SignalMissingValidation)
}

func TestScore_AllPositiveSignalsClampToOne(t *testing.T) {
	s := newTestScorer(t, nil)

	score := s.Score(context.Background(), mediumFinding("f-2"),
		patternsWith(schemas.PatternValidation, schemas.PatternSanitizer, schemas.PatternFrameworkGuard), nil)

	// 0.5 + 0.3 + 0.2 + 0.2 = 1.2, clamped.
	assert.Equal(t, 1.0, score.Value)
	assert.Contains(t, signalNames(score), scorer.SignalClamp)
}

func TestScore_SignalsSumToValue(t *testing.T) {
	s := newTestScorer(t, nil)

	cases := []struct {
		name     string
		finding  schemas.Finding
		patterns *schemas.PatternSet
		matches  []schemas.SimilarityMatch
	}{
		{"empty", mediumFinding("a"), schemas.NewPatternSet(), nil},
		{"unsafe", mediumFinding("b"), patternsWith(schemas.PatternUnsafeCall), nil},
		{
			"guarded with neighbors",
			schemas.Finding{ID: "c", Severity: schemas.SeverityHigh},
			patternsWith(schemas.PatternValidation, schemas.PatternSanitizer),
			[]schemas.SimilarityMatch{
				match(0.9, schemas.DispositionSafe, "h1"),
				match(0.8, schemas.DispositionVulnerable, "h2"),
				match(0.5, schemas.DispositionSafe, "h3"), // below floor
			},
		},
		{
			"clamped high",
			schemas.Finding{ID: "d", Severity: schemas.SeverityInfo},
			patternsWith(schemas.PatternValidation, schemas.PatternSanitizer, schemas.PatternFrameworkGuard),
			[]schemas.SimilarityMatch{match(0.95, schemas.DispositionSafe, "h4")},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			score := s.Score(context.Background(), tc.finding, tc.patterns, tc.matches)

			var sum float64
			for _, sig := range score.Signals {
				sum += sig.Contribution
			}
			assert.InDelta(t, score.Value, sum, 1e-9, "contributions must sum to the final value")
			assert.GreaterOrEqual(t, score.Value, 0.0)
			assert.LessOrEqual(t, score.Value, 1.0)
		})
	}
}

func TestScore_SeverityShiftsBaseline(t *testing.T) {
	s := newTestScorer(t, nil)
	empty := schemas.NewPatternSet()

	cases := []struct {
		severity schemas.Severity
		want     float64
	}{
		{schemas.SeverityCritical, 0.40},
		{schemas.SeverityHigh, 0.45},
		{schemas.SeverityMedium, 0.50},
		{schemas.SeverityLow, 0.55},
		{schemas.SeverityInfo, 0.60},
		{schemas.SeverityUnknown, 0.50},
	}
	for _, tc := range cases {
		t.Run(tc.severity.String(), func(t *testing.T) {
			f := mediumFinding("sev")
			f.Severity = tc.severity
			score := s.Score(context.Background(), f, empty, nil)
			assert.InDelta(t, tc.want, score.Value, 1e-9)
		})
	}
}

func TestScore_SeverityOffsetsConfigurable(t *testing.T) {
	cfg := config.NewDefaultConfig()
	scorerCfg := cfg.Scorer()
	scorerCfg.SeverityOffsets = config.SeverityOffsets{
		Critical: -0.25,
		High:     -0.15,
		Medium:   0.02,
		Low:      0.15,
		Info:     0.25,
	}
	s := scorer.New(scorerCfg, cfg.Index(), nil, zap.NewNop())
	empty := schemas.NewPatternSet()

	cases := []struct {
		severity schemas.Severity
		want     float64
	}{
		{schemas.SeverityCritical, 0.25},
		{schemas.SeverityHigh, 0.35},
		{schemas.SeverityMedium, 0.52},
		{schemas.SeverityLow, 0.65},
		{schemas.SeverityInfo, 0.75},
	}
	for _, tc := range cases {
		t.Run(tc.severity.String(), func(t *testing.T) {
			f := mediumFinding("sev-cfg")
			f.Severity = tc.severity
			score := s.Score(context.Background(), f, empty, nil)
			assert.InDelta(t, tc.want, score.Value, 1e-9)
		})
	}
}

func TestScore_DispositionNeighbors(t *testing.T) {
	s := newTestScorer(t, nil)

	// Equal similarity, opposite labels: the disposition terms cancel.
	score := s.Score(context.Background(), mediumFinding("f-3"), schemas.NewPatternSet(),
		[]schemas.SimilarityMatch{
			match(0.8, schemas.DispositionSafe, "h1"),
			match(0.8, schemas.DispositionVulnerable, "h2"),
		})
	assert.InDelta(t, 0.5, score.Value, 1e-9)

	names := signalNames(score)
	assert.Contains(t, names, scorer.SignalDispositionSafe)
	assert.Contains(t, names, scorer.SignalDispositionVuln)

	// All neighbors below the floor contribute nothing.
	score = s.Score(context.Background(), mediumFinding("f-4"), schemas.NewPatternSet(),
		[]schemas.SimilarityMatch{
			match(0.5, schemas.DispositionSafe, "h1"),
			match(0.6, schemas.DispositionVulnerable, "h2"),
		})
	assert.InDelta(t, 0.5, score.Value, 1e-9)
	assert.NotContains(t, signalNames(score), scorer.SignalDispositionSafe)
}

func TestScore_PatternConsistency(t *testing.T) {
	probe := &stubProbe{sanitized: map[string]bool{"h1": true, "h2": true}}
	s := newTestScorer(t, probe)

	score := s.Score(context.Background(), mediumFinding("f-5"),
		patternsWith(schemas.PatternSanitizer),
		[]schemas.SimilarityMatch{
			match(0.9, schemas.DispositionUnlabeled, "h1"),
			match(0.85, schemas.DispositionUnlabeled, "h2"),
			match(0.8, schemas.DispositionUnlabeled, "h3"),
		})

	// 0.5 + sanitizer 0.2 + consistency 0.1 * (2/3)
	assert.InDelta(t, 0.5+0.2+0.1*2.0/3.0, score.Value, 1e-9)
	assert.Contains(t, signalNames(score), scorer.SignalPatternConsistency)

	// A sanitizer in only a minority of neighbors earns no bonus.
	probe.sanitized = map[string]bool{"h1": true}
	score = s.Score(context.Background(), mediumFinding("f-6"),
		patternsWith(schemas.PatternSanitizer),
		[]schemas.SimilarityMatch{
			match(0.9, schemas.DispositionUnlabeled, "h1"),
			match(0.85, schemas.DispositionUnlabeled, "h2"),
			match(0.8, schemas.DispositionUnlabeled, "h3"),
		})
	assert.NotContains(t, signalNames(score), scorer.SignalPatternConsistency)
}

func TestScore_ExtraAnnotationsAppended(t *testing.T) {
	s := newTestScorer(t, nil)

	score := s.Score(context.Background(), mediumFinding("f-7"), schemas.NewPatternSet(), nil,
		schemas.SignalContribution{Signal: "source-unavailable", Note: "file deleted"})

	require.NotEmpty(t, score.Signals)
	last := score.Signals[len(score.Signals)-1]
	assert.Equal(t, "source-unavailable", last.Signal)
	assert.Zero(t, last.Contribution)
	assert.InDelta(t, 0.5, score.Value, 1e-9)
}

func TestScore_Deterministic(t *testing.T) {
	probe := &stubProbe{sanitized: map[string]bool{"h1": true}}
	s := newTestScorer(t, probe)

	finding := mediumFinding("f-8")
	patterns := patternsWith(schemas.PatternSanitizer, schemas.PatternUnsafeCall)
	matches := []schemas.SimilarityMatch{
		match(0.9, schemas.DispositionSafe, "h1"),
		match(0.8, schemas.DispositionVulnerable, "h2"),
	}

	first := s.Score(context.Background(), finding, patterns, matches)
	second := s.Score(context.Background(), finding, patterns, matches)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("scores differ between identical runs (-first +second):\n%s", diff)
	}
}

func TestScore_DegradedAnnotation(t *testing.T) {
	s := newTestScorer(t, nil)

	patterns := schemas.NewPatternSet()
	patterns.Degraded = true
	score := s.Score(context.Background(), mediumFinding("f-9"), patterns, nil)

	assert.Contains(t, signalNames(score), scorer.SignalAnalysisDegraded)
	assert.InDelta(t, 0.5, score.Value, 1e-9)
}

func signalNames(score schemas.ConfidenceScore) []string {
	names := make([]string, 0, len(score.Signals))
	for _, sig := range score.Signals {
		names = append(names, sig.Signal)
	}
	return names
}
