package engine_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/veridict/api/schemas"
	"github.com/xkilldash9x/veridict/internal/analysis/structural"
	"github.com/xkilldash9x/veridict/internal/classify"
	"github.com/xkilldash9x/veridict/internal/config"
	"github.com/xkilldash9x/veridict/internal/engine"
	"github.com/xkilldash9x/veridict/internal/extract"
	"github.com/xkilldash9x/veridict/internal/index"
	"github.com/xkilldash9x/veridict/internal/scorer"
)

// fakeEmbedder returns a fixed vector, or an error, for every fragment.
type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float32, len(f.vec))
	copy(out, f.vec)
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return len(f.vec) }

type harness struct {
	cfg config.Interface
	eng *engine.Engine
	ix  *index.Index
}

func newHarness(t *testing.T, root string, embedder schemas.Embedder) *harness {
	t.Helper()
	cfg := config.NewDefaultConfig()
	logger := zap.NewNop()
	ix := index.New(logger)

	eng := engine.New(
		cfg,
		root,
		extract.New(root, cfg.Extract(), logger),
		structural.New(cfg.Analyzer(), logger),
		embedder,
		ix,
		scorer.New(cfg.Scorer(), cfg.Index(), nil, logger),
		classify.New(cfg.Classifier()),
		logger,
	)
	return &harness{cfg: cfg, eng: eng, ix: ix}
}

func goFixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	src := `package demo

import "os/exec"

func run(input string) {
	out, _ := exec.Command("sh", "-c", input).Output()
	_ = out
}
`
	require.NoError(t, os.WriteFile(filepath.Join(root, "run.go"), []byte(src), 0o644))
	return root
}

func findingIn(id, file string, line int) schemas.Finding {
	return schemas.Finding{
		ID:       id,
		RuleID:   "go.cmd.injection",
		Severity: schemas.SeverityMedium,
		Location: schemas.SourceLocation{File: file, StartLine: line, EndLine: line, StartColumn: 1},
	}
}

func TestTriage_ProducesVerdictsInInputOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := goFixture(t)
	h := newHarness(t, root, nil)

	findings := []schemas.Finding{
		findingIn("f-1", "run.go", 6),
		findingIn("f-2", "run.go", 7),
		findingIn("f-3", "run.go", 5),
	}
	report, err := h.eng.Triage(context.Background(), findings)
	require.NoError(t, err)

	require.Len(t, report.Verdicts, 3)
	for i, v := range report.Verdicts {
		assert.Equal(t, findings[i].ID, v.FindingID)
		assert.Equal(t, report.RunID, v.RunID)
	}
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, root, report.SourceRoot)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
}

func TestTriage_UnsafeFindingClassifiesTruePositive(t *testing.T) {
	h := newHarness(t, goFixture(t), nil)

	report, err := h.eng.Triage(context.Background(), []schemas.Finding{findingIn("f-1", "run.go", 6)})
	require.NoError(t, err)
	require.Len(t, report.Verdicts, 1)

	v := report.Verdicts[0]
	// exec.Command with no guard: baseline 0.5 - 0.3 - 0.2 = 0.0.
	assert.Equal(t, schemas.ClassLikelyTruePositive, v.Classification)
	assert.InDelta(t, 0.0, v.Score.Value, 1e-9)
}

func TestTriage_MissingSourceDegrades(t *testing.T) {
	h := newHarness(t, t.TempDir(), nil)

	report, err := h.eng.Triage(context.Background(), []schemas.Finding{findingIn("f-1", "gone.go", 3)})
	require.NoError(t, err, "a missing file degrades the verdict, not the batch")
	require.Len(t, report.Verdicts, 1)

	v := report.Verdicts[0]
	assert.Equal(t, schemas.ClassNeedsManualReview, v.Classification)

	var annotated bool
	for _, sig := range v.Score.Signals {
		if sig.Signal == engine.SignalSourceUnavailable {
			annotated = true
		}
	}
	assert.True(t, annotated, "verdict must carry the source-unavailable annotation")
}

func TestTriage_NonPositiveConcurrencyRejected(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, goFixture(t), nil)
	h.cfg.SetEngineConcurrency(0)

	_, err := h.eng.Triage(context.Background(), []schemas.Finding{findingIn("f-1", "run.go", 6)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "concurrency")
}

func TestTriage_NilEmbedderAnnotatesEveryVerdict(t *testing.T) {
	h := newHarness(t, goFixture(t), nil)

	report, err := h.eng.Triage(context.Background(), []schemas.Finding{
		findingIn("f-1", "run.go", 6),
		findingIn("f-2", "run.go", 5),
	})
	require.NoError(t, err)
	require.Len(t, report.Verdicts, 2)

	for _, v := range report.Verdicts {
		var annotated bool
		for _, sig := range v.Score.Signals {
			if sig.Signal == engine.SignalSimilarityUnavailable {
				annotated = true
				assert.Zero(t, sig.Contribution)
			}
		}
		assert.True(t, annotated, "verdict %s must carry the annotation", v.FindingID)
	}
}

func TestTriage_EmbedderFailureDegradePolicy(t *testing.T) {
	root := goFixture(t)
	h := newHarness(t, root, &fakeEmbedder{err: errors.New("backend down")})
	h.cfg.SetEngineIndexFailurePolicy(config.IndexFailurePolicyDegrade)

	report, err := h.eng.Triage(context.Background(), []schemas.Finding{findingIn("f-1", "run.go", 6)})
	require.NoError(t, err)
	require.Len(t, report.Verdicts, 1)

	var annotated bool
	for _, sig := range report.Verdicts[0].Score.Signals {
		if sig.Signal == engine.SignalSimilarityUnavailable {
			annotated = true
		}
	}
	assert.True(t, annotated)
}

func TestTriage_EmbedderFailureFailPolicy(t *testing.T) {
	root := goFixture(t)
	h := newHarness(t, root, &fakeEmbedder{err: errors.New("backend down")})
	h.cfg.SetEngineIndexFailurePolicy(config.IndexFailurePolicyFail)

	_, err := h.eng.Triage(context.Background(), []schemas.Finding{findingIn("f-1", "run.go", 6)})
	require.Error(t, err)

	var unavailable *index.IndexUnavailableError
	assert.True(t, errors.As(err, &unavailable))
}

func TestTriage_SimilaritySignalsFlow(t *testing.T) {
	root := goFixture(t)
	h := newHarness(t, root, &fakeEmbedder{vec: []float32{1, 0}})

	// A confirmed-vulnerable twin of the finding's fragment.
	h.ix.Insert(schemas.EmbeddingVector{
		FragmentID:  "twin",
		Values:      []float32{1, 0},
		Fragment:    schemas.FragmentRef{File: "other/run.go", StartLine: 1, EndLine: 8, ContentHash: "twin"},
		Disposition: schemas.DispositionVulnerable,
	})

	report, err := h.eng.Triage(context.Background(), []schemas.Finding{findingIn("f-1", "run.go", 6)})
	require.NoError(t, err)

	var vulnSignal bool
	for _, sig := range report.Verdicts[0].Score.Signals {
		if sig.Signal == scorer.SignalDispositionVuln {
			vulnSignal = true
			assert.Negative(t, sig.Contribution)
		}
	}
	assert.True(t, vulnSignal)
}

func TestTriage_Summary(t *testing.T) {
	root := goFixture(t)
	h := newHarness(t, root, nil)

	report, err := h.eng.Triage(context.Background(), []schemas.Finding{
		findingIn("f-1", "run.go", 6), // unsafe, true positive
		findingIn("f-2", "gone.go", 1), // missing source, manual review
	})
	require.NoError(t, err)

	total := 0
	for _, n := range report.Summary {
		total += n
	}
	assert.Equal(t, len(report.Verdicts), total)
	assert.Equal(t, 1, report.Summary[string(schemas.ClassLikelyTruePositive)])
	assert.Equal(t, 1, report.Summary[string(schemas.ClassNeedsManualReview)])
}

func TestTriage_Cancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := t.TempDir()
	var findings []schemas.Finding
	for i := 0; i < 64; i++ {
		findings = append(findings, findingIn(fmt.Sprintf("f-%d", i), "absent.go", 1))
	}

	h := newHarness(t, root, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.eng.Triage(ctx, findings)
	// Either every verdict degraded before the cancel was observed, or the
	// run surfaced the cancellation; both are acceptable terminal states.
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
