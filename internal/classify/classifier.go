// Package classify thresholds confidence scores into the terminal triage
// categories. Verdicts for a batch are independent: no cross-finding state.
package classify

import (
	"time"

	"github.com/xkilldash9x/veridict/api/schemas"
	"github.com/xkilldash9x/veridict/internal/config"
)

// Classifier maps scores to verdicts using configured thresholds.
type Classifier struct {
	cfg config.ClassifierConfig
}

// New creates a Classifier.
func New(cfg config.ClassifierConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify produces the verdict for one scored finding. Boundary values sit
// in the manual-review band: a score exactly on a threshold is never rounded
// into the adjacent class.
func (c *Classifier) Classify(finding schemas.Finding, score schemas.ConfidenceScore, runID string, at time.Time) schemas.TriageVerdict {
	var class schemas.Classification
	switch {
	case score.Value < c.cfg.TruePositiveBelow:
		// Low confidence-of-false-positive: the finding is likely real.
		class = schemas.ClassLikelyTruePositive
	case score.Value > c.cfg.FalsePositiveAbove:
		class = schemas.ClassLikelyFalsePositive
	default:
		class = schemas.ClassNeedsManualReview
	}

	return schemas.TriageVerdict{
		FindingID:      finding.ID,
		RuleID:         finding.RuleID,
		Location:       finding.Location,
		Score:          score,
		Classification: class,
		RunID:          runID,
		ObservedAt:     at,
	}
}
