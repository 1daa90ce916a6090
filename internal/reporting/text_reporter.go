package reporting

import (
	"fmt"
	"io"
	"strings"

	"github.com/xkilldash9x/veridict/api/schemas"
)

// TextReporter renders a human-readable summary of a triage run. It takes
// ownership of the writer.
type TextReporter struct {
	writer io.WriteCloser
}

// NewTextReporter creates a text reporter over the given writer.
func NewTextReporter(writer io.WriteCloser) *TextReporter {
	return &TextReporter{writer: writer}
}

func (r *TextReporter) Write(report *schemas.TriageReport) error {
	var b strings.Builder

	fmt.Fprintf(&b, "Triage run %s\n", report.RunID)
	fmt.Fprintf(&b, "Source root: %s\n", report.SourceRoot)
	fmt.Fprintf(&b, "Duration: %s\n\n", report.FinishedAt.Sub(report.StartedAt).Round(1e6))

	for _, v := range report.Verdicts {
		fmt.Fprintf(&b, "[%s] %s  %s:%d  confidence=%.2f\n",
			v.Classification, v.RuleID,
			v.Location.File, v.Location.StartLine,
			v.Score.Value)
		for _, sig := range v.Score.Signals {
			fmt.Fprintf(&b, "    %-28s %+.3f", sig.Signal, sig.Contribution)
			if sig.Note != "" {
				fmt.Fprintf(&b, "  (%s)", sig.Note)
			}
			b.WriteByte('\n')
		}
	}

	b.WriteByte('\n')
	fmt.Fprintf(&b, "Summary: %d finding(s)\n", len(report.Verdicts))
	for _, class := range []schemas.Classification{
		schemas.ClassLikelyTruePositive,
		schemas.ClassLikelyFalsePositive,
		schemas.ClassNeedsManualReview,
	} {
		fmt.Fprintf(&b, "  %-24s %d\n", class, report.Summary[string(class)])
	}

	if _, err := io.WriteString(r.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (r *TextReporter) Close() error {
	return r.writer.Close()
}
