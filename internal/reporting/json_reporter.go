package reporting

import (
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/veridict/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONReporter serializes a triage report as a single indented JSON
// document. It takes ownership of the writer.
type JSONReporter struct {
	writer io.WriteCloser
}

// NewJSONReporter creates a JSON reporter over the given writer.
func NewJSONReporter(writer io.WriteCloser) *JSONReporter {
	return &JSONReporter{writer: writer}
}

// Write serializes the report. Verdicts keep the order the engine produced
// them in, so a report for the same input is byte-for-byte reproducible
// apart from run identity and timestamps.
func (r *JSONReporter) Write(report *schemas.TriageReport) error {
	enc := json.NewEncoder(r.writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (r *JSONReporter) Close() error {
	return r.writer.Close()
}
