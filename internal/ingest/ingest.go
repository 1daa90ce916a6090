// Package ingest parses standardized static-analysis output (SARIF 2.1.0)
// into typed Finding records. Ingestion is a pure function over the raw
// document: it validates, normalizes severities, and deduplicates, with no
// side effects beyond the returned slice.
package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/owenrumney/go-sarif/v2/sarif"
	"go.uber.org/zap"

	"github.com/xkilldash9x/veridict/api/schemas"
)

// MalformedInputError reports a findings document that failed schema
// validation. It is batch-fatal: nothing is partially processed.
type MalformedInputError struct {
	Reason string
	// Index is the zero-based result index the validation failed at, -1 when
	// the document itself is unreadable.
	Index int
}

func (e *MalformedInputError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("malformed findings document: %s", e.Reason)
	}
	return fmt.Sprintf("malformed findings document: result %d: %s", e.Index, e.Reason)
}

// Ingestor converts raw SARIF bytes into Finding records.
type Ingestor struct {
	logger *zap.Logger
}

// New creates an Ingestor.
func New(logger *zap.Logger) *Ingestor {
	return &Ingestor{logger: logger.Named("ingest")}
}

// Ingest parses and validates a SARIF document. Findings that share a
// (rule id, file, start line, start column) identity are collapsed, keeping
// the first occurrence, so re-running the same scanner output is idempotent.
func (i *Ingestor) Ingest(raw []byte) ([]schemas.Finding, error) {
	var report sarif.Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, &MalformedInputError{Reason: fmt.Sprintf("invalid JSON: %v", err), Index: -1}
	}
	if len(report.Runs) == 0 {
		return nil, &MalformedInputError{Reason: "document contains no runs", Index: -1}
	}

	var findings []schemas.Finding
	seen := make(map[string]struct{})
	resultIdx := 0

	for _, run := range report.Runs {
		rules := ruleIndex(run)

		for _, result := range run.Results {
			finding, err := i.toFinding(result, rules, resultIdx)
			if err != nil {
				return nil, err
			}
			resultIdx++

			key := finding.DedupeKey()
			if _, dup := seen[key]; dup {
				i.logger.Debug("Dropping duplicate finding",
					zap.String("rule_id", finding.RuleID),
					zap.String("location", finding.Location.String()))
				continue
			}
			seen[key] = struct{}{}
			findings = append(findings, finding)
		}
	}

	i.logger.Info("Ingested findings document",
		zap.Int("results", resultIdx),
		zap.Int("findings", len(findings)))
	return findings, nil
}

// ruleIndex maps rule IDs to their reporting descriptors for severity lookup.
func ruleIndex(run *sarif.Run) map[string]*sarif.ReportingDescriptor {
	rules := make(map[string]*sarif.ReportingDescriptor)
	if run.Tool.Driver == nil {
		return rules
	}
	for _, rule := range run.Tool.Driver.Rules {
		rules[rule.ID] = rule
	}
	return rules
}

func (i *Ingestor) toFinding(result *sarif.Result, rules map[string]*sarif.ReportingDescriptor, idx int) (schemas.Finding, error) {
	if result.RuleID == nil || *result.RuleID == "" {
		return schemas.Finding{}, &MalformedInputError{Reason: "missing rule id", Index: idx}
	}
	if result.Message.Text == nil || *result.Message.Text == "" {
		return schemas.Finding{}, &MalformedInputError{Reason: "missing message", Index: idx}
	}
	if len(result.Locations) == 0 {
		return schemas.Finding{}, &MalformedInputError{Reason: "missing location", Index: idx}
	}

	loc, err := toLocation(result.Locations[0])
	if err != nil {
		return schemas.Finding{}, &MalformedInputError{Reason: err.Error(), Index: idx}
	}

	finding := schemas.Finding{
		ID:       fmt.Sprintf("%s-%s-%d-%d", *result.RuleID, loc.File, loc.StartLine, loc.StartColumn),
		RuleID:   *result.RuleID,
		Severity: deriveSeverity(result, rules[*result.RuleID]),
		Location: loc,
		Message:  *result.Message.Text,
	}

	// Code flows are optional; when present, flatten the first thread flow
	// into the ordered taint path.
	for _, flow := range result.CodeFlows {
		if len(flow.ThreadFlows) == 0 {
			continue
		}
		for _, tfl := range flow.ThreadFlows[0].Locations {
			if tfl.Location == nil {
				continue
			}
			step, err := toLocation(tfl.Location)
			if err != nil {
				// A broken flow step degrades the path, not the finding.
				i.logger.Debug("Skipping malformed code-flow step", zap.Error(err))
				continue
			}
			finding.Flow = append(finding.Flow, step)
		}
		break
	}

	return finding, nil
}

func toLocation(loc *sarif.Location) (schemas.SourceLocation, error) {
	if loc == nil || loc.PhysicalLocation == nil || loc.PhysicalLocation.ArtifactLocation == nil ||
		loc.PhysicalLocation.ArtifactLocation.URI == nil {
		return schemas.SourceLocation{}, fmt.Errorf("missing physical location")
	}
	region := loc.PhysicalLocation.Region
	if region == nil || region.StartLine == nil {
		return schemas.SourceLocation{}, fmt.Errorf("missing region start line")
	}
	if *region.StartLine <= 0 {
		return schemas.SourceLocation{}, fmt.Errorf("non-positive start line %d", *region.StartLine)
	}

	out := schemas.SourceLocation{
		File:        *loc.PhysicalLocation.ArtifactLocation.URI,
		StartLine:   *region.StartLine,
		EndLine:     *region.StartLine,
		StartColumn: 1,
		EndColumn:   1,
	}
	if region.EndLine != nil {
		if *region.EndLine < *region.StartLine {
			return schemas.SourceLocation{}, fmt.Errorf("end line %d precedes start line %d", *region.EndLine, *region.StartLine)
		}
		out.EndLine = *region.EndLine
	}
	if region.StartColumn != nil && *region.StartColumn > 0 {
		out.StartColumn = *region.StartColumn
		out.EndColumn = *region.StartColumn
	}
	if region.EndColumn != nil && *region.EndColumn > 0 {
		out.EndColumn = *region.EndColumn
	}
	return out, nil
}

// deriveSeverity normalizes the SARIF level plus the CodeQL-style
// "security-severity" rule property into the ordinal scale.
func deriveSeverity(result *sarif.Result, rule *sarif.ReportingDescriptor) schemas.Severity {
	if rule != nil && rule.Properties != nil {
		if raw, ok := rule.Properties["security-severity"]; ok {
			if score, err := parseSecuritySeverity(raw); err == nil {
				switch {
				case score >= 9.0:
					return schemas.SeverityCritical
				case score >= 7.0:
					return schemas.SeverityHigh
				case score >= 4.0:
					return schemas.SeverityMedium
				case score > 0:
					return schemas.SeverityLow
				}
			}
		}
	}

	if result.Level == nil {
		return schemas.SeverityMedium
	}
	switch *result.Level {
	case "error":
		return schemas.SeverityHigh
	case "warning":
		return schemas.SeverityMedium
	case "note", "none":
		return schemas.SeverityLow
	default:
		return schemas.SeverityUnknown
	}
}

func parseSecuritySeverity(raw interface{}) (float64, error) {
	switch v := raw.(type) {
	case string:
		return strconv.ParseFloat(v, 64)
	case float64:
		return v, nil
	case json.Number:
		return v.Float64()
	default:
		return 0, fmt.Errorf("unsupported security-severity type %T", raw)
	}
}
