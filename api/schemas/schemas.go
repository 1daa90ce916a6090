package schemas

import (
	"fmt"
	"time"
)

// -- Finding Schemas --

// Severity is the ordinal severity of a static-analysis finding. Higher is
// worse. The ordering matters: the scorer derives its baseline from it.
type Severity int

// Standard severity levels, lowest to highest.
const (
	SeverityUnknown Severity = iota
	SeverityInfo
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// severityNames maps severities to their canonical string form.
var severityNames = map[Severity]string{
	SeverityUnknown:  "unknown",
	SeverityInfo:     "info",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON renders the severity as its canonical string.
func (s Severity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON accepts the canonical string form.
func (s *Severity) UnmarshalJSON(data []byte) error {
	str := string(data)
	if len(str) >= 2 && str[0] == '"' {
		str = str[1 : len(str)-1]
	}
	*s = ParseSeverity(str)
	return nil
}

// ParseSeverity maps a severity string to its ordinal value. Unrecognized
// strings map to SeverityUnknown.
func ParseSeverity(s string) Severity {
	for sev, name := range severityNames {
		if name == s {
			return sev
		}
	}
	return SeverityUnknown
}

// SourceLocation identifies a region of a source file. Lines and columns are
// 1-based, matching SARIF region semantics. EndLine/EndColumn may equal the
// start values for point locations.
type SourceLocation struct {
	File        string `json:"file"`
	StartLine   int    `json:"start_line"`
	EndLine     int    `json:"end_line"`
	StartColumn int    `json:"start_column"`
	EndColumn   int    `json:"end_column"`
}

func (l SourceLocation) String() string {
	return fmt.Sprintf("%s:%d:%d", l.File, l.StartLine, l.StartColumn)
}

// Finding is a single raw static-analysis result, immutable once ingested.
// The Flow, when present, is the ordered taint path from source to sink as
// reported by the upstream scanner.
type Finding struct {
	ID       string           `json:"id"`
	RuleID   string           `json:"rule_id"`
	Severity Severity         `json:"severity"`
	Location SourceLocation   `json:"location"`
	Message  string           `json:"message"`
	Flow     []SourceLocation `json:"flow,omitempty"`
}

// DedupeKey is the identity used to collapse duplicate findings emitted by
// repeated runs of the same scanner invocation.
func (f Finding) DedupeKey() string {
	return fmt.Sprintf("%s|%s|%d|%d", f.RuleID, f.Location.File, f.Location.StartLine, f.Location.StartColumn)
}

// -- Code Context Schemas --

// Language tags the source language of a code fragment. The structural
// analyzer dispatches on it to select a grammar.
type Language string

const (
	LangGo         Language = "go"
	LangJavaScript Language = "javascript"
	LangPython     Language = "python"
	LangUnknown    Language = "unknown"
)

// CodeContext is the derived code window around a finding: the configured
// line window widened to the enclosing function when one is determinable.
// It is read-only and cached keyed by (content hash, finding location).
type CodeContext struct {
	FindingID string   `json:"finding_id"`
	File      string   `json:"file"`
	Language  Language `json:"language"`

	// Lines holds the extracted window. StartLine is the 1-based line number
	// of Lines[0] in the original file.
	Lines     []string `json:"lines"`
	StartLine int      `json:"start_line"`

	// FindingLine is the 1-based line the finding was reported on, kept so
	// pattern matchers can reason about code before and after the sink.
	FindingLine int `json:"finding_line"`

	// ContentHash is the SHA-256 of the full file content the window was cut
	// from, used for cache invalidation when the source changes.
	ContentHash string `json:"content_hash"`

	// FunctionSpan is the line range of the enclosing function when the
	// parser could determine it, nil otherwise.
	FunctionSpan *LineRange `json:"function_span,omitempty"`

	// Empty marks a context produced after a SourceUnavailableError: the
	// finding still flows through scoring, flagged as degraded.
	Empty bool `json:"empty,omitempty"`
}

// Snippet reassembles the window into a single fragment string.
func (c CodeContext) Snippet() string {
	out := ""
	for i, line := range c.Lines {
		if i > 0 {
			out += "\n"
		}
		out += line
	}
	return out
}

// LineRange is an inclusive 1-based line span.
type LineRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether the range covers the given line.
func (r LineRange) Contains(line int) bool {
	return line >= r.Start && line <= r.End
}

// -- Structural Pattern Schemas --

// PatternTag is the closed set of security-relevant structural patterns the
// analyzer can report.
type PatternTag string

const (
	PatternValidation     PatternTag = "validation"
	PatternSanitizer      PatternTag = "sanitizer"
	PatternFrameworkGuard PatternTag = "framework-guard"
	PatternUnsafeCall     PatternTag = "unsafe-call"
	PatternNone           PatternTag = "none"
)

// ASTPattern is one structural pattern hit inside a CodeContext. Patterns
// form a set: duplicate (tag, range) pairs are collapsed.
type ASTPattern struct {
	Tag   PatternTag `json:"tag"`
	Range LineRange  `json:"range"`
	// Rule names the language-specific matcher that fired, e.g.
	// "go/sanitizer/html-escape".
	Rule string `json:"rule"`
}

// Key is the set identity of a pattern hit.
func (p ASTPattern) Key() string {
	return fmt.Sprintf("%s|%d|%d", p.Tag, p.Range.Start, p.Range.End)
}

// PatternSet is a duplicate-free collection of pattern hits.
type PatternSet struct {
	patterns []ASTPattern
	seen     map[string]struct{}

	// Degraded is set when the fragment could not be fully parsed and the
	// pattern set may therefore be incomplete.
	Degraded bool
}

// NewPatternSet returns an empty set.
func NewPatternSet() *PatternSet {
	return &PatternSet{seen: make(map[string]struct{})}
}

// Add inserts a pattern, ignoring duplicates. Returns true if it was new.
func (s *PatternSet) Add(p ASTPattern) bool {
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, dup := s.seen[p.Key()]; dup {
		return false
	}
	s.seen[p.Key()] = struct{}{}
	s.patterns = append(s.patterns, p)
	return true
}

// Patterns returns the hits in insertion order.
func (s *PatternSet) Patterns() []ASTPattern {
	if s == nil {
		return nil
	}
	return s.patterns
}

// HasTag reports whether any hit carries the given tag.
func (s *PatternSet) HasTag(tag PatternTag) bool {
	if s == nil {
		return false
	}
	for _, p := range s.patterns {
		if p.Tag == tag {
			return true
		}
	}
	return false
}

// Len returns the number of distinct hits.
func (s *PatternSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.patterns)
}

// -- Similarity Schemas --

// Disposition is a prior human or agent review label attached to an indexed
// code fragment.
type Disposition string

const (
	DispositionUnlabeled  Disposition = "unlabeled"
	DispositionSafe       Disposition = "confirmed-safe"
	DispositionVulnerable Disposition = "confirmed-vulnerable"
)

// FragmentRef points back at the code fragment an embedding was computed
// from. ContentHash identifies the fragment across renames.
type FragmentRef struct {
	File        string `json:"file"`
	StartLine   int    `json:"start_line"`
	EndLine     int    `json:"end_line"`
	ContentHash string `json:"content_hash"`
}

// EmbeddingVector is a fixed-dimension embedding of a code fragment. Vectors
// are owned by the similarity index and immutable after insertion; callers
// must not mutate Values after handing the vector over.
type EmbeddingVector struct {
	FragmentID  string      `json:"fragment_id"`
	Values      []float32   `json:"values"`
	Fragment    FragmentRef `json:"fragment"`
	Disposition Disposition `json:"disposition"`
}

// SimilarityMatch is one nearest-neighbor query hit. Ephemeral: produced by
// a query, never persisted.
type SimilarityMatch struct {
	Vector     *EmbeddingVector `json:"vector"`
	Similarity float64          `json:"similarity"`
}

// -- Scoring Schemas --

// SignalContribution is one named, signed component of a confidence score,
// kept for the audit trail.
type SignalContribution struct {
	Signal       string  `json:"signal"`
	Contribution float64 `json:"contribution"`
	// Note carries optional human-readable detail, e.g. which rule fired or
	// that analysis was degraded.
	Note string `json:"note,omitempty"`
}

// ConfidenceScore estimates how likely a finding is a false positive.
// Value is always clamped into [0, 1]; Signals lists every nonzero
// contribution in application order, baseline included.
type ConfidenceScore struct {
	FindingID string               `json:"finding_id"`
	Value     float64              `json:"value"`
	Signals   []SignalContribution `json:"signals"`
}

// -- Verdict Schemas --

// Classification is the terminal triage label for a finding.
type Classification string

const (
	ClassLikelyTruePositive  Classification = "likely-true-positive"
	ClassLikelyFalsePositive Classification = "likely-false-positive"
	ClassNeedsManualReview   Classification = "needs-manual-review"
)

// TriageVerdict is the final per-finding output of a triage run. Verdicts
// are immutable; a re-run produces new verdicts rather than updating these.
type TriageVerdict struct {
	FindingID      string          `json:"finding_id"`
	RuleID         string          `json:"rule_id"`
	Location       SourceLocation  `json:"location"`
	Score          ConfidenceScore `json:"score"`
	Classification Classification  `json:"classification"`
	RunID          string          `json:"run_id"`
	ObservedAt     time.Time       `json:"observed_at"`
}

// TriageReport is the batch output shape consumed by downstream reporting.
type TriageReport struct {
	RunID      string          `json:"run_id"`
	SourceRoot string          `json:"source_root"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Verdicts   []TriageVerdict `json:"verdicts"`
	Summary    map[string]int  `json:"summary"`
}
