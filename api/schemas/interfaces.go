package schemas

import "context"

// Embedder is the external embedding-generation collaborator. The triage
// core never computes embeddings itself; it only consumes and indexes them.
type Embedder interface {
	// Embed converts a code fragment into a fixed-dimension vector. The
	// returned slice is owned by the caller.
	Embed(ctx context.Context, fragment string) ([]float32, error)
	// Dimension reports the vector width the backend produces.
	Dimension() int
}

// SimilaritySearcher is the read side of the similarity index consumed by
// the scoring pipeline. Implementations must be safe for concurrent use and
// must return deterministic, descending-ordered results for a fixed index
// state.
type SimilaritySearcher interface {
	Query(vector []float32, k int) []SimilarityMatch
}

// VectorStore persists embedding vectors across runs.
type VectorStore interface {
	SaveVectors(ctx context.Context, vectors []EmbeddingVector) error
	LoadVectors(ctx context.Context) ([]EmbeddingVector, error)
	DeleteVectors(ctx context.Context, fragmentIDs []string) error
}

// VerdictStore persists run-scoped triage output for trend reporting.
type VerdictStore interface {
	SaveVerdicts(ctx context.Context, report *TriageReport) error
}

// Reporter writes a finished triage report to its output.
type Reporter interface {
	Write(report *TriageReport) error
	Close() error
}
