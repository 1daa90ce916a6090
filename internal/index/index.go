// Package index implements the in-memory similarity index: a flat arena of
// embedding vectors queried by cosine similarity. Writers publish immutable
// copy-on-write snapshots; readers bind to whatever snapshot is current, so
// a query never observes a partially applied insert or remove and background
// re-embedding can proceed while a batch is being triaged.
package index

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/xkilldash9x/veridict/api/schemas"
)

// IndexUnavailableError reports an unreachable similarity backend. Whether
// it fails the batch or degrades it is the engine's (configurable) decision.
type IndexUnavailableError struct {
	Reason string
	Err    error
}

func (e *IndexUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("similarity index unavailable: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("similarity index unavailable: %s", e.Reason)
}

func (e *IndexUnavailableError) Unwrap() error { return e.Err }

// entry pins a vector to its insertion sequence. The sequence is the stable
// tie-break for equal similarities and survives replacement, keeping query
// order reproducible across re-embeds of the same fragment.
type entry struct {
	vec schemas.EmbeddingVector
	seq uint64
}

// snapshot is one immutable published version of the index.
type snapshot struct {
	entries []entry
	byID    map[string]int
}

// Index is the shared similarity store. Concurrent queries are safe against
// concurrent writes.
type Index struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[snapshot]
	nextSeq uint64
	logger  *zap.Logger
}

// New creates an empty index.
func New(logger *zap.Logger) *Index {
	ix := &Index{logger: logger.Named("index")}
	ix.current.Store(&snapshot{byID: make(map[string]int)})
	return ix
}

// Insert adds or replaces the vector for a fragment. Idempotent on
// fragment id; replacement keeps the fragment's original insertion sequence.
func (ix *Index) Insert(vec schemas.EmbeddingVector) {
	if vec.Disposition == "" {
		vec.Disposition = schemas.DispositionUnlabeled
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	cur := ix.current.Load()
	next := cur.clone()

	if i, ok := next.byID[vec.FragmentID]; ok {
		next.entries[i].vec = vec
	} else {
		next.byID[vec.FragmentID] = len(next.entries)
		next.entries = append(next.entries, entry{vec: vec, seq: ix.nextSeq})
		ix.nextSeq++
	}
	ix.current.Store(next)
}

// Load bulk-inserts persisted vectors, assigning sequences in slice order.
// Intended for startup hydration from the vector store.
func (ix *Index) Load(vectors []schemas.EmbeddingVector) {
	for _, v := range vectors {
		ix.Insert(v)
	}
	ix.logger.Info("Index hydrated", zap.Int("vectors", len(vectors)))
}

// Remove deletes a fragment's vector. No-op when absent.
func (ix *Index) Remove(fragmentID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	cur := ix.current.Load()
	i, ok := cur.byID[fragmentID]
	if !ok {
		return
	}

	next := &snapshot{
		entries: make([]entry, 0, len(cur.entries)-1),
		byID:    make(map[string]int, len(cur.entries)-1),
	}
	for j, e := range cur.entries {
		if j == i {
			continue
		}
		next.byID[e.vec.FragmentID] = len(next.entries)
		next.entries = append(next.entries, e)
	}
	ix.current.Store(next)
}

// SetDisposition attaches a review label to an indexed fragment. Returns
// false when the fragment is not indexed.
func (ix *Index) SetDisposition(fragmentID string, d schemas.Disposition) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	cur := ix.current.Load()
	i, ok := cur.byID[fragmentID]
	if !ok {
		return false
	}
	next := cur.clone()
	next.entries[i].vec.Disposition = d
	ix.current.Store(next)
	return true
}

// Query returns up to k matches ordered by descending similarity, ties
// broken by insertion sequence (earliest first). k <= 0 or an empty index
// yields an empty result, never an error.
func (ix *Index) Query(vector []float32, k int) []schemas.SimilarityMatch {
	if k <= 0 || len(vector) == 0 {
		return nil
	}
	snap := ix.current.Load()
	if len(snap.entries) == 0 {
		return nil
	}

	type scored struct {
		e   *entry
		sim float64
	}
	candidates := make([]scored, 0, len(snap.entries))
	for i := range snap.entries {
		e := &snap.entries[i]
		if len(e.vec.Values) != len(vector) {
			continue
		}
		candidates = append(candidates, scored{e: e, sim: Cosine(vector, e.vec.Values)})
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].sim != candidates[b].sim {
			return candidates[a].sim > candidates[b].sim
		}
		return candidates[a].e.seq < candidates[b].e.seq
	})

	if k > len(candidates) {
		k = len(candidates)
	}
	out := make([]schemas.SimilarityMatch, 0, k)
	for _, c := range candidates[:k] {
		vec := c.e.vec
		out = append(out, schemas.SimilarityMatch{Vector: &vec, Similarity: c.sim})
	}
	return out
}

// Vectors returns a copy of all indexed vectors in insertion order, for
// persistence.
func (ix *Index) Vectors() []schemas.EmbeddingVector {
	snap := ix.current.Load()
	out := make([]schemas.EmbeddingVector, len(snap.entries))
	for i, e := range snap.entries {
		out[i] = e.vec
	}
	return out
}

// Contains reports whether a fragment id is indexed.
func (ix *Index) Contains(fragmentID string) bool {
	_, ok := ix.current.Load().byID[fragmentID]
	return ok
}

// Len returns the number of indexed vectors.
func (ix *Index) Len() int {
	return len(ix.current.Load().entries)
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		entries: make([]entry, len(s.entries)),
		byID:    make(map[string]int, len(s.byID)),
	}
	copy(next.entries, s.entries)
	for id, i := range s.byID {
		next.byID[id] = i
	}
	return next
}

// Cosine computes cosine similarity clamped into [0, 1]. Vectors are
// expected to be normalized but the denominator is computed anyway to stay
// correct when they are not.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
