package embed

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/veridict/api/schemas"
	"github.com/xkilldash9x/veridict/internal/index"
)

// Stats summarizes one re-embedding pass.
type Stats struct {
	Harvested int
	Embedded  int
	Reused    int
	Removed   int
	Commit    string
}

// Reembedder keeps the similarity index in sync with the source tree. It is
// a maintenance task decoupled from the triage path: a batch may run against
// a slightly stale index and must tolerate it.
type Reembedder struct {
	root      string
	harvester *Harvester
	embedder  schemas.Embedder
	ix        *index.Index
	store     schemas.VectorStore // nil when persistence is disabled
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// NewReembedder wires the maintenance task. store may be nil.
func NewReembedder(
	root string,
	harvester *Harvester,
	embedder schemas.Embedder,
	ix *index.Index,
	store schemas.VectorStore,
	ratePerSec float64,
	logger *zap.Logger,
) *Reembedder {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	return &Reembedder{
		root:      root,
		harvester: harvester,
		embedder:  embedder,
		ix:        ix,
		store:     store,
		limiter:   rate.NewLimiter(rate.Limit(ratePerSec), 1),
		logger:    logger.Named("reembedder"),
	}
}

// Run performs one incremental pass: harvest, embed fragments whose content
// hash is not yet indexed, and drop vectors for fragments that no longer
// exist in the files it touched. sinceCommit, when non-empty and the root is
// a git repository, restricts harvesting to paths changed since that commit.
func (r *Reembedder) Run(ctx context.Context, sinceCommit string) (Stats, error) {
	var stats Stats

	head, changed, partial := changedSince(r.root, sinceCommit)
	stats.Commit = head

	// Track live hashes per touched file so stale vectors can be dropped. A
	// changed path that no longer harvests (deleted or unreadable) still
	// counts as touched with zero live fragments, so its vectors go too.
	touched := make(map[string]struct{})

	var fragments []Fragment
	var err error
	if partial {
		r.logger.Info("Incremental harvest of changed paths",
			zap.Int("paths", len(changed)), zap.String("since", sinceCommit))
		for _, rel := range changed {
			touched[rel] = struct{}{}
			fs, ferr := r.harvester.HarvestFile(ctx, rel)
			if ferr != nil {
				r.logger.Debug("Changed file not harvestable", zap.String("file", rel), zap.Error(ferr))
				continue
			}
			fragments = append(fragments, fs...)
		}
	} else {
		fragments, err = r.harvester.HarvestTree(ctx)
		if err != nil {
			return stats, fmt.Errorf("harvest failed: %w", err)
		}
	}
	stats.Harvested = len(fragments)

	live := make(map[string]struct{})
	for _, f := range fragments {
		touched[f.Ref.File] = struct{}{}
		live[f.Ref.ContentHash] = struct{}{}
	}

	for _, f := range fragments {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		// Content hash identity: an unchanged fragment keeps its vector even
		// after a rename.
		if r.ix.Contains(f.Ref.ContentHash) {
			stats.Reused++
			continue
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return stats, err
		}
		values, err := r.embedder.Embed(ctx, f.Content)
		if err != nil {
			r.logger.Warn("Embedding failed; fragment skipped",
				zap.String("file", f.Ref.File),
				zap.Int("start_line", f.Ref.StartLine),
				zap.Error(err))
			continue
		}
		r.ix.Insert(schemas.EmbeddingVector{
			FragmentID:  f.Ref.ContentHash,
			Values:      values,
			Fragment:    f.Ref,
			Disposition: schemas.DispositionUnlabeled,
		})
		stats.Embedded++
	}

	// Drop vectors whose fragment vanished from a touched file.
	var stale []string
	for _, vec := range r.ix.Vectors() {
		if _, wasTouched := touched[vec.Fragment.File]; !wasTouched && partial {
			continue
		}
		if _, alive := live[vec.FragmentID]; !alive {
			stale = append(stale, vec.FragmentID)
		}
	}
	for _, id := range stale {
		r.ix.Remove(id)
		stats.Removed++
	}

	if r.store != nil {
		if err := r.store.SaveVectors(ctx, r.ix.Vectors()); err != nil {
			return stats, fmt.Errorf("persisting vectors failed: %w", err)
		}
		if len(stale) > 0 {
			if err := r.store.DeleteVectors(ctx, stale); err != nil {
				return stats, fmt.Errorf("deleting stale vectors failed: %w", err)
			}
		}
	}

	r.logger.Info("Re-embedding pass complete",
		zap.Int("harvested", stats.Harvested),
		zap.Int("embedded", stats.Embedded),
		zap.Int("reused", stats.Reused),
		zap.Int("removed", stats.Removed),
		zap.String("commit", stats.Commit))
	return stats, nil
}

// changedSince resolves the repository HEAD and, when a prior commit is
// known, the set of paths changed since it. partial is false when the root
// is not a git repository or the diff cannot be computed, in which case the
// caller falls back to a full harvest.
func changedSince(root, sinceCommit string) (head string, changed []string, partial bool) {
	repo, err := git.PlainOpen(root)
	if err != nil {
		return "", nil, false
	}
	ref, err := repo.Head()
	if err != nil {
		return "", nil, false
	}
	head = ref.Hash().String()
	if sinceCommit == "" || sinceCommit == head {
		return head, nil, false
	}

	newCommit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return head, nil, false
	}
	oldCommit, err := repo.CommitObject(plumbing.NewHash(sinceCommit))
	if err != nil {
		return head, nil, false
	}
	newTree, err := newCommit.Tree()
	if err != nil {
		return head, nil, false
	}
	oldTree, err := oldCommit.Tree()
	if err != nil {
		return head, nil, false
	}
	diff, err := object.DiffTree(oldTree, newTree)
	if err != nil {
		return head, nil, false
	}

	seen := make(map[string]struct{})
	for _, change := range diff {
		name := change.To.Name
		if name == "" {
			name = change.From.Name
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		changed = append(changed, name)
	}
	return head, changed, true
}
