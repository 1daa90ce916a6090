package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/veridict/api/schemas"
	"github.com/xkilldash9x/veridict/internal/analysis/structural"
)

// Fragment is one harvested code unit: a function or method declaration,
// identified by its content hash so renames do not force re-embedding.
type Fragment struct {
	Ref     schemas.FragmentRef
	Content string
}

// skipDirs are tree entries never harvested.
var skipDirs = map[string]struct{}{
	".git":         {},
	"node_modules": {},
	"vendor":       {},
	"__pycache__":  {},
	".venv":        {},
	"dist":         {},
}

// Harvester walks a source tree and extracts embeddable fragments.
type Harvester struct {
	root        string
	maxFileSize int64
	logger      *zap.Logger
}

// NewHarvester creates a Harvester rooted at the source tree.
func NewHarvester(root string, maxFileSize int64, logger *zap.Logger) *Harvester {
	return &Harvester{
		root:        root,
		maxFileSize: maxFileSize,
		logger:      logger.Named("harvester"),
	}
}

// HarvestTree extracts fragments from every supported file under the root.
func (h *Harvester) HarvestTree(ctx context.Context) ([]Fragment, error) {
	var out []Fragment
	err := filepath.WalkDir(h.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if _, skip := skipDirs[d.Name()]; skip || (strings.HasPrefix(d.Name(), ".") && path != h.root) {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(h.root, path)
		if err != nil {
			return err
		}
		fragments, err := h.HarvestFile(ctx, rel)
		if err != nil {
			// A single unreadable or unparsable file degrades the harvest,
			// not the whole walk.
			h.logger.Debug("Skipping file during harvest", zap.String("file", rel), zap.Error(err))
			return nil
		}
		out = append(out, fragments...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	h.logger.Info("Harvested source tree", zap.Int("fragments", len(out)))
	return out, nil
}

// HarvestFile extracts the function fragments of one file, identified by a
// path relative to the root. Unsupported languages yield no fragments.
func (h *Harvester) HarvestFile(ctx context.Context, rel string) ([]Fragment, error) {
	lang := structural.DetectLanguage(rel)
	if !structural.Supported(lang) {
		return nil, nil
	}

	path := filepath.Join(h.root, rel)
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if h.maxFileSize > 0 && info.Size() > h.maxFileSize {
		return nil, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.ReplaceAll(string(content), "\r\n", "\n"), "\n")

	spans, err := structural.Declarations(ctx, lang, content)
	if err != nil {
		return nil, err
	}

	out := make([]Fragment, 0, len(spans))
	for _, span := range spans {
		if span.Start < 1 || span.End > len(lines) {
			continue
		}
		body := strings.Join(lines[span.Start-1:span.End], "\n")
		sum := sha256.Sum256([]byte(body))
		out = append(out, Fragment{
			Ref: schemas.FragmentRef{
				File:        rel,
				StartLine:   span.Start,
				EndLine:     span.End,
				ContentHash: hex.EncodeToString(sum[:]),
			},
			Content: body,
		})
	}
	return out, nil
}
