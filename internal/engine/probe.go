package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/veridict/api/schemas"
	"github.com/xkilldash9x/veridict/internal/analysis/structural"
	"github.com/xkilldash9x/veridict/internal/config"
)

// FragmentProbe checks indexed fragments for sanitizer calls on behalf of
// the scorer's pattern-consistency signal. Results are cached by fragment
// content hash; a fixed source tree always answers the same way.
type FragmentProbe struct {
	root        string
	cfg         config.AnalyzerConfig
	maxFileSize int64
	logger      *zap.Logger

	mu    sync.Mutex
	cache map[string]bool
}

// NewFragmentProbe creates a probe reading fragments under root.
func NewFragmentProbe(root string, cfg config.AnalyzerConfig, maxFileSize int64, logger *zap.Logger) *FragmentProbe {
	return &FragmentProbe{
		root:        root,
		cfg:         cfg,
		maxFileSize: maxFileSize,
		logger:      logger.Named("probe"),
		cache:       make(map[string]bool),
	}
}

// HasSanitizer reports whether the fragment contains a configured sanitizer
// call. Unreadable or unparseable fragments answer false: an unknown
// neighbor never strengthens the consistency signal.
func (p *FragmentProbe) HasSanitizer(ctx context.Context, ref schemas.FragmentRef) bool {
	p.mu.Lock()
	if cached, ok := p.cache[ref.ContentHash]; ok {
		p.mu.Unlock()
		return cached
	}
	p.mu.Unlock()

	result := p.inspect(ctx, ref)

	p.mu.Lock()
	p.cache[ref.ContentHash] = result
	p.mu.Unlock()
	return result
}

func (p *FragmentProbe) inspect(ctx context.Context, ref schemas.FragmentRef) bool {
	lang := structural.DetectLanguage(ref.File)
	if !structural.Supported(lang) {
		return false
	}
	sanitizers := p.cfg.ForLanguage(string(lang)).Sanitizers
	if len(sanitizers) == 0 {
		return false
	}

	rel := filepath.Clean(ref.File)
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "..") {
		return false
	}
	path := filepath.Join(p.root, rel)
	info, err := os.Stat(path)
	if err != nil || info.Size() > p.maxFileSize {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		p.logger.Debug("Fragment unreadable", zap.String("file", ref.File), zap.Error(err))
		return false
	}

	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	if ref.StartLine < 1 || ref.StartLine > len(lines) {
		return false
	}
	end := ref.EndLine
	if end > len(lines) {
		end = len(lines)
	}
	fragment := strings.Join(lines[ref.StartLine-1:end], "\n")

	return structural.HasSanitizerCall(ctx, lang, []byte(fragment), sanitizers)
}
