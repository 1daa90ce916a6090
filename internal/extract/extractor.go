// Package extract retrieves the code window around a finding: the configured
// number of lines above and below, widened to the enclosing function when the
// structural parser can determine one. Results are cached keyed by (file
// content hash, finding location), so stale cache entries die with the file
// content that produced them.
package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/veridict/api/schemas"
	"github.com/xkilldash9x/veridict/internal/analysis/structural"
	"github.com/xkilldash9x/veridict/internal/config"
)

// SourceUnavailableError reports a finding whose source file is missing or
// no longer matches the recorded location (stale finding against changed
// source). Per-finding: logged, never fatal to the batch.
type SourceUnavailableError struct {
	FindingID string
	Path      string
	Reason    string
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source unavailable for finding %s at %s: %s", e.FindingID, e.Path, e.Reason)
}

// fileEntry is one cached source file. Entries are re-validated by stat
// before reuse; a changed size or mtime forces a re-read and a new hash.
type fileEntry struct {
	hash  string
	lines []string
	size  int64
	mtime time.Time
}

// Extractor reads source files under a fixed root and produces CodeContexts.
// Safe for concurrent use: cache population is coordinated so each uncached
// key is computed at most once.
type Extractor struct {
	root   string
	cfg    config.ExtractConfig
	logger *zap.Logger

	mu    sync.Mutex
	files map[string]*fileEntry
	ctxs  map[string]*schemas.CodeContext

	group singleflight.Group
}

// New creates an Extractor rooted at the given source tree.
func New(root string, cfg config.ExtractConfig, logger *zap.Logger) *Extractor {
	return &Extractor{
		root:   root,
		cfg:    cfg,
		logger: logger.Named("extract"),
		files:  make(map[string]*fileEntry),
		ctxs:   make(map[string]*schemas.CodeContext),
	}
}

// Extract returns the code context for a finding. On SourceUnavailableError
// the caller should degrade to an empty context rather than drop the
// finding; EmptyContext builds one.
func (e *Extractor) Extract(ctx context.Context, finding schemas.Finding) (*schemas.CodeContext, error) {
	rel := filepath.Clean(finding.Location.File)
	if strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return nil, &SourceUnavailableError{
			FindingID: finding.ID,
			Path:      finding.Location.File,
			Reason:    "location escapes source root",
		}
	}
	path := filepath.Join(e.root, rel)

	file, err := e.readFile(path)
	if err != nil {
		return nil, &SourceUnavailableError{FindingID: finding.ID, Path: path, Reason: err.Error()}
	}
	if finding.Location.StartLine > len(file.lines) {
		return nil, &SourceUnavailableError{
			FindingID: finding.ID,
			Path:      path,
			Reason: fmt.Sprintf("finding line %d exceeds file length %d (stale finding)",
				finding.Location.StartLine, len(file.lines)),
		}
	}

	key := file.hash + "|" + finding.Location.String()
	e.mu.Lock()
	if cached, ok := e.ctxs[key]; ok {
		e.mu.Unlock()
		out := *cached
		out.FindingID = finding.ID
		return &out, nil
	}
	e.mu.Unlock()

	v, err, _ := e.group.Do(key, func() (interface{}, error) {
		cc := e.build(ctx, finding, rel, file)
		e.mu.Lock()
		e.ctxs[key] = cc
		e.mu.Unlock()
		return cc, nil
	})
	if err != nil {
		return nil, err
	}

	out := *(v.(*schemas.CodeContext))
	out.FindingID = finding.ID
	return &out, nil
}

// EmptyContext builds the degraded stand-in used after a
// SourceUnavailableError so the finding still flows through scoring.
func EmptyContext(finding schemas.Finding) *schemas.CodeContext {
	return &schemas.CodeContext{
		FindingID:   finding.ID,
		File:        finding.Location.File,
		Language:    structural.DetectLanguage(finding.Location.File),
		FindingLine: finding.Location.StartLine,
		Empty:       true,
	}
}

// build cuts the window and widens it to the enclosing function.
func (e *Extractor) build(ctx context.Context, finding schemas.Finding, rel string, file *fileEntry) *schemas.CodeContext {
	loc := finding.Location
	lang := structural.DetectLanguage(rel)

	start := loc.StartLine - e.cfg.WindowLines
	end := loc.EndLine + e.cfg.WindowLines
	if end < loc.StartLine {
		end = loc.StartLine + e.cfg.WindowLines
	}

	var span *schemas.LineRange
	if structural.Supported(lang) {
		src := []byte(strings.Join(file.lines, "\n"))
		fnSpan, err := structural.FunctionSpan(ctx, lang, src, loc.StartLine)
		if err != nil {
			e.logger.Debug("Function boundary detection failed; using fixed window",
				zap.String("file", rel), zap.Error(err))
		} else if fnSpan != nil {
			span = fnSpan
			// Widen, never shrink: the window is a floor, the function a
			// preferred ceiling.
			if fnSpan.Start < start {
				start = fnSpan.Start
			}
			if fnSpan.End > end {
				end = fnSpan.End
			}
		}
	}

	if start < 1 {
		start = 1
	}
	if end > len(file.lines) {
		end = len(file.lines)
	}

	window := make([]string, end-start+1)
	copy(window, file.lines[start-1:end])

	return &schemas.CodeContext{
		FindingID:    finding.ID,
		File:         rel,
		Language:     lang,
		Lines:        window,
		StartLine:    start,
		FindingLine:  loc.StartLine,
		ContentHash:  file.hash,
		FunctionSpan: span,
	}
}

// readFile returns the cached file entry, re-reading when the stat no longer
// matches the cached size/mtime.
func (e *Extractor) readFile(path string) (*fileEntry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if e.cfg.MaxFileSize > 0 && info.Size() > e.cfg.MaxFileSize {
		return nil, fmt.Errorf("file exceeds max size (%d > %d bytes)", info.Size(), e.cfg.MaxFileSize)
	}

	e.mu.Lock()
	if entry, ok := e.files[path]; ok && entry.size == info.Size() && entry.mtime.Equal(info.ModTime()) {
		e.mu.Unlock()
		return entry, nil
	}
	e.mu.Unlock()

	v, err, _ := e.group.Do("file:"+path, func() (interface{}, error) {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(content)
		entry := &fileEntry{
			hash:  hex.EncodeToString(sum[:]),
			lines: strings.Split(strings.ReplaceAll(string(content), "\r\n", "\n"), "\n"),
			size:  info.Size(),
			mtime: info.ModTime(),
		}
		e.mu.Lock()
		e.files[path] = entry
		e.mu.Unlock()
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*fileEntry), nil
}
