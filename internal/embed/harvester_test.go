package embed

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

const goSource = `package demo

func add(a, b int) int {
	return a + b
}

func sub(a, b int) int {
	return a - b
}
`

func TestHarvestFile(t *testing.T) {
	root := writeTree(t, map[string]string{"math.go": goSource})
	h := NewHarvester(root, 0, zap.NewNop())

	fragments, err := h.HarvestFile(context.Background(), "math.go")
	require.NoError(t, err)
	require.Len(t, fragments, 2)

	first := fragments[0]
	assert.Equal(t, "math.go", first.Ref.File)
	assert.Equal(t, 3, first.Ref.StartLine)
	assert.Equal(t, 5, first.Ref.EndLine)
	assert.Contains(t, first.Content, "return a + b")
	assert.Len(t, first.Ref.ContentHash, 64)

	assert.NotEqual(t, fragments[0].Ref.ContentHash, fragments[1].Ref.ContentHash)
}

func TestHarvestFile_HashIsContentDerived(t *testing.T) {
	// The same function body in two different files carries the same hash,
	// which is what makes renames cheap to re-index.
	root := writeTree(t, map[string]string{"a.go": goSource, "b/renamed.go": goSource})
	h := NewHarvester(root, 0, zap.NewNop())

	fa, err := h.HarvestFile(context.Background(), "a.go")
	require.NoError(t, err)
	fb, err := h.HarvestFile(context.Background(), filepath.Join("b", "renamed.go"))
	require.NoError(t, err)

	require.Len(t, fa, 2)
	require.Len(t, fb, 2)
	assert.Equal(t, fa[0].Ref.ContentHash, fb[0].Ref.ContentHash)
	assert.NotEqual(t, fa[0].Ref.File, fb[0].Ref.File)
}

func TestHarvestFile_UnsupportedLanguage(t *testing.T) {
	root := writeTree(t, map[string]string{"README.md": "# docs"})
	h := NewHarvester(root, 0, zap.NewNop())

	fragments, err := h.HarvestFile(context.Background(), "README.md")
	require.NoError(t, err)
	assert.Empty(t, fragments)
}

func TestHarvestFile_SizeGate(t *testing.T) {
	root := writeTree(t, map[string]string{"big.go": goSource})
	h := NewHarvester(root, 10, zap.NewNop())

	fragments, err := h.HarvestFile(context.Background(), "big.go")
	require.NoError(t, err)
	assert.Empty(t, fragments, "files over the size cap are skipped")
}

func TestHarvestTree(t *testing.T) {
	root := writeTree(t, map[string]string{
		"pkg/math.go":              goSource,
		"scripts/task.py":          "def run():\n    return 1\n",
		"node_modules/dep/idx.js":  "function hidden() { return 1 }\n",
		".hidden/secret.go":        goSource,
		"docs/guide.md":            "# guide",
	})
	h := NewHarvester(root, 0, zap.NewNop())

	fragments, err := h.HarvestTree(context.Background())
	require.NoError(t, err)

	files := make(map[string]bool)
	for _, f := range fragments {
		files[f.Ref.File] = true
	}
	assert.True(t, files[filepath.Join("pkg", "math.go")])
	assert.True(t, files[filepath.Join("scripts", "task.py")])
	for file := range files {
		assert.NotContains(t, file, "node_modules")
		assert.NotContains(t, file, ".hidden")
	}
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	require.Len(t, v, 2)
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(v[1]), 1e-6)

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)

	// Zero vectors pass through.
	zero := Normalize([]float32{0, 0, 0})
	assert.Equal(t, []float32{0, 0, 0}, zero)
}
