package chain

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codexlens/codexlens/internal/dirindex"
	"github.com/codexlens/codexlens/internal/parse"
	"github.com/codexlens/codexlens/internal/pathmap"
	"github.com/codexlens/codexlens/internal/registry"
	"github.com/codexlens/codexlens/internal/search"
)

// testTree wires a two-level registered project (root + one subdirectory),
// each with its own DirIndex, mirroring what a real index build leaves on
// disk.
type testTree struct {
	reg        *registry.Store
	mapper     *pathmap.Mapper
	sourceRoot string
	subDir     string
}

func newTestTree(t *testing.T) *testTree {
	t.Helper()
	ctx := context.Background()

	mapper, err := pathmap.New(t.TempDir())
	require.NoError(t, err)

	reg, err := registry.Open(filepath.Join(t.TempDir(), registry.DefaultDBName))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	sourceRoot := filepath.Join(t.TempDir(), "project")
	subDir := filepath.Join(sourceRoot, "sub")

	project, err := reg.RegisterProject(ctx, sourceRoot, mapper.IndexRoot())
	require.NoError(t, err)

	rootDB, err := mapper.SourceToIndexDB(sourceRoot)
	require.NoError(t, err)
	_, err = reg.RegisterDir(ctx, project.ID, sourceRoot, rootDB, 0, 1)
	require.NoError(t, err)

	subDB, err := mapper.SourceToIndexDB(subDir)
	require.NoError(t, err)
	_, err = reg.RegisterDir(ctx, project.ID, subDir, subDB, 1, 1)
	require.NoError(t, err)

	return &testTree{reg: reg, mapper: mapper, sourceRoot: sourceRoot, subDir: subDir}
}

func (tt *testTree) seed(t *testing.T, sourceDir, name, content string, symbols []parse.Symbol) {
	t.Helper()
	dbPath, err := tt.mapper.SourceToIndexDB(sourceDir)
	require.NoError(t, err)

	dir, err := dirindex.Open(dbPath)
	require.NoError(t, err)
	defer dir.Close()

	_, err = dir.AddFile(context.Background(), name, filepath.Join(sourceDir, name), content, "go", time.Now(), symbols)
	require.NoError(t, err)
}

func TestSearch_FindsHitsAcrossRootAndSubdirectory(t *testing.T) {
	tt := newTestTree(t)
	tt.seed(t, tt.sourceRoot, "auth.go", "func Authenticate(user string) bool { return true }", nil)
	tt.seed(t, tt.subDir, "login.go", "func Authenticate(token string) bool { return false }", nil)

	engine := NewEngine(tt.reg, tt.mapper, nil, search.DefaultConfig(), 0)

	result, err := engine.Search(context.Background(), tt.sourceRoot, "Authenticate", Options{Depth: -1})
	require.NoError(t, err)
	assert.Equal(t, 2, result.DirsSearched)
	assert.Empty(t, result.Errors)

	paths := make([]string, len(result.Results))
	for i, r := range result.Results {
		paths[i] = r.Path
	}
	assert.Contains(t, paths, filepath.Join(tt.sourceRoot, "auth.go"))
	assert.Contains(t, paths, filepath.Join(tt.subDir, "login.go"))
}

func TestSearch_NestedPathFallsBackToNearestRegisteredAncestor(t *testing.T) {
	tt := newTestTree(t)
	tt.seed(t, tt.subDir, "login.go", "func Authenticate(token string) bool { return false }", nil)

	engine := NewEngine(tt.reg, tt.mapper, nil, search.DefaultConfig(), 0)

	// Nothing is registered for this deeper path, so it should resolve to
	// the nearest registered ancestor (subDir) rather than fail.
	deeper := filepath.Join(tt.subDir, "nested")
	result, err := engine.Search(context.Background(), deeper, "Authenticate", Options{})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, filepath.Join(tt.subDir, "login.go"), result.Results[0].Path)
}

func TestSearch_UnregisteredPathReturnsEmptyResult(t *testing.T) {
	tt := newTestTree(t)
	engine := NewEngine(tt.reg, tt.mapper, nil, search.DefaultConfig(), 0)

	result, err := engine.Search(context.Background(), filepath.Join(t.TempDir(), "unrelated"), "anything", Options{})
	require.NoError(t, err)
	assert.Empty(t, result.Results)
}

func TestSearch_DepthZeroExcludesSubdirectories(t *testing.T) {
	tt := newTestTree(t)
	tt.seed(t, tt.sourceRoot, "auth.go", "func Authenticate(user string) bool { return true }", nil)
	tt.seed(t, tt.subDir, "login.go", "func Authenticate(token string) bool { return false }", nil)

	engine := NewEngine(tt.reg, tt.mapper, nil, search.DefaultConfig(), 0)

	// The zero Options value means Depth 0: this directory only, the BFS
	// frontier never expands.
	result, err := engine.Search(context.Background(), tt.sourceRoot, "Authenticate", Options{})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, filepath.Join(tt.sourceRoot, "auth.go"), result.Results[0].Path)
}

func TestSearchFilesOnly_ReturnsDistinctPaths(t *testing.T) {
	tt := newTestTree(t)
	tt.seed(t, tt.sourceRoot, "auth.go", "func Authenticate(user string) bool { return true }", nil)

	engine := NewEngine(tt.reg, tt.mapper, nil, search.DefaultConfig(), 0)

	paths, err := engine.SearchFilesOnly(context.Background(), tt.sourceRoot, "Authenticate", Options{})
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, filepath.Join(tt.sourceRoot, "auth.go"), paths[0])
}

func TestSearchSymbols_FallsBackToPerDirectorySearchWithoutGlobalIndex(t *testing.T) {
	tt := newTestTree(t)
	tt.seed(t, tt.sourceRoot, "auth.go", "func Authenticate() {}", []parse.Symbol{
		{Name: "Authenticate", Kind: parse.KindFunction, Range: parse.Range{Start: 1, End: 1}},
	})
	tt.seed(t, tt.subDir, "login.go", "func Login() {}", []parse.Symbol{
		{Name: "Login", Kind: parse.KindFunction, Range: parse.Range{Start: 1, End: 1}},
	})

	engine := NewEngine(tt.reg, tt.mapper, nil, search.DefaultConfig(), 0)

	entries, err := engine.SearchSymbols(context.Background(), tt.sourceRoot, "Authenticate", parse.KindFunction, 10, Options{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Authenticate", entries[0].Name)
	assert.Equal(t, filepath.Join(tt.sourceRoot, "auth.go"), entries[0].FilePath)
}

func TestMergeAndRank_DedupesByPathKeepingHighestScoreAndBreaksTiesByPath(t *testing.T) {
	hits := []search.Result{
		{Path: "/b.go", Score: 0.5},
		{Path: "/a.go", Score: 0.9},
		{Path: "/a.go", Score: 0.4},
		{Path: "/c.go", Score: 0.9},
	}

	out := mergeAndRank(hits, 10)
	require.Len(t, out, 3)
	assert.Equal(t, "/a.go", out[0].Path)
	assert.InDelta(t, 0.9, out[0].Score, 1e-9)
	assert.Equal(t, "/c.go", out[1].Path)
	assert.Equal(t, "/b.go", out[2].Path)
}

func TestMergeAndRank_RespectsLimit(t *testing.T) {
	hits := []search.Result{{Path: "/a.go", Score: 1}, {Path: "/b.go", Score: 2}, {Path: "/c.go", Score: 3}}
	out := mergeAndRank(hits, 2)
	assert.Len(t, out, 2)
}

func TestOptions_UsesVectorSignalForcesSingleWorker(t *testing.T) {
	cfg := search.DefaultConfig()
	assert.False(t, Options{Mode: search.ModeExact}.usesVectorSignal(cfg))
	assert.True(t, Options{PureVector: true}.usesVectorSignal(cfg))
	assert.True(t, Options{Mode: search.ModeHybrid}.usesVectorSignal(cfg)) // VectorWeight > 0 by default
}
