package search

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codexlens/codexlens/internal/denseann"
	"github.com/codexlens/codexlens/internal/dirindex"
	"github.com/codexlens/codexlens/internal/embedcontract"
	"github.com/codexlens/codexlens/internal/splade"
)

func openTestDir(t *testing.T) *dirindex.Store {
	t.Helper()
	s, err := dirindex.Open(filepath.Join(t.TempDir(), dirindex.IndexDBName))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func openTestDense(t *testing.T, dim int) *denseann.Store {
	t.Helper()
	s, err := denseann.New(filepath.Join(t.TempDir(), "v.hnsw"), dim, 10)
	require.NoError(t, err)
	return s
}

func openTestSparse(t *testing.T) *splade.Store {
	t.Helper()
	s, err := splade.Open(filepath.Join(t.TempDir(), splade.DefaultDBName))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedFile(t *testing.T, dir *dirindex.Store, name, path, content string) {
	t.Helper()
	_, err := dir.AddFile(context.Background(), name, path, content, "go", time.Now(), nil)
	require.NoError(t, err)
}

func TestSearch_ExactModeReturnsOnlyExactSignal(t *testing.T) {
	dir := openTestDir(t)
	seedFile(t, dir, "auth.go", "/src/auth.go", "func Authenticate(user string) bool { return true }")
	seedFile(t, dir, "logging.go", "/src/logging.go", "func Log(msg string) {}")

	engine := NewEngine(dir, nil, nil, nil, DefaultConfig())

	results, err := engine.Search(context.Background(), "Authenticate", 10, Options{Mode: ModeExact})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "/src/auth.go", results[0].Path)
	assert.Equal(t, SignalExact, results[0].Source)
}

func TestSearch_AutoModeFallsBackToExactWithoutEmbeddings(t *testing.T) {
	dir := openTestDir(t)
	seedFile(t, dir, "auth.go", "/src/auth.go", "func Authenticate(user string) bool { return true }")

	engine := NewEngine(dir, nil, nil, nil, DefaultConfig())

	results, err := engine.Search(context.Background(), "Authenticate", 10, Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, SignalExact, results[0].Source)
}

func TestSearch_HybridFusesExactAndFuzzySignals(t *testing.T) {
	dir := openTestDir(t)
	seedFile(t, dir, "auth.go", "/src/auth.go", "func Authenticate(user string) bool { return true }")
	seedFile(t, dir, "other.go", "/src/other.go", "func Unrelated() {}")

	engine := NewEngine(dir, nil, nil, nil, DefaultConfig())

	results, err := engine.Search(context.Background(), "Authenticate", 10, Options{Mode: ModeHybrid})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "/src/auth.go", results[0].Path)
	// Matched by both exact and fuzzy FTS signals, so it's tagged fusion.
	assert.Equal(t, SignalFusion, results[0].Source)
}

func TestSearch_HybridIncludesVectorSignalWhenDenseStoreWired(t *testing.T) {
	dir := openTestDir(t)
	dense := openTestDense(t, 8)
	embedder := embedcontract.NewStaticCollaborators(8)
	ctx := context.Background()

	seedFile(t, dir, "auth.go", "/src/auth.go", "func Authenticate(user string) bool { return true }")
	vec, err := embedder.EmbedDense(ctx, "func Authenticate(user string) bool { return true }")
	require.NoError(t, err)

	chunkIDs, err := dir.AddChunks(ctx, "/src/auth.go", []dirindex.Chunk{
		{FilePath: "/src/auth.go", Content: "func Authenticate(user string) bool { return true }"},
	})
	require.NoError(t, err)
	require.NoError(t, dense.AddVectors(chunkIDs, [][]float32{vec}))

	engine := NewEngine(dir, dense, nil, embedder, DefaultConfig())

	results, err := engine.Search(ctx, "Authenticate", 10, Options{Mode: ModeHybrid})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "/src/auth.go", results[0].Path)
}

func TestSearch_AutoModePicksHybridWhenEmbeddingsPresent(t *testing.T) {
	dir := openTestDir(t)
	dense := openTestDense(t, 8)
	embedder := embedcontract.NewStaticCollaborators(8)
	ctx := context.Background()

	seedFile(t, dir, "auth.go", "/src/auth.go", "func Authenticate(user string) bool { return true }")
	vec, err := embedder.EmbedDense(ctx, "unrelated content entirely")
	require.NoError(t, err)
	chunkIDs, err := dir.AddChunks(ctx, "/src/auth.go", []dirindex.Chunk{{FilePath: "/src/auth.go", Content: "body"}})
	require.NoError(t, err)
	require.NoError(t, dense.AddVectors(chunkIDs, [][]float32{vec}))

	engine := NewEngine(dir, dense, nil, embedder, DefaultConfig())

	results, err := engine.Search(ctx, "Authenticate", 10, Options{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
}

func TestSearch_PureVectorSkipsFTSSignals(t *testing.T) {
	dir := openTestDir(t)
	dense := openTestDense(t, 8)
	embedder := embedcontract.NewStaticCollaborators(8)
	ctx := context.Background()

	seedFile(t, dir, "auth.go", "/src/auth.go", "func Authenticate(user string) bool { return true }")
	vec, err := embedder.EmbedDense(ctx, "func Authenticate(user string) bool { return true }")
	require.NoError(t, err)
	chunkIDs, err := dir.AddChunks(ctx, "/src/auth.go", []dirindex.Chunk{
		{FilePath: "/src/auth.go", Content: "func Authenticate(user string) bool { return true }"},
	})
	require.NoError(t, err)
	require.NoError(t, dense.AddVectors(chunkIDs, [][]float32{vec}))

	engine := NewEngine(dir, dense, nil, embedder, DefaultConfig())

	results, err := engine.Search(ctx, "Authenticate", 10, Options{PureVector: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, SignalVector, results[0].Source)
}

func TestSearch_SparseSignalContributesWhenWeightedAndWired(t *testing.T) {
	dir := openTestDir(t)
	sparse := openTestSparse(t)
	embedder := embedcontract.NewStaticCollaborators(8)
	ctx := context.Background()

	seedFile(t, dir, "auth.go", "/src/auth.go", "func Authenticate(user string) bool { return true }")
	sv, err := embedder.EncodeSparse(ctx, "func Authenticate(user string) bool { return true }")
	require.NoError(t, err)

	chunkIDs, err := dir.AddChunks(ctx, "/src/auth.go", []dirindex.Chunk{
		{FilePath: "/src/auth.go", Content: "func Authenticate(user string) bool { return true }"},
	})
	require.NoError(t, err)

	vec := make(splade.SparseVector, len(sv))
	for id, w := range sv {
		vec[uint32(id)] = w
	}
	require.NoError(t, sparse.AddVector(ctx, chunkIDs[0], vec))

	cfg := DefaultConfig()
	cfg.SparseWeight = 0.3
	engine := NewEngine(dir, nil, sparse, embedder, cfg)

	results, err := engine.Search(ctx, "Authenticate", 10, Options{Mode: ModeHybrid})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "/src/auth.go", results[0].Path)
}

func TestFuseResults_WeightsRankContributionsByRRF(t *testing.T) {
	hits := map[Signal][]rankedHit{
		SignalExact: {{Path: "/a.go", Score: 1}, {Path: "/b.go", Score: 0.5}},
		SignalFuzzy: {{Path: "/b.go", Score: 1}, {Path: "/a.go", Score: 0.5}},
	}
	weights := map[Signal]float64{SignalExact: 0.5, SignalFuzzy: 0.5}

	out := fuseResults(hits, weights, 60, 10)
	require.Len(t, out, 2)
	// Both docs appear in both signals at symmetric ranks, so scores tie;
	// the deterministic tie-break is ascending path.
	assert.Equal(t, "/a.go", out[0].Path)
	assert.Equal(t, "/b.go", out[1].Path)
	assert.InDelta(t, out[0].Score, out[1].Score, 1e-9)
	assert.Equal(t, SignalFusion, out[0].Source)
}

func TestFuseResults_SingleSignalContributionKeepsItsTag(t *testing.T) {
	hits := map[Signal][]rankedHit{
		SignalExact: {{Path: "/a.go", Score: 1, Excerpt: "exact hit"}},
		SignalFuzzy: {{Path: "/b.go", Score: 1, Excerpt: "fuzzy hit"}},
	}
	weights := map[Signal]float64{SignalExact: 0.4, SignalFuzzy: 0.3}

	out := fuseResults(hits, weights, 60, 10)
	require.Len(t, out, 2)

	byPath := make(map[string]Result, len(out))
	for _, r := range out {
		byPath[r.Path] = r
	}
	assert.Equal(t, SignalExact, byPath["/a.go"].Source)
	assert.Equal(t, SignalFuzzy, byPath["/b.go"].Source)
}

func TestFuseResults_RespectsLimit(t *testing.T) {
	hits := map[Signal][]rankedHit{
		SignalExact: {{Path: "/a.go"}, {Path: "/b.go"}, {Path: "/c.go"}},
	}
	weights := map[Signal]float64{SignalExact: 1.0}

	out := fuseResults(hits, weights, 60, 2)
	assert.Len(t, out, 2)
}
