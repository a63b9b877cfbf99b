package dirindex

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codexlens/codexlens/internal/parse"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), IndexDBName))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddFile_InsertsFileAndSymbols(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	symbols := []parse.Symbol{
		{Name: "Foo", Kind: parse.KindFunction, Range: parse.Range{Start: 1, End: 5}},
	}

	id, err := s.AddFile(ctx, "main.go", "/src/main.go", "package main\nfunc Foo() {}\n", "go", time.Now(), symbols)
	require.NoError(t, err)
	assert.NotZero(t, id)

	entry, found, err := s.GetFile(ctx, "/src/main.go")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "main.go", entry.Name)
	assert.Equal(t, "go", entry.Language)

	found1, err := s.SearchSymbols(ctx, "Foo", "", 10)
	require.NoError(t, err)
	require.Len(t, found1, 1)
	assert.Equal(t, parse.KindFunction, found1[0].Kind)
}

func TestAddFile_UpsertReplacesSymbols(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AddFile(ctx, "main.go", "/src/main.go", "v1", "go", time.Now(),
		[]parse.Symbol{{Name: "Old", Kind: parse.KindFunction, Range: parse.Range{Start: 1, End: 1}}})
	require.NoError(t, err)

	_, err = s.AddFile(ctx, "main.go", "/src/main.go", "v2", "go", time.Now(),
		[]parse.Symbol{{Name: "New", Kind: parse.KindFunction, Range: parse.Range{Start: 2, End: 2}}})
	require.NoError(t, err)

	oldSyms, err := s.SearchSymbols(ctx, "Old", "", 10)
	require.NoError(t, err)
	assert.Empty(t, oldSyms)

	newSyms, err := s.SearchSymbols(ctx, "New", "", 10)
	require.NoError(t, err)
	assert.Len(t, newSyms, 1)
}

func TestRemoveFile_DeletesAndIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AddFile(ctx, "a.go", "/src/a.go", "package a", "go", time.Now(), nil)
	require.NoError(t, err)

	removed, err := s.RemoveFile(ctx, "/src/a.go")
	require.NoError(t, err)
	assert.True(t, removed)

	removedAgain, err := s.RemoveFile(ctx, "/src/a.go")
	require.NoError(t, err)
	assert.False(t, removedAgain)

	_, found, err := s.GetFile(ctx, "/src/a.go")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAddFilesBatch_InsertsAll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	batch := []FileBatch{
		{Name: "a.go", FullPath: "/src/a.go", Content: "package a", Language: "go"},
		{Name: "b.go", FullPath: "/src/b.go", Content: "package b", Language: "go"},
	}

	count, err := s.AddFilesBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	files, err := s.ListFiles(ctx)
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestSearchFTSExact_FindsContentAndTreatsUnderscoreAsWordChar(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AddFile(ctx, "user.go", "/src/user.go", "var user_id int", "go", time.Now(), nil)
	require.NoError(t, err)

	results, err := s.SearchFTSExact(ctx, "user_id", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "/src/user.go", results[0].Path)
	assert.GreaterOrEqual(t, results[0].Score, 0.0)
}

func TestSearchFTSFuzzy_MatchesTypoTolerantly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AddFile(ctx, "widget.go", "/src/widget.go", "func ProcessWidget() {}", "go", time.Now(), nil)
	require.NoError(t, err)

	results, err := s.SearchFTSFuzzy(ctx, "Widget", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}

func TestSearchFilesOnly_SkipsExcerpt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AddFile(ctx, "a.go", "/src/a.go", "package alpha", "go", time.Now(), nil)
	require.NoError(t, err)

	paths, err := s.SearchFilesOnly(ctx, "alpha", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"/src/a.go"}, paths)
}

func TestRegisterSubdir_UpsertsAndLists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterSubdir(ctx, "pkg", "/idx/pkg/_index.db", 3, 3))
	require.NoError(t, s.RegisterSubdir(ctx, "pkg", "/idx/pkg/_index.db", 10, 5))

	subdirs, err := s.GetSubdirs(ctx)
	require.NoError(t, err)
	require.Len(t, subdirs, 1)
	assert.Equal(t, 10, subdirs[0].FilesCount)
	assert.Equal(t, 5, subdirs[0].DirectFiles)
}

func TestUnregisterSubdir_RemovesLink(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterSubdir(ctx, "pkg", "/idx/pkg/_index.db", 1, 1))

	removed, err := s.UnregisterSubdir(ctx, "pkg")
	require.NoError(t, err)
	assert.True(t, removed)

	_, found, err := s.GetSubdir(ctx, "pkg")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAddChunks_StoresEmbeddingColumns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chunks := []Chunk{
		{Content: "chunk one", EmbeddingBinary: []byte{1, 2, 3}, EmbeddingDense: []byte{4, 5, 6}},
		{Content: "chunk two"},
	}

	ids, err := s.AddChunks(ctx, "/src/a.go", chunks)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	binEmbeddings, err := s.GetBinaryEmbeddings(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, binEmbeddings[ids[0]])
	assert.Nil(t, binEmbeddings[ids[1]])

	count, err := s.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestGetChunksByIDs_ReturnsFullRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ids, err := s.AddChunks(ctx, "/src/a.go", []Chunk{{Content: "hello"}})
	require.NoError(t, err)

	chunks, err := s.GetChunksByIDs(ctx, ids)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello", chunks[0].Content)
	assert.Equal(t, "/src/a.go", chunks[0].FilePath)
}

func TestDeleteChunksByFile_RemovesAllForThatFile(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AddChunks(ctx, "/src/a.go", []Chunk{{Content: "one"}, {Content: "two"}})
	require.NoError(t, err)
	_, err = s.AddChunks(ctx, "/src/b.go", []Chunk{{Content: "three"}})
	require.NoError(t, err)

	n, err := s.DeleteChunksByFile(ctx, "/src/a.go")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := s.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStats_ReportsCountsAndLanguages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AddFile(ctx, "a.go", "/src/a.go", "package a", "go", time.Now(),
		[]parse.Symbol{{Name: "Foo", Kind: parse.KindFunction, Range: parse.Range{Start: 1, End: 1}}})
	require.NoError(t, err)
	_, err = s.AddFile(ctx, "b.py", "/src/b.py", "x = 1", "python", time.Now(), nil)
	require.NoError(t, err)
	require.NoError(t, s.RegisterSubdir(ctx, "pkg", "/idx/pkg/_index.db", 7, 7))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, 1, stats.Symbols)
	assert.Equal(t, 1, stats.Subdirs)
	assert.Equal(t, 9, stats.TotalFiles)
	assert.Equal(t, 1, stats.Languages["go"])
	assert.Equal(t, 1, stats.Languages["python"])
}

func TestNeedsReindex_TrueWhenNotIndexed(t *testing.T) {
	s := openTestStore(t)
	needs, err := s.NeedsReindex(context.Background(), filepath.Join(t.TempDir(), "missing.go"))
	require.NoError(t, err)
	assert.True(t, needs)
}

func TestSchemaVersion_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), IndexDBName)

	s1, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	var version int
	require.NoError(t, s2.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, SchemaVersion, version)
}
