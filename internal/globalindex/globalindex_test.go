package globalindex

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codexlens/codexlens/internal/parse"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), DefaultDBName), 1)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddSymbol_InsertsAndIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sym := parse.Symbol{Name: "Handler", Kind: parse.KindFunction, Range: parse.Range{Start: 1, End: 10}}
	require.NoError(t, s.AddSymbol(ctx, sym, "/src/h.go", "/idx/h"))
	require.NoError(t, s.AddSymbol(ctx, sym, "/src/h.go", "/idx/h-v2"))

	results, err := s.Search(ctx, "Handler", "", 10, true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "/src/h.go", results[0].FilePath)
}

func TestUpdateFileSymbols_ReplacesAtomically(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.UpdateFileSymbols(ctx, "/src/a.go", []parse.Symbol{
		{Name: "Old", Kind: parse.KindFunction, Range: parse.Range{Start: 1, End: 1}},
	}, "/idx/a")
	require.NoError(t, err)

	err = s.UpdateFileSymbols(ctx, "/src/a.go", []parse.Symbol{
		{Name: "New", Kind: parse.KindFunction, Range: parse.Range{Start: 2, End: 2}},
	}, "/idx/a")
	require.NoError(t, err)

	old, err := s.Search(ctx, "Old", "", 10, false)
	require.NoError(t, err)
	assert.Empty(t, old)

	fresh, err := s.Search(ctx, "New", "", 10, false)
	require.NoError(t, err)
	assert.Len(t, fresh, 1)
}

func TestUpdateFileSymbols_RequiresIndexPathWhenInsertingNew(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.UpdateFileSymbols(ctx, "/src/a.go", []parse.Symbol{
		{Name: "New", Kind: parse.KindFunction, Range: parse.Range{Start: 1, End: 1}},
	}, "")
	require.Error(t, err)
}

func TestDeleteFileSymbols_RemovesAllForFile(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateFileSymbols(ctx, "/src/a.go", []parse.Symbol{
		{Name: "Foo", Kind: parse.KindFunction, Range: parse.Range{Start: 1, End: 1}},
		{Name: "Bar", Kind: parse.KindFunction, Range: parse.Range{Start: 2, End: 2}},
	}, "/idx/a"))

	n, err := s.DeleteFileSymbols(ctx, "/src/a.go")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSearch_PrefixModeVsSubstringMode(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateFileSymbols(ctx, "/src/a.go", []parse.Symbol{
		{Name: "HandleRequest", Kind: parse.KindFunction, Range: parse.Range{Start: 1, End: 1}},
		{Name: "RequestHandler", Kind: parse.KindFunction, Range: parse.Range{Start: 2, End: 2}},
	}, "/idx/a"))

	prefix, err := s.Search(ctx, "Handle", "", 10, true)
	require.NoError(t, err)
	assert.Len(t, prefix, 1)

	substring, err := s.Search(ctx, "Handl", "", 10, false)
	require.NoError(t, err)
	assert.Len(t, substring, 2)
}

func TestSearch_FiltersByKind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateFileSymbols(ctx, "/src/a.go", []parse.Symbol{
		{Name: "Widget", Kind: parse.KindClass, Range: parse.Range{Start: 1, End: 1}},
		{Name: "WidgetFactory", Kind: parse.KindFunction, Range: parse.Range{Start: 2, End: 2}},
	}, "/idx/a"))

	classes, err := s.Search(ctx, "Widget", parse.KindClass, 10, true)
	require.NoError(t, err)
	require.Len(t, classes, 1)
	assert.Equal(t, parse.KindClass, classes[0].Kind)
}

func TestProjectScoping_DoesNotLeakAcrossProjects(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), DefaultDBName)

	s1, err := Open(dbPath, 1)
	require.NoError(t, err)
	defer s1.Close()
	require.NoError(t, s1.UpdateFileSymbols(context.Background(), "/src/a.go", []parse.Symbol{
		{Name: "Only1", Kind: parse.KindFunction, Range: parse.Range{Start: 1, End: 1}},
	}, "/idx/a"))

	s2, err := Open(dbPath, 2)
	require.NoError(t, err)
	defer s2.Close()

	results, err := s2.Search(context.Background(), "Only1", "", 10, false)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestExistingIndexPath_FoundAndNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateFileSymbols(ctx, "/src/a.go", []parse.Symbol{
		{Name: "Foo", Kind: parse.KindFunction, Range: parse.Range{Start: 1, End: 1}},
	}, "/idx/a"))

	path, found, err := s.ExistingIndexPath(ctx, "/src/a.go")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "/idx/a", path)

	_, found, err = s.ExistingIndexPath(ctx, "/src/missing.go")
	require.NoError(t, err)
	assert.False(t, found)
}
