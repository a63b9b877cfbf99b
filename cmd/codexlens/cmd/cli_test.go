package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newProjectFixture lays out a tiny on-disk Go project and points
// CODEXLENS_INDEX_DIR at a scratch directory so each test gets its own
// registry and index tree.
func newProjectFixture(t *testing.T) string {
	t.Helper()
	t.Setenv("CODEXLENS_INDEX_DIR", filepath.Join(t.TempDir(), "indexes"))

	root := filepath.Join(t.TempDir(), "project")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"),
		[]byte("func Authenticate(user string) bool { return true }\n"), 0o644))
	return root
}

func TestVersionCmd_PrintsVersionString(t *testing.T) {
	cmd := newVersionCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "codexlens")
}

func TestVersionCmd_ShortFlagPrintsBareVersionNumber(t *testing.T) {
	cmd := newVersionCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"--short"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "dev\n", out.String())
}

func TestIndexCmd_BuildsTreeAndReportsFileCount(t *testing.T) {
	root := newProjectFixture(t)

	cmd := newIndexCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{root})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "indexed")
	assert.Contains(t, out.String(), "1 files")
}

func TestSearchCmd_FindsIndexedSymbolByExactMatch(t *testing.T) {
	root := newProjectFixture(t)

	indexCmd := newIndexCmd()
	indexCmd.SetOut(&bytes.Buffer{})
	indexCmd.SetErr(&bytes.Buffer{})
	indexCmd.SetArgs([]string{root})
	require.NoError(t, indexCmd.Execute())

	searchCmd := newSearchCmd()
	out := &bytes.Buffer{}
	searchCmd.SetOut(out)
	searchCmd.SetErr(&bytes.Buffer{})
	searchCmd.SetArgs([]string{"--path", root, "--mode", "exact", "Authenticate"})
	require.NoError(t, searchCmd.Execute())
	assert.Contains(t, out.String(), "main.go")
}

func TestSearchCmd_CascadeBinaryStrategyFallsBackWithoutEmbeddings(t *testing.T) {
	root := newProjectFixture(t)

	indexCmd := newIndexCmd()
	indexCmd.SetOut(&bytes.Buffer{})
	indexCmd.SetErr(&bytes.Buffer{})
	indexCmd.SetArgs([]string{root})
	require.NoError(t, indexCmd.Execute())

	searchCmd := newSearchCmd()
	out := &bytes.Buffer{}
	searchCmd.SetOut(out)
	searchCmd.SetErr(&bytes.Buffer{})
	searchCmd.SetArgs([]string{"--path", root, "--cascade", "binary", "Authenticate"})
	require.NoError(t, searchCmd.Execute())
	assert.Contains(t, out.String(), "main.go")
}

func TestStatusCmd_ListsIndexedProjectAfterIndexing(t *testing.T) {
	root := newProjectFixture(t)

	indexCmd := newIndexCmd()
	indexCmd.SetOut(&bytes.Buffer{})
	indexCmd.SetErr(&bytes.Buffer{})
	indexCmd.SetArgs([]string{root})
	require.NoError(t, indexCmd.Execute())

	statusCmd := newStatusCmd()
	out := &bytes.Buffer{}
	statusCmd.SetOut(out)
	statusCmd.SetArgs([]string{})
	require.NoError(t, statusCmd.Execute())
	assert.Contains(t, out.String(), root)
}

func TestStatusCmd_ReportsNoProjectsWhenNoneIndexed(t *testing.T) {
	t.Setenv("CODEXLENS_INDEX_DIR", filepath.Join(t.TempDir(), "indexes"))

	statusCmd := newStatusCmd()
	out := &bytes.Buffer{}
	statusCmd.SetOut(out)
	statusCmd.SetArgs([]string{})
	require.NoError(t, statusCmd.Execute())
	assert.Contains(t, out.String(), "no indexed projects")
}

func TestStatsCmd_AggregatesFileAndSymbolCountsForIndexedProject(t *testing.T) {
	root := newProjectFixture(t)

	indexCmd := newIndexCmd()
	indexCmd.SetOut(&bytes.Buffer{})
	indexCmd.SetErr(&bytes.Buffer{})
	indexCmd.SetArgs([]string{root})
	require.NoError(t, indexCmd.Execute())

	statsCmd := newStatsCmd()
	out := &bytes.Buffer{}
	statsCmd.SetOut(out)
	statsCmd.SetArgs([]string{root})
	require.NoError(t, statsCmd.Execute())
	assert.Contains(t, out.String(), "files: 1")
	assert.Contains(t, out.String(), "symbols: 1")
}

func TestStatsCmd_ReportsUnindexedForUnknownPath(t *testing.T) {
	t.Setenv("CODEXLENS_INDEX_DIR", filepath.Join(t.TempDir(), "indexes"))
	root := t.TempDir()

	statsCmd := newStatsCmd()
	out := &bytes.Buffer{}
	statsCmd.SetOut(out)
	statsCmd.SetArgs([]string{root})
	require.NoError(t, statsCmd.Execute())
	assert.Contains(t, out.String(), "is not indexed")
}
