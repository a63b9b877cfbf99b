package pathmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultsIndexRootFromEnv(t *testing.T) {
	root := t.TempDir()
	t.Setenv("CODEXLENS_INDEX_DIR", root)

	m, err := New("")
	require.NoError(t, err)
	assert.Equal(t, root, m.IndexRoot())
}

func TestNew_ResolvesIndexRootToAbsolutePath(t *testing.T) {
	root := t.TempDir()
	m, err := New(root)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(m.IndexRoot()))
}

func TestSourceToIndexDir_PreservesDirectoryStructure(t *testing.T) {
	indexRoot := t.TempDir()
	m, err := New(indexRoot)
	require.NoError(t, err)

	source := filepath.Join(t.TempDir(), "project", "src")
	require.NoError(t, os.MkdirAll(source, 0o755))

	indexDir, err := m.SourceToIndexDir(source)
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(indexDir))
	assert.Contains(t, indexDir, "project")
	assert.Contains(t, indexDir, "src")
}

func TestSourceToIndexDB_AppendsIndexDBName(t *testing.T) {
	indexRoot := t.TempDir()
	m, err := New(indexRoot)
	require.NoError(t, err)

	source := t.TempDir()
	dbPath, err := m.SourceToIndexDB(source)
	require.NoError(t, err)
	assert.Equal(t, IndexDBName, filepath.Base(dbPath))
}

func TestIndexToSource_RoundTripsWithSourceToIndexDir(t *testing.T) {
	indexRoot := t.TempDir()
	m, err := New(indexRoot)
	require.NoError(t, err)

	source := filepath.Join(t.TempDir(), "repo", "pkg")
	require.NoError(t, os.MkdirAll(source, 0o755))

	indexDir, err := m.SourceToIndexDir(source)
	require.NoError(t, err)

	recovered, err := m.IndexToSource(indexDir)
	require.NoError(t, err)

	absSource, err := filepath.Abs(source)
	require.NoError(t, err)
	assert.Equal(t, absSource, recovered)
}

func TestIndexToSource_RoundTripsThroughIndexDBPath(t *testing.T) {
	indexRoot := t.TempDir()
	m, err := New(indexRoot)
	require.NoError(t, err)

	source := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(source, 0o755))

	dbPath, err := m.SourceToIndexDB(source)
	require.NoError(t, err)

	recovered, err := m.IndexToSource(dbPath)
	require.NoError(t, err)

	absSource, err := filepath.Abs(source)
	require.NoError(t, err)
	assert.Equal(t, absSource, recovered)
}

func TestIndexToSource_RejectsPathOutsideIndexRoot(t *testing.T) {
	indexRoot := t.TempDir()
	m, err := New(indexRoot)
	require.NoError(t, err)

	_, err = m.IndexToSource(t.TempDir())
	require.Error(t, err)
}

func TestProjectRoot_WalksUpThroughIndexedAncestors(t *testing.T) {
	indexRoot := t.TempDir()
	m, err := New(indexRoot)
	require.NoError(t, err)

	projectDir := t.TempDir()
	srcDir := filepath.Join(projectDir, "src")
	pkgDir := filepath.Join(srcDir, "pkg")
	require.NoError(t, os.MkdirAll(pkgDir, 0o755))

	for _, dir := range []string{projectDir, srcDir} {
		dbPath, err := m.SourceToIndexDB(dir)
		require.NoError(t, err)
		require.NoError(t, os.MkdirAll(filepath.Dir(dbPath), 0o755))
		require.NoError(t, os.WriteFile(dbPath, []byte{}, 0o644))
	}

	root, err := m.ProjectRoot(pkgDir)
	require.NoError(t, err)

	absProject, err := filepath.Abs(projectDir)
	require.NoError(t, err)
	assert.Equal(t, absProject, root)
}

func TestProjectRoot_ReturnsSelfWhenNoIndexedAncestor(t *testing.T) {
	indexRoot := t.TempDir()
	m, err := New(indexRoot)
	require.NoError(t, err)

	source := t.TempDir()
	root, err := m.ProjectRoot(source)
	require.NoError(t, err)

	absSource, err := filepath.Abs(source)
	require.NoError(t, err)
	assert.Equal(t, absSource, root)
}

func TestRelativeDepth_CountsPathComponents(t *testing.T) {
	indexRoot := t.TempDir()
	m, err := New(indexRoot)
	require.NoError(t, err)

	projectRoot := t.TempDir()
	nested := filepath.Join(projectRoot, "src", "pkg")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	depth, err := m.RelativeDepth(nested, projectRoot)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestRelativeDepth_ZeroAtProjectRoot(t *testing.T) {
	indexRoot := t.TempDir()
	m, err := New(indexRoot)
	require.NoError(t, err)

	projectRoot := t.TempDir()
	depth, err := m.RelativeDepth(projectRoot, projectRoot)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestRelativeDepth_RejectsPathNotUnderRoot(t *testing.T) {
	indexRoot := t.TempDir()
	m, err := New(indexRoot)
	require.NoError(t, err)

	_, err = m.RelativeDepth(t.TempDir(), t.TempDir())
	require.Error(t, err)
}
