package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultDBName)
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegisterProject_InsertsAndReturnsInfo(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	info, err := s.RegisterProject(ctx, "/src/proj", "/idx/proj")
	require.NoError(t, err)
	assert.Equal(t, "/src/proj", info.SourceRoot)
	assert.Equal(t, "/idx/proj", info.IndexRoot)
	assert.Equal(t, StatusActive, info.Status)
	assert.NotZero(t, info.ID)
}

func TestRegisterProject_UpsertsOnConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.RegisterProject(ctx, "/src/proj", "/idx/proj")
	require.NoError(t, err)

	second, err := s.RegisterProject(ctx, "/src/proj", "/idx/proj-v2")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "/idx/proj-v2", second.IndexRoot)
}

func TestGetProject_FindsBySourceRoot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.RegisterProject(ctx, "/src/proj", "/idx/proj")
	require.NoError(t, err)

	info, found, err := s.GetProject(ctx, "/src/proj")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "/src/proj", info.SourceRoot)
}

func TestGetProject_NotFoundReturnsFalse(t *testing.T) {
	s := openTestStore(t)
	_, found, err := s.GetProject(context.Background(), "/missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetProjectByID_Roundtrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.RegisterProject(ctx, "/src/proj", "/idx/proj")
	require.NoError(t, err)

	found, ok, err := s.GetProjectByID(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, created.SourceRoot, found.SourceRoot)
}

func TestUnregisterProject_RemovesRowAndReportsExistence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.RegisterProject(ctx, "/src/proj", "/idx/proj")
	require.NoError(t, err)

	removed, err := s.UnregisterProject(ctx, "/src/proj")
	require.NoError(t, err)
	assert.True(t, removed)

	_, found, err := s.GetProject(ctx, "/src/proj")
	require.NoError(t, err)
	assert.False(t, found)

	removedAgain, err := s.UnregisterProject(ctx, "/src/proj")
	require.NoError(t, err)
	assert.False(t, removedAgain)
}

func TestListProjects_FiltersByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.RegisterProject(ctx, "/src/a", "/idx/a")
	require.NoError(t, err)
	_, err = s.RegisterProject(ctx, "/src/b", "/idx/b")
	require.NoError(t, err)
	require.NoError(t, s.SetProjectStatus(ctx, "/src/b", StatusStale))

	active, err := s.ListProjects(ctx, StatusActive)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	assert.Equal(t, "/src/a", active[0].SourceRoot)

	all, err := s.ListProjects(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpdateProjectStats_UpdatesCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.RegisterProject(ctx, "/src/proj", "/idx/proj")
	require.NoError(t, err)

	require.NoError(t, s.UpdateProjectStats(ctx, "/src/proj", 42, 7))

	info, _, err := s.GetProject(ctx, "/src/proj")
	require.NoError(t, err)
	assert.Equal(t, 42, info.TotalFiles)
	assert.Equal(t, 7, info.TotalDirs)
}

func TestRegisterDir_InsertsAndUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	project, err := s.RegisterProject(ctx, "/src/proj", "/idx/proj")
	require.NoError(t, err)

	mapping, err := s.RegisterDir(ctx, project.ID, "/src/proj/pkg", "/idx/proj/pkg", 1, 3)
	require.NoError(t, err)
	assert.Equal(t, "/src/proj/pkg", mapping.SourcePath)
	assert.Equal(t, 1, mapping.Depth)

	updated, err := s.RegisterDir(ctx, project.ID, "/src/proj/pkg", "/idx/proj/pkg", 1, 9)
	require.NoError(t, err)
	assert.Equal(t, mapping.ID, updated.ID)
	assert.Equal(t, 9, updated.FilesCount)
}

func TestFindIndexPath_ExactMatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	project, err := s.RegisterProject(ctx, "/src/proj", "/idx/proj")
	require.NoError(t, err)
	_, err = s.RegisterDir(ctx, project.ID, "/src/proj/pkg", "/idx/proj/pkg", 1, 3)
	require.NoError(t, err)

	path, found, err := s.FindIndexPath(ctx, "/src/proj/pkg")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "/idx/proj/pkg", path)

	_, found, err = s.FindIndexPath(ctx, "/src/proj/other")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFindNearestIndex_WalksUpToRegisteredAncestor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	project, err := s.RegisterProject(ctx, "/src/proj", "/idx/proj")
	require.NoError(t, err)
	_, err = s.RegisterDir(ctx, project.ID, "/src/proj", "/idx/proj", 0, 10)
	require.NoError(t, err)

	mapping, found, err := s.FindNearestIndex(ctx, "/src/proj/pkg/deep/nested")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "/src/proj", mapping.SourcePath)
}

func TestFindNearestIndex_NoAncestorReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, found, err := s.FindNearestIndex(context.Background(), "/nowhere/at/all")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetProjectDirs_OrdersByDepth(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	project, err := s.RegisterProject(ctx, "/src/proj", "/idx/proj")
	require.NoError(t, err)
	_, err = s.RegisterDir(ctx, project.ID, "/src/proj/pkg/deep", "/idx/proj/pkg/deep", 2, 1)
	require.NoError(t, err)
	_, err = s.RegisterDir(ctx, project.ID, "/src/proj", "/idx/proj", 0, 5)
	require.NoError(t, err)
	_, err = s.RegisterDir(ctx, project.ID, "/src/proj/pkg", "/idx/proj/pkg", 1, 3)
	require.NoError(t, err)

	dirs, err := s.GetProjectDirs(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, dirs, 3)
	assert.Equal(t, "/src/proj", dirs[0].SourcePath)
	assert.Equal(t, "/src/proj/pkg", dirs[1].SourcePath)
	assert.Equal(t, "/src/proj/pkg/deep", dirs[2].SourcePath)
}

func TestGetSubdirs_ReturnsDirectChildrenOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	project, err := s.RegisterProject(ctx, "/src/proj", "/idx/proj")
	require.NoError(t, err)
	_, err = s.RegisterDir(ctx, project.ID, "/src/proj", "/idx/proj", 0, 5)
	require.NoError(t, err)
	_, err = s.RegisterDir(ctx, project.ID, "/src/proj/pkg", "/idx/proj/pkg", 1, 3)
	require.NoError(t, err)
	_, err = s.RegisterDir(ctx, project.ID, "/src/proj/pkg/deep", "/idx/proj/pkg/deep", 2, 1)
	require.NoError(t, err)

	subdirs, err := s.GetSubdirs(ctx, "/src/proj")
	require.NoError(t, err)
	require.Len(t, subdirs, 1)
	assert.Equal(t, "/src/proj/pkg", subdirs[0].SourcePath)
}

func TestUpdateDirStats_UpdatesFilesCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	project, err := s.RegisterProject(ctx, "/src/proj", "/idx/proj")
	require.NoError(t, err)
	_, err = s.RegisterDir(ctx, project.ID, "/src/proj", "/idx/proj", 0, 1)
	require.NoError(t, err)

	require.NoError(t, s.UpdateDirStats(ctx, "/src/proj", 99))

	path, found, err := s.FindIndexPath(ctx, "/src/proj")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "/idx/proj", path)

	mapping, found, err := s.FindNearestIndex(ctx, "/src/proj")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 99, mapping.FilesCount)
}

func TestUpdateIndexPaths_RewritesBothTables(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	project, err := s.RegisterProject(ctx, "/src/proj", "/old/root/proj")
	require.NoError(t, err)
	_, err = s.RegisterDir(ctx, project.ID, "/src/proj", "/old/root/proj", 0, 1)
	require.NoError(t, err)

	n, err := s.UpdateIndexPaths(ctx, "/old/root", "/new/root")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	updatedProject, _, err := s.GetProject(ctx, "/src/proj")
	require.NoError(t, err)
	assert.Equal(t, "/new/root/proj", updatedProject.IndexRoot)

	indexPath, found, err := s.FindIndexPath(ctx, "/src/proj")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "/new/root/proj", indexPath)
}

func TestUnregisterDir_RemovesMapping(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	project, err := s.RegisterProject(ctx, "/src/proj", "/idx/proj")
	require.NoError(t, err)
	_, err = s.RegisterDir(ctx, project.ID, "/src/proj", "/idx/proj", 0, 1)
	require.NoError(t, err)

	removed, err := s.UnregisterDir(ctx, "/src/proj")
	require.NoError(t, err)
	assert.True(t, removed)

	_, found, err := s.FindIndexPath(ctx, "/src/proj")
	require.NoError(t, err)
	assert.False(t, found)
}
