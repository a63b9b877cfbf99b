// Package registry implements the process-wide project and directory
// registry: the flat catalog of every indexed source root and every
// directory within it that has its own DirIndex, independent of any one
// project's on-disk layout.
package registry

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	codexerrors "github.com/codexlens/codexlens/internal/errors"
)

// DefaultDBName is the registry database's standard filename.
const DefaultDBName = "registry.db"

// ProjectStatus values recorded on a project row.
const (
	StatusActive  = "active"
	StatusStale   = "stale"
	StatusRemoved = "removed"
)

// ProjectInfo is one registered project: a source root and where its
// indexes live.
type ProjectInfo struct {
	ID          int64
	SourceRoot  string
	IndexRoot   string
	CreatedAt   time.Time
	LastIndexed time.Time
	TotalFiles  int
	TotalDirs   int
	Status      string
}

// DirMapping is one directory's source-path-to-index-path mapping.
type DirMapping struct {
	ID          int64
	ProjectID   int64
	SourcePath  string
	IndexPath   string
	Depth       int
	FilesCount  int
	LastUpdated time.Time
}

// Store is the registry's SQLite-backed storage. It is safe for concurrent
// use within one process (a mutex serializes writes) and across processes
// (an advisory file lock guards the same serialization).
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	lock *flock.Flock
	path string
}

// Open opens (creating if absent) the registry database at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, codexerrors.Storage("open registry", path, err)
	}

	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, codexerrors.Storage("open registry", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:   db,
		lock: flock.New(path + ".lock"),
		path: path,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id INTEGER PRIMARY KEY,
	source_root TEXT UNIQUE NOT NULL,
	index_root TEXT NOT NULL,
	created_at REAL,
	last_indexed REAL,
	total_files INTEGER DEFAULT 0,
	total_dirs INTEGER DEFAULT 0,
	status TEXT DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS dir_mapping (
	id INTEGER PRIMARY KEY,
	project_id INTEGER REFERENCES projects(id) ON DELETE CASCADE,
	source_path TEXT NOT NULL,
	index_path TEXT NOT NULL,
	depth INTEGER,
	files_count INTEGER DEFAULT 0,
	last_updated REAL,
	UNIQUE(source_path)
);

CREATE INDEX IF NOT EXISTS idx_dir_source ON dir_mapping(source_path);
CREATE INDEX IF NOT EXISTS idx_dir_project ON dir_mapping(project_id);
CREATE INDEX IF NOT EXISTS idx_project_source ON projects(source_root);
`
	if _, err := s.db.Exec(schema); err != nil {
		return codexerrors.Storage("create registry schema", s.path, err)
	}
	return nil
}

// withLock serializes fn against other goroutines in this process and other
// processes holding the registry file lock.
func (s *Store) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return codexerrors.Storage("lock registry", s.path, err)
	}
	defer s.lock.Unlock()

	return fn()
}

// === Project operations ===

// RegisterProject inserts a new project or reactivates/updates an existing
// one keyed by source root.
func (s *Store) RegisterProject(ctx context.Context, sourceRoot, indexRoot string) (*ProjectInfo, error) {
	var info *ProjectInfo
	err := s.withLock(func() error {
		now := nowUnix()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO projects(source_root, index_root, created_at, last_indexed)
			VALUES(?, ?, ?, ?)
			ON CONFLICT(source_root) DO UPDATE SET
				index_root=excluded.index_root,
				last_indexed=excluded.last_indexed,
				status='active'
		`, sourceRoot, indexRoot, now, now)
		if err != nil {
			return codexerrors.Storage("register project", s.path, err)
		}

		row := s.db.QueryRowContext(ctx, projectSelectCols+" WHERE source_root=?", sourceRoot)
		info, err = scanProject(row)
		return err
	})
	return info, err
}

// UnregisterProject removes a project (cascading to its directory mappings)
// and reports whether it existed.
func (s *Store) UnregisterProject(ctx context.Context, sourceRoot string) (bool, error) {
	var removed bool
	err := s.withLock(func() error {
		res, err := s.db.ExecContext(ctx, "DELETE FROM projects WHERE source_root=?", sourceRoot)
		if err != nil {
			return codexerrors.Storage("unregister project", s.path, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return codexerrors.Storage("unregister project", s.path, err)
		}
		removed = n > 0
		return nil
	})
	return removed, err
}

// GetProject looks up a project by its source root.
func (s *Store) GetProject(ctx context.Context, sourceRoot string) (*ProjectInfo, bool, error) {
	row := s.db.QueryRowContext(ctx, projectSelectCols+" WHERE source_root=?", sourceRoot)
	info, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return info, true, nil
}

// GetProjectByID looks up a project by its database id.
func (s *Store) GetProjectByID(ctx context.Context, id int64) (*ProjectInfo, bool, error) {
	row := s.db.QueryRowContext(ctx, projectSelectCols+" WHERE id=?", id)
	info, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return info, true, nil
}

// ListProjects returns all registered projects, optionally filtered by
// status; an empty status lists every project.
func (s *Store) ListProjects(ctx context.Context, status string) ([]*ProjectInfo, error) {
	query := projectSelectCols + " ORDER BY created_at DESC"
	args := []any{}
	if status != "" {
		query = projectSelectCols + " WHERE status=? ORDER BY created_at DESC"
		args = append(args, status)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, codexerrors.Storage("list projects", s.path, err)
	}
	defer rows.Close()

	var out []*ProjectInfo
	for rows.Next() {
		info, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// UpdateProjectStats records a project's latest file/directory counts.
func (s *Store) UpdateProjectStats(ctx context.Context, sourceRoot string, totalFiles, totalDirs int) error {
	return s.withLock(func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE projects SET total_files=?, total_dirs=?, last_indexed=?
			WHERE source_root=?
		`, totalFiles, totalDirs, nowUnix(), sourceRoot)
		if err != nil {
			return codexerrors.Storage("update project stats", s.path, err)
		}
		return nil
	})
}

// SetProjectStatus updates a project's status (active/stale/removed).
func (s *Store) SetProjectStatus(ctx context.Context, sourceRoot, status string) error {
	return s.withLock(func() error {
		_, err := s.db.ExecContext(ctx, "UPDATE projects SET status=? WHERE source_root=?", status, sourceRoot)
		if err != nil {
			return codexerrors.Storage("set project status", s.path, err)
		}
		return nil
	})
}

// === Directory mapping operations ===

// RegisterDir inserts or updates a directory's source-to-index mapping.
func (s *Store) RegisterDir(ctx context.Context, projectID int64, sourcePath, indexPath string, depth, filesCount int) (*DirMapping, error) {
	var mapping *DirMapping
	err := s.withLock(func() error {
		now := nowUnix()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO dir_mapping(project_id, source_path, index_path, depth, files_count, last_updated)
			VALUES(?, ?, ?, ?, ?, ?)
			ON CONFLICT(source_path) DO UPDATE SET
				index_path=excluded.index_path,
				depth=excluded.depth,
				files_count=excluded.files_count,
				last_updated=excluded.last_updated
		`, projectID, sourcePath, indexPath, depth, filesCount, now)
		if err != nil {
			return codexerrors.Storage("register directory", s.path, err)
		}

		row := s.db.QueryRowContext(ctx, dirSelectCols+" WHERE source_path=?", sourcePath)
		mapping, err = scanDirMapping(row)
		return err
	})
	return mapping, err
}

// UnregisterDir removes a directory mapping and reports whether it existed.
func (s *Store) UnregisterDir(ctx context.Context, sourcePath string) (bool, error) {
	var removed bool
	err := s.withLock(func() error {
		res, err := s.db.ExecContext(ctx, "DELETE FROM dir_mapping WHERE source_path=?", sourcePath)
		if err != nil {
			return codexerrors.Storage("unregister directory", s.path, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return codexerrors.Storage("unregister directory", s.path, err)
		}
		removed = n > 0
		return nil
	})
	return removed, err
}

// FindIndexPath returns the index path registered for an exact source path.
func (s *Store) FindIndexPath(ctx context.Context, sourcePath string) (string, bool, error) {
	var indexPath string
	err := s.db.QueryRowContext(ctx, "SELECT index_path FROM dir_mapping WHERE source_path=?", sourcePath).Scan(&indexPath)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, codexerrors.Storage("find index path", s.path, err)
	}
	return indexPath, true, nil
}

// FindNearestIndex walks sourcePath's ancestors (including itself) and
// returns the mapping for the closest one that is registered.
func (s *Store) FindNearestIndex(ctx context.Context, sourcePath string) (*DirMapping, bool, error) {
	current := sourcePath
	for {
		row := s.db.QueryRowContext(ctx, dirSelectCols+" WHERE source_path=?", current)
		mapping, err := scanDirMapping(row)
		if err == nil {
			return mapping, true, nil
		}
		if err != sql.ErrNoRows {
			return nil, false, err
		}

		parent := filepath.Dir(current)
		if parent == current {
			return nil, false, nil
		}
		current = parent
	}
}

// GetProjectDirs returns every directory mapping belonging to a project,
// ordered shallowest-first.
func (s *Store) GetProjectDirs(ctx context.Context, projectID int64) ([]*DirMapping, error) {
	rows, err := s.db.QueryContext(ctx, dirSelectCols+" WHERE project_id=? ORDER BY depth, source_path", projectID)
	if err != nil {
		return nil, codexerrors.Storage("get project dirs", s.path, err)
	}
	defer rows.Close()

	var out []*DirMapping
	for rows.Next() {
		mapping, err := scanDirMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mapping)
	}
	return out, rows.Err()
}

// GetSubdirs returns the direct child directory mappings of sourcePath.
func (s *Store) GetSubdirs(ctx context.Context, sourcePath string) ([]*DirMapping, error) {
	var parentDepth, projectID int64
	err := s.db.QueryRowContext(ctx, "SELECT depth, project_id FROM dir_mapping WHERE source_path=?", sourcePath).
		Scan(&parentDepth, &projectID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, codexerrors.Storage("get subdirs", s.path, err)
	}

	rows, err := s.db.QueryContext(ctx, dirSelectCols+`
		WHERE project_id=? AND depth=? AND source_path LIKE ?
		ORDER BY source_path
	`, projectID, parentDepth+1, sourcePath+"%")
	if err != nil {
		return nil, codexerrors.Storage("get subdirs", s.path, err)
	}
	defer rows.Close()

	var out []*DirMapping
	for rows.Next() {
		mapping, err := scanDirMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mapping)
	}
	return out, rows.Err()
}

// UpdateDirStats records a directory's latest file count.
func (s *Store) UpdateDirStats(ctx context.Context, sourcePath string, filesCount int) error {
	return s.withLock(func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE dir_mapping SET files_count=?, last_updated=? WHERE source_path=?
		`, filesCount, nowUnix(), sourcePath)
		if err != nil {
			return codexerrors.Storage("update dir stats", s.path, err)
		}
		return nil
	})
}

// UpdateIndexPaths rewrites every stored index path whose prefix is oldRoot
// to use newRoot instead, for moving the index root after the fact. It
// returns the number of rows touched across both tables.
func (s *Store) UpdateIndexPaths(ctx context.Context, oldRoot, newRoot string) (int64, error) {
	var total int64
	err := s.withLock(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE projects SET index_root = REPLACE(index_root, ?, ?) WHERE index_root LIKE ?
		`, oldRoot, newRoot, oldRoot+"%")
		if err != nil {
			return codexerrors.Storage("update index paths", s.path, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}

		res, err = s.db.ExecContext(ctx, `
			UPDATE dir_mapping SET index_path = REPLACE(index_path, ?, ?) WHERE index_path LIKE ?
		`, oldRoot, newRoot, oldRoot+"%")
		if err != nil {
			return codexerrors.Storage("update index paths", s.path, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
		return nil
	})
	return total, err
}

// === scanning helpers ===

const projectSelectCols = "SELECT id, source_root, index_root, created_at, last_indexed, total_files, total_dirs, status FROM projects"
const dirSelectCols = "SELECT id, project_id, source_path, index_path, depth, files_count, last_updated FROM dir_mapping"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*ProjectInfo, error) {
	var p ProjectInfo
	var createdAt, lastIndexed sql.NullFloat64
	if err := row.Scan(&p.ID, &p.SourceRoot, &p.IndexRoot, &createdAt, &lastIndexed, &p.TotalFiles, &p.TotalDirs, &p.Status); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, codexerrors.Storage("scan project row", "", err)
	}
	p.CreatedAt = unixToTime(createdAt.Float64)
	p.LastIndexed = unixToTime(lastIndexed.Float64)
	return &p, nil
}

func scanDirMapping(row rowScanner) (*DirMapping, error) {
	var d DirMapping
	var lastUpdated sql.NullFloat64
	if err := row.Scan(&d.ID, &d.ProjectID, &d.SourcePath, &d.IndexPath, &d.Depth, &d.FilesCount, &lastUpdated); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, codexerrors.Storage("scan dir mapping row", "", err)
	}
	d.LastUpdated = unixToTime(lastUpdated.Float64)
	return &d, nil
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func unixToTime(seconds float64) time.Time {
	if seconds == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(seconds*1e9))
}
