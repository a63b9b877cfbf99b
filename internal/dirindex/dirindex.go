// Package dirindex implements the per-directory index database: the leaf
// storage unit of the hierarchical tree, holding the files directly in one
// source directory, their symbols, full-text indexes, chunk embeddings, and
// links to each subdirectory's own index.
package dirindex

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	codexerrors "github.com/codexlens/codexlens/internal/errors"
	"github.com/codexlens/codexlens/internal/parse"
)

// IndexDBName is the standard filename for a directory's index database.
const IndexDBName = "_index.db"

// SchemaVersion is the schema version this code writes and reads. Opening an
// older database migrates it in place; opening a newer one fails closed.
const SchemaVersion = 4

// FileEntry is one indexed file's metadata.
type FileEntry struct {
	ID        int64
	Name      string
	FullPath  string
	Language  string
	MTime     time.Time
	LineCount int
}

// SubdirLink points at a child directory's own index database.
type SubdirLink struct {
	ID          int64
	Name        string
	IndexPath   string
	FilesCount  int
	DirectFiles int
	LastUpdated time.Time
}

// Chunk is one embeddable unit of a file's content, carrying whichever
// embedding vectors have been computed for it.
type Chunk struct {
	ID              int64
	FilePath        string
	Content         string
	Embedding       []byte
	EmbeddingBinary []byte
	EmbeddingDense  []byte
	Metadata        string
	CreatedAt       time.Time
}

// SearchResult is one full-text match.
type SearchResult struct {
	Path    string
	Score   float64
	Excerpt string
}

// Store is a single directory's index database.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	dbPath string
}

// Open opens (creating and migrating as needed) the DirIndex at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, codexerrors.Storage("open dirindex", dbPath, err)
	}

	dsn := dbPath + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, codexerrors.Storage("open dirindex", dbPath, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return codexerrors.Storage("read schema version", s.dbPath, err)
	}

	if version > SchemaVersion {
		return codexerrors.New(codexerrors.ErrCodeSchemaTooNew,
			fmt.Sprintf("dirindex schema v%d is newer than supported v%d", version, SchemaVersion), nil).
			WithDetail("db_path", s.dbPath)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return codexerrors.Storage("begin migration", s.dbPath, err)
	}
	defer tx.Rollback()

	if err := createSchema(tx); err != nil {
		return err
	}
	if err := createFTSTriggers(tx); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
		return codexerrors.Storage("write schema version", s.dbPath, err)
	}

	if err := tx.Commit(); err != nil {
		return codexerrors.Storage("commit migration", s.dbPath, err)
	}
	return nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func createSchema(tx execer) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS files (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			full_path TEXT UNIQUE NOT NULL,
			language TEXT,
			content TEXT,
			mtime REAL,
			line_count INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS symbols (
			id INTEGER PRIMARY KEY,
			file_id INTEGER REFERENCES files(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			start_line INTEGER,
			end_line INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS subdirs (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			index_path TEXT NOT NULL,
			files_count INTEGER DEFAULT 0,
			direct_files INTEGER DEFAULT 0,
			last_updated REAL
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			file_path TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding BLOB,
			embedding_binary BLOB,
			embedding_dense BLOB,
			metadata TEXT,
			created_at REAL
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS files_fts USING fts5(
			name, full_path UNINDEXED, content,
			content='files',
			content_rowid='id',
			tokenize="unicode61 tokenchars '_'"
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS files_fts_fuzzy USING fts5(
			name, full_path UNINDEXED, content,
			content='files',
			content_rowid='id',
			tokenize="trigram"
		)`,
		`CREATE INDEX IF NOT EXISTS idx_files_name ON files(name)`,
		`CREATE INDEX IF NOT EXISTS idx_files_path ON files(full_path)`,
		`CREATE INDEX IF NOT EXISTS idx_subdirs_name ON subdirs(name)`,
		`CREATE INDEX IF NOT EXISTS idx_symbols_name ON symbols(name)`,
		`CREATE INDEX IF NOT EXISTS idx_symbols_kind ON symbols(kind)`,
		`CREATE INDEX IF NOT EXISTS idx_symbols_file ON symbols(file_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_file_path ON chunks(file_path)`,
	}

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return codexerrors.Storage("create dirindex schema", "", err)
		}
	}
	return nil
}

func createFTSTriggers(tx execer) error {
	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS files_ai AFTER INSERT ON files BEGIN
			INSERT INTO files_fts(rowid, name, full_path, content) VALUES(new.id, new.name, new.full_path, new.content);
			INSERT INTO files_fts_fuzzy(rowid, name, full_path, content) VALUES(new.id, new.name, new.full_path, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS files_ad AFTER DELETE ON files BEGIN
			INSERT INTO files_fts(files_fts, rowid, name, full_path, content) VALUES('delete', old.id, old.name, old.full_path, old.content);
			INSERT INTO files_fts_fuzzy(files_fts_fuzzy, rowid, name, full_path, content) VALUES('delete', old.id, old.name, old.full_path, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS files_au AFTER UPDATE ON files BEGIN
			INSERT INTO files_fts(files_fts, rowid, name, full_path, content) VALUES('delete', old.id, old.name, old.full_path, old.content);
			INSERT INTO files_fts(rowid, name, full_path, content) VALUES(new.id, new.name, new.full_path, new.content);
			INSERT INTO files_fts_fuzzy(files_fts_fuzzy, rowid, name, full_path, content) VALUES('delete', old.id, old.name, old.full_path, old.content);
			INSERT INTO files_fts_fuzzy(rowid, name, full_path, content) VALUES(new.id, new.name, new.full_path, new.content);
		END`,
	}

	for _, stmt := range triggers {
		if _, err := tx.Exec(stmt); err != nil {
			return codexerrors.Storage("create fts triggers", "", err)
		}
	}
	return nil
}

// === File operations ===

// AddFile upserts a file by full path, replacing its symbol set atomically.
func (s *Store) AddFile(ctx context.Context, name, fullPath, content, language string, mtime time.Time, symbols []parse.Symbol) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, codexerrors.Storage("add file", s.dbPath, err)
	}
	defer tx.Rollback()

	lineCount := strings.Count(content, "\n") + 1
	var mtimeSeconds sql.NullFloat64
	if !mtime.IsZero() {
		mtimeSeconds = sql.NullFloat64{Float64: float64(mtime.UnixNano()) / 1e9, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO files(name, full_path, language, content, mtime, line_count)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(full_path) DO UPDATE SET
			name=excluded.name,
			language=excluded.language,
			content=excluded.content,
			mtime=excluded.mtime,
			line_count=excluded.line_count
	`, name, fullPath, language, content, mtimeSeconds, lineCount)
	if err != nil {
		return 0, codexerrors.Storage("add file", s.dbPath, err)
	}

	var fileID int64
	if err := tx.QueryRowContext(ctx, "SELECT id FROM files WHERE full_path=?", fullPath).Scan(&fileID); err != nil {
		return 0, codexerrors.Storage("add file", s.dbPath, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM symbols WHERE file_id=?", fileID); err != nil {
		return 0, codexerrors.Storage("add file", s.dbPath, err)
	}

	for _, sym := range symbols {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO symbols(file_id, name, kind, start_line, end_line) VALUES(?, ?, ?, ?, ?)
		`, fileID, sym.Name, string(sym.Kind), sym.Range.Start, sym.Range.End); err != nil {
			return 0, codexerrors.Storage("add file", s.dbPath, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, codexerrors.Storage("add file", s.dbPath, err)
	}
	return fileID, nil
}

// FileBatch is one file's content and extracted symbols for AddFilesBatch.
type FileBatch struct {
	Name     string
	FullPath string
	Content  string
	Language string
	MTime    time.Time
	Symbols  []parse.Symbol
}

// AddFilesBatch adds multiple files in a single transaction.
func (s *Store) AddFilesBatch(ctx context.Context, files []FileBatch) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, codexerrors.Storage("add files batch", s.dbPath, err)
	}
	defer tx.Rollback()

	count := 0
	for _, f := range files {
		lineCount := strings.Count(f.Content, "\n") + 1
		var mtimeSeconds sql.NullFloat64
		if !f.MTime.IsZero() {
			mtimeSeconds = sql.NullFloat64{Float64: float64(f.MTime.UnixNano()) / 1e9, Valid: true}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO files(name, full_path, language, content, mtime, line_count)
			VALUES(?, ?, ?, ?, ?, ?)
			ON CONFLICT(full_path) DO UPDATE SET
				name=excluded.name,
				language=excluded.language,
				content=excluded.content,
				mtime=excluded.mtime,
				line_count=excluded.line_count
		`, f.Name, f.FullPath, f.Language, f.Content, mtimeSeconds, lineCount)
		if err != nil {
			return 0, codexerrors.Storage("add files batch", s.dbPath, err)
		}

		var fileID int64
		if err := tx.QueryRowContext(ctx, "SELECT id FROM files WHERE full_path=?", f.FullPath).Scan(&fileID); err != nil {
			return 0, codexerrors.Storage("add files batch", s.dbPath, err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM symbols WHERE file_id=?", fileID); err != nil {
			return 0, codexerrors.Storage("add files batch", s.dbPath, err)
		}
		for _, sym := range f.Symbols {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO symbols(file_id, name, kind, start_line, end_line) VALUES(?, ?, ?, ?, ?)
			`, fileID, sym.Name, string(sym.Kind), sym.Range.Start, sym.Range.End); err != nil {
				return 0, codexerrors.Storage("add files batch", s.dbPath, err)
			}
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, codexerrors.Storage("add files batch", s.dbPath, err)
	}
	return count, nil
}

// RemoveFile deletes a file (cascading its symbols via the files→symbols FK,
// and its chunks, which key on full_path with no FK) and reports whether it
// existed. Idempotent.
func (s *Store) RemoveFile(ctx context.Context, fullPath string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT id FROM files WHERE full_path=?", fullPath).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, codexerrors.Storage("remove file", s.dbPath, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, codexerrors.Storage("remove file", s.dbPath, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM files WHERE id=?", id); err != nil {
		return false, codexerrors.Storage("remove file", s.dbPath, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE file_path=?", fullPath); err != nil {
		return false, codexerrors.Storage("remove file", s.dbPath, err)
	}
	if err := tx.Commit(); err != nil {
		return false, codexerrors.Storage("remove file", s.dbPath, err)
	}
	return true, nil
}

// GetFile returns a file's stored metadata, or (nil, false) if absent.
func (s *Store) GetFile(ctx context.Context, fullPath string) (*FileEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, full_path, language, mtime, line_count FROM files WHERE full_path=?
	`, fullPath)
	entry, err := scanFileEntry(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

// NeedsReindex reports whether the file on disk has a newer mtime than the
// one stored for it (or is not indexed at all).
func (s *Store) NeedsReindex(ctx context.Context, fullPath string) (bool, error) {
	var stored sql.NullFloat64
	err := s.db.QueryRowContext(ctx, "SELECT mtime FROM files WHERE full_path=?", fullPath).Scan(&stored)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, codexerrors.Storage("needs reindex", s.dbPath, err)
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return true, nil
	}
	onDisk := float64(info.ModTime().UnixNano()) / 1e9
	return !stored.Valid || stored.Float64 != onDisk, nil
}

// CleanupDeletedFiles removes rows (and their chunks) whose full_path no
// longer exists on disk, returning the number of files removed.
func (s *Store) CleanupDeletedFiles(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, full_path FROM files")
	if err != nil {
		return 0, codexerrors.Storage("cleanup deleted files", s.dbPath, err)
	}

	type stale struct {
		id   int64
		path string
	}
	var toRemove []stale
	for rows.Next() {
		var id int64
		var path string
		if err := rows.Scan(&id, &path); err != nil {
			rows.Close()
			return 0, codexerrors.Storage("cleanup deleted files", s.dbPath, err)
		}
		if _, statErr := os.Stat(path); statErr != nil {
			toRemove = append(toRemove, stale{id: id, path: path})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, codexerrors.Storage("cleanup deleted files", s.dbPath, err)
	}
	if len(toRemove) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, codexerrors.Storage("cleanup deleted files", s.dbPath, err)
	}
	defer tx.Rollback()

	for _, r := range toRemove {
		if _, err := tx.ExecContext(ctx, "DELETE FROM files WHERE id=?", r.id); err != nil {
			return 0, codexerrors.Storage("cleanup deleted files", s.dbPath, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE file_path=?", r.path); err != nil {
			return 0, codexerrors.Storage("cleanup deleted files", s.dbPath, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, codexerrors.Storage("cleanup deleted files", s.dbPath, err)
	}
	return len(toRemove), nil
}

// ListFiles returns every file in this directory, ordered by name.
func (s *Store) ListFiles(ctx context.Context) ([]*FileEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, full_path, language, mtime, line_count FROM files ORDER BY name
	`)
	if err != nil {
		return nil, codexerrors.Storage("list files", s.dbPath, err)
	}
	defer rows.Close()

	var out []*FileEntry
	for rows.Next() {
		entry, err := scanFileEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// FileCount returns the number of files directly in this directory.
func (s *Store) FileCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM files").Scan(&count); err != nil {
		return 0, codexerrors.Storage("file count", s.dbPath, err)
	}
	return count, nil
}

// === Subdirectory links ===

// RegisterSubdir inserts or updates a subdirectory link.
func (s *Store) RegisterSubdir(ctx context.Context, name, indexPath string, filesCount, directFiles int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subdirs(name, index_path, files_count, direct_files, last_updated)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			index_path=excluded.index_path,
			files_count=excluded.files_count,
			direct_files=excluded.direct_files,
			last_updated=excluded.last_updated
	`, name, indexPath, filesCount, directFiles, nowUnix())
	if err != nil {
		return codexerrors.Storage("register subdir", s.dbPath, err)
	}
	return nil
}

// UnregisterSubdir removes a subdirectory link and reports whether it existed.
func (s *Store) UnregisterSubdir(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM subdirs WHERE name=?", name)
	if err != nil {
		return false, codexerrors.Storage("unregister subdir", s.dbPath, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, codexerrors.Storage("unregister subdir", s.dbPath, err)
	}
	return n > 0, nil
}

// GetSubdirs returns every subdirectory link, ordered by name.
func (s *Store) GetSubdirs(ctx context.Context) ([]*SubdirLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, index_path, files_count, direct_files, last_updated FROM subdirs ORDER BY name
	`)
	if err != nil {
		return nil, codexerrors.Storage("get subdirs", s.dbPath, err)
	}
	defer rows.Close()

	var out []*SubdirLink
	for rows.Next() {
		link, err := scanSubdirLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, link)
	}
	return out, rows.Err()
}

// GetSubdir returns one subdirectory link by name.
func (s *Store) GetSubdir(ctx context.Context, name string) (*SubdirLink, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, index_path, files_count, direct_files, last_updated FROM subdirs WHERE name=?
	`, name)
	link, err := scanSubdirLink(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return link, true, nil
}

// UpdateSubdirStats updates a subdirectory's recursive and, optionally,
// direct file counts.
func (s *Store) UpdateSubdirStats(ctx context.Context, name string, filesCount int, directFiles *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if directFiles != nil {
		_, err = s.db.ExecContext(ctx, `
			UPDATE subdirs SET files_count=?, direct_files=?, last_updated=? WHERE name=?
		`, filesCount, *directFiles, nowUnix(), name)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE subdirs SET files_count=?, last_updated=? WHERE name=?
		`, filesCount, nowUnix(), name)
	}
	if err != nil {
		return codexerrors.Storage("update subdir stats", s.dbPath, err)
	}
	return nil
}

// === Search ===

// SearchFTSExact runs the code-identifier-aware full-text search.
func (s *Store) SearchFTSExact(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	return s.searchFTS(ctx, "files_fts", query, limit)
}

// SearchFTSFuzzy runs the trigram-tokenized, typo-tolerant full-text search.
func (s *Store) SearchFTSFuzzy(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	return s.searchFTS(ctx, "files_fts_fuzzy", query, limit)
}

func (s *Store) searchFTS(ctx context.Context, table, query string, limit int) ([]SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT full_path, bm25(%s) AS rank,
		       snippet(%s, 2, '[bold red]', '[/bold red]', '...', 20) AS excerpt
		FROM %s
		WHERE %s MATCH ?
		ORDER BY rank
		LIMIT ?
	`, table, table, table, table), query, limit)
	if err != nil {
		return nil, codexerrors.New(codexerrors.ErrCodeSearch, "fts search failed", err).
			WithDetail("db_path", s.dbPath)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var path, excerpt string
		var rank float64
		if err := rows.Scan(&path, &rank, &excerpt); err != nil {
			return nil, codexerrors.Storage("scan fts result", s.dbPath, err)
		}
		score := 0.0
		if rank < 0 {
			score = -rank
		}
		out = append(out, SearchResult{Path: path, Score: score, Excerpt: excerpt})
	}
	return out, rows.Err()
}

// SearchFilesOnly runs the exact-tokenizer search but skips excerpt
// generation, for callers that only need matching paths.
func (s *Store) SearchFilesOnly(ctx context.Context, query string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT full_path FROM files_fts WHERE files_fts MATCH ? ORDER BY bm25(files_fts) LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, codexerrors.New(codexerrors.ErrCodeSearch, "fts search failed", err).
			WithDetail("db_path", s.dbPath)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, codexerrors.Storage("scan fts result", s.dbPath, err)
		}
		out = append(out, path)
	}
	return out, rows.Err()
}

// SearchSymbols substring-matches symbol names, optionally filtered by kind.
func (s *Store) SearchSymbols(ctx context.Context, name string, kind string, limit int) ([]parse.Symbol, error) {
	hits, err := s.SearchSymbolHits(ctx, name, kind, limit)
	if err != nil {
		return nil, err
	}
	out := make([]parse.Symbol, len(hits))
	for i, h := range hits {
		out[i] = h.Symbol
	}
	return out, nil
}

// SymbolHit is one symbol match together with the file it was declared in.
type SymbolHit struct {
	parse.Symbol
	FilePath string
}

// SearchSymbolHits is SearchSymbols but also reports each match's file
// path, for callers (like the chain search engine's symbol fallback) that
// need to resolve a hit back to a location outside this one directory.
func (s *Store) SearchSymbolHits(ctx context.Context, name string, kind string, limit int) ([]SymbolHit, error) {
	pattern := "%" + name + "%"

	var rows *sql.Rows
	var err error
	if kind != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT symbols.name, symbols.kind, symbols.start_line, symbols.end_line, files.full_path
			FROM symbols JOIN files ON files.id = symbols.file_id
			WHERE symbols.name LIKE ? AND symbols.kind=? ORDER BY symbols.name LIMIT ?
		`, pattern, kind, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT symbols.name, symbols.kind, symbols.start_line, symbols.end_line, files.full_path
			FROM symbols JOIN files ON files.id = symbols.file_id
			WHERE symbols.name LIKE ? ORDER BY symbols.name LIMIT ?
		`, pattern, limit)
	}
	if err != nil {
		return nil, codexerrors.New(codexerrors.ErrCodeSearch, "symbol search failed", err).
			WithDetail("db_path", s.dbPath)
	}
	defer rows.Close()

	var out []SymbolHit
	for rows.Next() {
		var hit SymbolHit
		var kindStr string
		if err := rows.Scan(&hit.Name, &kindStr, &hit.Range.Start, &hit.Range.End, &hit.FilePath); err != nil {
			return nil, codexerrors.Storage("scan symbol", s.dbPath, err)
		}
		hit.Kind = parse.Kind(kindStr)
		out = append(out, hit)
	}
	return out, rows.Err()
}

// === Chunks ===

// AddChunks inserts chunks for a file (typically the output of a chunker and
// its embedders) and returns their assigned IDs.
func (s *Store) AddChunks(ctx context.Context, filePath string, chunks []Chunk) ([]int64, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, codexerrors.Storage("add chunks", s.dbPath, err)
	}
	defer tx.Rollback()

	ids := make([]int64, 0, len(chunks))
	now := nowUnix()
	for _, c := range chunks {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO chunks(file_path, content, embedding, embedding_binary, embedding_dense, metadata, created_at)
			VALUES(?, ?, ?, ?, ?, ?, ?)
		`, filePath, c.Content, nullBytes(c.Embedding), nullBytes(c.EmbeddingBinary), nullBytes(c.EmbeddingDense), nullString(c.Metadata), now)
		if err != nil {
			return nil, codexerrors.Storage("add chunks", s.dbPath, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, codexerrors.Storage("add chunks", s.dbPath, err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, codexerrors.Storage("add chunks", s.dbPath, err)
	}
	return ids, nil
}

// GetBinaryEmbeddings returns the binary embedding blob for each requested
// chunk id that has one set.
func (s *Store) GetBinaryEmbeddings(ctx context.Context, ids []int64) (map[int64][]byte, error) {
	return s.getEmbeddingColumn(ctx, "embedding_binary", ids)
}

// GetDenseEmbeddings returns the dense embedding blob for each requested
// chunk id that has one set.
func (s *Store) GetDenseEmbeddings(ctx context.Context, ids []int64) (map[int64][]byte, error) {
	return s.getEmbeddingColumn(ctx, "embedding_dense", ids)
}

func (s *Store) getEmbeddingColumn(ctx context.Context, column string, ids []int64) (map[int64][]byte, error) {
	out := make(map[int64][]byte, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT id, %s FROM chunks WHERE id IN (%s)", column, placeholders), args...)
	if err != nil {
		return nil, codexerrors.Storage("get embeddings", s.dbPath, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, codexerrors.Storage("scan embedding", s.dbPath, err)
		}
		out[id] = blob
	}
	return out, rows.Err()
}

// GetChunksByIDs returns full chunk rows for the requested ids.
func (s *Store) GetChunksByIDs(ctx context.Context, ids []int64) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, file_path, content, embedding, embedding_binary, embedding_dense, metadata, created_at
		FROM chunks WHERE id IN (%s)
	`, placeholders), args...)
	if err != nil {
		return nil, codexerrors.Storage("get chunks", s.dbPath, err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		var metadata sql.NullString
		var createdAt sql.NullFloat64
		if err := rows.Scan(&c.ID, &c.FilePath, &c.Content, &c.Embedding, &c.EmbeddingBinary, &c.EmbeddingDense, &metadata, &createdAt); err != nil {
			return nil, codexerrors.Storage("scan chunk", s.dbPath, err)
		}
		c.Metadata = metadata.String
		c.CreatedAt = unixToTime(createdAt.Float64)
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteChunksByFile removes every chunk belonging to a file.
func (s *Store) DeleteChunksByFile(ctx context.Context, filePath string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM chunks WHERE file_path=?", filePath)
	if err != nil {
		return 0, codexerrors.Storage("delete chunks", s.dbPath, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, codexerrors.Storage("delete chunks", s.dbPath, err)
	}
	return n, nil
}

// CountChunks returns the total number of chunk rows.
func (s *Store) CountChunks(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&count); err != nil {
		return 0, codexerrors.Storage("count chunks", s.dbPath, err)
	}
	return count, nil
}

// === Statistics ===

// Stats summarizes this directory's index contents.
type Stats struct {
	Files       int
	Symbols     int
	Subdirs     int
	TotalFiles  int
	Languages   map[string]int
}

// Stats computes the current directory's statistics, including the
// recursive file total from registered subdirectories.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	stats.Languages = make(map[string]int)

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM files").Scan(&stats.Files); err != nil {
		return stats, codexerrors.Storage("stats", s.dbPath, err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM symbols").Scan(&stats.Symbols); err != nil {
		return stats, codexerrors.Storage("stats", s.dbPath, err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM subdirs").Scan(&stats.Subdirs); err != nil {
		return stats, codexerrors.Storage("stats", s.dbPath, err)
	}

	var subdirTotal int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(SUM(files_count), 0) FROM subdirs").Scan(&subdirTotal); err != nil {
		return stats, codexerrors.Storage("stats", s.dbPath, err)
	}
	stats.TotalFiles = stats.Files + subdirTotal

	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(language, ''), COUNT(*) FROM files GROUP BY language ORDER BY COUNT(*) DESC
	`)
	if err != nil {
		return stats, codexerrors.Storage("stats", s.dbPath, err)
	}
	defer rows.Close()
	for rows.Next() {
		var lang string
		var count int
		if err := rows.Scan(&lang, &count); err != nil {
			return stats, codexerrors.Storage("stats", s.dbPath, err)
		}
		stats.Languages[lang] = count
	}
	return stats, rows.Err()
}

// === scanning helpers ===

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFileEntry(row rowScanner) (*FileEntry, error) {
	var f FileEntry
	var mtime sql.NullFloat64
	if err := row.Scan(&f.ID, &f.Name, &f.FullPath, &f.Language, &mtime, &f.LineCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, codexerrors.Storage("scan file entry", "", err)
	}
	f.MTime = unixToTime(mtime.Float64)
	return &f, nil
}

func scanSubdirLink(row rowScanner) (*SubdirLink, error) {
	var l SubdirLink
	var lastUpdated sql.NullFloat64
	if err := row.Scan(&l.ID, &l.Name, &l.IndexPath, &l.FilesCount, &l.DirectFiles, &lastUpdated); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, codexerrors.Storage("scan subdir link", "", err)
	}
	l.LastUpdated = unixToTime(lastUpdated.Float64)
	return &l, nil
}

func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
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
