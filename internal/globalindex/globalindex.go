// Package globalindex implements the per-project flat symbol index: one
// SQLite database holding every symbol in a project so a name lookup never
// has to walk the DirIndex tree.
package globalindex

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

// busyRetryConfig governs how long a symbol update waits out WAL contention
// from the other per-directory build goroutines writing the same project's
// global symbol DB before giving up.
var busyRetryConfig = codexerrors.RetryConfig{
	MaxRetries:   5,
	InitialDelay: 10 * time.Millisecond,
	MaxDelay:     200 * time.Millisecond,
	Multiplier:   2.0,
	Jitter:       true,
}

// isBusyErr reports whether err looks like SQLite lock contention rather
// than a real failure, so callers know whether retrying could help.
func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// DefaultDBName is the standard filename for a project's global symbol index.
const DefaultDBName = "_global_symbols.db"

// SchemaVersion is the schema version this code writes and reads.
const SchemaVersion = 1

// SymbolEntry is one symbol's location, as returned by Search.
type SymbolEntry struct {
	Name      string
	Kind      parse.Kind
	FilePath  string
	StartLine int
	EndLine   int
}

// Store is one project's global symbol index.
type Store struct {
	mu        sync.Mutex
	db        *sql.DB
	dbPath    string
	projectID int64
}

// Open opens (creating and migrating as needed) the global symbol index at
// dbPath, scoped to projectID.
func Open(dbPath string, projectID int64) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, codexerrors.Storage("open global index", dbPath, err)
	}

	dsn := dbPath + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, codexerrors.Storage("open global index", dbPath, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, dbPath: dbPath, projectID: projectID}
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
			fmt.Sprintf("global index schema v%d is newer than supported v%d", version, SchemaVersion), nil).
			WithDetail("db_path", s.dbPath)
	}
	if version == SchemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return codexerrors.Storage("begin migration", s.dbPath, err)
	}
	defer tx.Rollback()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS global_symbols (
			id INTEGER PRIMARY KEY,
			project_id INTEGER NOT NULL,
			symbol_name TEXT NOT NULL,
			symbol_kind TEXT NOT NULL,
			file_path TEXT NOT NULL,
			start_line INTEGER,
			end_line INTEGER,
			index_path TEXT NOT NULL,
			UNIQUE(project_id, symbol_name, symbol_kind, file_path, start_line, end_line)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_global_symbols_name_kind ON global_symbols(symbol_name, symbol_kind)`,
		`CREATE INDEX IF NOT EXISTS idx_global_symbols_project_name_kind ON global_symbols(project_id, symbol_name, symbol_kind)`,
		`CREATE INDEX IF NOT EXISTS idx_global_symbols_project_file ON global_symbols(project_id, file_path)`,
		`CREATE INDEX IF NOT EXISTS idx_global_symbols_project_index_path ON global_symbols(project_id, index_path)`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return codexerrors.Storage("create global index schema", s.dbPath, err)
		}
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
		return codexerrors.Storage("write schema version", s.dbPath, err)
	}
	if err := tx.Commit(); err != nil {
		return codexerrors.Storage("commit migration", s.dbPath, err)
	}
	return nil
}

// AddSymbol inserts a single symbol idempotently, for incremental updates
// outside a full file replacement.
func (s *Store) AddSymbol(ctx context.Context, sym parse.Symbol, filePath, indexPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO global_symbols(project_id, symbol_name, symbol_kind, file_path, start_line, end_line, index_path)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, symbol_name, symbol_kind, file_path, start_line, end_line)
		DO UPDATE SET index_path=excluded.index_path
	`, s.projectID, sym.Name, string(sym.Kind), filePath, sym.Range.Start, sym.Range.End, indexPath)
	if err != nil {
		return codexerrors.Storage("add symbol", s.dbPath, err)
	}
	return nil
}

// UpdateFileSymbols replaces every symbol recorded for a file atomically
// (delete then bulk insert), the incremental-update path used during
// indexing. indexPath is required whenever symbols is non-empty.
//
// Every directory in a build has its own *Store writing to the same
// project-wide global_symbols DB concurrently, so a commit here can lose a
// race to another goroutine and come back SQLITE_BUSY under WAL even with
// the driver's busy_timeout. That case alone is retried with backoff; any
// other failure (including the index_path validation error below) is
// returned immediately.
func (s *Store) UpdateFileSymbols(ctx context.Context, filePath string, symbols []parse.Symbol, indexPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	retryErr := codexerrors.Retry(ctx, busyRetryConfig, func() error {
		err := s.updateFileSymbolsOnce(ctx, filePath, symbols, indexPath)
		lastErr = err
		if err != nil && !isBusyErr(err) {
			return nil // not transient: stop retrying, surface lastErr below
		}
		return err
	})
	if lastErr != nil {
		return lastErr
	}
	return retryErr
}

func (s *Store) updateFileSymbolsOnce(ctx context.Context, filePath string, symbols []parse.Symbol, indexPath string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return codexerrors.Storage("update file symbols", s.dbPath, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM global_symbols WHERE project_id=? AND file_path=?
	`, s.projectID, filePath); err != nil {
		return codexerrors.Storage("update file symbols", s.dbPath, err)
	}

	if len(symbols) > 0 {
		if indexPath == "" {
			return codexerrors.New(codexerrors.ErrCodeStorage,
				"index_path is required when inserting symbols for a new file", nil).
				WithDetail("file_path", filePath)
		}

		for _, sym := range symbols {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO global_symbols(project_id, symbol_name, symbol_kind, file_path, start_line, end_line, index_path)
				VALUES(?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(project_id, symbol_name, symbol_kind, file_path, start_line, end_line)
				DO UPDATE SET index_path=excluded.index_path
			`, s.projectID, sym.Name, string(sym.Kind), filePath, sym.Range.Start, sym.Range.End, indexPath); err != nil {
				return codexerrors.Storage("update file symbols", s.dbPath, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return codexerrors.Storage("update file symbols", s.dbPath, err)
	}
	return nil
}

// DeleteFileSymbols removes every symbol recorded for a file, returning the
// number of rows deleted.
func (s *Store) DeleteFileSymbols(ctx context.Context, filePath string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM global_symbols WHERE project_id=? AND file_path=?
	`, s.projectID, filePath)
	if err != nil {
		return 0, codexerrors.Storage("delete file symbols", s.dbPath, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, codexerrors.Storage("delete file symbols", s.dbPath, err)
	}
	return n, nil
}

// Search finds symbols by name, in prefix or substring mode, optionally
// filtered by kind.
func (s *Store) Search(ctx context.Context, name string, kind parse.Kind, limit int, prefixMode bool) ([]SymbolEntry, error) {
	pattern := "%" + name + "%"
	if prefixMode {
		pattern = name + "%"
	}

	var rows *sql.Rows
	var err error
	if kind != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT symbol_name, symbol_kind, file_path, start_line, end_line
			FROM global_symbols
			WHERE project_id=? AND symbol_name LIKE ? AND symbol_kind=?
			ORDER BY symbol_name LIMIT ?
		`, s.projectID, pattern, string(kind), limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT symbol_name, symbol_kind, file_path, start_line, end_line
			FROM global_symbols
			WHERE project_id=? AND symbol_name LIKE ?
			ORDER BY symbol_name LIMIT ?
		`, s.projectID, pattern, limit)
	}
	if err != nil {
		return nil, codexerrors.New(codexerrors.ErrCodeSearch, "global symbol search failed", err).
			WithDetail("db_path", s.dbPath)
	}
	defer rows.Close()

	var out []SymbolEntry
	for rows.Next() {
		var e SymbolEntry
		var kindStr string
		if err := rows.Scan(&e.Name, &kindStr, &e.FilePath, &e.StartLine, &e.EndLine); err != nil {
			return nil, codexerrors.Storage("scan symbol entry", s.dbPath, err)
		}
		e.Kind = parse.Kind(kindStr)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ExistingIndexPath looks up the index path last recorded for any symbol of
// filePath, for callers of UpdateFileSymbols that don't already know it.
func (s *Store) ExistingIndexPath(ctx context.Context, filePath string) (string, bool, error) {
	var indexPath string
	err := s.db.QueryRowContext(ctx, `
		SELECT index_path FROM global_symbols WHERE project_id=? AND file_path=? LIMIT 1
	`, s.projectID, filePath).Scan(&indexPath)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, codexerrors.Storage("lookup existing index path", s.dbPath, err)
	}
	return indexPath, true, nil
}
