// Package splade implements the SPLADE sparse store: a per-directory
// inverted index over {token_id: weight} sparse vectors produced by an
// external SPLADE encoder, scored by dot product.
package splade

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sort"
	"sync"

	roaring "github.com/RoaringBitmap/roaring/v2"
	_ "modernc.org/sqlite"

	codexerrors "github.com/codexlens/codexlens/internal/errors"
)

// DefaultDBName is the standard filename for a directory's SPLADE store.
const DefaultDBName = "_splade.db"

// SparseVector maps a token id to its SPLADE weight.
type SparseVector map[uint32]float32

// Match is one search hit: a chunk id and its dot-product score against
// the query, descending (highest score first).
type Match struct {
	ChunkID int64
	Score   float32
}

// Store is a per-directory SPLADE inverted index: postings persisted in
// SQLite, with an in-memory roaring-bitmap posting list per token for fast
// candidate generation.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	dbPath string

	postings map[uint32]*roaring.Bitmap // token_id -> chunk ids touching it
	weights  map[uint32]map[int64]float32
}

// Open opens (creating as needed) the SPLADE store at dbPath and loads its
// postings into memory.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, codexerrors.Storage("open splade store", dbPath, err)
	}

	dsn := dbPath + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, codexerrors.Storage("open splade store", dbPath, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:       db,
		dbPath:   dbPath,
		postings: make(map[uint32]*roaring.Bitmap),
		weights:  make(map[uint32]map[int64]float32),
	}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadPostings(); err != nil {
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
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS postings (
			token_id INTEGER NOT NULL,
			chunk_id INTEGER NOT NULL,
			weight REAL NOT NULL,
			PRIMARY KEY (token_id, chunk_id)
		);
		CREATE INDEX IF NOT EXISTS idx_postings_chunk ON postings(chunk_id);
	`)
	if err != nil {
		return codexerrors.Storage("create splade schema", s.dbPath, err)
	}
	return nil
}

func (s *Store) loadPostings() error {
	rows, err := s.db.Query(`SELECT token_id, chunk_id, weight FROM postings`)
	if err != nil {
		return codexerrors.Storage("load splade postings", s.dbPath, err)
	}
	defer rows.Close()

	for rows.Next() {
		var tokenID uint32
		var chunkID int64
		var weight float32
		if err := rows.Scan(&tokenID, &chunkID, &weight); err != nil {
			return codexerrors.Storage("scan splade posting", s.dbPath, err)
		}
		s.indexPostingLocked(tokenID, chunkID, weight)
	}
	return rows.Err()
}

func (s *Store) indexPostingLocked(tokenID uint32, chunkID int64, weight float32) {
	bm, ok := s.postings[tokenID]
	if !ok {
		bm = roaring.New()
		s.postings[tokenID] = bm
	}
	bm.Add(uint32(chunkID))

	wm, ok := s.weights[tokenID]
	if !ok {
		wm = make(map[int64]float32)
		s.weights[tokenID] = wm
	}
	wm[chunkID] = weight
}

// AddVector indexes a chunk's sparse vector, replacing any prior entry for
// that chunk id.
func (s *Store) AddVector(ctx context.Context, chunkID int64, vec SparseVector) error {
	if len(vec) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return codexerrors.Storage("add splade vector", s.dbPath, err)
	}
	defer tx.Rollback()

	if err := s.removeChunkTx(ctx, tx, chunkID); err != nil {
		return err
	}

	for tokenID, weight := range vec {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO postings(token_id, chunk_id, weight) VALUES(?, ?, ?)
		`, tokenID, chunkID, weight); err != nil {
			return codexerrors.Storage("add splade vector", s.dbPath, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return codexerrors.Storage("add splade vector", s.dbPath, err)
	}

	s.removeChunkFromMemory(chunkID)
	for tokenID, weight := range vec {
		s.indexPostingLocked(tokenID, chunkID, weight)
	}
	return nil
}

func (s *Store) removeChunkTx(ctx context.Context, tx *sql.Tx, chunkID int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM postings WHERE chunk_id=?`, chunkID); err != nil {
		return codexerrors.Storage("remove splade vector", s.dbPath, err)
	}
	return nil
}

func (s *Store) removeChunkFromMemory(chunkID int64) {
	target := uint32(chunkID)
	for tokenID, bm := range s.postings {
		if bm.Contains(target) {
			bm.Remove(target)
			delete(s.weights[tokenID], chunkID)
		}
	}
}

// RemoveVector deletes a chunk's sparse vector from the index.
func (s *Store) RemoveVector(ctx context.Context, chunkID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM postings WHERE chunk_id=?`, chunkID); err != nil {
		return codexerrors.Storage("remove splade vector", s.dbPath, err)
	}
	s.removeChunkFromMemory(chunkID)
	return nil
}

// Search scores every chunk sharing at least one token with query by dot
// product, returning the topK highest-scoring matches, descending.
func (s *Store) Search(query SparseVector, topK int) []Match {
	if len(query) == 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	scores := make(map[int64]float32)
	for tokenID, qWeight := range query {
		bm, ok := s.postings[tokenID]
		if !ok {
			continue
		}
		wm := s.weights[tokenID]
		it := bm.Iterator()
		for it.HasNext() {
			chunkID := int64(it.Next())
			scores[chunkID] += qWeight * wm[chunkID]
		}
	}

	matches := make([]Match, 0, len(scores))
	for chunkID, score := range scores {
		matches = append(matches, Match{ChunkID: chunkID, Score: score})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ChunkID < matches[j].ChunkID
	})

	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

// Count returns the number of distinct chunks indexed.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[int64]struct{})
	for _, wm := range s.weights {
		for chunkID := range wm {
			seen[chunkID] = struct{}{}
		}
	}
	return len(seen)
}

// PathFor derives the per-directory SPLADE store path from the project
// index root or a directory's own index path.
func PathFor(dir string) string {
	return filepath.Join(dir, DefaultDBName)
}
