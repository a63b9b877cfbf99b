// Package denseann implements the dense ANN store: an HNSW graph over
// float32 embedding vectors, with lazy initialization, capacity tracking
// and auto-expansion, soft deletion, and sibling-file persistence.
package denseann

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coder/hnsw"

	codexerrors "github.com/codexlens/codexlens/internal/errors"
)

const (
	// M is the max connections per node in the HNSW graph.
	M = 16
	// EfConstruction is the build-time candidate list size.
	EfConstruction = 200
	// EfSearch is the query-time candidate list size.
	EfSearch = 50

	// DefaultInitialCapacity is the logical starting capacity before the
	// first auto-expansion.
	DefaultInitialCapacity = 50000
	// DefaultExpansionThreshold triggers a capacity doubling once usage
	// reaches this fraction of the current capacity.
	DefaultExpansionThreshold = 0.8

	// CentralizedFileName is the shared HNSW file name for the
	// centralized (project-root) storage variant.
	CentralizedFileName = "_vectors.hnsw"
)

// Match is one search hit: a vector id and its cosine distance from the
// query (0 = identical, 2 = opposite).
type Match struct {
	ID       int64
	Distance float32
	Score    float32
}

// Store is a dense ANN index over float32 vectors.
//
// coder/hnsw's graph grows without a pre-allocated element cap, unlike the
// hnswlib-backed index this is grounded on — capacity and usage_ratio are
// therefore logical bookkeeping kept for parity with that contract (and with
// spec's auto-expansion invariant) rather than a real resize_index call.
type Store struct {
	mu   sync.RWMutex
	path string
	dim  int

	graph *hnsw.Graph[uint64]

	maxElements        int
	expansionThreshold float64
	currentCount       int
	nextKey            uint64

	// idMap/keyMap translate caller-supplied ids (chunk ids) to internal
	// graph keys, the same indirection the teacher's HNSWStore uses so a
	// re-added id can be replaced without touching the graph itself.
	idMap  map[int64]uint64
	keyMap map[uint64]int64
}

// New creates a dense ANN store for vectors of dimension dim, persisted at
// path (the HNSW file; see PathFor / CentralPathFor to derive it).
func New(path string, dim int, initialCapacity int) (*Store, error) {
	if dim <= 0 {
		return nil, codexerrors.New(codexerrors.ErrCodeConfig,
			fmt.Sprintf("invalid dense vector dimension %d", dim), nil)
	}
	if initialCapacity <= 0 {
		initialCapacity = DefaultInitialCapacity
	}
	return &Store{
		path:               path,
		dim:                dim,
		maxElements:        initialCapacity,
		expansionThreshold: DefaultExpansionThreshold,
		idMap:              make(map[int64]uint64),
		keyMap:             make(map[uint64]int64),
	}, nil
}

// PathFor derives the per-directory sidecar HNSW filename from a database
// path's stem, e.g. ".../_index.db" -> ".../_index_vectors.hnsw".
func PathFor(dbPath string) string {
	dir := filepath.Dir(dbPath)
	stem := strings.TrimSuffix(filepath.Base(dbPath), filepath.Ext(dbPath))
	return filepath.Join(dir, stem+"_vectors.hnsw")
}

// CentralPathFor returns the single shared HNSW file path for the
// centralized storage variant, placed directly at the project index root.
func CentralPathFor(indexRoot string) string {
	return filepath.Join(indexRoot, CentralizedFileName)
}

func (s *Store) ensureGraph() {
	if s.graph != nil {
		return
	}
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = M
	g.EfSearch = EfSearch
	g.Ml = 1 / math.Log(float64(M))
	s.graph = g
	s.currentCount = 0
}

func (s *Store) autoExpandIfNeeded(additional int) {
	usageRatio := float64(s.currentCount+additional) / float64(s.maxElements)
	if usageRatio < s.expansionThreshold {
		return
	}
	newCapacity := s.maxElements * 2
	if s.currentCount+additional > newCapacity {
		newCapacity = s.currentCount + additional
	}
	s.maxElements = newCapacity
}

func normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	var sumSquares float64
	for _, x := range out {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return out
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range out {
		out[i] *= inv
	}
	return out
}

// AddVectors inserts vectors keyed by caller-supplied ids (chunk ids). If an
// id already exists its vector is replaced: the old graph node is orphaned
// (lazy deletion, matching the teacher's workaround for coder/hnsw's issue
// deleting the last node) and a fresh one is added under a new internal key.
func (s *Store) AddVectors(ids []int64, vectors [][]float32) error {
	if len(ids) == 0 {
		return nil
	}
	if len(vectors) != len(ids) {
		return codexerrors.New(codexerrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("number of vectors (%d) must match number of ids (%d)", len(vectors), len(ids)), nil)
	}
	for i, v := range vectors {
		if len(v) != s.dim {
			return codexerrors.New(codexerrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("vector %d has dimension %d, expected %d", i, len(v), s.dim), nil)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureGraph()
	s.autoExpandIfNeeded(len(vectors))

	for i, id := range ids {
		if existingKey, exists := s.idMap[id]; exists {
			delete(s.keyMap, existingKey)
			delete(s.idMap, id)
		}

		key := s.nextKey
		s.nextKey++
		s.graph.Add(hnsw.MakeNode(key, normalize(vectors[i])))
		s.idMap[id] = key
		s.keyMap[key] = id
	}
	s.currentCount += len(vectors)
	return nil
}

// RemoveVectors soft-deletes vectors by id: the graph node remains but its
// id mapping is dropped, so it no longer surfaces in Search. Unknown ids
// are ignored (idempotent).
func (s *Store) RemoveVectors(ids []int64) {
	if len(ids) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graph == nil {
		return
	}
	for _, id := range ids {
		if key, exists := s.idMap[id]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, id)
		}
	}
}

// Search returns up to topK nearest neighbors to query by cosine distance,
// ascending (closest first), skipping ids that were removed.
func (s *Store) Search(query []float32, topK int) ([]Match, error) {
	if len(query) != s.dim {
		return nil, codexerrors.New(codexerrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("query dimension (%d) must match index dimension (%d)", len(query), s.dim), nil)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.graph == nil || len(s.idMap) == 0 {
		return nil, nil
	}

	q := normalize(query)
	// Over-fetch to compensate for orphaned (removed) graph nodes, the same
	// accommodation the teacher's lazy-deletion search makes via key lookups.
	orphans := s.graph.Len() - len(s.idMap)
	fetch := topK + orphans
	if fetch <= 0 {
		fetch = topK
	}
	nodes := s.graph.Search(q, fetch)

	out := make([]Match, 0, topK)
	for _, node := range nodes {
		id, ok := s.keyMap[node.Key]
		if !ok {
			continue
		}
		dist := s.graph.Distance(q, node.Value)
		out = append(out, Match{
			ID:       id,
			Distance: dist,
			Score:    1.0 - dist/2.0,
		})
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

// Count returns the number of live (non-removed) vectors.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.idMap)
}

// Capacity returns the current logical capacity before the next expansion.
func (s *Store) Capacity() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxElements
}

// UsageRatio returns currentCount / capacity, in [0, 1+).
func (s *Store) UsageRatio() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.maxElements == 0 {
		return 0
	}
	return float64(s.currentCount) / float64(s.maxElements)
}

type denseMetadata struct {
	MaxElements        int
	ExpansionThreshold float64
	CurrentCount       int
	NextKey            uint64
	IDMap              map[int64]uint64
	Dim                int
}

// Save persists the graph and its bookkeeping metadata to sibling files
// (path for the graph, path+".meta" for the gob-encoded metadata). A no-op
// when the index is empty.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.graph == nil || s.currentCount == 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return codexerrors.Storage("save dense index", s.path, err)
	}

	tmpPath := s.path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return codexerrors.Storage("save dense index", s.path, err)
	}
	if err := s.graph.Export(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return codexerrors.Storage("export dense graph", s.path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return codexerrors.Storage("save dense index", s.path, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return codexerrors.Storage("save dense index", s.path, err)
	}

	return s.saveMetadata()
}

func (s *Store) saveMetadata() error {
	metaPath := s.path + ".meta"
	tmpPath := metaPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return codexerrors.Storage("save dense index metadata", metaPath, err)
	}

	meta := denseMetadata{
		MaxElements:        s.maxElements,
		ExpansionThreshold: s.expansionThreshold,
		CurrentCount:       s.currentCount,
		NextKey:            s.nextKey,
		IDMap:              s.idMap,
		Dim:                s.dim,
	}
	if err := gob.NewEncoder(f).Encode(meta); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return codexerrors.Storage("encode dense index metadata", metaPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return codexerrors.Storage("save dense index metadata", metaPath, err)
	}
	if err := os.Rename(tmpPath, metaPath); err != nil {
		os.Remove(tmpPath)
		return codexerrors.Storage("save dense index metadata", metaPath, err)
	}
	return nil
}

// Load reads the graph and metadata from disk, replacing in-memory state.
// Returns (false, nil) without error when the index file is absent.
func (s *Store) Load() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return false, nil
	}

	if err := s.loadMetadata(); err != nil {
		return false, err
	}

	f, err := os.Open(s.path)
	if err != nil {
		return false, codexerrors.Storage("load dense index", s.path, err)
	}
	defer f.Close()

	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = M
	g.EfSearch = EfSearch
	g.Ml = 1 / math.Log(float64(M))

	if err := g.Import(bufio.NewReader(f)); err != nil {
		return false, codexerrors.Storage("import dense graph", s.path, err)
	}
	s.graph = g
	return true, nil
}

func (s *Store) loadMetadata() error {
	metaPath := s.path + ".meta"
	f, err := os.Open(metaPath)
	if err != nil {
		return codexerrors.Storage("load dense index metadata", metaPath, err)
	}
	defer f.Close()

	var meta denseMetadata
	if err := gob.NewDecoder(f).Decode(&meta); err != nil {
		return codexerrors.Storage("decode dense index metadata", metaPath, err)
	}

	s.maxElements = meta.MaxElements
	s.expansionThreshold = meta.ExpansionThreshold
	s.currentCount = meta.CurrentCount
	s.nextKey = meta.NextKey
	if meta.IDMap == nil {
		meta.IDMap = make(map[int64]uint64)
	}
	s.idMap = meta.IDMap
	s.keyMap = make(map[uint64]int64, len(s.idMap))
	for id, key := range s.idMap {
		s.keyMap[key] = id
	}
	return nil
}
