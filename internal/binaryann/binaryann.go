// Package binaryann implements the binary ANN store: a flat file of packed
// 256-bit (by default) binary vectors searched by Hamming distance, used as
// the coarse first stage of cascade retrieval.
package binaryann

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	codexerrors "github.com/codexlens/codexlens/internal/errors"
)

// Magic is the 4-byte file signature identifying a binary ANN store.
const Magic = "BINV"

// FileVersion is the on-disk format version this code writes and accepts.
const FileVersion = 1

// DefaultDim is the default binary vector dimension (32-byte packed code).
const DefaultDim = 256

var popcountLUT = buildPopcountLUT()

func buildPopcountLUT() [256]uint8 {
	var lut [256]uint8
	for i := 0; i < 256; i++ {
		n := i
		var count uint8
		for n != 0 {
			count += uint8(n & 1)
			n >>= 1
		}
		lut[i] = count
	}
	return lut
}

// Match is one search hit: a vector id and its Hamming distance from the
// query, ascending (closer first).
type Match struct {
	ID       int64
	Distance int
}

// Store is an in-memory binary ANN index, mirroring a BINV file on disk.
type Store struct {
	mu        sync.RWMutex
	dim       int
	packedDim int
	path      string

	vectors map[int64][]byte
	order   []int64

	cacheValid bool
	matrix     []byte // len(order) * packedDim, row-major
	ids        []int64
}

// New creates an empty store for vectors of the given dimension (must be a
// positive multiple of 8), persisted at path.
func New(path string, dim int) (*Store, error) {
	if dim <= 0 || dim%8 != 0 {
		return nil, codexerrors.New(codexerrors.ErrCodeConfig,
			fmt.Sprintf("invalid binary vector dimension %d: must be a positive multiple of 8", dim), nil)
	}
	return &Store{
		path:      path,
		dim:       dim,
		packedDim: dim / 8,
		vectors:   make(map[int64][]byte),
	}, nil
}

// BinaryPathFor derives the sidecar binary-vector filename from a database
// path's stem, matching the teacher's "<db_stem>_binary_vectors.bin" scheme.
func BinaryPathFor(dbPath string) string {
	dir := filepath.Dir(dbPath)
	stem := strings.TrimSuffix(filepath.Base(dbPath), filepath.Ext(dbPath))
	return filepath.Join(dir, stem+"_binary_vectors.bin")
}

// Dim returns the configured (unpacked) vector dimension.
func (s *Store) Dim() int { return s.dim }

// PackedDim returns the packed byte size (Dim/8).
func (s *Store) PackedDim() int { return s.packedDim }

// AddVectors inserts or replaces packed vectors keyed by id. O(1) per item.
func (s *Store) AddVectors(ids []int64, vectors [][]byte) error {
	if len(ids) == 0 {
		return nil
	}
	if len(vectors) != len(ids) {
		return codexerrors.New(codexerrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("number of vectors (%d) must match number of ids (%d)", len(vectors), len(ids)), nil)
	}
	for i, v := range vectors {
		if len(v) != s.packedDim {
			return codexerrors.New(codexerrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("vector %d has size %d, expected %d", i, len(v), s.packedDim), nil)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, id := range ids {
		if _, exists := s.vectors[id]; !exists {
			s.order = append(s.order, id)
		}
		s.vectors[id] = vectors[i]
	}
	s.cacheValid = false
	return nil
}

// RemoveVectors deletes vectors by id. Marks a removal set and filters the id
// list once, rather than per-id removal.
func (s *Store) RemoveVectors(ids []int64) int {
	if len(ids) == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	toRemove := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		toRemove[id] = struct{}{}
	}

	removed := 0
	for id := range toRemove {
		if _, ok := s.vectors[id]; ok {
			delete(s.vectors, id)
			removed++
		}
	}

	if removed > 0 {
		kept := s.order[:0]
		for _, id := range s.order {
			if _, gone := toRemove[id]; !gone {
				kept = append(kept, id)
			}
		}
		s.order = kept
		s.cacheValid = false
	}
	return removed
}

// Count returns the number of vectors currently stored.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vectors)
}

func (s *Store) buildCacheLocked() {
	if s.cacheValid {
		return
	}

	n := len(s.order)
	if n == 0 {
		s.matrix = nil
		s.ids = nil
		s.cacheValid = true
		return
	}

	s.matrix = make([]byte, n*s.packedDim)
	s.ids = make([]int64, n)
	for i, id := range s.order {
		copy(s.matrix[i*s.packedDim:(i+1)*s.packedDim], s.vectors[id])
		s.ids[i] = id
	}
	s.cacheValid = true
}

// Search returns the topK nearest vectors to query by Hamming distance,
// ascending (closest first). Uses a popcount lookup table over the XOR of
// query and every stored vector, then a full ascending sort of all distances
// truncated to topK.
func (s *Store) Search(query []byte, topK int) ([]Match, error) {
	if len(query) != s.packedDim {
		return nil, codexerrors.New(codexerrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("query size (%d) must match packed dim (%d)", len(query), s.packedDim), nil)
	}

	s.mu.Lock()
	s.buildCacheLocked()
	matrix := s.matrix
	ids := s.ids
	s.mu.Unlock()

	n := len(ids)
	if n == 0 {
		return nil, nil
	}

	distances := make([]int, n)
	for i := 0; i < n; i++ {
		row := matrix[i*s.packedDim : (i+1)*s.packedDim]
		dist := 0
		for b := 0; b < s.packedDim; b++ {
			dist += int(popcountLUT[query[b]^row[b]])
		}
		distances[i] = dist
	}

	k := topK
	if k > n {
		k = n
	}
	if k <= 0 {
		return nil, nil
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return distances[order[a]] < distances[order[b]] })
	order = order[:k]

	out := make([]Match, k)
	for i, idx := range order {
		out[i] = Match{ID: ids[idx], Distance: distances[idx]}
	}
	return out, nil
}

// Save persists the store to its BINV file. A no-op (not an error) when the
// store is empty, matching the teacher's "skip save: index is empty" guard.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.vectors) == 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return codexerrors.Storage("save binary index", s.path, err)
	}

	f, err := os.Create(s.path)
	if err != nil {
		return codexerrors.Storage("save binary index", s.path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	header := make([]byte, 0, 4+16)
	header = append(header, Magic...)
	header = binary.LittleEndian.AppendUint32(header, FileVersion)
	header = binary.LittleEndian.AppendUint32(header, uint32(s.dim))
	header = binary.LittleEndian.AppendUint32(header, uint32(s.packedDim))
	header = binary.LittleEndian.AppendUint32(header, uint32(len(s.vectors)))
	if _, err := w.Write(header); err != nil {
		return codexerrors.Storage("save binary index", s.path, err)
	}

	idBuf := make([]byte, 4)
	for _, id := range s.order {
		binary.LittleEndian.PutUint32(idBuf, uint32(id))
		if _, err := w.Write(idBuf); err != nil {
			return codexerrors.Storage("save binary index", s.path, err)
		}
		if _, err := w.Write(s.vectors[id]); err != nil {
			return codexerrors.Storage("save binary index", s.path, err)
		}
	}

	if err := w.Flush(); err != nil {
		return codexerrors.Storage("save binary index", s.path, err)
	}
	return nil
}

// Load reads the store's BINV file, replacing any in-memory contents. It
// returns (false, nil) without error when the file does not exist.
func (s *Store) Load() (bool, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, codexerrors.Storage("load binary index", s.path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return false, codexerrors.Storage("load binary index", s.path, err)
	}
	if string(magic) != Magic {
		return false, codexerrors.New(codexerrors.ErrCodeBadMagic, "invalid binary index file: bad magic number", nil).
			WithDetail("path", s.path)
	}

	version, err := readUint32(r)
	if err != nil {
		return false, codexerrors.Storage("load binary index", s.path, err)
	}
	if version != FileVersion {
		return false, codexerrors.New(codexerrors.ErrCodeBadMagic,
			fmt.Sprintf("unsupported binary index version: %d", version), nil).
			WithDetail("path", s.path)
	}

	fileDim, err := readUint32(r)
	if err != nil {
		return false, codexerrors.Storage("load binary index", s.path, err)
	}
	filePackedDim, err := readUint32(r)
	if err != nil {
		return false, codexerrors.Storage("load binary index", s.path, err)
	}
	numVectors, err := readUint32(r)
	if err != nil {
		return false, codexerrors.Storage("load binary index", s.path, err)
	}

	if int(fileDim) != s.dim || int(filePackedDim) != s.packedDim {
		return false, codexerrors.New(codexerrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("dimension mismatch: file has dim=%d packed_dim=%d, expected dim=%d packed_dim=%d",
				fileDim, filePackedDim, s.dim, s.packedDim), nil).
			WithDetail("path", s.path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.vectors = make(map[int64][]byte, numVectors)
	s.order = make([]int64, 0, numVectors)
	s.cacheValid = false

	for i := uint32(0); i < numVectors; i++ {
		id, err := readUint32(r)
		if err != nil {
			return false, codexerrors.Storage("load binary index", s.path, err)
		}
		vec := make([]byte, s.packedDim)
		if _, err := io.ReadFull(r, vec); err != nil {
			return false, codexerrors.Storage("load binary index", s.path, err)
		}
		s.vectors[int64(id)] = vec
		s.order = append(s.order, int64(id))
	}
	return true, nil
}

func readUint32(r io.Reader) (uint32, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}
