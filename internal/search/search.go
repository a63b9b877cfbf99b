// Package search implements the hybrid search engine: exact/fuzzy full-text,
// dense vector, and SPLADE sparse signal collection against one directory
// index, fused by Reciprocal Rank Fusion.
package search

import (
	"context"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/codexlens/codexlens/internal/denseann"
	"github.com/codexlens/codexlens/internal/dirindex"
	codexerrors "github.com/codexlens/codexlens/internal/errors"
	"github.com/codexlens/codexlens/internal/embedcontract"
	"github.com/codexlens/codexlens/internal/splade"
)

// Signal tags a result with the query path(s) that produced it.
type Signal string

const (
	SignalExact  Signal = "exact"
	SignalFuzzy  Signal = "fuzzy"
	SignalVector Signal = "vector"
	SignalSparse Signal = "sparse"
	SignalFusion Signal = "fusion"
)

// RRFConstant is the fixed k in fused(d) = Σ weight · 1/(k + rank).
const RRFConstant = 60

// minFetchLimit floors the per-signal fetch size so RRF has enough
// candidates to rank even when the caller asked for very few results.
const minFetchLimit = 20

// Config weights the four signals. Weights need not sum to exactly 1; a
// zero weight (the SPLADE default) disables that signal even if a sparse
// store/encoder is wired in.
type Config struct {
	ExactWeight  float64
	FuzzyWeight  float64
	VectorWeight float64
	SparseWeight float64
	RRFConstant  int
}

// DefaultConfig returns the spec default: exact=0.4, fuzzy=0.3, vector=0.3,
// sparse disabled, k=60.
func DefaultConfig() Config {
	return Config{
		ExactWeight:  0.4,
		FuzzyWeight:  0.3,
		VectorWeight: 0.3,
		SparseWeight: 0,
		RRFConstant:  RRFConstant,
	}
}

// Mode selects how Search picks its signal set.
type Mode string

const (
	// ModeAuto picks hybrid when dense embeddings are present, exact otherwise.
	ModeAuto Mode = "auto"
	// ModeHybrid always runs the full fused pipeline.
	ModeHybrid Mode = "hybrid"
	// ModeExact runs only the exact-FTS signal.
	ModeExact Mode = "exact"
)

// Options controls one Search call.
type Options struct {
	Mode Mode
	// PureVector disables fusion entirely and returns only the dense/sparse
	// path, each result tagged with its originating signal.
	PureVector bool
}

// Result is one ranked hit.
type Result struct {
	Path    string
	Score   float64
	Excerpt string
	Source  Signal
}

// Engine runs hybrid search against a single directory index. DenseStore,
// SparseStore and Embedder are optional: a nil DenseStore/SparseStore
// disables that signal regardless of configured weight.
type Engine struct {
	Dir         *dirindex.Store
	DenseStore  *denseann.Store
	SparseStore *splade.Store
	Embedder    embedcontract.Collaborators
	Config      Config
}

// NewEngine builds a hybrid search engine over dir, with optional dense and
// sparse collaborators.
func NewEngine(dir *dirindex.Store, dense *denseann.Store, sparse *splade.Store, embedder embedcontract.Collaborators, cfg Config) *Engine {
	if cfg.RRFConstant <= 0 {
		cfg.RRFConstant = RRFConstant
	}
	return &Engine{Dir: dir, DenseStore: dense, SparseStore: sparse, Embedder: embedder, Config: cfg}
}

type rankedHit struct {
	Path    string
	Score   float64
	Excerpt string
}

// Search runs the configured signals against query and returns up to limit
// fused results.
func (e *Engine) Search(ctx context.Context, query string, limit int, opts Options) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}

	mode := opts.Mode
	if mode == "" {
		mode = ModeAuto
	}
	if mode == ModeAuto {
		if e.embeddingsPresent() {
			mode = ModeHybrid
		} else {
			mode = ModeExact
		}
	}

	if opts.PureVector {
		return e.searchPureVector(ctx, query, limit)
	}
	if mode == ModeExact {
		hits, err := e.fetchExact(ctx, query, limit)
		if err != nil {
			return nil, err
		}
		return toResults(hits, SignalExact, limit), nil
	}
	return e.searchHybrid(ctx, query, limit)
}

func (e *Engine) embeddingsPresent() bool {
	return e.DenseStore != nil && e.DenseStore.Count() > 0
}

func fetchLimitFor(limit int) int {
	fl := limit * 2
	if fl < minFetchLimit {
		fl = minFetchLimit
	}
	return fl
}

func (e *Engine) searchPureVector(ctx context.Context, query string, limit int) ([]Result, error) {
	fetchLimit := fetchLimitFor(limit)

	var (
		vectorHits []rankedHit
		sparseHits []rankedHit
		vecErr     error
		sparseErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	if e.Config.VectorWeight > 0 && e.DenseStore != nil {
		g.Go(func() error {
			vectorHits, vecErr = e.fetchVector(gctx, query, fetchLimit)
			return vecErr
		})
	}
	if e.Config.SparseWeight > 0 && e.SparseStore != nil {
		g.Go(func() error {
			sparseHits, sparseErr = e.fetchSparse(gctx, query, fetchLimit)
			return sparseErr
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(vectorHits)+len(sparseHits))
	for _, h := range vectorHits {
		results = append(results, Result{Path: h.Path, Score: h.Score, Excerpt: h.Excerpt, Source: SignalVector})
	}
	for _, h := range sparseHits {
		results = append(results, Result{Path: h.Path, Score: h.Score, Excerpt: h.Excerpt, Source: SignalSparse})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (e *Engine) searchHybrid(ctx context.Context, query string, limit int) ([]Result, error) {
	fetchLimit := fetchLimitFor(limit)

	type signalFetch struct {
		signal Signal
		weight float64
		fn     func(context.Context, string, int) ([]rankedHit, error)
	}

	var fetches []signalFetch
	if e.Config.ExactWeight > 0 {
		fetches = append(fetches, signalFetch{SignalExact, e.Config.ExactWeight, e.fetchExact})
	}
	if e.Config.FuzzyWeight > 0 {
		fetches = append(fetches, signalFetch{SignalFuzzy, e.Config.FuzzyWeight, e.fetchFuzzy})
	}
	if e.Config.VectorWeight > 0 && e.DenseStore != nil {
		fetches = append(fetches, signalFetch{SignalVector, e.Config.VectorWeight, e.fetchVector})
	}
	if e.Config.SparseWeight > 0 && e.SparseStore != nil {
		fetches = append(fetches, signalFetch{SignalSparse, e.Config.SparseWeight, e.fetchSparse})
	}
	if len(fetches) == 0 {
		return nil, nil
	}
	if len(fetches) == 1 {
		hits, err := fetches[0].fn(ctx, query, fetchLimit)
		if err != nil {
			return nil, err
		}
		return toResults(hits, fetches[0].signal, limit), nil
	}

	hitsBySignal := make(map[Signal][]rankedHit, len(fetches))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range fetches {
		f := f
		g.Go(func() error {
			hits, err := f.fn(gctx, query, fetchLimit)
			if err != nil {
				return err
			}
			mu.Lock()
			hitsBySignal[f.signal] = hits
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	weights := make(map[Signal]float64, len(fetches))
	for _, f := range fetches {
		weights[f.signal] = f.weight
	}

	return fuseResults(hitsBySignal, weights, e.Config.RRFConstant, limit), nil
}

type fusedEntry struct {
	path        string
	score       float64
	sources     map[Signal]bool
	bestExcerpt string
	bestWeight  float64
}

// fuseResults combines per-signal ranked lists via Reciprocal Rank Fusion,
// deduplicating by path and keeping the excerpt of the maximum
// signal-weighted contribution. A result found by one signal keeps that
// signal's tag; one found by several is tagged fusion.
func fuseResults(hitsBySignal map[Signal][]rankedHit, weights map[Signal]float64, k, limit int) []Result {
	fused := make(map[string]*fusedEntry)

	for signal, hits := range hitsBySignal {
		weight := weights[signal]
		for rank, hit := range hits {
			contribution := weight / float64(k+rank+1)

			entry, ok := fused[hit.Path]
			if !ok {
				entry = &fusedEntry{path: hit.Path, sources: make(map[Signal]bool)}
				fused[hit.Path] = entry
			}
			entry.score += contribution
			entry.sources[signal] = true
			if contribution > entry.bestWeight {
				entry.bestWeight = contribution
				entry.bestExcerpt = hit.Excerpt
			}
		}
	}

	out := make([]Result, 0, len(fused))
	for _, entry := range fused {
		source := SignalFusion
		if len(entry.sources) == 1 {
			for s := range entry.sources {
				source = s
			}
		}
		out = append(out, Result{
			Path:    entry.path,
			Score:   entry.score,
			Excerpt: entry.bestExcerpt,
			Source:  source,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Path < out[j].Path
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func toResults(hits []rankedHit, source Signal, limit int) []Result {
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		out = append(out, Result{Path: h.Path, Score: h.Score, Excerpt: h.Excerpt, Source: source})
	}
	return out
}

func (e *Engine) fetchExact(ctx context.Context, query string, limit int) ([]rankedHit, error) {
	results, err := e.Dir.SearchFTSExact(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return fromSearchResults(results), nil
}

func (e *Engine) fetchFuzzy(ctx context.Context, query string, limit int) ([]rankedHit, error) {
	results, err := e.Dir.SearchFTSFuzzy(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return fromSearchResults(results), nil
}

func fromSearchResults(results []dirindex.SearchResult) []rankedHit {
	hits := make([]rankedHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, rankedHit{Path: r.Path, Score: r.Score, Excerpt: r.Excerpt})
	}
	return hits
}

func (e *Engine) fetchVector(ctx context.Context, query string, limit int) ([]rankedHit, error) {
	if e.Embedder == nil || e.DenseStore == nil {
		return nil, nil
	}
	vec, err := e.Embedder.EmbedDense(ctx, query)
	if err != nil {
		return nil, codexerrors.New(codexerrors.ErrCodeEmbedderUnavail, "embed_dense failed", err)
	}

	matches, err := e.DenseStore.Search(vec, limit)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(matches))
	scoreByID := make(map[int64]float64, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
		scoreByID[m.ID] = float64(m.Score)
	}
	return resolvePaths(ctx, e.Dir, ids, scoreByID)
}

func (e *Engine) fetchSparse(ctx context.Context, query string, limit int) ([]rankedHit, error) {
	if e.Embedder == nil || e.SparseStore == nil {
		return nil, nil
	}
	sparse, err := e.Embedder.EncodeSparse(ctx, query)
	if err != nil {
		return nil, codexerrors.New(codexerrors.ErrCodeEmbedderUnavail, "encode_sparse failed", err)
	}

	vec := make(splade.SparseVector, len(sparse))
	for tokenID, weight := range sparse {
		if tokenID < 0 {
			continue
		}
		vec[uint32(tokenID)] = weight
	}

	matches := e.SparseStore.Search(vec, limit)
	if len(matches) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(matches))
	scoreByID := make(map[int64]float64, len(matches))
	for i, m := range matches {
		ids[i] = m.ChunkID
		scoreByID[m.ChunkID] = float64(m.Score)
	}
	return resolvePaths(ctx, e.Dir, ids, scoreByID)
}

// resolvePaths maps chunk ids back to file paths and deduplicates, keeping
// each path's first (best-ranked) occurrence since ids arrive already
// ordered by score from their originating store.
func resolvePaths(ctx context.Context, dir *dirindex.Store, ids []int64, scoreByID map[int64]float64) ([]rankedHit, error) {
	chunks, err := dir.GetChunksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	chunkByID := make(map[int64]dirindex.Chunk, len(chunks))
	for _, c := range chunks {
		chunkByID[c.ID] = c
	}

	seen := make(map[string]bool)
	hits := make([]rankedHit, 0, len(ids))
	for _, id := range ids {
		chunk, ok := chunkByID[id]
		if !ok || seen[chunk.FilePath] {
			continue
		}
		seen[chunk.FilePath] = true
		hits = append(hits, rankedHit{
			Path:    chunk.FilePath,
			Score:   scoreByID[id],
			Excerpt: excerptOf(chunk.Content),
		})
	}
	return hits, nil
}

func excerptOf(content string) string {
	const maxExcerpt = 200
	content = strings.TrimSpace(content)
	if len(content) <= maxExcerpt {
		return content
	}
	return content[:maxExcerpt] + "..."
}
