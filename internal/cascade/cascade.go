// Package cascade implements two-stage cascade retrieval: a cheap coarse
// pass over every directory index beneath a source path, followed by an
// expensive fine-grained rerank of only the coarse candidates. Two
// strategies are offered: binary (Hamming-distance coarse ranking, dense
// cosine rerank) and hybrid (RRF coarse ranking, cross-encoder rerank).
package cascade

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/codexlens/codexlens/internal/binaryann"
	"github.com/codexlens/codexlens/internal/chain"
	"github.com/codexlens/codexlens/internal/dirindex"
	"github.com/codexlens/codexlens/internal/embedcontract"
	"github.com/codexlens/codexlens/internal/search"
)

// DefaultK is the default number of final, reranked results.
const DefaultK = 10

// DefaultCoarseK is the default number of coarse-stage candidates.
const DefaultCoarseK = 100

// minLimitPerDir floors the per-directory coarse fetch, mirroring the
// hybrid-coarse-stage guard in the chain search engine.
const minLimitPerDir = 20

// excerptLen bounds how much chunk content a rerank-stage result carries.
const excerptLen = 500

// Strategy selects the cascade's coarse-stage signal.
type Strategy string

const (
	// StrategyBinary runs Hamming-distance coarse ranking with dense
	// cosine rerank.
	StrategyBinary Strategy = "binary"
	// StrategyHybrid runs RRF-fused coarse ranking with cross-encoder
	// rerank.
	StrategyHybrid Strategy = "hybrid"
)

// Options controls one cascade search call.
type Options struct {
	K       int
	CoarseK int
	// Chain controls the underlying directory traversal (depth, worker
	// cap, hybrid signal weights for the hybrid strategy's coarse stage).
	Chain chain.Options
}

func (o Options) k() int {
	if o.K <= 0 {
		return DefaultK
	}
	return o.K
}

func (o Options) coarseK() int {
	if o.CoarseK <= 0 {
		return DefaultCoarseK
	}
	return o.CoarseK
}

// Result is one reranked cascade hit.
type Result struct {
	Path    string
	Score   float64
	Excerpt string
}

// CascadeResult is a cascade search's full output.
type CascadeResult struct {
	Results      []Result
	DirsSearched int
	Errors       []string
	Elapsed      time.Duration
}

// Engine runs cascade retrieval over a chain search engine's directory
// tree. Embedder is optional: without it, binary cascade search degrades
// straight to the hybrid strategy, and hybrid cascade search's rerank
// stage degrades to the coarse stage's ordering.
type Engine struct {
	Chain    *chain.Engine
	Embedder embedcontract.Collaborators
}

// NewEngine builds a cascade engine over chainEngine's directory tree,
// using embedder for binary/dense query embedding and cross-encoder
// reranking.
func NewEngine(chainEngine *chain.Engine, embedder embedcontract.Collaborators) *Engine {
	return &Engine{Chain: chainEngine, Embedder: embedder}
}

// CascadeSearch dispatches to BinaryCascadeSearch or HybridCascadeSearch by
// strategy name, defaulting to binary for any unrecognized value.
func (e *Engine) CascadeSearch(ctx context.Context, sourcePath, query string, strategy Strategy, opts Options) (*CascadeResult, error) {
	if strategy == StrategyHybrid {
		return e.HybridCascadeSearch(ctx, sourcePath, query, opts)
	}
	return e.BinaryCascadeSearch(ctx, sourcePath, query, opts)
}

// BinaryCascadeSearch runs Hamming-distance coarse retrieval over each
// directory's binary ANN store, then reranks the coarse candidates by dense
// cosine similarity. It falls back to HybridCascadeSearch whenever the
// binary/dense embedding path is unavailable: no embedder, no binary query
// embedding, or no binary candidates found at all. It degrades to scoring
// candidates by Hamming distance alone (1 - distance/256) when dense
// reranking specifically is unavailable, since the coarse candidates are
// still valid.
func (e *Engine) BinaryCascadeSearch(ctx context.Context, sourcePath, query string, opts Options) (*CascadeResult, error) {
	start := time.Now()
	if e.Embedder == nil {
		return e.HybridCascadeSearch(ctx, sourcePath, query, opts)
	}

	indexPaths, err := e.Chain.ResolveIndexPaths(ctx, sourcePath, opts.Chain.Depth)
	if err != nil {
		return nil, err
	}
	if len(indexPaths) == 0 {
		return &CascadeResult{Elapsed: time.Since(start)}, nil
	}

	queryBinary, err := e.Embedder.EmbedBinary(ctx, query)
	if err != nil {
		return e.HybridCascadeSearch(ctx, sourcePath, query, opts)
	}

	coarseK := opts.coarseK()
	candidates, errs := e.binaryCoarseSearch(queryBinary, indexPaths, coarseK)
	if len(candidates) == 0 {
		return e.HybridCascadeSearch(ctx, sourcePath, query, opts)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].distance < candidates[j].distance })
	if len(candidates) > coarseK {
		candidates = candidates[:coarseK]
	}

	byIndex := make(map[string][]binaryCandidate)
	for _, c := range candidates {
		byIndex[c.indexPath] = append(byIndex[c.indexPath], c)
	}

	queryDense, denseErr := e.Embedder.EmbedDense(ctx, query)
	useDense := denseErr == nil

	var results []Result
	for indexPath, group := range byIndex {
		reranked, err := e.rerankDenseOrHamming(ctx, indexPath, group, queryDense, useDense)
		if err != nil {
			errs = append(errs, indexPath+": "+err.Error())
			continue
		}
		results = append(results, reranked...)
	}

	merged := mergeByPathKeepMax(results)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if k := opts.k(); len(merged) > k {
		merged = merged[:k]
	}

	return &CascadeResult{
		Results:      merged,
		DirsSearched: len(indexPaths),
		Errors:       errs,
		Elapsed:      time.Since(start),
	}, nil
}

type binaryCandidate struct {
	chunkID   int64
	distance  int
	indexPath string
}

// binaryCoarseSearch queries every directory's binary ANN store for its
// top coarseK Hamming-distance matches, tolerating directories that have no
// binary store at all.
func (e *Engine) binaryCoarseSearch(queryBinary []byte, indexPaths []string, coarseK int) ([]binaryCandidate, []string) {
	var (
		candidates []binaryCandidate
		errs       []string
	)

	dim := len(queryBinary) * 8
	for _, indexPath := range indexPaths {
		binPath := binaryann.BinaryPathFor(indexPath)
		if _, statErr := os.Stat(binPath); statErr != nil {
			continue
		}

		store, err := binaryann.New(binPath, dim)
		if err != nil {
			errs = append(errs, indexPath+": "+err.Error())
			continue
		}
		if found, err := store.Load(); err != nil || !found || store.Count() == 0 {
			continue
		}

		matches, err := store.Search(queryBinary, coarseK)
		if err != nil {
			errs = append(errs, indexPath+": "+err.Error())
			continue
		}
		for _, m := range matches {
			candidates = append(candidates, binaryCandidate{chunkID: m.ID, distance: m.Distance, indexPath: indexPath})
		}
	}
	return candidates, errs
}

// rerankDenseOrHamming scores one directory's binary-coarse candidates,
// preferring dense cosine similarity and falling back to the Hamming
// distance-derived score when dense embeddings are unavailable.
func (e *Engine) rerankDenseOrHamming(ctx context.Context, indexPath string, group []binaryCandidate, queryDense []float32, useDense bool) ([]Result, error) {
	dir, err := dirindex.Open(indexPath)
	if err != nil {
		return nil, err
	}
	defer dir.Close()

	ids := make([]int64, len(group))
	distByID := make(map[int64]int, len(group))
	for i, c := range group {
		ids[i] = c.chunkID
		distByID[c.chunkID] = c.distance
	}

	chunks, err := dir.GetChunksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	chunkByID := make(map[int64]dirindex.Chunk, len(chunks))
	for _, ch := range chunks {
		chunkByID[ch.ID] = ch
	}

	var denseBlobs map[int64][]byte
	if useDense {
		denseBlobs, err = dir.GetDenseEmbeddings(ctx, ids)
		if err != nil {
			useDense = false
		}
	}

	out := make([]Result, 0, len(group))
	for _, id := range ids {
		chunk, ok := chunkByID[id]
		if !ok {
			continue
		}

		var score float64
		if useDense {
			blob := denseBlobs[id]
			if len(blob) == 0 {
				score = hammingScore(distByID[id])
			} else {
				score = cosineSimilarity(queryDense, decodeFloat32Vector(blob))
			}
		} else {
			score = hammingScore(distByID[id])
		}

		out = append(out, Result{Path: chunk.FilePath, Score: score, Excerpt: truncateExcerpt(chunk.Content)})
	}
	return out, nil
}

// hammingScore converts a 256-bit Hamming distance to a [0,1]-ish score,
// matching the fallback used when dense reranking is unavailable.
func hammingScore(distance int) float64 {
	return 1.0 - float64(distance)/float64(binaryann.DefaultDim)
}

// HybridCascadeSearch runs RRF-fused hybrid search as the coarse stage
// (single-worker, since the vector signal serializes on the embedding
// backend) and reranks the merged candidates with the cross-encoder
// contract. It degrades to the coarse stage's own ordering whenever no
// embedder is wired or the cross-encoder fails.
func (e *Engine) HybridCascadeSearch(ctx context.Context, sourcePath, query string, opts Options) (*CascadeResult, error) {
	start := time.Now()
	coarseK := opts.coarseK()

	indexPaths, err := e.Chain.ResolveIndexPaths(ctx, sourcePath, opts.Chain.Depth)
	if err != nil {
		return nil, err
	}
	if len(indexPaths) == 0 {
		return &CascadeResult{Elapsed: time.Since(start)}, nil
	}

	limitPerDir := coarseK / len(indexPaths)
	if limitPerDir < minLimitPerDir {
		limitPerDir = minLimitPerDir
	}

	coarseOpts := opts.Chain
	coarseOpts.MaxWorkers = 1
	coarseOpts.Mode = search.ModeHybrid
	coarseOpts.LimitPerDir = limitPerDir
	coarseOpts.TotalLimit = coarseK

	coarse, err := e.Chain.Search(ctx, sourcePath, query, coarseOpts)
	if err != nil {
		return nil, err
	}
	if len(coarse.Results) == 0 {
		return &CascadeResult{DirsSearched: coarse.DirsSearched, Errors: coarse.Errors, Elapsed: time.Since(start)}, nil
	}

	reranked := e.crossEncoderRerank(ctx, query, coarse.Results, opts.k())

	return &CascadeResult{
		Results:      reranked,
		DirsSearched: coarse.DirsSearched,
		Errors:       coarse.Errors,
		Elapsed:      time.Since(start),
	}, nil
}

// crossEncoderRerank scores every coarse candidate against query with the
// cross-encoder contract and returns the top k by that score. Any
// cross-encoder failure (including no embedder wired) degrades to the
// coarse stage's own ordering, truncated to k.
func (e *Engine) crossEncoderRerank(ctx context.Context, query string, candidates []search.Result, k int) []Result {
	if e.Embedder == nil {
		return toResults(candidates, k)
	}

	type scored struct {
		result Result
		score  float64
	}
	scoredHits := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		s, err := e.Embedder.CrossEncode(ctx, query, c.Excerpt)
		if err != nil {
			return toResults(candidates, k)
		}
		scoredHits = append(scoredHits, scored{
			result: Result{Path: c.Path, Score: float64(s), Excerpt: c.Excerpt},
			score:  float64(s),
		})
	}

	sort.Slice(scoredHits, func(i, j int) bool { return scoredHits[i].score > scoredHits[j].score })
	if len(scoredHits) > k {
		scoredHits = scoredHits[:k]
	}
	out := make([]Result, len(scoredHits))
	for i, s := range scoredHits {
		out[i] = s.result
	}
	return out
}

// toResults truncates coarse hits to k without rescoring, used whenever
// reranking is unavailable.
func toResults(hits []search.Result, k int) []Result {
	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]Result, len(hits))
	for i, h := range hits {
		out[i] = Result{Path: h.Path, Score: h.Score, Excerpt: h.Excerpt}
	}
	return out
}

// mergeByPathKeepMax dedupes results by path, keeping each path's
// highest-scoring occurrence.
func mergeByPathKeepMax(results []Result) []Result {
	best := make(map[string]Result, len(results))
	for _, r := range results {
		if existing, ok := best[r.Path]; !ok || r.Score > existing.Score {
			best[r.Path] = r
		}
	}
	out := make([]Result, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	return out
}

// decodeFloat32Vector reinterprets a little-endian float32 blob (the
// encoding a build pipeline writes into Chunk.EmbeddingDense) as a vector.
func decodeFloat32Vector(blob []byte) []float32 {
	n := len(blob) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(blob[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

// cosineSimilarity computes cosine similarity over the shared prefix of a
// and b, returning 0 for a zero-norm vector.
func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		av, bv := float64(a[i]), float64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// truncateExcerpt trims content to excerptLen bytes, matching the
// coarse-stage excerpt length used elsewhere in the search pipeline.
func truncateExcerpt(content string) string {
	content = strings.TrimSpace(content)
	if len(content) <= excerptLen {
		return content
	}
	return content[:excerptLen]
}
