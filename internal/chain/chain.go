// Package chain implements the chain search engine: it resolves a source
// path to its nearest DirIndex, walks the registered subdirectory tree
// beneath it, dispatches the hybrid search engine against each directory in
// parallel, and merges the per-directory hits into one ranked result list.
package chain

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codexlens/codexlens/internal/denseann"
	"github.com/codexlens/codexlens/internal/dirindex"
	"github.com/codexlens/codexlens/internal/embedcontract"
	"github.com/codexlens/codexlens/internal/globalindex"
	"github.com/codexlens/codexlens/internal/parse"
	"github.com/codexlens/codexlens/internal/pathmap"
	"github.com/codexlens/codexlens/internal/registry"
	"github.com/codexlens/codexlens/internal/search"
	"github.com/codexlens/codexlens/internal/splade"
)

// DefaultDepth is the unlimited-depth sentinel used by DefaultOptions.
const DefaultDepth = -1

// DefaultLimitPerDir bounds how many hits one directory contributes before
// the cross-directory merge.
const DefaultLimitPerDir = 20

// DefaultTotalLimit bounds the final merged result count.
const DefaultTotalLimit = 20

// Options controls one chain search call. The Go zero value searches only
// the starting directory (Depth 0); use DefaultOptions for an unlimited-depth
// starting point.
type Options struct {
	// Depth limits how many directory levels below the start index are
	// visited: 0 searches only the start directory, a positive N descends N
	// levels, and a negative value is unlimited.
	Depth int
	// MaxWorkers caps concurrent per-directory searches. Zero means
	// GOMAXPROCS. Ignored (forced to 1) whenever the search touches a
	// vector signal, since the embedding backend serializes on its own
	// accelerator.
	MaxWorkers int
	// LimitPerDir bounds how many hits one directory may contribute.
	LimitPerDir int
	// TotalLimit bounds the final merged result count.
	TotalLimit int

	Mode       search.Mode
	PureVector bool
	// HybridWeights overrides the engine's default signal weights for this
	// call only. Nil keeps the engine's configured Config.
	HybridWeights *search.Config
}

// usesVectorSignal reports whether opts would ever touch the dense/sparse
// embedding backend, which forces single-worker dispatch.
func (o Options) usesVectorSignal(cfg search.Config) bool {
	if o.PureVector {
		return true
	}
	if o.Mode == search.ModeHybrid || o.Mode == search.ModeAuto {
		w := cfg
		if o.HybridWeights != nil {
			w = *o.HybridWeights
		}
		return w.VectorWeight > 0 || w.SparseWeight > 0
	}
	return false
}

func (o Options) depth() int {
	return o.Depth
}

// DefaultOptions returns the package's recommended starting point: unlimited
// depth and the default per-directory/total result caps.
func DefaultOptions() Options {
	return Options{Depth: DefaultDepth, LimitPerDir: DefaultLimitPerDir, TotalLimit: DefaultTotalLimit}
}

func (o Options) limitPerDir() int {
	if o.LimitPerDir <= 0 {
		return DefaultLimitPerDir
	}
	return o.LimitPerDir
}

func (o Options) totalLimit() int {
	if o.TotalLimit <= 0 {
		return DefaultTotalLimit
	}
	return o.TotalLimit
}

// Result is a chain search's merged output.
type Result struct {
	Results      []search.Result
	DirsSearched int
	Errors       []string
	Elapsed      time.Duration
}

// Engine resolves source paths to DirIndexes via the registry/path mapper
// and fans a hybrid search out across the directory tree beneath them.
type Engine struct {
	Registry *registry.Store
	Mapper   *pathmap.Mapper
	Embedder embedcontract.Collaborators
	Config   search.Config
	// DenseDim sizes a directory's dense store when it is opened for a
	// search that requests the vector signal.
	DenseDim int
}

// NewEngine builds a chain search engine over reg/mapper, using embedder
// and cfg as the default hybrid search collaborator and signal weights.
func NewEngine(reg *registry.Store, mapper *pathmap.Mapper, embedder embedcontract.Collaborators, cfg search.Config, denseDim int) *Engine {
	return &Engine{Registry: reg, Mapper: mapper, Embedder: embedder, Config: cfg, DenseDim: denseDim}
}

// Search runs query against the DirIndex nearest sourcePath and every
// registered subdirectory beneath it, up to opts.Depth levels down, and
// returns the merged, ranked hits.
func (e *Engine) Search(ctx context.Context, sourcePath, query string, opts Options) (*Result, error) {
	start := time.Now()

	startIndex, found, err := e.findStartIndex(ctx, sourcePath)
	if err != nil {
		return nil, err
	}
	if !found {
		return &Result{Elapsed: time.Since(start)}, nil
	}

	indexPaths, err := e.collectIndexPaths(ctx, startIndex, opts.depth())
	if err != nil {
		return nil, err
	}

	hits, errs := e.searchParallel(ctx, indexPaths, query, opts)

	merged := mergeAndRank(hits, opts.totalLimit())
	return &Result{
		Results:      merged,
		DirsSearched: len(indexPaths),
		Errors:       errs,
		Elapsed:      time.Since(start),
	}, nil
}

// SearchFilesOnly is Search with the merged result collapsed to distinct
// file paths, preserving rank order.
func (e *Engine) SearchFilesOnly(ctx context.Context, sourcePath, query string, opts Options) ([]string, error) {
	result, err := e.Search(ctx, sourcePath, query, opts)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(result.Results))
	for _, r := range result.Results {
		out = append(out, r.Path)
	}
	return out, nil
}

// SearchSymbols resolves a symbol name (optionally filtered by kind) across
// the directory tree beneath sourcePath. It prefers the project's global
// symbol index when one is registered, since that avoids walking every
// directory; it falls back to per-directory substring search otherwise.
func (e *Engine) SearchSymbols(ctx context.Context, sourcePath, name string, kind parse.Kind, limit int, opts Options) ([]globalindex.SymbolEntry, error) {
	if limit <= 0 {
		limit = opts.totalLimit()
	}

	if entries, ok, err := e.searchGlobalSymbols(ctx, sourcePath, name, kind, limit); err != nil {
		return nil, err
	} else if ok {
		return entries, nil
	}

	return e.searchSymbolsByChain(ctx, sourcePath, name, kind, limit, opts)
}

// searchGlobalSymbols looks up sourcePath's project and, if it has a global
// symbol index, queries it directly instead of walking the DirIndex tree.
func (e *Engine) searchGlobalSymbols(ctx context.Context, sourcePath, name string, kind parse.Kind, limit int) ([]globalindex.SymbolEntry, bool, error) {
	if e.Registry == nil || e.Mapper == nil {
		return nil, false, nil
	}

	projectRoot, err := e.Mapper.ProjectRoot(sourcePath)
	if err != nil {
		return nil, false, nil
	}

	project, found, err := e.Registry.GetProject(ctx, projectRoot)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	globalDBPath := filepath.Join(project.IndexRoot, globalindex.DefaultDBName)
	if _, statErr := os.Stat(globalDBPath); statErr != nil {
		return nil, false, nil
	}
	gi, err := globalindex.Open(globalDBPath, project.ID)
	if err != nil {
		return nil, false, nil
	}
	defer gi.Close()

	entries, err := gi.Search(ctx, name, kind, limit*4, false)
	if err != nil {
		return nil, false, err
	}

	scoped := make([]globalindex.SymbolEntry, 0, len(entries))
	prefix := strings.TrimSuffix(sourcePath, string(filepath.Separator)) + string(filepath.Separator)
	for _, entry := range entries {
		if entry.FilePath == sourcePath || strings.HasPrefix(entry.FilePath, prefix) {
			scoped = append(scoped, entry)
		}
	}
	if len(scoped) > limit {
		scoped = scoped[:limit]
	}
	return scoped, true, nil
}

// searchSymbolsByChain falls back to substring symbol search against every
// directory index beneath sourcePath, used when no global symbol index is
// registered for the project.
func (e *Engine) searchSymbolsByChain(ctx context.Context, sourcePath, name string, kind parse.Kind, limit int, opts Options) ([]globalindex.SymbolEntry, error) {
	startIndex, found, err := e.findStartIndex(ctx, sourcePath)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	indexPaths, err := e.collectIndexPaths(ctx, startIndex, opts.depth())
	if err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		out []globalindex.SymbolEntry
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workerCount(opts))
	for _, indexPath := range indexPaths {
		indexPath := indexPath
		g.Go(func() error {
			dir, err := dirindex.Open(indexPath)
			if err != nil {
				return nil
			}
			defer dir.Close()

			symbols, err := dir.SearchSymbolHits(gctx, name, string(kind), limit)
			if err != nil {
				return nil
			}

			mu.Lock()
			for _, sym := range symbols {
				out = append(out, globalindex.SymbolEntry{
					Name:      sym.Name,
					Kind:      sym.Kind,
					FilePath:  sym.FilePath,
					StartLine: sym.Range.Start,
					EndLine:   sym.Range.End,
				})
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ResolveIndexPaths resolves sourcePath to its anchoring DirIndex and
// returns it plus every registered subdirectory beneath it up to depth
// levels down, the same traversal Search uses. Callers that build their own
// dispatch on top of a directory's DirIndex (like the cascade retrieval
// engine) use this instead of duplicating start-index resolution.
func (e *Engine) ResolveIndexPaths(ctx context.Context, sourcePath string, depth int) ([]string, error) {
	startIndex, found, err := e.findStartIndex(ctx, sourcePath)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return e.collectIndexPaths(ctx, startIndex, depth)
}

// findStartIndex resolves sourcePath to the DirIndex that should anchor the
// chain search: an exact registry mapping if one exists, otherwise the
// mapping for its nearest registered ancestor.
func (e *Engine) findStartIndex(ctx context.Context, sourcePath string) (string, bool, error) {
	if e.Registry != nil {
		if indexPath, ok, err := e.Registry.FindIndexPath(ctx, sourcePath); err != nil {
			return "", false, err
		} else if ok {
			return indexPath, true, nil
		}

		if mapping, ok, err := e.Registry.FindNearestIndex(ctx, sourcePath); err != nil {
			return "", false, err
		} else if ok {
			return mapping.IndexPath, true, nil
		}
	}

	if e.Mapper != nil {
		indexPath, err := e.Mapper.SourceToIndexDB(sourcePath)
		if err == nil {
			if _, statErr := os.Stat(indexPath); statErr == nil {
				return indexPath, true, nil
			}
		}
	}

	return "", false, nil
}

// collectIndexPaths walks the registered subdirectory tree rooted at
// startIndexPath breadth-first, up to depth levels deep (negative means
// unlimited), deduping visited source paths to guard against cycles from a
// malformed registry.
func (e *Engine) collectIndexPaths(ctx context.Context, startIndexPath string, depth int) ([]string, error) {
	out := []string{startIndexPath}
	if e.Registry == nil || e.Mapper == nil || depth == 0 {
		return out, nil
	}

	startSource, err := e.Mapper.IndexToSource(startIndexPath)
	if err != nil {
		return out, nil
	}

	visited := map[string]bool{startSource: true}
	frontier := []string{startSource}

	for level := 0; depth < 0 || level < depth; level++ {
		if len(frontier) == 0 {
			break
		}
		var next []string
		for _, sourcePath := range frontier {
			subdirs, err := e.Registry.GetSubdirs(ctx, sourcePath)
			if err != nil {
				return nil, err
			}
			for _, sub := range subdirs {
				if visited[sub.SourcePath] {
					continue
				}
				visited[sub.SourcePath] = true
				out = append(out, sub.IndexPath)
				next = append(next, sub.SourcePath)
			}
		}
		frontier = next
	}

	return out, nil
}

// workerCount applies the GPU-serialization rule: whenever the search will
// touch the dense/sparse embedding backend, directories are searched one at
// a time so only one goroutine ever holds the accelerator.
func (e *Engine) workerCount(opts Options) int {
	if opts.usesVectorSignal(e.Config) {
		return 1
	}
	if opts.MaxWorkers > 0 {
		return opts.MaxWorkers
	}
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	return n
}

// searchParallel dispatches query against every index path, bounded by
// workerCount, and returns the union of hits plus any per-directory errors
// (a directory failing to open or search does not fail the whole call).
func (e *Engine) searchParallel(ctx context.Context, indexPaths []string, query string, opts Options) ([]search.Result, []string) {
	var (
		mu     sync.Mutex
		hits   []search.Result
		errMsg []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workerCount(opts))

	for _, indexPath := range indexPaths {
		indexPath := indexPath
		g.Go(func() error {
			results, err := e.searchOneDir(gctx, indexPath, query, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errMsg = append(errMsg, indexPath+": "+err.Error())
				return nil
			}
			hits = append(hits, results...)
			return nil
		})
	}
	_ = g.Wait()

	return hits, errMsg
}

// searchOneDir opens the directory index (and its dense/sparse stores, if
// the search needs them) at indexPath and runs the hybrid search engine.
func (e *Engine) searchOneDir(ctx context.Context, indexPath string, query string, opts Options) ([]search.Result, error) {
	dir, err := dirindex.Open(indexPath)
	if err != nil {
		return nil, err
	}
	defer dir.Close()

	cfg := e.Config
	if opts.HybridWeights != nil {
		cfg = *opts.HybridWeights
	}

	var dense *denseann.Store
	if (cfg.VectorWeight > 0 || opts.PureVector) && e.Embedder != nil {
		dim := e.DenseDim
		if dim <= 0 {
			dim = embedcontract.DefaultDimensions
		}
		dense, err = denseann.New(denseann.PathFor(indexPath), dim, 0)
		if err == nil {
			if _, loadErr := dense.Load(); loadErr != nil {
				dense = nil
			}
		} else {
			dense = nil
		}
	}

	var sparse *splade.Store
	if (cfg.SparseWeight > 0 || opts.PureVector) && e.Embedder != nil {
		spladePath := splade.PathFor(filepath.Dir(indexPath))
		if _, statErr := os.Stat(spladePath); statErr == nil {
			if s, err := splade.Open(spladePath); err == nil {
				sparse = s
				defer sparse.Close()
			}
		}
	}

	engine := search.NewEngine(dir, dense, sparse, e.Embedder, cfg)
	return engine.Search(ctx, query, opts.limitPerDir(), search.Options{Mode: opts.Mode, PureVector: opts.PureVector})
}

// mergeAndRank dedupes results by path, keeping each path's highest score,
// sorts descending by score (ties broken by ascending path for determinism),
// and truncates to limit.
func mergeAndRank(hits []search.Result, limit int) []search.Result {
	best := make(map[string]search.Result, len(hits))
	for _, h := range hits {
		if existing, ok := best[h.Path]; !ok || h.Score > existing.Score {
			best[h.Path] = h
		}
	}

	out := make([]search.Result, 0, len(best))
	for _, r := range best {
		out = append(out, r)
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
