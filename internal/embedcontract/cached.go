package embedcontract

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedCollaborators wraps Collaborators with a process-wide LRU cache so
// repeated queries against the same text skip recomputation. Each of the
// four contracts gets its own cache, keyed on text plus model name.
type CachedCollaborators struct {
	inner Collaborators

	dense  *lru.Cache[string, []float32]
	binary *lru.Cache[string, []byte]
	sparse *lru.Cache[string, map[int]float32]
	cross  *lru.Cache[string, float32]
}

// NewCachedCollaborators wraps inner with an LRU cache of the given size per
// contract. A non-positive size falls back to DefaultEmbeddingCacheSize.
func NewCachedCollaborators(inner Collaborators, cacheSize int) *CachedCollaborators {
	if cacheSize <= 0 {
		cacheSize = DefaultEmbeddingCacheSize
	}
	dense, _ := lru.New[string, []float32](cacheSize)
	binary, _ := lru.New[string, []byte](cacheSize)
	sparse, _ := lru.New[string, map[int]float32](cacheSize)
	cross, _ := lru.New[string, float32](cacheSize)
	return &CachedCollaborators{
		inner:  inner,
		dense:  dense,
		binary: binary,
		sparse: sparse,
		cross:  cross,
	}
}

// EmbedDense returns the cached dense vector if present, otherwise computes
// and caches it.
func (c *CachedCollaborators) EmbedDense(ctx context.Context, text string) ([]float32, error) {
	key := cacheKeyFor(text, c.inner.ModelName(), "dense")
	if vec, ok := c.dense.Get(key); ok {
		return vec, nil
	}
	vec, err := c.inner.EmbedDense(ctx, text)
	if err != nil {
		return nil, err
	}
	c.dense.Add(key, vec)
	return vec, nil
}

// EmbedDenseBatch embeds each text separately so per-text cache hits apply.
func (c *CachedCollaborators) EmbedDenseBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := c.EmbedDense(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = vec
	}
	return results, nil
}

// Dimensions passes through to the inner collaborator.
func (c *CachedCollaborators) Dimensions() int {
	return c.inner.Dimensions()
}

// EmbedBinary returns the cached binary code if present, otherwise computes
// and caches it.
func (c *CachedCollaborators) EmbedBinary(ctx context.Context, text string) ([]byte, error) {
	key := cacheKeyFor(text, c.inner.ModelName(), "binary")
	if code, ok := c.binary.Get(key); ok {
		return code, nil
	}
	code, err := c.inner.EmbedBinary(ctx, text)
	if err != nil {
		return nil, err
	}
	c.binary.Add(key, code)
	return code, nil
}

// EncodeSparse returns the cached sparse vector if present, otherwise
// computes and caches it.
func (c *CachedCollaborators) EncodeSparse(ctx context.Context, text string) (map[int]float32, error) {
	key := cacheKeyFor(text, c.inner.ModelName(), "sparse")
	if vec, ok := c.sparse.Get(key); ok {
		return vec, nil
	}
	vec, err := c.inner.EncodeSparse(ctx, text)
	if err != nil {
		return nil, err
	}
	c.sparse.Add(key, vec)
	return vec, nil
}

// CrossEncode returns the cached score if present, otherwise computes and
// caches it under a key covering both query and doc.
func (c *CachedCollaborators) CrossEncode(ctx context.Context, query, doc string) (float32, error) {
	key := cacheKeyFor(query, doc, c.inner.ModelName(), "cross")
	if score, ok := c.cross.Get(key); ok {
		return score, nil
	}
	score, err := c.inner.CrossEncode(ctx, query, doc)
	if err != nil {
		return 0, err
	}
	c.cross.Add(key, score)
	return score, nil
}

// ModelName passes through to the inner collaborator.
func (c *CachedCollaborators) ModelName() string {
	return c.inner.ModelName()
}

// Available passes through to the inner collaborator.
func (c *CachedCollaborators) Available(ctx context.Context) bool {
	return c.inner.Available(ctx)
}

// Close releases the inner collaborator's resources.
func (c *CachedCollaborators) Close() error {
	return c.inner.Close()
}

// Inner returns the wrapped collaborator.
func (c *CachedCollaborators) Inner() Collaborators {
	return c.inner
}
