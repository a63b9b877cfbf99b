package embedcontract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingCollaborators wraps a StaticCollaborators and counts calls, to
// verify the cache actually avoids recomputation rather than just passing
// through.
type countingCollaborators struct {
	*StaticCollaborators
	denseCalls  int
	binaryCalls int
	sparseCalls int
	crossCalls  int
}

func (c *countingCollaborators) EmbedDense(ctx context.Context, text string) ([]float32, error) {
	c.denseCalls++
	return c.StaticCollaborators.EmbedDense(ctx, text)
}

func (c *countingCollaborators) EmbedBinary(ctx context.Context, text string) ([]byte, error) {
	c.binaryCalls++
	return c.StaticCollaborators.EmbedBinary(ctx, text)
}

func (c *countingCollaborators) EncodeSparse(ctx context.Context, text string) (map[int]float32, error) {
	c.sparseCalls++
	return c.StaticCollaborators.EncodeSparse(ctx, text)
}

func (c *countingCollaborators) CrossEncode(ctx context.Context, query, doc string) (float32, error) {
	c.crossCalls++
	return c.StaticCollaborators.CrossEncode(ctx, query, doc)
}

func TestCachedCollaborators_EmbedDense_CacheHitSkipsRecompute(t *testing.T) {
	inner := &countingCollaborators{StaticCollaborators: NewStaticCollaborators(64)}
	cached := NewCachedCollaborators(inner, 10)
	ctx := context.Background()

	v1, err := cached.EmbedDense(ctx, "package main")
	require.NoError(t, err)
	v2, err := cached.EmbedDense(ctx, "package main")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, inner.denseCalls)
}

func TestCachedCollaborators_EmbedBinary_CacheHitSkipsRecompute(t *testing.T) {
	inner := &countingCollaborators{StaticCollaborators: NewStaticCollaborators(64)}
	cached := NewCachedCollaborators(inner, 10)
	ctx := context.Background()

	_, err := cached.EmbedBinary(ctx, "package main")
	require.NoError(t, err)
	_, err = cached.EmbedBinary(ctx, "package main")
	require.NoError(t, err)

	assert.Equal(t, 1, inner.binaryCalls)
}

func TestCachedCollaborators_EncodeSparse_CacheHitSkipsRecompute(t *testing.T) {
	inner := &countingCollaborators{StaticCollaborators: NewStaticCollaborators(64)}
	cached := NewCachedCollaborators(inner, 10)
	ctx := context.Background()

	_, err := cached.EncodeSparse(ctx, "func main() {}")
	require.NoError(t, err)
	_, err = cached.EncodeSparse(ctx, "func main() {}")
	require.NoError(t, err)

	assert.Equal(t, 1, inner.sparseCalls)
}

func TestCachedCollaborators_CrossEncode_CacheHitSkipsRecompute(t *testing.T) {
	inner := &countingCollaborators{StaticCollaborators: NewStaticCollaborators(64)}
	cached := NewCachedCollaborators(inner, 10)
	ctx := context.Background()

	_, err := cached.CrossEncode(ctx, "query text", "doc text")
	require.NoError(t, err)
	_, err = cached.CrossEncode(ctx, "query text", "doc text")
	require.NoError(t, err)

	assert.Equal(t, 1, inner.crossCalls)
}

func TestCachedCollaborators_DifferentTextsAreNotConflated(t *testing.T) {
	inner := &countingCollaborators{StaticCollaborators: NewStaticCollaborators(64)}
	cached := NewCachedCollaborators(inner, 10)
	ctx := context.Background()

	_, err := cached.EmbedDense(ctx, "alpha")
	require.NoError(t, err)
	_, err = cached.EmbedDense(ctx, "beta")
	require.NoError(t, err)

	assert.Equal(t, 2, inner.denseCalls)
}

func TestCachedCollaborators_PassthroughMethods(t *testing.T) {
	inner := NewStaticCollaborators(128)
	cached := NewCachedCollaborators(inner, 10)

	assert.Equal(t, inner.Dimensions(), cached.Dimensions())
	assert.Equal(t, inner.ModelName(), cached.ModelName())
	assert.True(t, cached.Available(context.Background()))
	assert.Same(t, inner, cached.Inner())
	require.NoError(t, cached.Close())
}
