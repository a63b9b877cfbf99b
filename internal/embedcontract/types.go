// Package embedcontract implements the pure-function embedding collaborator
// contracts the core relies on: embed_dense, embed_binary, encode_sparse,
// and cross_encode. Each backend owns its own resources and presents the
// same capability interface to the rest of the engine, so a real model
// server can replace the deterministic default without touching callers.
package embedcontract

import (
	"context"
	"time"
)

// Dimension and cache tuning constants.
const (
	// MinBatchSize is the smallest batch size for EmbedDenseBatch. The
	// implementations in this package do not check it.
	MinBatchSize = 1

	// MaxBatchSize is the largest batch size for one EmbedDenseBatch call.
	// The implementations in this package do not enforce it.
	MaxBatchSize = 256

	// DefaultBatchSize matches config.EmbeddingsConfig.BatchSize's default;
	// nothing in this package reads either value.
	DefaultBatchSize = 32

	// DefaultDimensions is the dense embedding width used when
	// EmbeddingsConfig.Dimensions is left at its default of 0.
	DefaultDimensions = 768

	// BinaryCodeBytes is the width of the binary embedding: 256 bits.
	BinaryCodeBytes = 32

	// DefaultEmbeddingCacheSize bounds the process-wide encoder cache.
	DefaultEmbeddingCacheSize = 1000

	// DefaultSparseVocabSize bounds the token-id space encode_sparse hashes into.
	DefaultSparseVocabSize = 30000

	// DefaultTimeout is a per-call time budget for a remote backend; the
	// static backend in this package does not apply it.
	DefaultTimeout = 30 * time.Second
)

// DenseEmbedder implements embed_dense(text) -> f32[D].
type DenseEmbedder interface {
	EmbedDense(ctx context.Context, text string) ([]float32, error)
	EmbedDenseBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// BinaryEmbedder implements embed_binary(text) -> bytes[32].
type BinaryEmbedder interface {
	EmbedBinary(ctx context.Context, text string) ([]byte, error)
}

// SparseEncoder implements encode_sparse(text) -> map<int,f32>.
type SparseEncoder interface {
	EncodeSparse(ctx context.Context, text string) (map[int]float32, error)
}

// CrossEncoder implements cross_encode(query, doc) -> f32.
type CrossEncoder interface {
	CrossEncode(ctx context.Context, query, doc string) (float32, error)
}

// Collaborators bundles the four pure-function contracts of spec §6 behind
// one capability interface, the tagged-variant design note's alternative.
type Collaborators interface {
	DenseEmbedder
	BinaryEmbedder
	SparseEncoder
	CrossEncoder

	ModelName() string
	Available(ctx context.Context) bool
	Close() error
}
