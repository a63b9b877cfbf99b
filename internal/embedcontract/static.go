package embedcontract

import (
	"context"
	"crypto/sha256"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
	"sync"
	"unicode"
)

// programmingStopWords filters common language keywords out of the token
// stream so they don't dominate the hash-bucketed signal.
var programmingStopWords = map[string]bool{
	"func": true, "function": true, "def": true, "class": true,
	"return": true, "import": true, "const": true, "var": true,
	"let": true, "int": true, "string": true, "bool": true,
	"void": true, "true": true, "false": true, "nil": true,
	"null": true, "this": true, "self": true, "new": true,
}

const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3
)

var tokenRegex = regexp.MustCompile(`[a-zA-Z0-9]+`)

// StaticCollaborators is a deterministic, dependency-free implementation of
// Collaborators: hash-bucketed bag-of-tokens/n-grams for the dense vector,
// sign-thresholded into a binary code, and a separate hashed token space for
// the sparse encoding. It needs no network access or GPU and exists so the
// engine runs standalone; a real embedding/reranking backend satisfies the
// same interface.
type StaticCollaborators struct {
	mu         sync.RWMutex
	closed     bool
	dimensions int
}

// NewStaticCollaborators builds a static collaborator set with the given
// dense dimension. A non-positive dimension falls back to DefaultDimensions.
func NewStaticCollaborators(dimensions int) *StaticCollaborators {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &StaticCollaborators{dimensions: dimensions}
}

func (e *StaticCollaborators) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return fmt.Errorf("collaborators: embedder is closed")
	}
	return nil
}

// EmbedDense implements embed_dense(text) -> f32[D].
func (e *StaticCollaborators) EmbedDense(_ context.Context, text string) ([]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, e.dimensions), nil
	}

	return normalizeVector(e.bagOfHashes(trimmed, e.dimensions)), nil
}

// EmbedDenseBatch implements a batched embed_dense.
func (e *StaticCollaborators) EmbedDenseBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.EmbedDense(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		results[i] = vec
	}
	return results, nil
}

// Dimensions returns the dense embedding width.
func (e *StaticCollaborators) Dimensions() int {
	return e.dimensions
}

// EmbedBinary implements embed_binary(text) -> bytes[32]: the dense vector's
// sign bits packed into a 256-bit code, so Hamming distance on the binary
// code approximates cosine distance on the dense vector it was derived from.
func (e *StaticCollaborators) EmbedBinary(ctx context.Context, text string) ([]byte, error) {
	dense, err := e.EmbedDense(ctx, text)
	if err != nil {
		return nil, err
	}

	code := make([]byte, BinaryCodeBytes)
	bits := BinaryCodeBytes * 8
	for i := 0; i < bits; i++ {
		// Mix in the wrap count so a dense vector shorter than 256 dims
		// doesn't just repeat the same sign pattern across wraps.
		v := dense[i%len(dense)] + float32(i/len(dense))*1e-3
		if v > 0 {
			code[i/8] |= 1 << uint(i%8)
		}
	}
	_ = ctx
	return code, nil
}

// EncodeSparse implements encode_sparse(text) -> {token_id: weight}: a
// learned-sparse-representation stand-in built from the same code-aware
// tokenizer, weighted by in-document term frequency.
func (e *StaticCollaborators) EncodeSparse(_ context.Context, text string) (map[int]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return map[int]float32{}, nil
	}

	tokens := filterStopWords(tokenize(trimmed))
	counts := make(map[int]int, len(tokens))
	for _, tok := range tokens {
		counts[hashToIndex(tok, DefaultSparseVocabSize)]++
	}

	weights := make(map[int]float32, len(counts))
	for id, count := range counts {
		// log-dampened term frequency, the common SPLADE-style weighting shape.
		weights[id] = float32(1 + math.Log(float64(count)))
	}
	return weights, nil
}

// CrossEncode implements cross_encode(query, doc) -> f32 as the cosine
// similarity between the dense embeddings of query and doc. A learned
// cross-encoder scores the pair jointly rather than independently; this
// stand-in keeps the contract's shape without requiring a model.
func (e *StaticCollaborators) CrossEncode(ctx context.Context, query, doc string) (float32, error) {
	q, err := e.EmbedDense(ctx, query)
	if err != nil {
		return 0, err
	}
	d, err := e.EmbedDense(ctx, doc)
	if err != nil {
		return 0, err
	}

	var dot float32
	for i := range q {
		dot += q[i] * d[i]
	}
	return dot, nil
}

// ModelName returns the model identifier.
func (e *StaticCollaborators) ModelName() string {
	return fmt.Sprintf("static-%d", e.dimensions)
}

// Available reports readiness; the static backend is ready until Close is
// called.
func (e *StaticCollaborators) Available(_ context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed
}

// Close releases resources.
func (e *StaticCollaborators) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// bagOfHashes projects tokens and character n-grams into a fixed-width
// vector via feature hashing.
func (e *StaticCollaborators) bagOfHashes(text string, dims int) []float32 {
	vector := make([]float32, dims)

	tokens := filterStopWords(tokenize(text))
	for _, token := range tokens {
		vector[hashToIndex(token, dims)] += tokenWeight
	}

	normalized := normalizeForNgrams(text)
	for _, ngram := range extractNgrams(normalized, ngramSize) {
		vector[hashToIndex(ngram, dims)] += ngramWeight
	}

	return vector
}

func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}
	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}

func tokenize(text string) []string {
	var tokens []string
	for _, word := range tokenRegex.FindAllString(text, -1) {
		for _, t := range splitCodeToken(word) {
			if lower := strings.ToLower(t); lower != "" {
				tokens = append(tokens, lower)
			}
		}
	}
	return tokens
}

func splitCodeToken(token string) []string {
	if strings.Contains(token, "_") {
		var result []string
		for _, part := range strings.Split(token, "_") {
			if part != "" {
				result = append(result, splitCamelCase(part)...)
			}
		}
		return result
	}
	return splitCamelCase(token)
}

func splitCamelCase(s string) []string {
	if s == "" {
		return []string{}
	}

	var result []string
	var current strings.Builder

	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevIsLower := unicode.IsLower(runes[i-1])
			nextIsLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevIsLower || nextIsLower {
				if current.Len() > 0 {
					result = append(result, current.String())
					current.Reset()
				}
			}
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		result = append(result, current.String())
	}
	return result
}

func filterStopWords(tokens []string) []string {
	var filtered []string
	for _, t := range tokens {
		if !programmingStopWords[t] {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

func normalizeForNgrams(text string) string {
	var result strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

func extractNgrams(text string, n int) []string {
	if len(text) < n {
		return []string{}
	}
	ngrams := make([]string, 0, len(text)-n+1)
	for i := 0; i <= len(text)-n; i++ {
		ngrams = append(ngrams, text[i:i+n])
	}
	return ngrams
}

func hashToIndex(s string, size int) int {
	h := fnv.New64()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(size))
}

// cacheKeyFor hashes text plus a discriminator (model name, call kind) into
// a fixed-length cache key.
func cacheKeyFor(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
