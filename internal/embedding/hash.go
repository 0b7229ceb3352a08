package embedding

import (
	"context"
	"crypto/sha256"
	"sort"
	"sync"

	"gwi.com/local-rag/internal/utils"
)

const (
	// DefaultDimension is the vector length of the hash embedder.
	DefaultDimension = 256
	// DefaultCacheSize bounds the number of memoized embeddings.
	DefaultCacheSize = 10000

	// hashSlots is how many digest bytes scatter each token.
	hashSlots = 4
)

// HashEmbedder maps text to a vector with the hashing trick: every token's
// term frequency is added at positions taken from its SHA-256 digest and the
// result is L2-normalized. Collisions are accepted as noise. The output only
// depends on the input text.
type HashEmbedder struct {
	dimension int
	cacheSize int

	mu    sync.Mutex
	cache map[[sha256.Size]byte][]float32
}

type HashOption func(*HashEmbedder)

// WithDimension sets the vector length.
func WithDimension(d int) HashOption {
	return func(e *HashEmbedder) {
		if d > 0 {
			e.dimension = d
		}
	}
}

// WithCacheSize bounds the memo cache. Zero disables caching.
func WithCacheSize(n int) HashOption {
	return func(e *HashEmbedder) {
		if n >= 0 {
			e.cacheSize = n
		}
	}
}

func NewHashEmbedder(opts ...HashOption) *HashEmbedder {
	e := &HashEmbedder{
		dimension: DefaultDimension,
		cacheSize: DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cache = make(map[[sha256.Size]byte][]float32)
	return e
}

func (e *HashEmbedder) Name() string { return "hash" }

func (e *HashEmbedder) Dimension() int { return e.dimension }

// Embed never fails; the error return satisfies Embedder.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return e.Vector(text), nil
}

// Vector returns the embedding of text. The caller owns the returned slice.
func (e *HashEmbedder) Vector(text string) []float32 {
	if e.cacheSize == 0 {
		return e.compute(text)
	}

	key := sha256.Sum256([]byte(text))
	e.mu.Lock()
	cached, ok := e.cache[key]
	e.mu.Unlock()
	if ok {
		return append([]float32(nil), cached...)
	}

	vec := e.compute(text)

	e.mu.Lock()
	if len(e.cache) >= e.cacheSize {
		// Size cap only; correctness does not depend on what survives.
		e.cache = make(map[[sha256.Size]byte][]float32)
	}
	e.cache[key] = vec
	e.mu.Unlock()

	return append([]float32(nil), vec...)
}

// CacheLen returns the number of memoized embeddings.
func (e *HashEmbedder) CacheLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

func (e *HashEmbedder) compute(text string) []float32 {
	out := make([]float32, e.dimension)

	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return out
	}

	counts := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		counts[tok]++
	}
	// Fixed visiting order keeps float accumulation reproducible.
	terms := make([]string, 0, len(counts))
	for term := range counts {
		terms = append(terms, term)
	}
	sort.Strings(terms)

	vec := make([]float64, e.dimension)
	total := float64(len(tokens))
	for _, term := range terms {
		tf := float64(counts[term]) / total
		sum := sha256.Sum256([]byte(term))
		for i := 0; i < hashSlots; i++ {
			vec[int(sum[i])%e.dimension] += tf
		}
	}

	utils.Normalize(vec)
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out
}
