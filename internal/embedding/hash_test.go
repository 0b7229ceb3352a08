package embedding_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/local-rag/internal/embedding"
)

func norm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	a := embedding.NewHashEmbedder()
	b := embedding.NewHashEmbedder(embedding.WithCacheSize(0))

	text := "Deploying the service to production on Friday"
	va, err := a.Embed(context.Background(), text)
	require.NoError(t, err)
	vb, err := b.Embed(context.Background(), text)
	require.NoError(t, err)

	assert.Equal(t, va, vb)
	assert.Len(t, va, embedding.DefaultDimension)
	assert.InDelta(t, 1.0, norm(va), 1e-6)
}

func TestHashEmbedder_ZeroVectorWithoutTokens(t *testing.T) {
	e := embedding.NewHashEmbedder()

	for _, text := range []string{"", "a an it", "the and for", "!!! ???"} {
		vec := e.Vector(text)
		require.Len(t, vec, embedding.DefaultDimension)
		assert.Zero(t, norm(vec), "text %q", text)
	}
}

func TestHashEmbedder_CaseAndPunctuationInsensitive(t *testing.T) {
	e := embedding.NewHashEmbedder()
	assert.Equal(t, e.Vector("I love cats"), e.Vector("i LOVE cats!!!"))
}

func TestHashEmbedder_Dimension(t *testing.T) {
	e := embedding.NewHashEmbedder(embedding.WithDimension(64))
	assert.Equal(t, 64, e.Dimension())
	assert.Len(t, e.Vector("hello world"), 64)
	assert.Equal(t, "hash", e.Name())
}

func TestHashEmbedder_Cache(t *testing.T) {
	e := embedding.NewHashEmbedder(embedding.WithCacheSize(2))

	first := e.Vector("alpha beta")
	assert.Equal(t, 1, e.CacheLen())

	// Callers own the returned slice.
	first[0] = 42
	again := e.Vector("alpha beta")
	assert.NotEqual(t, float32(42), again[0])
	assert.Equal(t, 1, e.CacheLen())

	e.Vector("gamma delta")
	assert.Equal(t, 2, e.CacheLen())

	// A full cache starts over instead of growing.
	e.Vector("epsilon zeta")
	assert.Equal(t, 1, e.CacheLen())
}

func TestTokenize(t *testing.T) {
	got := embedding.Tokenize("The quick brown fox, the QUICK dog! a an it's x123 supercalifragilistic")
	assert.Equal(t, []string{"quick", "brown", "fox", "quick", "dog", "x123", "supercalifragilistic"}, got)

	assert.Equal(t, []string{"quick", "brown", "fox", "dog"}, embedding.UniqueTokens("quick brown fox quick dog"))

	long := make([]byte, embedding.MaxTokenLength+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.Empty(t, embedding.Tokenize(string(long)))
	assert.Equal(t, []string{string(long[:embedding.MaxTokenLength])}, embedding.Tokenize(string(long[:embedding.MaxTokenLength])))
}
