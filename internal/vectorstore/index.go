package vectorstore

import (
	"time"

	"gwi.com/local-rag/internal/embedding"
)

const (
	// DefaultIndexMaxAge is how long an index is trusted before a rebuild.
	DefaultIndexMaxAge = 5 * time.Minute
	// DefaultMinCandidates is the smallest narrowed candidate set the index
	// returns; below it every document is scored.
	DefaultMinCandidates = 10
)

// InvertedIndex maps tokens to the ordinals of the documents containing
// them. It only narrows the set of documents to score.
type InvertedIndex struct {
	postings map[string]map[int]struct{}
	size     int
	builtAt  time.Time

	maxAge        time.Duration
	minCandidates int
}

func NewInvertedIndex(maxAge time.Duration, minCandidates int) *InvertedIndex {
	return &InvertedIndex{
		postings:      make(map[string]map[int]struct{}),
		maxAge:        maxAge,
		minCandidates: minCandidates,
	}
}

// Build replaces the index content with docs, ordinal i being docs[i].
func (x *InvertedIndex) Build(docs []VectorDocument, now time.Time) {
	x.postings = make(map[string]map[int]struct{})
	x.size = 0
	for i, doc := range docs {
		x.Add(doc, i)
	}
	x.size = len(docs)
	x.builtAt = now
}

// Add indexes doc under ordinal.
func (x *InvertedIndex) Add(doc VectorDocument, ordinal int) {
	for _, tok := range embedding.UniqueTokens(doc.Content) {
		set, ok := x.postings[tok]
		if !ok {
			set = make(map[int]struct{})
			x.postings[tok] = set
		}
		set[ordinal] = struct{}{}
	}
	if ordinal >= x.size {
		x.size = ordinal + 1
	}
}

// Reset empties the index so the next use rebuilds it.
func (x *InvertedIndex) Reset() {
	x.postings = make(map[string]map[int]struct{})
	x.size = 0
	x.builtAt = time.Time{}
}

// Size returns the number of document ordinals the index covers.
func (x *InvertedIndex) Size() int {
	return x.size
}

// Tokens returns the number of distinct indexed tokens.
func (x *InvertedIndex) Tokens() int {
	return len(x.postings)
}

// BuiltAt returns when the index was last rebuilt.
func (x *InvertedIndex) BuiltAt() time.Time {
	return x.builtAt
}

// Stale reports whether the index must be rebuilt before use.
func (x *InvertedIndex) Stale(now time.Time) bool {
	if x.size == 0 || x.builtAt.IsZero() {
		return true
	}
	return x.maxAge > 0 && now.Sub(x.builtAt) > x.maxAge
}

// Candidates returns the ordinals of documents sharing at least one token
// with the query. It returns nil, meaning "score everything", when no query
// token is indexed or the union is smaller than the configured minimum.
// Documents outside the union share no token with the query; the hash
// embedder can only score them through slot collisions.
func (x *InvertedIndex) Candidates(query string) map[int]struct{} {
	result := make(map[int]struct{})
	for _, tok := range embedding.UniqueTokens(query) {
		for ordinal := range x.postings[tok] {
			result[ordinal] = struct{}{}
		}
	}
	if len(result) == 0 || len(result) < x.minCandidates {
		return nil
	}
	return result
}
