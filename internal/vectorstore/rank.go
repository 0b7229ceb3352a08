package vectorstore

import (
	"sort"

	"gwi.com/local-rag/internal/utils"
)

const (
	// DefaultMinScore drops near-orthogonal matches from similarity search.
	DefaultMinScore = 0.1
	// DefaultPersonalizationMinScore is lower because the feedback pool is
	// small and already filtered.
	DefaultPersonalizationMinScore = 0.05
)

// Rank scores docs against query by cosine similarity, keeps scores strictly
// above minScore, sorts them descending (ties keep the order of docs) and
// returns at most limit hits.
func Rank(query []float32, docs []VectorDocument, limit int, minScore float64) []ScoredDocument {
	scored := make([]ScoredDocument, 0)
	if limit <= 0 {
		return scored
	}

	for _, doc := range docs {
		score, err := utils.CosineSimilarity(query, doc.Embedding)
		if err != nil {
			continue
		}
		if score <= minScore {
			continue
		}
		scored = append(scored, ScoredDocument{Document: doc, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}
