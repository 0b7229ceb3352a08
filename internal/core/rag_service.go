package core

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"gwi.com/local-rag/internal/logging"
	"gwi.com/local-rag/internal/vectorstore"
)

// DefaultRagLimit is the number of documents returned per list when the
// caller does not ask for a specific amount.
const DefaultRagLimit = 5

// RagContext is the retrieval context for one query. Similar and Recommended
// are independent lists and may contain the same document.
type RagContext struct {
	Query       string                       `json:"query"`
	Similar     []vectorstore.ScoredDocument `json:"similar"`
	Recommended []vectorstore.ScoredDocument `json:"recommended"`
}

type RAGService struct {
	vectors      *vectorstore.Store
	defaultLimit int
}

func NewRAGService(vectors *vectorstore.Store, defaultLimit int) *RAGService {
	if defaultLimit <= 0 {
		defaultLimit = DefaultRagLimit
	}
	return &RAGService{
		vectors:      vectors,
		defaultLimit: defaultLimit,
	}
}

// GetRagContext runs the similarity search and the personalized search for
// query side by side. A failing search yields an empty list instead of an
// error so callers always get a usable context.
func (s *RAGService) GetRagContext(ctx context.Context, query string, limit int) (*RagContext, error) {
	if limit <= 0 {
		limit = s.defaultLimit
	}
	result := &RagContext{
		Query:       query,
		Similar:     []vectorstore.ScoredDocument{},
		Recommended: []vectorstore.ScoredDocument{},
	}
	if strings.TrimSpace(query) == "" {
		return result, nil
	}

	logger := logging.From(ctx)
	var eg errgroup.Group

	eg.Go(func() error {
		docs, err := s.vectors.Search(ctx, query, limit)
		if err != nil {
			logger.Warn("similarity search failed", "error", err)
			return nil
		}
		result.Similar = docs
		return nil
	})

	eg.Go(func() error {
		docs, err := s.vectors.Recommend(ctx, query, limit)
		if err != nil {
			logger.Warn("personalized search failed", "error", err)
			return nil
		}
		result.Recommended = docs
		return nil
	})

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	logger.Debug("built rag context", "similar", len(result.Similar), "recommended", len(result.Recommended))
	return result, nil
}
