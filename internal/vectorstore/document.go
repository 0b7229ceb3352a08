// Package vectorstore keeps the embeddings of chat messages in a JSON file
// and answers similarity and personalization queries over them.
//
// The vector store is derived data: it can be rebuilt at any time from the
// message store and is only eventually consistent with it.
package vectorstore

import (
	"gwi.com/local-rag/internal/store"
)

// VectorDocument is one embedded text. ID matches the chat message it was
// derived from.
type VectorDocument struct {
	ID           string          `json:"id"`
	Content      string          `json:"content"`
	Embedding    []float32       `json:"embedding"`
	Metadata     map[string]any  `json:"metadata"`
	Timestamp    int64           `json:"timestamp"`
	UserFeedback *store.Feedback `json:"userFeedback,omitempty"`
}

// HasFeedback reports whether the document carries exactly fb.
func (d VectorDocument) HasFeedback(fb store.Feedback) bool {
	return d.UserFeedback != nil && *d.UserFeedback == fb
}

// Input is a document to embed and store.
type Input struct {
	ID           string
	Content      string
	Metadata     map[string]any
	UserFeedback *store.Feedback
}

// ScoredDocument is a ranked search hit.
type ScoredDocument struct {
	Document VectorDocument `json:"document"`
	Score    float64        `json:"score"`
}
