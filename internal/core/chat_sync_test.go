package core

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/local-rag/internal/embedding"
	"gwi.com/local-rag/internal/store"
	"gwi.com/local-rag/internal/vectorstore"
)

func TestSyncVectors_SkipsMessagesEvictedMeanwhile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	stores := store.Open(dir)
	vectors := vectorstore.New(filepath.Join(dir, store.VectorsFile), embedding.NewHashEmbedder())
	s := NewChatService(stores, vectors)

	kept, err := stores.Messages.Create(store.ChatMessage{ChatID: "c1", Role: store.RoleUser, Content: "I love cats", CreatedAt: store.Now()})
	require.NoError(t, err)
	// gone was created by this append but an overlapping append already
	// evicted it from the message store.
	gone := store.ChatMessage{ID: "gone", ChatID: "c1", Role: store.RoleUser, Content: "I hate spiders", CreatedAt: store.Now()}

	s.syncVectors(ctx, &AppendResult{Created: []store.ChatMessage{kept, gone}})

	docs, err := vectors.All(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, kept.ID, docs[0].ID)

	doc, err := vectors.Get(ctx, "gone")
	require.NoError(t, err)
	assert.Nil(t, doc)
}
