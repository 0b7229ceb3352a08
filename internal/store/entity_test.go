package store_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/local-rag/internal/store"
)

func newChatStore(t *testing.T) (*store.EntityStore[store.Chat], string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), store.ChatsFile)
	return store.NewEntityStore[store.Chat](path), path
}

func TestEntityStore_CreateAndReload(t *testing.T) {
	s, path := newChatStore(t)

	title := "hello"
	created, err := s.Create(store.Chat{
		UserID:    "u1",
		Title:     &title,
		CreatedAt: store.NewTimestamp(time.Date(2024, 3, 1, 10, 0, 0, 123456789, time.UTC)),
	})
	require.NoError(t, err)
	assert.Len(t, created.ID, 16)

	reopened := store.NewEntityStore[store.Chat](path)
	got, err := reopened.FindByID(created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "u1", got.UserID)
	require.NotNil(t, got.Title)
	assert.Equal(t, title, *got.Title)
	assert.True(t, created.CreatedAt.Equal(got.CreatedAt.Time))
	assert.Equal(t, "2024-03-01T10:00:00.123Z", got.CreatedAt.String())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var file struct {
		Data         map[string]json.RawMessage `json:"data"`
		LastModified int64                      `json:"lastModified"`
		Version      string                     `json:"version"`
	}
	require.NoError(t, json.Unmarshal(raw, &file))
	assert.Equal(t, store.FileVersion, file.Version)
	assert.NotZero(t, file.LastModified)
	assert.Contains(t, file.Data, created.ID)
}

func TestEntityStore_MissingFileIsEmpty(t *testing.T) {
	s, _ := newChatStore(t)

	n, err := s.Count(nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := s.FindByID("nope")
	require.NoError(t, err)
	assert.Nil(t, got)

	all, err := s.FindMany(nil)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestEntityStore_CorruptFileIsEmpty(t *testing.T) {
	s, path := newChatStore(t)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	n, err := s.Count(nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.Create(store.Chat{UserID: "u1"})
	require.NoError(t, err)

	n, err = s.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEntityStore_LegacyLayout(t *testing.T) {
	s, path := newChatStore(t)
	legacy := `{"abc":{"id":"abc","userId":"u1","createdAt":"2024-01-02T03:04:05.006Z","updatedAt":"2024-01-02T03:04:05.006Z"}}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	got, err := s.FindByID("abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.UserID)

	_, err = s.Update("abc", func(c *store.Chat) { c.UserID = "u2" })
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"version": "1.0"`)
}

func TestEntityStore_MutateErrorWritesNothing(t *testing.T) {
	s, path := newChatStore(t)
	boom := errors.New("boom")

	err := s.Mutate(func(tx *store.Tx[store.Chat]) error {
		tx.Insert(store.Chat{UserID: "u1"})
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestEntityStore_MutateWithoutChangesSkipsWrite(t *testing.T) {
	s, path := newChatStore(t)

	require.NoError(t, s.Mutate(func(tx *store.Tx[store.Chat]) error {
		_, _ = tx.Get("missing")
		return nil
	}))

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestEntityStore_InsertRetriesCollidingIDs(t *testing.T) {
	ids := []string{"aaaa", "aaaa", "bbbb"}
	var mu sync.Mutex
	next := func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		ids = ids[1:]
		return id
	}
	path := filepath.Join(t.TempDir(), store.ChatsFile)
	s := store.NewEntityStore[store.Chat](path, store.WithIDGenerator(next))

	first, err := s.Create(store.Chat{UserID: "u1"})
	require.NoError(t, err)
	second, err := s.Create(store.Chat{UserID: "u2"})
	require.NoError(t, err)

	assert.Equal(t, "aaaa", first.ID)
	assert.Equal(t, "bbbb", second.ID)
}

func TestEntityStore_UpsertUpdateDelete(t *testing.T) {
	s, _ := newChatStore(t)

	require.Error(t, s.Upsert("", store.Chat{}))
	require.NoError(t, s.Upsert("c1", store.Chat{ID: "ignored", UserID: "u1"}))

	got, err := s.FindByID("c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "c1", got.ID)

	updated, err := s.Update("c1", func(c *store.Chat) {
		c.UserID = "u9"
		c.ID = "hijack"
	})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, "c1", updated.ID)
	assert.Equal(t, "u9", updated.UserID)

	missing, err := s.Update("nope", func(c *store.Chat) {})
	require.NoError(t, err)
	assert.Nil(t, missing)

	deleted, err := s.Delete("c1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete("c1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestEntityStore_FindManyOrderedByID(t *testing.T) {
	s, _ := newChatStore(t)
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.Upsert(id, store.Chat{UserID: "u"}))
	}
	require.NoError(t, s.Upsert("z", store.Chat{UserID: "other"}))

	got, err := s.FindMany(func(c store.Chat) bool { return c.UserID == "u" })
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestEntityStore_ReadsDoNotShareCache(t *testing.T) {
	chats, _ := newChatStore(t)
	title := "original"
	chat, err := chats.Create(store.Chat{UserID: "u1", Title: &title})
	require.NoError(t, err)

	got, err := chats.FindByID(chat.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	*got.Title = "scribbled"

	listed, err := chats.FindMany(nil)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "original", *listed[0].Title)
	*listed[0].Title = "scribbled again"

	again, err := chats.FindByID(chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", *again.Title)

	messages := store.NewEntityStore[store.ChatMessage](filepath.Join(t.TempDir(), store.MessagesFile))
	msg, err := messages.Create(store.ChatMessage{ChatID: chat.ID, Content: "hi", UserFeedback: store.FeedbackLike.Ptr()})
	require.NoError(t, err)

	gotMsg, err := messages.FindByID(msg.ID)
	require.NoError(t, err)
	require.NotNil(t, gotMsg)
	*gotMsg.UserFeedback = store.FeedbackDislike

	againMsg, err := messages.FindByID(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.FeedbackLike, *againMsg.UserFeedback)
}

func TestEntityStore_ConcurrentCreates(t *testing.T) {
	s, path := newChatStore(t)

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Create(store.Chat{UserID: fmt.Sprintf("u%d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	reopened := store.NewEntityStore[store.Chat](path)
	n, err := reopened.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, workers, n)
}

func TestEntityStore_ReadsSeeOtherInstanceWrites(t *testing.T) {
	s, path := newChatStore(t)
	other := store.NewEntityStore[store.Chat](path)

	_, err := s.Create(store.Chat{UserID: "u1"})
	require.NoError(t, err)

	// Mutate always starts from disk, so a second handle never loses writes.
	_, err = other.Create(store.Chat{UserID: "u2"})
	require.NoError(t, err)

	fresh := store.NewEntityStore[store.Chat](path)
	n, err := fresh.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
