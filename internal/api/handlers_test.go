package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/local-rag/internal/api"
	"gwi.com/local-rag/internal/core"
	"gwi.com/local-rag/internal/embedding"
	"gwi.com/local-rag/internal/store"
	"gwi.com/local-rag/internal/vectorstore"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	stores := store.Open(dir)
	vectors := vectorstore.New(filepath.Join(dir, store.VectorsFile), embedding.NewHashEmbedder())
	handler := api.NewAPIHandler(
		core.NewChatService(stores, vectors),
		core.NewRAGService(vectors, 5),
		core.NewSettingsService(stores),
		vectors,
	)
	srv := httptest.NewServer(api.NewRouter(handler))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, user string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(api.UserHeader, user)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type chatResponse struct {
	ID       string              `json:"id"`
	UserID   string              `json:"userId"`
	Title    *string             `json:"title"`
	Messages []store.ChatMessage `json:"messages"`
}

func TestHealth(t *testing.T) {
	srv := newServer(t)
	resp := do(t, srv, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]string{"status": "ok"}, decode[map[string]string](t, resp))
}

func TestChatLifecycle(t *testing.T) {
	srv := newServer(t)

	resp := do(t, srv, http.MethodPost, "/api/chats", "alice", map[string]string{"first_message": "I love cats"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[chatResponse](t, resp)
	assert.Equal(t, "alice", created.UserID)
	require.NotNil(t, created.Title)
	assert.Equal(t, "I love cats", *created.Title)
	require.Len(t, created.Messages, 1)

	resp = do(t, srv, http.MethodPost, "/api/chats/"+created.ID+"/messages", "alice", map[string]string{"content": "I hate spiders"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	appended := decode[core.AppendResult](t, resp)
	require.Len(t, appended.Created, 1)

	resp = do(t, srv, http.MethodGet, "/api/chats/"+created.ID, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	details := decode[chatResponse](t, resp)
	assert.Len(t, details.Messages, 2)

	resp = do(t, srv, http.MethodGet, "/api/chats/"+created.ID, "bob", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/api/chats", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]store.Chat](t, resp), 1)

	resp = do(t, srv, http.MethodGet, "/api/chats", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]store.Chat](t, resp))

	resp = do(t, srv, http.MethodPost, "/api/chats/"+created.ID+"/messages", "alice", map[string]string{"content": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, srv, http.MethodDelete, "/api/chats/"+created.ID, "alice", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/api/chats/"+created.ID, "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFeedbackAndRag(t *testing.T) {
	srv := newServer(t)

	resp := do(t, srv, http.MethodPost, "/api/chats", "", map[string]string{"first_message": "I love cats"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[chatResponse](t, resp)
	msgID := created.Messages[0].ID

	resp = do(t, srv, http.MethodPut, "/api/messages/"+msgID+"/feedback", "", map[string]string{"feedback": "like"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, srv, http.MethodPut, "/api/messages/"+msgID+"/feedback", "", map[string]string{"feedback": "love"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, srv, http.MethodPut, "/api/messages/missing/feedback", "", map[string]string{"feedback": "like"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/api/feedback?type=like", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]store.ChatMessage](t, resp), 1)

	resp = do(t, srv, http.MethodGet, "/api/feedback?type=meh", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/api/rag?q=animals&limit=3", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rc := decode[core.RagContext](t, resp)
	assert.Empty(t, rc.Similar)
	require.Len(t, rc.Recommended, 1)
	assert.Equal(t, msgID, rc.Recommended[0].Document.ID)

	resp = do(t, srv, http.MethodGet, "/api/rag", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = do(t, srv, http.MethodGet, "/api/rag?q=cats&limit=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, srv, http.MethodDelete, "/api/messages/"+msgID+"/feedback", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]bool{"removed": true}, decode[map[string]bool](t, resp))
}

func TestAdminEndpoints(t *testing.T) {
	srv := newServer(t)

	resp := do(t, srv, http.MethodPost, "/api/chats", "", map[string]string{"first_message": "hello world"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, srv, http.MethodPost, "/api/admin/reindex", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]int{"indexed": 1}, decode[map[string]int](t, resp))

	resp = do(t, srv, http.MethodPost, "/api/admin/repair", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decode[vectorstore.RepairReport](t, resp)
	assert.Equal(t, 1, report.Kept)

	resp = do(t, srv, http.MethodGet, "/api/admin/stats", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[vectorstore.Stats](t, resp)
	assert.Equal(t, 1, stats.Documents)
	assert.Equal(t, "hash", stats.EmbedderName)
}

func TestSettingsEndpoints(t *testing.T) {
	srv := newServer(t)

	resp := do(t, srv, http.MethodGet, "/api/settings/theme", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, srv, http.MethodPut, "/api/settings/theme", "", map[string]string{"value": "dark"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/api/settings/theme", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "dark", decode[store.AppSetting](t, resp).Value)

	resp = do(t, srv, http.MethodGet, "/api/settings", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]store.AppSetting](t, resp), 1)

	resp = do(t, srv, http.MethodDelete, "/api/settings/theme", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, srv, http.MethodDelete, "/api/settings/theme", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
