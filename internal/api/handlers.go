package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"gwi.com/local-rag/internal/core"
	"gwi.com/local-rag/internal/logging"
	"gwi.com/local-rag/internal/store"
	"gwi.com/local-rag/internal/vectorstore"
)

// UserHeader carries the caller identity. Requests without it act as
// DefaultUserID.
const (
	UserHeader    = "X-User-ID"
	DefaultUserID = "local"
)

type userKey struct{}

type APIHandler struct {
	chatService     *core.ChatService
	ragService      *core.RAGService
	settingsService *core.SettingsService
	vectors         *vectorstore.Store
}

func NewAPIHandler(cs *core.ChatService, rs *core.RAGService, ss *core.SettingsService, vs *vectorstore.Store) *APIHandler {
	return &APIHandler{
		chatService:     cs,
		ragService:      rs,
		settingsService: ss,
		vectors:         vs,
	}
}

// IdentityMiddleware puts the caller id and a request-scoped logger into the
// request context.
func (h *APIHandler) IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			userID = DefaultUserID
		}

		logger := logging.From(r.Context()).With("user_id", userID)
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			logger = logger.With("request_id", reqID)
		}

		ctx := context.WithValue(r.Context(), userKey{}, userID)
		ctx = logging.With(ctx, logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFrom(r *http.Request) string {
	if id, ok := r.Context().Value(userKey{}).(string); ok && id != "" {
		return id
	}
	return DefaultUserID
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Default().Warn("failed to encode response", "error", err)
	}
}

// writeError maps domain errors to status codes. Anything unexpected is
// logged and reported as a 500 with msg.
func writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, core.ErrChatNotFound):
		http.Error(w, "Chat not found", http.StatusNotFound)
	case errors.Is(err, core.ErrMessageNotFound):
		http.Error(w, "Message not found", http.StatusNotFound)
	case errors.Is(err, core.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		logging.From(r.Context()).Error(msg, "error", err, "path", r.URL.Path)
		http.Error(w, msg, http.StatusInternalServerError)
	}
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type CreateChatRequest struct {
	FirstMessage *string `json:"first_message,omitempty"`
}

type ChatResponse struct {
	*store.Chat
	Messages []store.ChatMessage `json:"messages"`
}

func (h *APIHandler) CreateChatHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)

	var req CreateChatRequest
	if r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	chat, messages, err := h.chatService.CreateChat(r.Context(), userID, req.FirstMessage)
	if err != nil {
		writeError(w, r, err, "Failed to create chat")
		return
	}
	writeJSON(w, http.StatusCreated, ChatResponse{Chat: chat, Messages: messages})
}

func (h *APIHandler) ListChatsHandler(w http.ResponseWriter, r *http.Request) {
	chats, err := h.chatService.ListChats(r.Context(), userIDFrom(r))
	if err != nil {
		writeError(w, r, err, "Failed to list chats")
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

func (h *APIHandler) GetChatDetailsHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	chat, messages, err := h.chatService.GetChatDetails(r.Context(), chatID, userIDFrom(r))
	if err != nil {
		writeError(w, r, err, "Failed to get chat details")
		return
	}
	writeJSON(w, http.StatusOK, ChatResponse{Chat: chat, Messages: messages})
}

func (h *APIHandler) DeleteChatHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	if err := h.chatService.DeleteChat(r.Context(), chatID, userIDFrom(r)); err != nil {
		writeError(w, r, err, "Failed to delete chat")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PostMessageRequest accepts either one message (role/content) or a batch.
type PostMessageRequest struct {
	Role     store.Role        `json:"role,omitempty"`
	Content  string            `json:"content,omitempty"`
	Messages []core.NewMessage `json:"messages,omitempty"`
}

func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	msgs := req.Messages
	if len(msgs) == 0 {
		if strings.TrimSpace(req.Content) == "" {
			http.Error(w, "Message content cannot be empty", http.StatusBadRequest)
			return
		}
		msgs = []core.NewMessage{{Role: req.Role, Content: req.Content}}
	}

	result, err := h.chatService.PostMessages(r.Context(), chatID, userIDFrom(r), msgs)
	if err != nil {
		writeError(w, r, err, "Failed to post message")
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type FeedbackRequest struct {
	Feedback store.Feedback `json:"feedback"`
}

func (h *APIHandler) SetFeedbackHandler(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	msg, err := h.chatService.SetMessageFeedback(r.Context(), messageID, req.Feedback)
	if err != nil {
		writeError(w, r, err, "Failed to set feedback")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *APIHandler) RemoveFeedbackHandler(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")

	removed, err := h.chatService.RemoveMessageFeedback(r.Context(), messageID)
	if err != nil {
		writeError(w, r, err, "Failed to remove feedback")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (h *APIHandler) ListFeedbackHandler(w http.ResponseWriter, r *http.Request) {
	var filter *store.Feedback
	if t := r.URL.Query().Get("type"); t != "" {
		fb := store.Feedback(t)
		if !fb.Valid() {
			http.Error(w, "type must be like or dislike", http.StatusBadRequest)
			return
		}
		filter = &fb
	}

	messages, err := h.chatService.ListFeedback(r.Context(), filter)
	if err != nil {
		writeError(w, r, err, "Failed to list feedback")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *APIHandler) RagContextHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if strings.TrimSpace(query) == "" {
		http.Error(w, "q is required", http.StatusBadRequest)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	rc, err := h.ragService.GetRagContext(r.Context(), query, limit)
	if err != nil {
		writeError(w, r, err, "Failed to build RAG context")
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (h *APIHandler) ReindexHandler(w http.ResponseWriter, r *http.Request) {
	n, err := h.chatService.Reindex(r.Context())
	if err != nil {
		writeError(w, r, err, "Failed to reindex")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"indexed": n})
}

func (h *APIHandler) RepairHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.vectors.Repair(r.Context())
	if err != nil {
		writeError(w, r, err, "Failed to repair vector store")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *APIHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.vectors.Stats(r.Context())
	if err != nil {
		writeError(w, r, err, "Failed to read vector store stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *APIHandler) ListSettingsHandler(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settingsService.List(r.Context())
	if err != nil {
		writeError(w, r, err, "Failed to list settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *APIHandler) GetSettingHandler(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	setting, err := h.settingsService.Get(r.Context(), key)
	if err != nil {
		writeError(w, r, err, "Failed to get setting")
		return
	}
	if setting == nil {
		http.Error(w, "Setting not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, setting)
}

type SetSettingRequest struct {
	Value string `json:"value"`
}

func (h *APIHandler) SetSettingHandler(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req SetSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	setting, err := h.settingsService.Set(r.Context(), key, req.Value)
	if err != nil {
		writeError(w, r, err, "Failed to save setting")
		return
	}
	writeJSON(w, http.StatusOK, setting)
}

func (h *APIHandler) DeleteSettingHandler(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	removed, err := h.settingsService.Delete(r.Context(), key)
	if err != nil {
		writeError(w, r, err, "Failed to delete setting")
		return
	}
	if !removed {
		http.Error(w, "Setting not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
