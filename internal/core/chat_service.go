package core

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/m-mizutani/goerr/v2"

	"gwi.com/local-rag/internal/logging"
	"gwi.com/local-rag/internal/store"
	"gwi.com/local-rag/internal/vectorstore"
)

const (
	DefaultMessageCap = 50
	maxTitleLength    = 60
)

// NewMessage is a message to append to a chat.
type NewMessage struct {
	Role    store.Role `json:"role"`
	Content string     `json:"content"`
}

// AppendResult lists what one AppendMessagesWithCap call changed.
type AppendResult struct {
	Created    []store.ChatMessage `json:"created"`
	DeletedIDs []string            `json:"deletedIds"`
}

// ChatService owns chats and their messages. The message store is the
// source of truth; the vector store is kept in sync on a best-effort basis.
type ChatService struct {
	chats      *store.EntityStore[store.Chat]
	messages   *store.EntityStore[store.ChatMessage]
	vectors    *vectorstore.Store
	messageCap int
	now        func() time.Time
}

type ChatOption func(*ChatService)

// WithMessageCap sets the per-chat message cap used by CreateChat and
// PostMessages.
func WithMessageCap(n int) ChatOption {
	return func(s *ChatService) {
		if n > 0 {
			s.messageCap = n
		}
	}
}

// WithChatClock replaces time.Now.
func WithChatClock(now func() time.Time) ChatOption {
	return func(s *ChatService) { s.now = now }
}

func NewChatService(stores *store.Stores, vectors *vectorstore.Store, opts ...ChatOption) *ChatService {
	s := &ChatService{
		chats:      stores.Chats,
		messages:   stores.Messages,
		vectors:    vectors,
		messageCap: DefaultMessageCap,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AppendMessagesWithCap appends msgs to chatID and evicts the oldest
// messages of the chat beyond limit, all inside one locked read-modify-write
// of the message store. The chat's UpdatedAt is bumped afterwards and the
// vector store is synchronized last; neither step can fail the append.
func (s *ChatService) AppendMessagesWithCap(ctx context.Context, chatID string, msgs []NewMessage, limit int) (*AppendResult, error) {
	if chatID == "" {
		return nil, goerr.Wrap(ErrInvalidInput, "chat id is required")
	}
	if limit <= 0 {
		return nil, goerr.Wrap(ErrInvalidInput, "message cap must be positive", goerr.V("cap", limit))
	}
	pending := make([]NewMessage, len(msgs))
	for i, m := range msgs {
		switch m.Role {
		case "":
			m.Role = store.RoleUser
		case store.RoleUser, store.RoleAssistant, store.RoleSystem:
		default:
			return nil, goerr.Wrap(ErrInvalidInput, "unknown message role", goerr.V("role", m.Role))
		}
		pending[i] = m
	}

	result := &AppendResult{
		Created:    []store.ChatMessage{},
		DeletedIDs: []string{},
	}
	err := s.messages.Mutate(func(tx *store.Tx[store.ChatMessage]) error {
		existing := tx.Filter(func(m store.ChatMessage) bool { return m.ChatID == chatID })

		// Timestamps within a chat strictly increase in append order so the
		// cap always evicts the earliest appended messages.
		var latest time.Time
		for _, m := range existing {
			if m.CreatedAt.After(latest) {
				latest = m.CreatedAt.Time
			}
		}
		for _, m := range pending {
			ts := store.NewTimestamp(s.now())
			if !ts.After(latest) {
				ts = store.NewTimestamp(latest.Add(time.Millisecond))
			}
			latest = ts.Time

			created := tx.Insert(store.ChatMessage{
				ChatID:    chatID,
				Role:      m.Role,
				Content:   m.Content,
				CreatedAt: ts,
			})
			result.Created = append(result.Created, created)
		}

		all := tx.Filter(func(m store.ChatMessage) bool { return m.ChatID == chatID })
		sortByCreatedAt(all)
		for i := 0; i < len(all)-limit; i++ {
			tx.Delete(all[i].ID)
			result.DeletedIDs = append(result.DeletedIDs, all[i].ID)
		}
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to append messages", goerr.V("chat_id", chatID))
	}

	logger := logging.From(ctx).With("chat_id", chatID)
	logger.Debug("appended messages", "created", len(result.Created), "evicted", len(result.DeletedIDs))

	s.touchChat(ctx, chatID)
	s.syncVectors(ctx, result)

	return result, nil
}

func (s *ChatService) touchChat(ctx context.Context, chatID string) {
	now := store.NewTimestamp(s.now())
	chat, err := s.chats.Update(chatID, func(c *store.Chat) {
		c.UpdatedAt = now
	})
	if err != nil {
		logging.From(ctx).Warn("failed to bump chat updatedAt", "chat_id", chatID, "error", err)
		return
	}
	if chat == nil {
		logging.From(ctx).Debug("appended to a chat without metadata", "chat_id", chatID)
	}
}

func (s *ChatService) syncVectors(ctx context.Context, result *AppendResult) {
	logger := logging.From(ctx)

	evicted := make(map[string]struct{}, len(result.DeletedIDs))
	for _, id := range result.DeletedIDs {
		evicted[id] = struct{}{}
	}

	for _, msg := range result.Created {
		if _, ok := evicted[msg.ID]; ok {
			continue
		}
		if err := s.indexMessage(ctx, msg); err != nil {
			logger.Warn("failed to index message, vector store is behind", "message_id", msg.ID, "error", err)
		}
	}

	if len(result.DeletedIDs) > 0 {
		if _, err := s.vectors.Delete(ctx, result.DeletedIDs...); err != nil {
			logger.Warn("failed to remove evicted embeddings", "ids", result.DeletedIDs, "error", err)
		}
	}
}

// indexMessage adds msg to the vector store and then checks that msg still
// exists. An overlapping append may have evicted it and already run its
// vector delete; the embedding is removed again so no orphan remains.
func (s *ChatService) indexMessage(ctx context.Context, msg store.ChatMessage) error {
	if _, err := s.vectors.Add(ctx, vectorInput(msg)); err != nil {
		return err
	}
	current, err := s.messages.FindByID(msg.ID)
	if err != nil {
		return goerr.Wrap(err, "failed to confirm indexed message", goerr.V("message_id", msg.ID))
	}
	if current != nil {
		return nil
	}
	logging.From(ctx).Debug("message evicted while indexing", "message_id", msg.ID)
	if _, err := s.vectors.Delete(ctx, msg.ID); err != nil {
		return goerr.Wrap(err, "failed to drop embedding of evicted message", goerr.V("message_id", msg.ID))
	}
	return nil
}

func vectorInput(msg store.ChatMessage) vectorstore.Input {
	return vectorstore.Input{
		ID:      msg.ID,
		Content: msg.Content,
		Metadata: map[string]any{
			"chatId":    msg.ChatID,
			"role":      string(msg.Role),
			"createdAt": msg.CreatedAt,
		},
		UserFeedback: msg.UserFeedback,
	}
}

// CreateChat creates a chat for userID. When firstMessage is set it becomes
// the chat title and the first user message.
func (s *ChatService) CreateChat(ctx context.Context, userID string, firstMessage *string) (*store.Chat, []store.ChatMessage, error) {
	if userID == "" {
		return nil, nil, goerr.Wrap(ErrInvalidInput, "user id is required")
	}

	now := store.NewTimestamp(s.now())
	chat := store.Chat{
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if firstMessage != nil && strings.TrimSpace(*firstMessage) != "" {
		title := chatTitle(*firstMessage)
		chat.Title = &title
	}

	created, err := s.chats.Create(chat)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to create chat", goerr.V("user_id", userID))
	}

	messages := []store.ChatMessage{}
	if chat.Title != nil {
		result, err := s.AppendMessagesWithCap(ctx, created.ID, []NewMessage{{Role: store.RoleUser, Content: *firstMessage}}, s.messageCap)
		if err != nil {
			// The chat exists; it simply starts empty.
			logging.From(ctx).Warn("failed to store first message of new chat", "chat_id", created.ID, "error", err)
		} else {
			messages = result.Created
		}
		if refreshed, err := s.chats.FindByID(created.ID); err == nil && refreshed != nil {
			created = *refreshed
		}
	}

	return &created, messages, nil
}

func chatTitle(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(title) <= maxTitleLength {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxTitleLength]))
}

// GetChat returns the chat if it exists and belongs to userID.
func (s *ChatService) GetChat(ctx context.Context, chatID, userID string) (*store.Chat, error) {
	chat, err := s.chats.FindByID(chatID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get chat", goerr.V("chat_id", chatID))
	}
	if chat == nil || chat.UserID != userID {
		return nil, goerr.Wrap(ErrChatNotFound, "no such chat for user", goerr.V("chat_id", chatID), goerr.V("user_id", userID))
	}
	return chat, nil
}

// ListChats returns the chats of userID, most recently updated first.
func (s *ChatService) ListChats(ctx context.Context, userID string) ([]store.Chat, error) {
	chats, err := s.chats.FindMany(func(c store.Chat) bool { return c.UserID == userID })
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list chats", goerr.V("user_id", userID))
	}
	sort.SliceStable(chats, func(i, j int) bool {
		return chats[i].UpdatedAt.After(chats[j].UpdatedAt.Time)
	})
	return chats, nil
}

// GetChatDetails returns the chat and its messages in time order.
func (s *ChatService) GetChatDetails(ctx context.Context, chatID, userID string) (*store.Chat, []store.ChatMessage, error) {
	chat, err := s.GetChat(ctx, chatID, userID)
	if err != nil {
		return nil, nil, err
	}

	messages, err := s.ListMessages(ctx, chatID)
	if err != nil {
		return nil, nil, err
	}
	return chat, messages, nil
}

// ListMessages returns the messages of chatID in time order.
func (s *ChatService) ListMessages(ctx context.Context, chatID string) ([]store.ChatMessage, error) {
	messages, err := s.messages.FindMany(func(m store.ChatMessage) bool { return m.ChatID == chatID })
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get messages for chat", goerr.V("chat_id", chatID))
	}
	sortByCreatedAt(messages)
	return messages, nil
}

// PostMessage appends a single message to a chat owned by userID.
func (s *ChatService) PostMessage(ctx context.Context, chatID, userID string, role store.Role, content string) (*AppendResult, error) {
	return s.PostMessages(ctx, chatID, userID, []NewMessage{{Role: role, Content: content}})
}

// PostMessages appends msgs to a chat owned by userID using the configured
// cap.
func (s *ChatService) PostMessages(ctx context.Context, chatID, userID string, msgs []NewMessage) (*AppendResult, error) {
	if len(msgs) == 0 {
		return nil, goerr.Wrap(ErrInvalidInput, "no messages to post")
	}
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			return nil, goerr.Wrap(ErrInvalidInput, "message content cannot be empty")
		}
	}
	if _, err := s.GetChat(ctx, chatID, userID); err != nil {
		return nil, err
	}
	return s.AppendMessagesWithCap(ctx, chatID, msgs, s.messageCap)
}

// DeleteChat removes a chat owned by userID together with its messages and
// their embeddings.
func (s *ChatService) DeleteChat(ctx context.Context, chatID, userID string) error {
	if _, err := s.GetChat(ctx, chatID, userID); err != nil {
		return err
	}

	var removed []string
	err := s.messages.Mutate(func(tx *store.Tx[store.ChatMessage]) error {
		for _, m := range tx.Filter(func(m store.ChatMessage) bool { return m.ChatID == chatID }) {
			tx.Delete(m.ID)
			removed = append(removed, m.ID)
		}
		return nil
	})
	if err != nil {
		return goerr.Wrap(err, "failed to delete chat messages", goerr.V("chat_id", chatID))
	}

	if _, err := s.chats.Delete(chatID); err != nil {
		return goerr.Wrap(err, "failed to delete chat", goerr.V("chat_id", chatID))
	}

	if _, err := s.vectors.Delete(ctx, removed...); err != nil {
		logging.From(ctx).Warn("failed to remove embeddings of deleted chat", "chat_id", chatID, "error", err)
	}

	logging.From(ctx).Info("deleted chat", "chat_id", chatID, "messages", len(removed))
	return nil
}

// SetMessageFeedback labels a message. Setting the same label again leaves
// the stores unchanged.
func (s *ChatService) SetMessageFeedback(ctx context.Context, messageID string, fb store.Feedback) (*store.ChatMessage, error) {
	if !fb.Valid() {
		return nil, goerr.Wrap(ErrInvalidInput, "unknown feedback", goerr.V("feedback", fb))
	}

	var updated *store.ChatMessage
	err := s.messages.Mutate(func(tx *store.Tx[store.ChatMessage]) error {
		msg, ok := tx.Get(messageID)
		if !ok {
			return nil
		}
		if msg.UserFeedback == nil || *msg.UserFeedback != fb {
			msg.UserFeedback = fb.Ptr()
			tx.Put(msg)
		}
		updated = &msg
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to set feedback", goerr.V("message_id", messageID))
	}
	if updated == nil {
		return nil, goerr.Wrap(ErrMessageNotFound, "feedback target missing", goerr.V("message_id", messageID))
	}

	s.syncFeedback(ctx, *updated)
	return updated, nil
}

// RemoveMessageFeedback clears the label of a message. It reports false
// when the message does not exist or carries no feedback.
func (s *ChatService) RemoveMessageFeedback(ctx context.Context, messageID string) (bool, error) {
	var cleared *store.ChatMessage
	err := s.messages.Mutate(func(tx *store.Tx[store.ChatMessage]) error {
		msg, ok := tx.Get(messageID)
		if !ok || msg.UserFeedback == nil {
			return nil
		}
		msg.UserFeedback = nil
		tx.Put(msg)
		cleared = &msg
		return nil
	})
	if err != nil {
		return false, goerr.Wrap(err, "failed to remove feedback", goerr.V("message_id", messageID))
	}
	if cleared == nil {
		return false, nil
	}

	s.syncFeedback(ctx, *cleared)
	return true, nil
}

func (s *ChatService) syncFeedback(ctx context.Context, msg store.ChatMessage) {
	logger := logging.From(ctx).With("message_id", msg.ID)

	found, err := s.vectors.SetFeedback(ctx, msg.ID, msg.UserFeedback)
	if err != nil {
		logger.Warn("failed to update feedback in vector store", "error", err)
		return
	}
	if found {
		return
	}

	// The embedding went missing earlier; index the message again.
	if err := s.indexMessage(ctx, msg); err != nil {
		logger.Warn("failed to re-index message for feedback", "error", err)
	}
}

// ListFeedback returns messages carrying feedback, newest first. A nil fb
// returns both likes and dislikes.
func (s *ChatService) ListFeedback(ctx context.Context, fb *store.Feedback) ([]store.ChatMessage, error) {
	messages, err := s.messages.FindMany(func(m store.ChatMessage) bool {
		if m.UserFeedback == nil {
			return false
		}
		return fb == nil || *m.UserFeedback == *fb
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list feedback")
	}
	sortByCreatedAt(messages)
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Reindex rebuilds the vector store from the message store.
func (s *ChatService) Reindex(ctx context.Context) (int, error) {
	messages, err := s.messages.FindMany(nil)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to load messages for reindex")
	}
	sortByCreatedAt(messages)

	inputs := make([]vectorstore.Input, 0, len(messages))
	for _, msg := range messages {
		inputs = append(inputs, vectorInput(msg))
	}

	n, err := s.vectors.Replace(ctx, inputs)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to rebuild vector store")
	}
	logging.From(ctx).Info("reindexed messages", "messages", len(messages), "indexed", n)
	return n, nil
}

func sortByCreatedAt(messages []store.ChatMessage) {
	sort.SliceStable(messages, func(i, j int) bool {
		if !messages[i].CreatedAt.Equal(messages[j].CreatedAt.Time) {
			return messages[i].CreatedAt.Before(messages[j].CreatedAt.Time)
		}
		return messages[i].ID < messages[j].ID
	})
}
