package store

import "path/filepath"

// Feedback is an explicit user signal attached to a message.
type Feedback string

const (
	FeedbackLike    Feedback = "like"
	FeedbackDislike Feedback = "dislike"
)

// Valid reports whether f is one of the known labels.
func (f Feedback) Valid() bool {
	return f == FeedbackLike || f == FeedbackDislike
}

// Ptr returns a pointer to a copy of f.
func (f Feedback) Ptr() *Feedback {
	return &f
}

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Chat struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     *string   `json:"title,omitempty"`
	CreatedAt Timestamp `json:"createdAt"`
	UpdatedAt Timestamp `json:"updatedAt"`
}

// Clone returns a copy that shares no pointer with c.
func (c Chat) Clone() Chat {
	if c.Title != nil {
		title := *c.Title
		c.Title = &title
	}
	return c
}

func (c Chat) GetID() string { return c.ID }

func (c Chat) WithID(id string) Chat {
	c.ID = id
	return c
}

type ChatMessage struct {
	ID           string    `json:"id"`
	ChatID       string    `json:"chatId"`
	Role         Role      `json:"role"`
	Content      string    `json:"content"`
	CreatedAt    Timestamp `json:"createdAt"`
	UserFeedback *Feedback `json:"userFeedback,omitempty"`
}

// Clone returns a copy that shares no pointer with m.
func (m ChatMessage) Clone() ChatMessage {
	if m.UserFeedback != nil {
		fb := *m.UserFeedback
		m.UserFeedback = &fb
	}
	return m
}

func (m ChatMessage) GetID() string { return m.ID }

func (m ChatMessage) WithID(id string) ChatMessage {
	m.ID = id
	return m
}

// AppSetting is a keyed scalar configuration value. Key is unique per store.
type AppSetting struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	CreatedAt Timestamp `json:"createdAt"`
	UpdatedAt Timestamp `json:"updatedAt"`
}

func (s AppSetting) GetID() string { return s.ID }

func (s AppSetting) WithID(id string) AppSetting {
	s.ID = id
	return s
}

// Stores groups the entity stores living under one storage root.
type Stores struct {
	Chats    *EntityStore[Chat]
	Messages *EntityStore[ChatMessage]
	Settings *EntityStore[AppSetting]
}

// Open returns the entity stores persisted under dir.
func Open(dir string, opts ...EntityOption) *Stores {
	return &Stores{
		Chats:    NewEntityStore[Chat](filepath.Join(dir, ChatsFile), opts...),
		Messages: NewEntityStore[ChatMessage](filepath.Join(dir, MessagesFile), opts...),
		Settings: NewEntityStore[AppSetting](filepath.Join(dir, SettingsFile), opts...),
	}
}

const (
	ChatsFile    = "chats.json"
	MessagesFile = "chat-messages.json"
	VectorsFile  = "chat-messages-vectors.json"
	SettingsFile = "app-settings.json"
)
