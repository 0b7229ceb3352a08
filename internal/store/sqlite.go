package store

import (
	"database/sql"
	"time"

	"github.com/m-mizutani/goerr/v2"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteArchive is a read-only snapshot of chats and messages exported into
// a SQLite database for offline analysis. The JSON stores stay authoritative.
type SQLiteArchive struct {
	db *sql.DB
}

func NewSQLiteArchive(dataSourceName string) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open database", goerr.V("dsn", dataSourceName))
	}
	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "failed to ping database", goerr.V("dsn", dataSourceName))
	}

	archive := &SQLiteArchive{db: db}
	if err = archive.initSchema(); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "failed to initialize schema")
	}
	return archive, nil
}

func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

func (a *SQLiteArchive) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS chats (
        id TEXT PRIMARY KEY,
        user_id TEXT NOT NULL,
        title TEXT,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY,
        chat_id TEXT NOT NULL,
        role TEXT NOT NULL,
        content TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        user_feedback TEXT CHECK (user_feedback IN ('like', 'dislike')),
        FOREIGN KEY (chat_id) REFERENCES chats (id)
    );

    CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages (chat_id, created_at);
    `
	_, err := a.db.Exec(schema)
	return err
}

// Export replaces the archive content with chats and messages in one
// transaction. Messages whose chat is not in chats are skipped.
func (a *SQLiteArchive) Export(chats []Chat, messages []ChatMessage) (int, error) {
	tx, err := a.db.Begin()
	if err != nil {
		return 0, goerr.Wrap(err, "failed to begin export")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM messages"); err != nil {
		return 0, goerr.Wrap(err, "failed to clear messages")
	}
	if _, err := tx.Exec("DELETE FROM chats"); err != nil {
		return 0, goerr.Wrap(err, "failed to clear chats")
	}

	chatStmt, err := tx.Prepare("INSERT INTO chats (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return 0, goerr.Wrap(err, "failed to prepare chat insert")
	}
	defer chatStmt.Close()

	known := make(map[string]struct{}, len(chats))
	for _, chat := range chats {
		if _, err := chatStmt.Exec(chat.ID, chat.UserID, chat.Title, chat.CreatedAt.Time, chat.UpdatedAt.Time); err != nil {
			return 0, goerr.Wrap(err, "failed to insert chat", goerr.V("chat_id", chat.ID))
		}
		known[chat.ID] = struct{}{}
	}

	msgStmt, err := tx.Prepare("INSERT INTO messages (id, chat_id, role, content, created_at, user_feedback) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return 0, goerr.Wrap(err, "failed to prepare message insert")
	}
	defer msgStmt.Close()

	count := 0
	for _, msg := range messages {
		if _, ok := known[msg.ChatID]; !ok {
			continue
		}
		var feedback sql.NullString
		if msg.UserFeedback != nil {
			feedback = sql.NullString{String: string(*msg.UserFeedback), Valid: true}
		}
		if _, err := msgStmt.Exec(msg.ID, msg.ChatID, string(msg.Role), msg.Content, msg.CreatedAt.Time, feedback); err != nil {
			return 0, goerr.Wrap(err, "failed to insert message", goerr.V("message_id", msg.ID))
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, goerr.Wrap(err, "failed to commit export")
	}
	return count, nil
}

// GetMessagesByChatID returns the archived messages of a chat in time order.
func (a *SQLiteArchive) GetMessagesByChatID(chatID string) ([]ChatMessage, error) {
	rows, err := a.db.Query("SELECT id, chat_id, role, content, created_at, user_feedback FROM messages WHERE chat_id = ? ORDER BY created_at ASC, id ASC", chatID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query messages", goerr.V("chat_id", chatID))
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		var (
			msg       ChatMessage
			role      string
			createdAt time.Time
			feedback  sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.ChatID, &role, &msg.Content, &createdAt, &feedback); err != nil {
			return nil, goerr.Wrap(err, "failed to scan message row")
		}
		msg.Role = Role(role)
		msg.CreatedAt = NewTimestamp(createdAt)
		if feedback.Valid {
			msg.UserFeedback = Feedback(feedback.String).Ptr()
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
