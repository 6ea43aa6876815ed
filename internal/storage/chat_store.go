package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/convostore/internal/message"
	"github.com/entrepeneur4lyf/convostore/internal/store"
	_ "github.com/tursodatabase/go-libsql"
)

// ChatStore defines operations for conversation persistence
type ChatStore interface {
	// Conversations
	CreateConversation(ctx context.Context, c *Conversation) error
	EnsureConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, limit, offset int) ([]*ConversationSummary, error)
	DeleteConversation(ctx context.Context, id string) error

	// Messages
	SaveMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, conversationID, id string) (*Message, error)
	GetMessagesPage(ctx context.Context, conversationID string, page, pageSize int) (*MessagePage, error)
	GetLatestMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)

	// Store snapshots
	SaveSnapshot(ctx context.Context, snap store.Snapshot) error
	LoadSnapshot(ctx context.Context, conversationID string) (*store.Snapshot, error)

	// Maintenance
	Close() error
	GetStats(ctx context.Context) (*Stats, error)
}

// SQLiteChatStore implements ChatStore using libsql
type SQLiteChatStore struct {
	db     *sql.DB
	logger *log.Logger
}

// NewDefaultChatStore opens the database under the default data directory
func NewDefaultChatStore(logger *log.Logger) (ChatStore, error) {
	dbPath, err := NewPathManager().GetDatabasePath()
	if err != nil {
		return nil, fmt.Errorf("failed to get default database path: %w", err)
	}
	return NewChatStore(dbPath, logger)
}

// NewChatStore opens (or creates) the database at dbPath
func NewChatStore(dbPath string, logger *log.Logger) (ChatStore, error) {
	if logger == nil {
		logger = log.Default()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("libsql", "file:"+dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteChatStore{db: db, logger: logger.WithPrefix("storage")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Debug("chat store initialized", "path", dbPath)
	return s, nil
}

func (s *SQLiteChatStore) initSchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// CreateConversation inserts a new conversation
func (s *SQLiteChatStore) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		return fmt.Errorf("failed to create conversation: empty id")
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.Title == "" {
		c.Title = "New Chat"
	}

	metadataJSON, err := marshalMetadata(c.Metadata)
	if err != nil {
		return err
	}

	query := `INSERT INTO conversations (id, title, created_at, updated_at, message_count, metadata)
	          VALUES (?, ?, ?, ?, 0, ?)`
	_, err = s.db.ExecContext(ctx, query, c.ID, c.Title, c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano(), metadataJSON)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// EnsureConversation returns the conversation, creating it when missing
func (s *SQLiteChatStore) EnsureConversation(ctx context.Context, id string) (*Conversation, error) {
	c, err := s.GetConversation(ctx, id)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	c = &Conversation{ID: id}
	if err := s.CreateConversation(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// GetConversation retrieves a conversation by id
func (s *SQLiteChatStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT id, title, created_at, updated_at, message_count, metadata
	          FROM conversations WHERE id = ?`

	var (
		c                Conversation
		created, updated int64
		metadataJSON     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.Title, &created, &updated, &c.MessageCount, &metadataJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	c.CreatedAt = time.Unix(0, created)
	c.UpdatedAt = time.Unix(0, updated)
	c.Metadata = s.unmarshalMetadata(metadataJSON, "conversation", c.ID)
	return &c, nil
}

// ListConversations returns summaries, most recently updated first
func (s *SQLiteChatStore) ListConversations(ctx context.Context, limit, offset int) ([]*ConversationSummary, error) {
	query := `
		SELECT c.id, c.title, c.updated_at, c.message_count,
		       COALESCE((SELECT m.content FROM messages m
		                 WHERE m.conversation_id = c.id
		                 ORDER BY m.created_at DESC, m.id DESC LIMIT 1), '') AS last_message
		FROM conversations c
		ORDER BY c.updated_at DESC
		LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*ConversationSummary
	for rows.Next() {
		var (
			sum     ConversationSummary
			updated int64
		)
		if err := rows.Scan(&sum.ID, &sum.Title, &updated, &sum.MessageCount, &sum.LastMessage); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		sum.UpdatedAt = time.Unix(0, updated)
		out = append(out, &sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return out, nil
}

// DeleteConversation removes a conversation with its messages and snapshot
func (s *SQLiteChatStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM messages WHERE conversation_id = ?`,
		`DELETE FROM snapshots WHERE conversation_id = ?`,
		`DELETE FROM conversations WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}
	}
	return tx.Commit()
}

// SaveMessage stores a message and bumps its conversation. Saving an id that
// already exists updates the content and metadata in place.
func (s *SQLiteChatStore) SaveMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		return fmt.Errorf("failed to save message: %w", message.ErrMissingID)
	}
	author, err := message.AuthorFromRole(m.Role)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	m.Role = message.RoleUser
	if author == message.AuthorAssistant {
		m.Role = message.RoleModel
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	metadataJSON, err := marshalMetadata(m.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET content = ?, metadata = ? WHERE id = ? AND conversation_id = ?`,
		m.Content, metadataJSON, m.ID, m.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, role, content, created_at, metadata)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, m.ConversationID, m.Role, m.Content, m.CreatedAt.UnixNano(), metadataJSON)
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = ?, message_count = message_count + 1 WHERE id = ?`,
			m.CreatedAt.UnixNano(), m.ConversationID)
		if err != nil {
			return fmt.Errorf("failed to update conversation: %w", err)
		}
	}

	return tx.Commit()
}

// GetMessagesPage returns one window of history
func (s *SQLiteChatStore) GetMessagesPage(ctx context.Context, conversationID string, page, pageSize int) (*MessagePage, error) {
	if page < 1 || pageSize < 1 {
		return nil, fmt.Errorf("%w: page %d, size %d", ErrInvalidPage, page, pageSize)
	}

	var total int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to get message count: %w", err)
	}

	offset := (page - 1) * pageSize
	msgs, err := s.queryMessages(ctx,
		`SELECT id, conversation_id, role, content, created_at, metadata
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		conversationID, pageSize, offset)
	if err != nil {
		return nil, err
	}
	reverse(msgs)

	return &MessagePage{
		Messages:   msgs,
		Page:       page,
		PageSize:   pageSize,
		TotalCount: total,
		HasMore:    offset+len(msgs) < total,
	}, nil
}

// GetMessage retrieves one message of a conversation
func (s *SQLiteChatStore) GetMessage(ctx context.Context, conversationID, id string) (*Message, error) {
	msgs, err := s.queryMessages(ctx,
		`SELECT id, conversation_id, role, content, created_at, metadata
		 FROM messages WHERE conversation_id = ? AND id = ?`,
		conversationID, id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return &msgs[0], nil
}

// GetLatestMessages returns up to limit of the newest messages, oldest first
func (s *SQLiteChatStore) GetLatestMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	msgs, err := s.queryMessages(ctx,
		`SELECT id, conversation_id, role, content, created_at, metadata
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func (s *SQLiteChatStore) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			m            Message
			created      int64
			metadataJSON sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &created, &metadataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.CreatedAt = time.Unix(0, created)
		m.Metadata = s.unmarshalMetadata(metadataJSON, "message", m.ID)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return msgs, nil
}

// SaveSnapshot stores the latest snapshot of a conversation's store,
// replacing any earlier one.
func (s *SQLiteChatStore) SaveSnapshot(ctx context.Context, snap store.Snapshot) error {
	if snap.ConversationID == "" {
		return fmt.Errorf("failed to save snapshot: empty conversation id")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	query := `INSERT INTO snapshots (conversation_id, data, created_at) VALUES (?, ?, ?)
	          ON CONFLICT(conversation_id) DO UPDATE SET data = excluded.data, created_at = excluded.created_at`
	if _, err := s.db.ExecContext(ctx, query, snap.ConversationID, string(data), snap.TakenAt.UnixNano()); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot, or nil when there is none
func (s *SQLiteChatStore) LoadSnapshot(ctx context.Context, conversationID string) (*store.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM snapshots WHERE conversation_id = ?`, conversationID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var snap store.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// GetStats returns storage statistics
func (s *SQLiteChatStore) GetStats(ctx context.Context) (*Stats, error) {
	var st Stats
	for _, c := range []struct {
		table string
		dst   *int
	}{
		{"conversations", &st.Conversations},
		{"messages", &st.Messages},
		{"snapshots", &st.Snapshots},
	} {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", c.table, err)
		}
	}
	return &st, nil
}

// Close closes the database connection
func (s *SQLiteChatStore) Close() error {
	return s.db.Close()
}

// ToRaw converts a stored message to the wire shape
func ToRaw(m Message) message.RawMessage {
	return message.RawMessage{
		ID:        m.ID,
		Role:      m.Role,
		Content:   m.Content,
		Timestamp: m.CreatedAt,
		Metadata:  m.Metadata,
	}
}

func marshalMetadata(md map[string]any) (sql.NullString, error) {
	if len(md) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func (s *SQLiteChatStore) unmarshalMetadata(raw sql.NullString, kind, id string) map[string]any {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var md map[string]any
	if err := json.Unmarshal([]byte(raw.String), &md); err != nil {
		s.logger.Warn("failed to unmarshal metadata", "kind", kind, "id", id, "err", err)
		return nil
	}
	return md
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT 'New Chat',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    message_count INTEGER NOT NULL DEFAULT 0,
    metadata TEXT
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL CHECK (role IN ('user', 'model')),
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    metadata TEXT,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS snapshots (
    conversation_id TEXT PRIMARY KEY,
    data TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
`
