package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidPage = errors.New("invalid page request")
)

// Conversation is a persisted chat thread
type Conversation struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	MessageCount int            `json:"message_count"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Message is a persisted chat message. Role uses the wire vocabulary
// ("user" or "model").
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	CreatedAt      time.Time      `json:"created_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ConversationSummary provides a lightweight view of a conversation
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	LastMessage  string    `json:"last_message,omitempty"`
}

// MessagePage is one window of history. Page 1 is the most recent window;
// messages inside a page are ordered oldest first.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	Page       int       `json:"page"`
	PageSize   int       `json:"page_size"`
	TotalCount int       `json:"total_count"`
	HasMore    bool      `json:"has_more"`
}

// Stats summarizes the database contents
type Stats struct {
	Conversations int `json:"conversations"`
	Messages      int `json:"messages"`
	Snapshots     int `json:"snapshots"`
}
