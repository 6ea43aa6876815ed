// Package chat drives a message store from a chat backend: it loads history,
// sends and retries user messages, pages older history in and applies
// assistant messages pushed by the backend.
package chat

import (
	"context"
	"io"
	"time"

	"github.com/entrepeneur4lyf/convostore/internal/message"
)

// SendResult is the backend answer to a send
type SendResult struct {
	Success         bool
	Response        string
	ServerMessageID string
	UserTimestamp   time.Time
	// Reply is the persisted assistant message when the backend returns one
	Reply    *message.RawMessage
	Metadata map[string]any
	Error    string
}

// HistoryPage is one page of backend history, oldest first
type HistoryPage struct {
	Success bool
	History []message.RawMessage
	HasMore bool
}

// Transport is the request side of the chat backend. SendMessage may return
// a partial result with an error: ServerMessageID is set when the backend
// saved the message before failing.
type Transport interface {
	SendMessage(ctx context.Context, m message.Message, history []message.Message) (SendResult, error)
	FetchHistoryPage(ctx context.Context, page, pageSize int) (HistoryPage, error)
	TranscribeAudio(ctx context.Context, audio io.Reader, filename string) (string, error)
}

// Receiver delivers assistant messages pushed by the backend. The channel is
// closed when ctx ends.
type Receiver interface {
	Receive(ctx context.Context) (<-chan message.RawMessage, error)
}
