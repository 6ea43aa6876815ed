package api

import (
	"time"

	"github.com/entrepeneur4lyf/convostore/internal/message"
)

// Stream message types
const (
	StreamMessage = "message"
	StreamPing    = "ping"
	StreamPong    = "pong"
	StreamError   = "error"
)

// SendRequest is the body of POST /api/conversations/{id}/messages.
// MessageID names a user message the server saved on an earlier failed
// attempt, so a retry answers it instead of saving a copy.
type SendRequest struct {
	Content   string               `json:"content"`
	MessageID string               `json:"messageId,omitempty"`
	Context   []message.RawMessage `json:"context,omitempty"`
}

// SendResponse answers a send. ServerMessageID and UserTimestamp identify the
// persisted user message; Reply is the assistant answer.
type SendResponse struct {
	Success         bool                `json:"success"`
	Response        string              `json:"response,omitempty"`
	ServerMessageID string              `json:"serverMessageId,omitempty"`
	UserTimestamp   time.Time           `json:"userTimestamp,omitzero"`
	Reply           *message.RawMessage `json:"reply,omitempty"`
	Metadata        map[string]any      `json:"metadata,omitempty"`
	Error           string              `json:"error,omitempty"`
}

// HistoryResponse is one page of GET /api/conversations/{id}/messages
type HistoryResponse struct {
	Success  bool                 `json:"success"`
	History  []message.RawMessage `json:"history"`
	HasMore  bool                 `json:"hasMore"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"pageSize"`
	Error    string               `json:"error,omitempty"`
}

// TranscribeResponse answers POST /api/transcribe
type TranscribeResponse struct {
	Success    bool   `json:"success"`
	Transcript string `json:"transcript,omitempty"`
	Error      string `json:"error,omitempty"`
}

// WebSocketMessage is a frame on the conversation stream
type WebSocketMessage struct {
	Type    string              `json:"type"`
	Message *message.RawMessage `json:"message,omitempty"`
	Error   string              `json:"error,omitempty"`
}
