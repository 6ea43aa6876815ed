package store

import (
	"time"

	"github.com/entrepeneur4lyf/convostore/internal/message"
	"github.com/entrepeneur4lyf/convostore/internal/timeline"
)

// Cursor tracks history pagination.
// CurrentPage is the last page applied; zero means nothing fetched yet.
type Cursor struct {
	CurrentPage     int  `json:"current_page"`
	PageSize        int  `json:"page_size"`
	HasMoreMessages bool `json:"has_more_messages"`
}

// NextPage is the page a "load more" request should ask for
func (c Cursor) NextPage() int {
	return c.CurrentPage + 1
}

// State is the immutable view handed to subscribers
type State struct {
	ConversationID string             `json:"conversation_id,omitempty"`
	Messages       []message.Message  `json:"messages"`
	Direction      timeline.Direction `json:"direction"`
	Cursor         Cursor             `json:"cursor"`
	Loading        bool               `json:"loading"`
	LoadingMore    bool               `json:"loading_more"`
	Initialized    bool               `json:"initialized"`
	Version        uint64             `json:"version"`
}

// Failed returns the failed messages of the projection
func (s State) Failed() []message.Message {
	var out []message.Message
	for _, m := range s.Messages {
		if m.State == message.StateFailed {
			out = append(out, m)
		}
	}
	return out
}

// Snapshot is the serializable form of a store used by Snapshot/Restore
type Snapshot struct {
	ConversationID string            `json:"conversation_id,omitempty"`
	Messages       []message.Message `json:"messages"`
	Attempts       map[string]int    `json:"attempts,omitempty"`
	Cursor         Cursor            `json:"cursor"`
	Initialized    bool              `json:"initialized"`
	TakenAt        time.Time         `json:"taken_at"`
}

// Ticket correlates a send attempt with its later confirm or fail callback
type Ticket struct {
	ID      string `json:"id"`
	Attempt int    `json:"attempt"`
}

// Confirmation carries the server-assigned fields of an acknowledged send
type Confirmation struct {
	ServerID        string
	ServerTimestamp time.Time
	Metadata        map[string]any
}
