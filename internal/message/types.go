package message

import (
	"maps"
	"time"
)

// Author identifies who wrote a message
type Author string

const (
	AuthorUser      Author = "user"
	AuthorAssistant Author = "assistant"
)

// State is the lifecycle state of a message
type State string

const (
	StatePending State = "pending"
	StateSent    State = "sent"
	StateFailed  State = "failed"
)

// Origin records where a message entered the store
type Origin string

const (
	// OriginLocal messages were created optimistically on this client
	OriginLocal Origin = "local"
	// OriginRemote messages came from history or were received from the server
	OriginRemote Origin = "remote"
)

// ErrorInfo describes why a send attempt failed. ServerID is set when the
// backend saved the message before failing.
type ErrorInfo struct {
	Cause    string    `json:"cause"`
	At       time.Time `json:"at"`
	ServerID string    `json:"server_id,omitempty"`
}

// Message is the unit of conversation held by the store
type Message struct {
	ID              string         `json:"id"`
	ServerID        string         `json:"server_id,omitempty"`
	Content         string         `json:"content"`
	Author          Author         `json:"author"`
	State           State          `json:"state"`
	Origin          Origin         `json:"origin"`
	ClientTimestamp time.Time      `json:"client_timestamp"`
	ServerTimestamp *time.Time     `json:"server_timestamp,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Error           *ErrorInfo     `json:"error,omitempty"`
}

// SortTime returns the ordering key of the message.
// Locally created messages keep their client timestamp for life so that
// confirmation never moves them; everything else prefers server time.
func (m Message) SortTime() time.Time {
	if m.Origin != OriginLocal && m.ServerTimestamp != nil {
		return *m.ServerTimestamp
	}
	return m.ClientTimestamp
}

// HasServerTimestamp reports whether the server has stamped the message
func (m Message) HasServerTimestamp() bool {
	return m.ServerTimestamp != nil
}

// Matches reports whether key identifies this message, either by its
// lookup id or by the server id attached on confirmation.
func (m Message) Matches(key string) bool {
	if key == "" {
		return false
	}
	return m.ID == key || m.ServerID == key
}

// Clone returns a copy that shares no mutable state with m
func (m Message) Clone() Message {
	out := m
	if m.ServerTimestamp != nil {
		ts := *m.ServerTimestamp
		out.ServerTimestamp = &ts
	}
	if m.Metadata != nil {
		out.Metadata = maps.Clone(m.Metadata)
	}
	if m.Error != nil {
		e := *m.Error
		out.Error = &e
	}
	return out
}

// RawMessage is the shape exchanged with the chat backend
type RawMessage struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"` // "user" or "model"
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Wire roles
const (
	RoleUser  = "user"
	RoleModel = "model"
)
