package message

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TempIDPrefix marks ids allocated on the client before server acknowledgment
const TempIDPrefix = "tmp-"

var (
	ErrMissingID   = errors.New("message id is required")
	ErrUnknownRole = errors.New("unknown message role")
)

// NewTempID allocates a temporary id for an optimistic message
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id was allocated by NewTempID
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// NewPending builds an optimistic user message awaiting acknowledgment
func NewPending(id, content string, clientTS time.Time) Message {
	return Message{
		ID:              id,
		Content:         content,
		Author:          AuthorUser,
		State:           StatePending,
		Origin:          OriginLocal,
		ClientTimestamp: clientTS,
	}
}

// NewReceived builds an assistant message delivered by the server
func NewReceived(id, content string, serverTS time.Time, metadata map[string]any) Message {
	ts := serverTS
	return Message{
		ID:              id,
		Content:         content,
		Author:          AuthorAssistant,
		State:           StateSent,
		Origin:          OriginRemote,
		ClientTimestamp: serverTS,
		ServerTimestamp: &ts,
		Metadata:        maps.Clone(metadata),
	}
}

// FromRaw translates a backend payload into a Sent message.
// Historical messages never pass through Pending.
func FromRaw(raw RawMessage) (Message, error) {
	if raw.ID == "" {
		return Message{}, ErrMissingID
	}

	author, err := AuthorFromRole(raw.Role)
	if err != nil {
		return Message{}, err
	}

	ts := raw.Timestamp
	return Message{
		ID:              raw.ID,
		Content:         raw.Content,
		Author:          author,
		State:           StateSent,
		Origin:          OriginRemote,
		ClientTimestamp: ts,
		ServerTimestamp: &ts,
		Metadata:        maps.Clone(raw.Metadata),
	}, nil
}

// FromRawBatch translates a page of backend payloads, skipping invalid entries.
// The number of skipped entries is returned so callers can log it.
func FromRawBatch(raws []RawMessage) ([]Message, int) {
	out := make([]Message, 0, len(raws))
	skipped := 0
	for _, raw := range raws {
		m, err := FromRaw(raw)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, m)
	}
	return out, skipped
}

// ToRaw converts a message back to the backend shape
func ToRaw(m Message) RawMessage {
	role := RoleUser
	if m.Author == AuthorAssistant {
		role = RoleModel
	}
	id := m.ID
	if m.ServerID != "" {
		id = m.ServerID
	}
	return RawMessage{
		ID:        id,
		Role:      role,
		Content:   m.Content,
		Timestamp: m.SortTime(),
		Metadata:  maps.Clone(m.Metadata),
	}
}

// AuthorFromRole maps a wire role to an Author
func AuthorFromRole(role string) (Author, error) {
	switch strings.ToLower(role) {
	case RoleUser:
		return AuthorUser, nil
	case RoleModel, string(AuthorAssistant):
		return AuthorAssistant, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
}
