package events

import "time"

// EventType identifies the type of event
type EventType string

// Store event types
const (
	StoreMessageAdded  EventType = "store.message.added"
	StoreMessageUpdate EventType = "store.message.updated"
	StoreHistoryMerged EventType = "store.history.merged"
	StoreFlagsChanged  EventType = "store.flags.changed"
	StoreCleared       EventType = "store.cleared"
	StoreRestored      EventType = "store.restored"
)

// Event represents a generic event in the system
type Event[T any] struct {
	ID             string                 `json:"id"`
	Type           EventType              `json:"type"`
	Payload        T                      `json:"payload"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	ConversationID string                 `json:"conversation_id,omitempty"`
}

// Listener is invoked synchronously for every published event
type Listener[T any] func(Event[T])

// EventFilter defines a filter function for events
type EventFilter func(Event[any]) bool

// PublishOption defines options for publishing events
type PublishOption func(*PublishOptions)

// PublishOptions contains options for publishing events
type PublishOptions struct {
	ConversationID string
	Metadata       map[string]interface{}
}

// WithConversationID tags the event with a conversation
func WithConversationID(id string) PublishOption {
	return func(opts *PublishOptions) {
		opts.ConversationID = id
	}
}

// WithMetadata sets metadata for the event
func WithMetadata(metadata map[string]interface{}) PublishOption {
	return func(opts *PublishOptions) {
		opts.Metadata = metadata
	}
}

// FilterByType creates a filter for specific event types
func FilterByType(eventTypes ...EventType) EventFilter {
	typeMap := make(map[EventType]bool)
	for _, t := range eventTypes {
		typeMap[t] = true
	}
	return func(event Event[any]) bool {
		return typeMap[event.Type]
	}
}

// FilterByConversation creates a filter for a specific conversation
func FilterByConversation(id string) EventFilter {
	return func(event Event[any]) bool {
		return event.ConversationID == id
	}
}

// CombineFilters combines multiple filters with AND logic
func CombineFilters(filters ...EventFilter) EventFilter {
	return func(event Event[any]) bool {
		for _, filter := range filters {
			if !filter(event) {
				return false
			}
		}
		return true
	}
}
