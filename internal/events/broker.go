package events

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const (
	defaultBufferSize = 64
	defaultMaxEvents  = 256
)

// Broker is a generic publish-subscribe bus.
//
// Listeners registered with Subscribe run synchronously on the publishing
// goroutine, in registration order. Watchers registered with Watch receive
// events on a buffered channel and never block the publisher.
type Broker[T any] struct {
	mu        sync.RWMutex
	listeners []listenerEntry[T]
	subs      map[chan Event[T]]SubscriberInfo
	nextID    uint64
	done      chan struct{}

	maxEvents    int
	bufferSize   int
	eventHistory []Event[T]
	historyMu    sync.RWMutex

	logger *log.Logger
}

type listenerEntry[T any] struct {
	id uint64
	fn Listener[T]
}

// SubscriberInfo contains metadata about a watcher
type SubscriberInfo struct {
	ID      string
	Filters []EventFilter
	Created time.Time
}

// NewBroker creates a new broker with default settings
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithOptions[T](defaultBufferSize, defaultMaxEvents)
}

// NewBrokerWithOptions creates a new broker with custom settings
func NewBrokerWithOptions[T any](channelBufferSize, maxEvents int) *Broker[T] {
	if channelBufferSize <= 0 {
		channelBufferSize = defaultBufferSize
	}
	if maxEvents < 0 {
		maxEvents = 0
	}
	return &Broker[T]{
		subs:         make(map[chan Event[T]]SubscriberInfo),
		done:         make(chan struct{}),
		maxEvents:    maxEvents,
		bufferSize:   channelBufferSize,
		eventHistory: make([]Event[T], 0, maxEvents),
		logger:       log.Default(),
	}
}

// SetLogger replaces the logger used for dropped-event warnings
func (b *Broker[T]) SetLogger(logger *log.Logger) {
	if logger == nil {
		return
	}
	b.mu.Lock()
	b.logger = logger
	b.mu.Unlock()
}

// Publish delivers an event to every listener and watcher and returns it
func (b *Broker[T]) Publish(eventType EventType, payload T, opts ...PublishOption) Event[T] {
	options := &PublishOptions{}
	for _, opt := range opts {
		opt(options)
	}

	event := Event[T]{
		ID:             uuid.New().String(),
		Type:           eventType,
		Payload:        payload,
		Timestamp:      time.Now(),
		ConversationID: options.ConversationID,
		Metadata:       options.Metadata,
	}

	if b.isShutdown() {
		return event
	}

	b.addToHistory(event)

	b.mu.RLock()
	listeners := make([]listenerEntry[T], len(b.listeners))
	copy(listeners, b.listeners)

	for ch, info := range b.subs {
		if !b.shouldSendToSubscriber(event, info.Filters) {
			continue
		}
		select {
		case ch <- event:
		default:
			// Channel is full, log warning but don't block
			b.logger.Warn("event channel full, dropping event", "subscriber", info.ID, "event", event.ID, "type", event.Type)
		}
	}
	b.mu.RUnlock()

	for _, l := range listeners {
		l.fn(event)
	}

	return event
}

// Subscribe registers a synchronous listener. The returned function removes
// it and is safe to call more than once.
func (b *Broker[T]) Subscribe(listener Listener[T]) func() {
	if listener == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listenerEntry[T]{id: id, fn: listener})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.removeListener(id) })
	}
}

func (b *Broker[T]) removeListener(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, l := range b.listeners {
		if l.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Watch creates a buffered channel subscription with optional filters.
// The channel is closed when ctx is done or the broker shuts down.
func (b *Broker[T]) Watch(ctx context.Context, filters ...EventFilter) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event[T], b.bufferSize)
	if b.isShutdown() {
		close(ch)
		return ch
	}

	b.subs[ch] = SubscriberInfo{
		ID:      uuid.New().String(),
		Filters: filters,
		Created: time.Now(),
	}

	go func() {
		select {
		case <-ctx.Done():
			b.unwatch(ch)
		case <-b.done:
		}
	}()

	return ch
}

// unwatch removes a watcher
func (b *Broker[T]) unwatch(ch chan Event[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[ch]; exists {
		delete(b.subs, ch)
		close(ch)
	}
}

// shouldSendToSubscriber checks if an event should be sent to a watcher based on filters
func (b *Broker[T]) shouldSendToSubscriber(event Event[T], filters []EventFilter) bool {
	if len(filters) == 0 {
		return true
	}

	anyEvent := Event[any]{
		ID:             event.ID,
		Type:           event.Type,
		Payload:        event.Payload,
		Timestamp:      event.Timestamp,
		ConversationID: event.ConversationID,
		Metadata:       event.Metadata,
	}

	for _, filter := range filters {
		if !filter(anyEvent) {
			return false
		}
	}
	return true
}

// addToHistory adds an event to the bounded in-memory history
func (b *Broker[T]) addToHistory(event Event[T]) {
	if b.maxEvents == 0 {
		return
	}

	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	b.eventHistory = append(b.eventHistory, event)
	if len(b.eventHistory) > b.maxEvents {
		copy(b.eventHistory, b.eventHistory[len(b.eventHistory)-b.maxEvents:])
		b.eventHistory = b.eventHistory[:b.maxEvents]
	}
}

// History returns recent events matching the given filters
func (b *Broker[T]) History(filters ...EventFilter) []Event[T] {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()

	if len(filters) == 0 {
		result := make([]Event[T], len(b.eventHistory))
		copy(result, b.eventHistory)
		return result
	}

	var result []Event[T]
	for _, event := range b.eventHistory {
		if b.shouldSendToSubscriber(event, filters) {
			result = append(result, event)
		}
	}
	return result
}

// ClearHistory drops the retained events
func (b *Broker[T]) ClearHistory() {
	b.historyMu.Lock()
	b.eventHistory = b.eventHistory[:0]
	b.historyMu.Unlock()
}

// Stats returns broker statistics
func (b *Broker[T]) Stats() BrokerStats {
	b.mu.RLock()
	listeners, watchers := len(b.listeners), len(b.subs)
	b.mu.RUnlock()

	b.historyMu.RLock()
	historyCount := len(b.eventHistory)
	b.historyMu.RUnlock()

	return BrokerStats{
		ListenerCount: listeners,
		WatcherCount:  watchers,
		EventHistory:  historyCount,
		MaxEvents:     b.maxEvents,
		BufferSize:    b.bufferSize,
		IsShutdown:    b.isShutdown(),
	}
}

// BrokerStats contains broker statistics
type BrokerStats struct {
	ListenerCount int  `json:"listener_count"`
	WatcherCount  int  `json:"watcher_count"`
	EventHistory  int  `json:"event_history"`
	MaxEvents     int  `json:"max_events"`
	BufferSize    int  `json:"buffer_size"`
	IsShutdown    bool `json:"is_shutdown"`
}

func (b *Broker[T]) isShutdown() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Shutdown drops all listeners and closes every watcher channel
func (b *Broker[T]) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
		close(b.done)
	}

	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	b.listeners = nil
}
