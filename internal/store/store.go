// Package store owns the canonical message set of one conversation.
//
// Every method is synchronous and returns immediately. Network work happens
// in the caller, which reports outcomes back through the lifecycle methods.
// Each mutation that changes visible state publishes exactly one State to
// subscribers after the update. Delivery runs on the calling goroutine unless
// another goroutine is already delivering, in which case that one carries it.
//
// Listeners may read and mutate the store. A mutation made from inside a
// listener publishes after the current delivery returns, still in version
// order.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/convostore/internal/events"
	"github.com/entrepeneur4lyf/convostore/internal/message"
	"github.com/entrepeneur4lyf/convostore/internal/timeline"
)

const (
	DefaultPageSize     = 20
	defaultEventHistory = 64
)

// Store is the stateful message container for one conversation
type Store struct {
	mu          sync.Mutex
	msgs        []message.Message // ascending by timeline.Compare
	attempts    map[string]int
	cursor      Cursor
	loading     bool
	loadingMore bool
	initialized bool
	disposed    bool
	version     uint64
	rejected    int

	// resync bookkeeping: a page-1 Replace is only valid for the latest
	// epoch and only while no append page has landed since it began
	resyncEpoch   uint64
	resyncOpen    bool
	resyncAppends uint64
	appends       uint64

	conversationID string
	direction      timeline.Direction
	pageSize       int

	clock  *message.Clock
	newID  func() string
	logger *log.Logger
	bus    *events.Broker[State]
	seq    *sequencer
}

// Option configures a Store
type Option func(*options)

type options struct {
	logger         *log.Logger
	now            func() time.Time
	newID          func() string
	pageSize       int
	direction      timeline.Direction
	conversationID string
	eventHistory   int
	initial        *Snapshot
}

// WithLogger sets the logger used for rejected transitions
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator replaces the temporary id allocator
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

// WithPageSize sets the history page size recorded in the cursor
func WithPageSize(n int) Option {
	return func(o *options) { o.pageSize = n }
}

// WithDirection sets the order of the render projection
func WithDirection(d timeline.Direction) Option {
	return func(o *options) { o.direction = d }
}

// WithConversationID tags published events with a conversation id
func WithConversationID(id string) Option {
	return func(o *options) { o.conversationID = id }
}

// WithHistorySize bounds how many published states the bus retains
func WithHistorySize(n int) Option {
	return func(o *options) { o.eventHistory = n }
}

// WithInitialState seeds the store from a snapshot
func WithInitialState(s Snapshot) Option {
	return func(o *options) { o.initial = &s }
}

// New creates an empty store
func New(opts ...Option) *Store {
	o := options{
		pageSize:     DefaultPageSize,
		direction:    timeline.Ascending,
		eventHistory: defaultEventHistory,
		newID:        message.NewTempID,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.Default()
	}
	if o.pageSize <= 0 {
		o.pageSize = DefaultPageSize
	}
	if o.newID == nil {
		o.newID = message.NewTempID
	}

	bus := events.NewBrokerWithOptions[State](0, o.eventHistory)
	bus.SetLogger(o.logger)

	s := &Store{
		conversationID: o.conversationID,
		direction:      o.direction,
		pageSize:       o.pageSize,
		clock:          message.NewClock(o.now),
		newID:          o.newID,
		logger:         o.logger.WithPrefix("store"),
		bus:            bus,
		seq:            newSequencer(),
	}
	s.resetLocked()

	if o.initial != nil {
		s.restoreLocked(*o.initial)
	}
	return s
}

// Dispose shuts the store down. Later mutations return ErrDisposed and
// every subscriber is released.
func (s *Store) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	id := s.conversationID
	s.mu.Unlock()

	stats := s.bus.Stats()
	s.logger.Debug("disposing store",
		"conversation", id,
		"listeners", stats.ListenerCount,
		"watchers", stats.WatcherCount,
		"history", stats.EventHistory)
	s.bus.Shutdown()
}

// Subscribe registers a listener called synchronously after every change
func (s *Store) Subscribe(listener func(State)) (unsubscribe func()) {
	if listener == nil {
		return func() {}
	}
	return s.bus.Subscribe(func(e events.Event[State]) { listener(e.Payload) })
}

// Watch streams state changes on a buffered channel until ctx is done
func (s *Store) Watch(ctx context.Context, filters ...events.EventFilter) <-chan events.Event[State] {
	return s.bus.Watch(ctx, filters...)
}

// Events returns the retained change events, oldest first
func (s *Store) Events(filters ...events.EventFilter) []events.Event[State] {
	return s.bus.History(filters...)
}

// MessagesForRender returns the sorted, read-only projection.
// It is empty until the store has been initialized.
func (s *Store) MessagesForRender() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectionLocked()
}

// State returns the current externally visible state
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Cursor returns the pagination cursor
func (s *Store) Cursor() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// RejectedPages counts history pages refused as out of sequence
func (s *Store) RejectedPages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected
}

// Message looks a message up by id or server id
func (s *Store) Message(id string) (message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := timeline.IndexOf(s.msgs, id); i >= 0 {
		return s.msgs[i].Clone(), true
	}
	return message.Message{}, false
}

// Find fuzzily searches the render projection
func (s *Store) Find(query string) []message.Message {
	return timeline.Search(s.MessagesForRender(), query)
}

// update runs fn under the state lock. When fn reports an event type the
// version is bumped and exactly one State is published, in version order.
func (s *Store) update(fn func() (events.EventType, error)) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}

	evt, err := fn()
	if evt == "" {
		s.mu.Unlock()
		return err
	}

	s.version++
	owner := s.seq.enqueue(publication{evt: evt, state: s.stateLocked(), version: s.version})
	s.mu.Unlock()

	if owner {
		s.seq.drain(s.publish)
	}
	return err
}

func (s *Store) publish(p publication) {
	s.bus.Publish(p.evt, p.state,
		events.WithConversationID(p.state.ConversationID),
		events.WithMetadata(map[string]interface{}{"version": p.version}),
	)
}

func (s *Store) stateLocked() State {
	return State{
		ConversationID: s.conversationID,
		Messages:       s.projectionLocked(),
		Direction:      s.direction,
		Cursor:         s.cursor,
		Loading:        s.loading,
		LoadingMore:    s.loadingMore,
		Initialized:    s.initialized,
		Version:        s.version,
	}
}

func (s *Store) projectionLocked() []message.Message {
	if !s.initialized || s.disposed {
		return []message.Message{}
	}
	out := make([]message.Message, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Clone()
	}
	if s.direction == timeline.Descending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

func (s *Store) resetLocked() {
	s.msgs = nil
	s.attempts = make(map[string]int)
	s.cursor = Cursor{PageSize: s.pageSize, HasMoreMessages: true}
	s.loading = false
	s.loadingMore = false
	s.initialized = false
	s.rejected = 0
	s.resyncOpen = false
}
