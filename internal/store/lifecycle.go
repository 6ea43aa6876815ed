package store

import (
	"fmt"
	"maps"
	"strings"

	"github.com/entrepeneur4lyf/convostore/internal/events"
	"github.com/entrepeneur4lyf/convostore/internal/message"
	"github.com/entrepeneur4lyf/convostore/internal/timeline"
)

const interruptedCause = "interrupted before acknowledgment"

// AddOptimisticMessage inserts a Pending user message and returns the ticket
// that the eventual confirm or fail callback must present.
func (s *Store) AddOptimisticMessage(content string) (Ticket, error) {
	var ticket Ticket
	err := s.update(func() (events.EventType, error) {
		if strings.TrimSpace(content) == "" {
			return "", s.reject("add optimistic", "", ErrEmptyContent)
		}
		if !s.initialized {
			return "", s.reject("add optimistic", "", ErrNotInitialized)
		}

		id := s.newID()
		if timeline.IndexOf(s.msgs, id) >= 0 {
			return "", s.reject("add optimistic", id, fmt.Errorf("%w: id %q already in use", ErrInvalidTransition, id))
		}

		pending := message.NewPending(id, content, s.clock.Next(timeline.Latest(s.msgs)))
		s.msgs = timeline.InsertOptimistic(s.msgs, pending).Messages
		s.attempts[id] = 1
		ticket = Ticket{ID: id, Attempt: 1}
		return events.StoreMessageAdded, nil
	})
	return ticket, err
}

// ConfirmMessage moves a Pending or Failed message to Sent. The temporary id
// stays the lookup key; the server id becomes an alias for later history.
func (s *Store) ConfirmMessage(t Ticket, c Confirmation) error {
	return s.update(func() (events.EventType, error) {
		idx, err := s.checkTicket("confirm", t)
		if err != nil {
			return "", err
		}

		m := s.msgs[idx]
		if m.State == message.StateSent {
			return "", s.reject("confirm", t.ID, fmt.Errorf("%w: message already sent", ErrInvalidTransition))
		}

		if c.ServerID != "" && c.ServerID != m.ID {
			if dup := s.indexOfOther(c.ServerID, idx); dup >= 0 {
				// The server copy arrived first through history or the stream.
				other := s.msgs[dup]
				if len(other.Metadata) > 0 {
					c.Metadata = mergeMetadata(other.Metadata, c.Metadata)
				}
				if c.ServerTimestamp.IsZero() && other.ServerTimestamp != nil {
					c.ServerTimestamp = *other.ServerTimestamp
				}
				s.msgs = append(s.msgs[:dup:dup], s.msgs[dup+1:]...)
				if dup < idx {
					idx--
				}
			}
			m.ServerID = c.ServerID
		}

		m.State = message.StateSent
		m.Error = nil
		if !c.ServerTimestamp.IsZero() {
			ts := c.ServerTimestamp
			m.ServerTimestamp = &ts
		}
		if len(c.Metadata) > 0 {
			m.Metadata = mergeMetadata(m.Metadata, c.Metadata)
		}
		s.msgs[idx] = m
		return events.StoreMessageUpdate, nil
	})
}

// MarkMessageFailed moves a Pending message to Failed. Marking an already
// failed message again is a silent no-op. When info carries the id the
// server saved the attempt under, the message takes it as its alias so a
// later history page or retry matches it.
func (s *Store) MarkMessageFailed(t Ticket, info message.ErrorInfo) error {
	return s.update(func() (events.EventType, error) {
		idx, err := s.checkTicket("mark failed", t)
		if err != nil {
			return "", err
		}

		m := s.msgs[idx]
		switch m.State {
		case message.StateFailed:
			return "", nil
		case message.StateSent:
			return "", s.reject("mark failed", t.ID, fmt.Errorf("%w: message already sent", ErrInvalidTransition))
		}

		if info.Cause == "" {
			info.Cause = "send failed"
		}
		if info.At.IsZero() {
			info.At = s.clock.Now()
		}
		if info.ServerID != "" && info.ServerID != m.ID && m.ServerID == "" {
			if s.indexOfOther(info.ServerID, idx) < 0 {
				m.ServerID = info.ServerID
			}
		}
		m.State = message.StateFailed
		m.Error = &info
		s.msgs[idx] = m
		return events.StoreMessageUpdate, nil
	})
}

// RetryMessage moves a Failed message back to Pending under a new attempt.
// It reports false when id is unknown or not Failed; the caller must not
// re-send in that case.
func (s *Store) RetryMessage(id string) (Ticket, message.Message, bool) {
	var (
		ticket Ticket
		out    message.Message
		ok     bool
	)
	_ = s.update(func() (events.EventType, error) {
		idx := timeline.IndexOf(s.msgs, id)
		if idx < 0 {
			s.logger.Debug("retry ignored", "id", id, "err", ErrUnknownMessage)
			return "", nil
		}

		m := s.msgs[idx]
		if m.State != message.StateFailed {
			s.logger.Debug("retry ignored", "id", id, "state", m.State)
			return "", nil
		}

		m.State = message.StatePending
		m.Error = nil
		s.msgs[idx] = m
		s.attempts[m.ID]++

		ticket = Ticket{ID: m.ID, Attempt: s.attempts[m.ID]}
		out = m.Clone()
		ok = true
		return events.StoreMessageUpdate, nil
	})
	return ticket, out, ok
}

// AddReceivedMessage inserts a Sent message delivered by the server. Without a
// server timestamp it is stamped now, after everything already known, so it
// lands at the tail. A message already present under the same id is updated.
func (s *Store) AddReceivedMessage(m message.Message) error {
	return s.update(func() (events.EventType, error) {
		if m.ID == "" {
			return "", s.reject("receive", "", message.ErrMissingID)
		}

		m = m.Clone()
		if m.Author == "" {
			m.Author = message.AuthorAssistant
		}
		m.State = message.StateSent
		m.Origin = message.OriginRemote
		m.Error = nil
		if m.ServerTimestamp == nil {
			ts := s.clock.Next(timeline.Latest(s.msgs))
			m.ServerTimestamp = &ts
		}
		if m.ClientTimestamp.IsZero() {
			m.ClientTimestamp = *m.ServerTimestamp
		}

		res := timeline.Upsert(s.msgs, m)
		if !res.Changed() {
			return "", nil
		}
		s.msgs = res.Messages
		if res.Added > 0 {
			return events.StoreMessageAdded, nil
		}
		return events.StoreMessageUpdate, nil
	})
}

// AddHistoryMessages merges a fetched page and advances the cursor.
//
// A page is applied only when it is the current page or the next one.
// Anything else returns ErrStalePage and leaves the store untouched; a
// Replace of page 1 that should reset a deeper cursor goes through
// BeginResync and ApplyResync instead. An accepted page marks the store
// initialized and publishes once.
func (s *Store) AddHistoryMessages(msgs []message.Message, hasMore bool, page int, appendMode bool) error {
	return s.update(func() (events.EventType, error) {
		if page < 1 {
			return "", s.reject("history", "", fmt.Errorf("%w: %d", ErrInvalidPage, page))
		}

		mode := timeline.Replace
		if appendMode {
			mode = timeline.Append
		}

		cur := s.cursor.CurrentPage
		if page != cur && page != cur+1 {
			return "", s.rejectPage(page, mode)
		}
		if mode == timeline.Append {
			s.appends++
		}
		return s.applyPageLocked(msgs, hasMore, page, mode), nil
	})
}

// BeginResync opens a new resync epoch and returns it. Only the latest epoch
// may be applied, and only if no append page lands before it does.
func (s *Store) BeginResync() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resyncEpoch++
	s.resyncOpen = true
	s.resyncAppends = s.appends
	return s.resyncEpoch
}

// ApplyResync replaces the timeline with a fresh page 1 fetched under epoch,
// resetting the cursor. A superseded epoch, or one overtaken by a load-more
// page, returns ErrStalePage and leaves the store untouched.
func (s *Store) ApplyResync(epoch uint64, msgs []message.Message, hasMore bool) error {
	return s.update(func() (events.EventType, error) {
		if epoch != s.resyncEpoch || !s.resyncOpen || s.appends != s.resyncAppends {
			s.logger.Debug("resync superseded", "epoch", epoch, "latest", s.resyncEpoch, "open", s.resyncOpen)
			return "", s.rejectPage(1, timeline.Replace)
		}
		s.resyncOpen = false
		return s.applyPageLocked(msgs, hasMore, 1, timeline.Replace), nil
	})
}

func (s *Store) rejectPage(page int, mode timeline.Mode) error {
	s.rejected++
	s.logger.Warn("history page rejected", "page", page, "current", s.cursor.CurrentPage, "mode", mode, "err", ErrStalePage)
	return ErrStalePage
}

func (s *Store) applyPageLocked(msgs []message.Message, hasMore bool, page int, mode timeline.Mode) events.EventType {
	incoming := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			s.logger.Warn("history entry skipped", "page", page, "err", message.ErrMissingID)
			continue
		}
		incoming = append(incoming, m)
	}

	res := timeline.MergeHistoryPage(s.msgs, incoming, mode)
	next := Cursor{CurrentPage: page, PageSize: s.cursor.PageSize, HasMoreMessages: hasMore}
	if !res.Changed() && next == s.cursor && s.initialized {
		return ""
	}

	s.msgs = res.Messages
	s.cursor = next
	s.initialized = true
	s.logger.Debug("history merged", "page", page, "mode", mode,
		"added", res.Added, "updated", res.Updated, "dropped", res.Dropped, "hasMore", hasMore)
	return events.StoreHistoryMerged
}

// RecentMessagesForContext returns up to n of the latest Sent messages in
// chronological order, leaving out any message matching exclude.
func (s *Store) RecentMessagesForContext(n int, exclude ...string) []message.Message {
	if n <= 0 {
		return []message.Message{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]message.Message, 0, n)
	for i := len(s.msgs) - 1; i >= 0 && len(out) < n; i-- {
		m := s.msgs[i]
		if m.State != message.StateSent || excluded(m, exclude) {
			continue
		}
		out = append(out, m.Clone())
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// SetLoading sets the initial-load flag
func (s *Store) SetLoading(loading bool) {
	_ = s.update(func() (events.EventType, error) {
		if s.loading == loading {
			return "", nil
		}
		s.loading = loading
		return events.StoreFlagsChanged, nil
	})
}

// SetLoadingMore sets the load-more flag
func (s *Store) SetLoadingMore(loading bool) {
	_ = s.update(func() (events.EventType, error) {
		if s.loadingMore == loading {
			return "", nil
		}
		s.loadingMore = loading
		return events.StoreFlagsChanged, nil
	})
}

// TryBeginLoadMore sets LoadingMore and reports true only when no load-more
// is outstanding and the server reported more pages.
func (s *Store) TryBeginLoadMore() bool {
	began := false
	_ = s.update(func() (events.EventType, error) {
		if !s.initialized || s.loadingMore || !s.cursor.HasMoreMessages {
			return "", nil
		}
		s.loadingMore = true
		began = true
		return events.StoreFlagsChanged, nil
	})
	return began
}

// ClearAll resets the store to its initial empty state
func (s *Store) ClearAll() {
	_ = s.update(func() (events.EventType, error) {
		s.resetLocked()
		return events.StoreCleared, nil
	})
}

// Snapshot captures the canonical set for persistence
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := make([]message.Message, len(s.msgs))
	for i, m := range s.msgs {
		msgs[i] = m.Clone()
	}
	return Snapshot{
		ConversationID: s.conversationID,
		Messages:       msgs,
		Attempts:       maps.Clone(s.attempts),
		Cursor:         s.cursor,
		Initialized:    s.initialized,
		TakenAt:        s.clock.Now(),
	}
}

// Restore replaces the store's content with a snapshot. Messages that were
// still Pending when the snapshot was taken come back Failed, since their
// request cannot complete any more; they can be retried.
func (s *Store) Restore(snap Snapshot) error {
	return s.update(func() (events.EventType, error) {
		if snap.ConversationID != "" && s.conversationID != "" && snap.ConversationID != s.conversationID {
			return "", s.reject("restore", "", fmt.Errorf("%w: snapshot of %q", ErrConversationMismatch, snap.ConversationID))
		}
		s.restoreLocked(snap)
		return events.StoreRestored, nil
	})
}

func (s *Store) restoreLocked(snap Snapshot) {
	s.resetLocked()

	msgs := make([]message.Message, 0, len(snap.Messages))
	for _, m := range snap.Messages {
		if m.ID == "" {
			continue
		}
		m = m.Clone()
		if m.State == message.StatePending {
			m.State = message.StateFailed
			m.Error = &message.ErrorInfo{Cause: interruptedCause, At: s.clock.Now()}
		}
		msgs = append(msgs, m)
	}
	s.msgs = timeline.MergeHistoryPage(nil, msgs, timeline.Append).Messages

	for id, n := range snap.Attempts {
		if timeline.IndexOf(s.msgs, id) >= 0 && n > 0 {
			s.attempts[id] = n
		}
	}
	for _, m := range s.msgs {
		if m.Origin == message.OriginLocal && s.attempts[m.ID] == 0 {
			s.attempts[m.ID] = 1
		}
	}

	if snap.Cursor.PageSize <= 0 {
		snap.Cursor.PageSize = s.pageSize
	}
	s.cursor = snap.Cursor
	s.initialized = snap.Initialized
}

// checkTicket resolves a callback ticket to an index, rejecting unknown ids
// and attempts superseded by a retry. Attempt zero skips the attempt check.
func (s *Store) checkTicket(op string, t Ticket) (int, error) {
	idx := timeline.IndexOf(s.msgs, t.ID)
	if idx < 0 {
		return -1, s.reject(op, t.ID, ErrUnknownMessage)
	}
	if cur := s.attempts[s.msgs[idx].ID]; t.Attempt != 0 && t.Attempt != cur {
		return -1, s.reject(op, t.ID, fmt.Errorf("%w: attempt %d, current %d", ErrStaleAttempt, t.Attempt, cur))
	}
	return idx, nil
}

func (s *Store) indexOfOther(key string, skip int) int {
	for i, m := range s.msgs {
		if i != skip && m.Matches(key) {
			return i
		}
	}
	return -1
}

func (s *Store) reject(op, id string, err error) error {
	s.logger.Warn(op+" ignored", "id", id, "err", err)
	return err
}

func mergeMetadata(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	maps.Copy(out, dst)
	maps.Copy(out, src)
	return out
}

func excluded(m message.Message, keys []string) bool {
	for _, k := range keys {
		if m.Matches(k) {
			return true
		}
	}
	return false
}
