// Package timeline holds the pure ordering and merge rules for a conversation.
//
// A timeline is a slice of messages kept in ascending order by
// (SortTime, ID). Functions in this package never mutate their inputs.
package timeline

import (
	"slices"
	"strings"
	"time"

	"github.com/entrepeneur4lyf/convostore/internal/message"
)

// Direction selects the order of a render projection
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// ParseDirection maps a config value to a Direction, defaulting to Ascending
func ParseDirection(s string) Direction {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "desc", "descending", "newest-first":
		return Descending
	default:
		return Ascending
	}
}

// Mode selects how a history page is merged
type Mode int

const (
	// Replace makes the page the canonical historical range (first page, resync)
	Replace Mode = iota
	// Append unions the page into the existing set (load more)
	Append
)

func (m Mode) String() string {
	if m == Append {
		return "append"
	}
	return "replace"
}

// MergedResult is the outcome of a merge
type MergedResult struct {
	Messages []message.Message
	Added    int
	Updated  int
	Dropped  int
}

// Changed reports whether the merge altered the canonical set
func (r MergedResult) Changed() bool {
	return r.Added > 0 || r.Updated > 0 || r.Dropped > 0
}

// Compare orders two messages by sort time, breaking ties by id
func Compare(a, b message.Message) int {
	if c := a.SortTime().Compare(b.SortTime()); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Sort returns a sorted copy of msgs in the requested direction
func Sort(msgs []message.Message, dir Direction) []message.Message {
	out := make([]message.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	slices.SortFunc(out, Compare)
	if dir == Descending {
		slices.Reverse(out)
	}
	return out
}

// Latest returns the newest instant the timeline knows about, counting both
// ordering keys and server timestamps.
func Latest(msgs []message.Message) time.Time {
	var latest time.Time
	for _, m := range msgs {
		if t := m.SortTime(); t.After(latest) {
			latest = t
		}
		if m.ServerTimestamp != nil && m.ServerTimestamp.After(latest) {
			latest = *m.ServerTimestamp
		}
	}
	return latest
}

// IndexOf returns the position of the message identified by key, matching
// either its id or its server id, or -1.
func IndexOf(msgs []message.Message, key string) int {
	return slices.IndexFunc(msgs, func(m message.Message) bool { return m.Matches(key) })
}

// Prefer picks which of two instances of the same message to keep.
// Sent beats any other state, a server timestamp beats none, more metadata
// beats less; otherwise the current instance stays.
func Prefer(current, candidate message.Message) message.Message {
	if prefersCandidate(current, candidate) {
		return candidate
	}
	return current
}

func prefersCandidate(current, candidate message.Message) bool {
	if r1, r2 := rank(current), rank(candidate); r1 != r2 {
		return r2 > r1
	}
	return len(candidate.Metadata) > len(current.Metadata)
}

func rank(m message.Message) int {
	r := 0
	if m.State == message.StateSent {
		r += 2
	}
	if m.HasServerTimestamp() {
		r++
	}
	return r
}
