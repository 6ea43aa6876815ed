package timeline

import (
	"slices"

	"github.com/entrepeneur4lyf/convostore/internal/message"
)

// MergeHistoryPage merges a fetched history page into the existing timeline.
//
// Replace keeps only the page plus any local Pending or Failed messages,
// which represent intent the server has not persisted yet, and anything newer
// than the page's range, such as a reply received while the page was in
// flight. Append unions the page into the timeline. In both modes a page
// entry whose id matches an existing message's id or server id updates that
// message in place, so a confirmed temp id keeps its lookup key.
func MergeHistoryPage(existing, incoming []message.Message, mode Mode) MergedResult {
	page := dedupe(incoming)

	var base []message.Message
	res := MergedResult{}

	switch mode {
	case Replace:
		horizon := Latest(page)
		base = make([]message.Message, 0, len(page)+4)
		for _, m := range existing {
			if m.Origin == message.OriginLocal && m.State != message.StateSent {
				base = append(base, m.Clone())
				continue
			}
			if len(page) > 0 && m.SortTime().After(horizon) {
				base = append(base, m.Clone())
				continue
			}
			if !inPage(page, m) {
				res.Dropped++
				continue
			}
			base = append(base, m.Clone())
		}
	default:
		base = make([]message.Message, 0, len(existing)+len(page))
		for _, m := range existing {
			base = append(base, m.Clone())
		}
	}

	for _, in := range page {
		idx := findMatch(base, in)
		if idx < 0 {
			base = append(base, in.Clone())
			res.Added++
			continue
		}
		merged, changed := absorb(base[idx], in)
		if changed {
			base[idx] = merged
			res.Updated++
		}
	}

	slices.SortFunc(base, Compare)
	res.Messages = base
	return res
}

// InsertOptimistic inserts a single Pending message at the position implied
// by its client timestamp. The timestamp is clamped to fall after everything
// already in the timeline, so a new send never slides beneath known history.
func InsertOptimistic(existing []message.Message, m message.Message) MergedResult {
	if IndexOf(existing, m.ID) >= 0 {
		return MergedResult{Messages: cloneAll(existing)}
	}

	latest := Latest(existing)
	if !m.ClientTimestamp.After(latest) {
		m.ClientTimestamp = latest.Add(1)
	}

	out := cloneAll(existing)
	pos, _ := slices.BinarySearchFunc(out, m, Compare)
	out = slices.Insert(out, pos, m.Clone())
	return MergedResult{Messages: out, Added: 1}
}

// Upsert inserts m in order, or absorbs it into the message it duplicates
func Upsert(existing []message.Message, m message.Message) MergedResult {
	out := cloneAll(existing)
	if idx := findMatch(out, m); idx >= 0 {
		merged, changed := absorb(out[idx], m)
		if !changed {
			return MergedResult{Messages: out}
		}
		out[idx] = merged
		slices.SortFunc(out, Compare)
		return MergedResult{Messages: out, Updated: 1}
	}

	pos, _ := slices.BinarySearchFunc(out, m, Compare)
	out = slices.Insert(out, pos, m.Clone())
	return MergedResult{Messages: out, Added: 1}
}

// absorb folds an incoming instance into an existing one. The existing
// message keeps its identity (id, origin, client timestamp); the preferred
// instance supplies everything else.
func absorb(current, incoming message.Message) (message.Message, bool) {
	if !prefersCandidate(current, incoming) {
		return current, false
	}

	merged := incoming.Clone()
	merged.ID = current.ID
	merged.Origin = current.Origin
	merged.ClientTimestamp = current.ClientTimestamp
	switch {
	case incoming.ID != current.ID:
		merged.ServerID = incoming.ID
	case current.ServerID != "":
		merged.ServerID = current.ServerID
	}
	if merged.State != message.StateFailed {
		merged.Error = nil
	}
	return merged, true
}

func findMatch(msgs []message.Message, in message.Message) int {
	return slices.IndexFunc(msgs, func(m message.Message) bool {
		return m.Matches(in.ID) || (in.ServerID != "" && m.Matches(in.ServerID))
	})
}

func inPage(page []message.Message, m message.Message) bool {
	return slices.ContainsFunc(page, func(p message.Message) bool {
		return m.Matches(p.ID) || (p.ServerID != "" && m.Matches(p.ServerID))
	})
}

// dedupe collapses repeated ids inside a single page using Prefer
func dedupe(page []message.Message) []message.Message {
	out := make([]message.Message, 0, len(page))
	seen := make(map[string]int, len(page))
	for _, m := range page {
		if i, ok := seen[m.ID]; ok {
			out[i] = Prefer(out[i], m)
			continue
		}
		seen[m.ID] = len(out)
		out = append(out, m)
	}
	return out
}

func cloneAll(msgs []message.Message) []message.Message {
	out := make([]message.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
