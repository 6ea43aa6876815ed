package timeline

import (
	"strings"

	"github.com/entrepeneur4lyf/convostore/internal/message"
	"github.com/lithammer/fuzzysearch/fuzzy"
)

// Search returns the messages whose content fuzzily matches query, in the
// order they appear in msgs. An empty query matches everything.
func Search(msgs []message.Message, query string) []message.Message {
	query = strings.TrimSpace(query)
	out := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		if query == "" || fuzzy.MatchFold(query, m.Content) {
			out = append(out, m.Clone())
		}
	}
	return out
}
