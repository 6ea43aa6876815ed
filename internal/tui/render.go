package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/entrepeneur4lyf/convostore/internal/message"
	"github.com/entrepeneur4lyf/convostore/internal/store"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.English)

// authorLabel turns an author into a display name
func authorLabel(a message.Author) string {
	if a == "" {
		return "Unknown"
	}
	return titleCaser.String(string(a))
}

// renderMessages renders a projection for a viewport of the given width
func renderMessages(st styles, msgs []message.Message, width int) string {
	if len(msgs) == 0 {
		return st.status.Render("No messages yet.")
	}

	bodyWidth := max(width-2, 10)
	blocks := make([]string, 0, len(msgs))
	for _, m := range msgs {
		blocks = append(blocks, renderMessage(st, m, bodyWidth))
	}
	return strings.Join(blocks, "\n\n")
}

func renderMessage(st styles, m message.Message, width int) string {
	label := st.assistant.Render(authorLabel(m.Author))
	if m.Author == message.AuthorUser {
		label = st.user.Render(authorLabel(m.Author))
	}

	header := label + " " + st.timestamp.Render(m.SortTime().Local().Format("15:04"))
	switch m.State {
	case message.StatePending:
		header += " " + st.pending.Render("sending…")
	case message.StateFailed:
		cause := "failed"
		if m.Error != nil && m.Error.Cause != "" {
			cause = "failed: " + m.Error.Cause
		}
		header += " " + st.failed.Render(ansi.Truncate(cause, max(width/2, 12), "…"))
	}

	body := st.body.Width(width).Render(m.Content)
	return lipgloss.JoinVertical(lipgloss.Left, header, body)
}

// statusLine summarises the store for the footer
func statusLine(s store.State, query string, width int) string {
	parts := []string{fmt.Sprintf("%d messages", len(s.Messages))}
	if failed := len(s.Failed()); failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", failed))
	}
	switch {
	case s.Loading:
		parts = append(parts, "loading…")
	case s.LoadingMore:
		parts = append(parts, "loading older…")
	case s.Cursor.HasMoreMessages:
		parts = append(parts, "older messages available")
	case s.Initialized:
		parts = append(parts, "start of conversation")
	}
	if query != "" {
		parts = append(parts, fmt.Sprintf("search %q", query))
	}
	return ansi.Truncate(strings.Join(parts, " · "), max(width-2, 10), "…")
}
