package tui

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/entrepeneur4lyf/convostore/internal/message"
	"github.com/entrepeneur4lyf/convostore/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	s *store.Store

	mu        sync.Mutex
	sent      []string
	retries   int
	loads     int
	refreshes int
}

func newFakeController() *fakeController {
	return &fakeController{s: store.New()}
}

func (f *fakeController) Store() *store.Store { return f.s }

func (f *fakeController) Init(context.Context) error {
	return f.s.AddHistoryMessages([]message.Message{
		message.NewReceived("h1", "welcome aboard", time.Unix(100, 0).UTC(), nil),
		message.NewReceived("h2", "goodbye", time.Unix(200, 0).UTC(), nil),
	}, true, 1, false)
}

func (f *fakeController) Send(_ context.Context, content string) (store.Ticket, error) {
	f.mu.Lock()
	f.sent = append(f.sent, content)
	f.mu.Unlock()
	return f.s.AddOptimisticMessage(content)
}

func (f *fakeController) RetryAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries++
	return nil
}

func (f *fakeController) LoadMore(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	return true, nil
}

func (f *fakeController) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

func newSizedModel(t *testing.T, ctrl Controller) *Model {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	m := New(ctx, ctrl, "convostore · default")
	m.Update(tea.WindowSizeMsg{Width: 80, Height: 30})
	return m
}

func TestAuthorLabel(t *testing.T) {
	assert.Equal(t, "User", authorLabel(message.AuthorUser))
	assert.Equal(t, "Assistant", authorLabel(message.AuthorAssistant))
	assert.Equal(t, "Unknown", authorLabel(""))
}

func TestRenderMessages(t *testing.T) {
	st := defaultStyles()
	assert.Contains(t, renderMessages(st, nil, 80), "No messages yet.")

	s := store.New()
	require.NoError(t, s.AddHistoryMessages(nil, false, 1, false))
	_, err := s.AddOptimisticMessage("draft")
	require.NoError(t, err)
	failed, err := s.AddOptimisticMessage("lost")
	require.NoError(t, err)
	require.NoError(t, s.MarkMessageFailed(failed, message.ErrorInfo{Cause: "boom"}))

	out := renderMessages(st, s.MessagesForRender(), 80)
	assert.Contains(t, out, "User")
	assert.Contains(t, out, "sending…")
	assert.Contains(t, out, "failed: boom")
	assert.Contains(t, out, "draft")
}

func TestStatusLine(t *testing.T) {
	tests := []struct {
		name  string
		state store.State
		query string
		want  string
	}{
		{"loading", store.State{Loading: true}, "", "0 messages · loading…"},
		{"more", store.State{Initialized: true, Cursor: store.Cursor{HasMoreMessages: true}}, "", "0 messages · older messages available"},
		{"start", store.State{Initialized: true}, "", "0 messages · start of conversation"},
		{"failed and search", store.State{
			Initialized: true,
			Messages:    []message.Message{{ID: "a", State: message.StateFailed}},
		}, "hi", `1 messages · 1 failed · start of conversation · search "hi"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusLine(tt.state, tt.query, 200))
		})
	}
}

func TestModelRendersStoreChanges(t *testing.T) {
	ctrl := newFakeController()
	m := newSizedModel(t, ctrl)
	assert.Contains(t, m.View(), "No messages yet.")

	require.NoError(t, ctrl.Init(context.Background()))
	assert.Equal(t, stateMsg{}, m.waitForState()())

	_, cmd := m.Update(stateMsg{})
	assert.NotNil(t, cmd)
	view := m.View()
	assert.Contains(t, view, "welcome aboard")
	assert.Contains(t, view, "older messages available")
}

func TestModelSendsOnEnter(t *testing.T) {
	ctrl := newFakeController()
	m := newSizedModel(t, ctrl)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd, "empty input sends nothing")

	m.input.SetValue("  hello  ")
	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.Equal(t, opDoneMsg{op: "send"}, cmd())
	assert.Equal(t, []string{"hello"}, ctrl.sent)
	assert.Empty(t, m.input.Value())
}

func TestModelCommands(t *testing.T) {
	ctrl := newFakeController()
	m := newSizedModel(t, ctrl)

	for _, k := range []tea.KeyType{tea.KeyCtrlR, tea.KeyCtrlO, tea.KeyCtrlL} {
		_, cmd := m.Update(tea.KeyMsg{Type: k})
		require.NotNil(t, cmd)
		cmd()
	}
	assert.Equal(t, 1, ctrl.retries)
	assert.Equal(t, 1, ctrl.loads)
	assert.Equal(t, 1, ctrl.refreshes)

	m.Update(opDoneMsg{op: "retry", err: errors.New("backend down")})
	assert.Contains(t, m.View(), "error: backend down")

	m.Update(opDoneMsg{op: "retry"})
	assert.NotContains(t, m.View(), "error:")
}

func TestModelSearch(t *testing.T) {
	ctrl := newFakeController()
	m := newSizedModel(t, ctrl)
	require.NoError(t, ctrl.Init(context.Background()))
	m.Update(stateMsg{})

	m.Update(tea.KeyMsg{Type: tea.KeyCtrlF})
	require.True(t, m.searching)
	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("welc")})

	view := m.View()
	assert.Contains(t, view, "welcome aboard")
	assert.NotContains(t, view, "goodbye")

	m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	assert.False(t, m.searching)
	assert.Contains(t, m.View(), "goodbye")
}
