// Package tui is the terminal chat client. It renders the store's projection
// and re-renders whenever the store publishes a change.
package tui

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/entrepeneur4lyf/convostore/internal/events"
	"github.com/entrepeneur4lyf/convostore/internal/message"
	"github.com/entrepeneur4lyf/convostore/internal/store"
)

const inputHeight = 3

// Controller is the part of the chat controller the UI drives
type Controller interface {
	Store() *store.Store
	Init(ctx context.Context) error
	Send(ctx context.Context, content string) (store.Ticket, error)
	RetryAll(ctx context.Context) error
	LoadMore(ctx context.Context) (bool, error)
	Refresh(ctx context.Context) error
}

type stateMsg struct{}

type opDoneMsg struct {
	op  string
	err error
}

// Model is the bubbletea model of the chat screen
type Model struct {
	ctx    context.Context
	ctrl   Controller
	store  *store.Store
	events <-chan events.Event[store.State]
	title  string

	keys     keyMap
	help     help.Model
	styles   styles
	viewport viewport.Model
	input    textarea.Model
	search   textinput.Model

	state     store.State
	searching bool
	err       error
	width     int
	height    int
	ready     bool
}

// New creates the chat screen; ctx bounds the store subscription and every
// request the screen issues
func New(ctx context.Context, ctrl Controller, title string) *Model {
	ta := textarea.New()
	ta.Placeholder = "Type a message… (enter to send)"
	ta.CharLimit = 4000
	ta.ShowLineNumbers = false
	ta.SetHeight(inputHeight)
	ta.KeyMap.InsertNewline.SetEnabled(false)
	ta.Focus()

	ti := textinput.New()
	ti.Placeholder = "search messages"
	ti.Prompt = "/ "

	s := ctrl.Store()
	return &Model{
		ctx:    ctx,
		ctrl:   ctrl,
		store:  s,
		events: s.Watch(ctx),
		title:  title,
		keys:   defaultKeyMap(),
		help:   help.New(),
		styles: defaultStyles(),
		input:  ta,
		search: ti,
		state:  s.State(),
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.waitForState(), m.run("load", m.ctrl.Init))
}

// waitForState blocks until the store publishes, then asks for a redraw
func (m *Model) waitForState() tea.Cmd {
	ch := m.events
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return stateMsg{}
	}
}

func (m *Model) run(op string, fn func(context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return opDoneMsg{op: op, err: fn(ctx)}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		m.refresh(true)
		return m, nil

	case stateMsg:
		m.state = m.store.State()
		m.refresh(m.viewport.AtBottom())
		return m, m.waitForState()

	case opDoneMsg:
		m.err = msg.err
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
			m.layout()
			return m, nil
		}

		if m.searching {
			return m, m.updateSearch(msg)
		}

		switch {
		case key.Matches(msg, m.keys.Search):
			m.searching = true
			m.input.Blur()
			return m, m.search.Focus()
		case key.Matches(msg, m.keys.Send):
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			m.input.Reset()
			return m, m.run("send", func(ctx context.Context) error {
				_, err := m.ctrl.Send(ctx, text)
				return err
			})
		case key.Matches(msg, m.keys.Retry):
			return m, m.run("retry", m.ctrl.RetryAll)
		case key.Matches(msg, m.keys.LoadMore):
			return m, m.loadMore()
		case key.Matches(msg, m.keys.Refresh):
			return m, m.run("refresh", m.ctrl.Refresh)
		case key.Matches(msg, m.keys.PageUp, m.keys.PageDown):
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			cmds = append(cmds, cmd)
			if m.viewport.AtTop() && m.state.Cursor.HasMoreMessages {
				cmds = append(cmds, m.loadMore())
			}
			return m, tea.Batch(cmds...)
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *Model) loadMore() tea.Cmd {
	return m.run("load more", func(ctx context.Context) error {
		_, err := m.ctrl.LoadMore(ctx)
		return err
	})
}

func (m *Model) updateSearch(msg tea.KeyMsg) tea.Cmd {
	if key.Matches(msg, m.keys.Cancel) {
		m.searching = false
		m.search.Reset()
		m.search.Blur()
		m.refresh(true)
		return m.input.Focus()
	}

	var cmd tea.Cmd
	m.search, cmd = m.search.Update(msg)
	m.refresh(false)
	return cmd
}

func (m *Model) visibleMessages() []message.Message {
	if q := strings.TrimSpace(m.search.Value()); m.searching && q != "" {
		return m.store.Find(q)
	}
	return m.state.Messages
}

func (m *Model) layout() {
	if m.width == 0 || m.height == 0 {
		return
	}
	m.input.SetWidth(m.width - 2)
	m.search.Width = m.width - 4
	m.help.Width = m.width

	// header, status and help lines plus the input box
	reserved := 3 + inputHeight + 1
	if m.help.ShowAll {
		reserved += 3
	}
	h := max(m.height-reserved, 1)
	if !m.ready {
		m.viewport = viewport.New(m.width, h)
		m.ready = true
		return
	}
	m.viewport.Width = m.width
	m.viewport.Height = h
}

func (m *Model) refresh(follow bool) {
	if !m.ready {
		return
	}
	m.viewport.SetContent(renderMessages(m.styles, m.visibleMessages(), m.width))
	if follow {
		m.viewport.GotoBottom()
	}
}

func (m *Model) View() string {
	if !m.ready {
		return "Loading…"
	}

	header := m.styles.header.Render(m.title)

	footer := m.styles.status.Render(statusLine(m.state, m.search.Value(), m.width))
	if m.err != nil {
		footer = m.styles.errorText.Render("error: " + m.err.Error())
	}

	input := m.input.View()
	if m.searching {
		input = m.search.View()
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		footer,
		input,
		m.help.View(m.keys),
	)
}

// Run drives the chat screen until the user quits or ctx is cancelled
func Run(ctx context.Context, ctrl Controller, title string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(New(ctx, ctrl, title), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
