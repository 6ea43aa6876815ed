package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/convostore/internal/message"
	"github.com/entrepeneur4lyf/convostore/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	localNow   = time.Unix(1000, 0).UTC()
	serverBase = time.Unix(2000, 0).UTC()
)

type fakeTransport struct {
	mu         sync.Mutex
	pages      map[int]HistoryPage
	fetchErr   error
	sendErr    error
	savedID    string
	replyAt    func(n int) time.Time
	gate       chan struct{}
	firstGate  chan struct{}
	fetching   chan int
	sends      []string
	messageIDs []string
	histories  [][]message.Message
	transcript string
}

func serverReplyAt(n int) time.Time {
	return serverBase.Add(time.Duration(2*n+1) * time.Second)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		pages:   map[int]HistoryPage{1: {Success: true}},
		replyAt: serverReplyAt,
	}
}

func (f *fakeTransport) SendMessage(_ context.Context, m message.Message, history []message.Message) (SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content := m.Content
	f.sends = append(f.sends, content)
	f.messageIDs = append(f.messageIDs, m.ServerID)
	f.histories = append(f.histories, history)
	if f.sendErr != nil {
		return SendResult{ServerMessageID: f.savedID}, f.sendErr
	}

	n := len(f.sends)
	id := fmt.Sprintf("srv-%d", n)
	if m.ServerID != "" {
		id = m.ServerID
	}
	return SendResult{
		Success:         true,
		Response:        "re: " + content,
		ServerMessageID: id,
		UserTimestamp:   serverBase.Add(time.Duration(2*n) * time.Second),
		Reply: &message.RawMessage{
			ID:        fmt.Sprintf("reply-%d", n),
			Role:      message.RoleModel,
			Content:   "re: " + content,
			Timestamp: f.replyAt(n),
		},
	}, nil
}

func (f *fakeTransport) FetchHistoryPage(ctx context.Context, page, _ int) (HistoryPage, error) {
	f.mu.Lock()
	gate, fetching := f.gate, f.fetching
	if page == 1 {
		gate = f.firstGate
	}
	f.mu.Unlock()
	if fetching != nil {
		fetching <- page
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return HistoryPage{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return HistoryPage{}, f.fetchErr
	}
	return f.pages[page], nil
}

func (f *fakeTransport) TranscribeAudio(_ context.Context, audio io.Reader, _ string) (string, error) {
	if _, err := io.ReadAll(audio); err != nil {
		return "", err
	}
	return f.transcript, nil
}

type fakeReceiver struct{ msgs []message.RawMessage }

func (r fakeReceiver) Receive(context.Context) (<-chan message.RawMessage, error) {
	ch := make(chan message.RawMessage, len(r.msgs))
	for _, m := range r.msgs {
		ch <- m
	}
	close(ch)
	return ch, nil
}

func newController(t *testing.T, tr Transport) *Controller {
	t.Helper()
	n := 0
	s := store.New(
		store.WithLogger(log.New(io.Discard)),
		store.WithClock(func() time.Time { return localNow }),
		store.WithIDGenerator(func() string { n++; return fmt.Sprintf("t%d", n) }),
		store.WithPageSize(2),
	)
	t.Cleanup(s.Dispose)
	return NewController(s, tr, Options{ContextWindow: 4, Logger: log.New(io.Discard)})
}

func history(ids ...string) []message.RawMessage {
	out := make([]message.RawMessage, len(ids))
	for i, id := range ids {
		out[i] = message.RawMessage{
			ID:        id,
			Role:      message.RoleUser,
			Content:   "old " + id,
			Timestamp: time.Unix(int64(100+i), 0).UTC(),
		}
	}
	return out
}

func contents(msgs []message.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestInitLoadsFirstPage(t *testing.T) {
	tr := newFakeTransport()
	tr.pages[1] = HistoryPage{Success: true, History: history("h1", "h2"), HasMore: true}
	c := newController(t, tr)

	require.NoError(t, c.Init(context.Background()))

	st := c.Store().State()
	assert.True(t, st.Initialized)
	assert.False(t, st.Loading)
	assert.Equal(t, []string{"old h1", "old h2"}, contents(st.Messages))
	assert.Equal(t, store.Cursor{CurrentPage: 1, PageSize: 2, HasMoreMessages: true}, st.Cursor)
}

func TestInitFailureLeavesStoreUntouched(t *testing.T) {
	tr := newFakeTransport()
	tr.fetchErr = errors.New("offline")
	c := newController(t, tr)

	err := c.Init(context.Background())
	require.Error(t, err)

	st := c.Store().State()
	assert.False(t, st.Initialized)
	assert.False(t, st.Loading)
	assert.Empty(t, st.Messages)

	tr.pages[1] = HistoryPage{Success: false}
	tr.fetchErr = nil
	assert.ErrorIs(t, c.Init(context.Background()), ErrUnsuccessful)
}

func TestSendConfirmsAndAddsReply(t *testing.T) {
	tr := newFakeTransport()
	tr.pages[1] = HistoryPage{Success: true, History: history("h1")}
	c := newController(t, tr)
	require.NoError(t, c.Init(context.Background()))

	ticket, err := c.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, store.Ticket{ID: "t1", Attempt: 1}, ticket)

	msgs := c.Store().MessagesForRender()
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"old h1", "hello", "re: hello"}, contents(msgs))
	assert.Equal(t, message.StateSent, msgs[1].State)
	assert.Equal(t, "srv-1", msgs[1].ServerID)
	assert.Equal(t, "reply-1", msgs[2].ID)
	assert.Equal(t, message.AuthorAssistant, msgs[2].Author)

	// the context sent along excludes the message being sent
	require.Len(t, tr.histories, 1)
	assert.Equal(t, []string{"old h1"}, contents(tr.histories[0]))

	// a refetch of page 1 carrying the server copies does not duplicate them
	tr.pages[1] = HistoryPage{Success: true, History: []message.RawMessage{
		history("h1")[0],
		{ID: "srv-1", Role: message.RoleUser, Content: "hello", Timestamp: serverBase.Add(2 * time.Second)},
		{ID: "reply-1", Role: message.RoleModel, Content: "re: hello", Timestamp: serverBase.Add(3 * time.Second)},
	}}
	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, []string{"old h1", "hello", "re: hello"}, contents(c.Store().MessagesForRender()))
}

func TestSendFailureThenRetry(t *testing.T) {
	tr := newFakeTransport()
	c := newController(t, tr)
	require.NoError(t, c.Init(context.Background()))

	tr.sendErr = errors.New("connection refused")
	ticket, err := c.Send(context.Background(), "hello")
	require.Error(t, err)

	m, ok := c.Store().Message(ticket.ID)
	require.True(t, ok)
	assert.Equal(t, message.StateFailed, m.State)
	require.NotNil(t, m.Error)
	assert.Contains(t, m.Error.Cause, "connection refused")

	tr.sendErr = nil
	retried, err := c.Retry(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.True(t, retried)

	m, _ = c.Store().Message(ticket.ID)
	assert.Equal(t, message.StateSent, m.State)
	assert.Nil(t, m.Error)
	assert.Equal(t, []string{"hello", "hello"}, tr.sends)

	retried, err = c.Retry(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.False(t, retried)
	assert.Len(t, tr.sends, 2)
}

func TestRetryNamesMessageSavedBeforeFailure(t *testing.T) {
	tr := newFakeTransport()
	c := newController(t, tr)
	require.NoError(t, c.Init(context.Background()))

	tr.sendErr = errors.New("backend returned 502: assistant unavailable")
	tr.savedID = "srv-saved"
	ticket, err := c.Send(context.Background(), "hello")
	require.Error(t, err)

	m, ok := c.Store().Message("srv-saved")
	require.True(t, ok, "failed message is reachable by its saved id")
	assert.Equal(t, ticket.ID, m.ID)
	assert.Equal(t, message.StateFailed, m.State)

	tr.sendErr = nil
	retried, err := c.Retry(context.Background(), ticket.ID)
	require.NoError(t, err)
	require.True(t, retried)
	assert.Equal(t, []string{"", "srv-saved"}, tr.messageIDs)

	// history carrying the saved row does not add a second copy
	tr.pages[1] = HistoryPage{Success: true, History: []message.RawMessage{
		{ID: "srv-saved", Role: message.RoleUser, Content: "hello", Timestamp: serverBase},
		{ID: "reply-2", Role: message.RoleModel, Content: "re: hello", Timestamp: serverReplyAt(2)},
	}}
	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, []string{"hello", "re: hello"}, contents(c.Store().MessagesForRender()))
}

func TestSendUnsuccessfulResult(t *testing.T) {
	c := newController(t, unsuccessfulTransport{newFakeTransport()})
	require.NoError(t, c.Init(context.Background()))

	ticket, err := c.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrUnsuccessful)

	m, _ := c.Store().Message(ticket.ID)
	assert.Equal(t, message.StateFailed, m.State)
	assert.Contains(t, m.Error.Cause, "quota")
}

type unsuccessfulTransport struct{ *fakeTransport }

func (unsuccessfulTransport) SendMessage(context.Context, message.Message, []message.Message) (SendResult, error) {
	return SendResult{Success: false, Error: "quota exhausted"}, nil
}

func TestRetryAll(t *testing.T) {
	tr := newFakeTransport()
	c := newController(t, tr)
	require.NoError(t, c.Init(context.Background()))

	tr.sendErr = errors.New("down")
	_, _ = c.Send(context.Background(), "one")
	_, _ = c.Send(context.Background(), "two")
	require.Len(t, c.Store().State().Failed(), 2)

	tr.sendErr = nil
	require.NoError(t, c.RetryAll(context.Background()))
	assert.Empty(t, c.Store().State().Failed())
}

func TestLoadMoreSingleFlight(t *testing.T) {
	tr := newFakeTransport()
	tr.pages[1] = HistoryPage{Success: true, History: history("h3", "h4"), HasMore: true}
	tr.pages[2] = HistoryPage{Success: true, History: history("h1", "h2"), HasMore: false}
	tr.gate = make(chan struct{})
	c := newController(t, tr)
	require.NoError(t, c.Init(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := c.LoadMore(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return c.Store().State().LoadingMore }, time.Second, 5*time.Millisecond)

	began, err := c.LoadMore(context.Background())
	require.NoError(t, err)
	assert.False(t, began)

	close(tr.gate)
	require.NoError(t, <-done)

	st := c.Store().State()
	assert.False(t, st.LoadingMore)
	assert.Equal(t, 2, st.Cursor.CurrentPage)
	assert.False(t, st.Cursor.HasMoreMessages)
	assert.Len(t, st.Messages, 4)

	began, err = c.LoadMore(context.Background())
	require.NoError(t, err)
	assert.False(t, began)
}

func TestLateRefreshDoesNotRewindLoadedPages(t *testing.T) {
	tr := newFakeTransport()
	tr.pages[1] = HistoryPage{Success: true, History: history("h5", "h6"), HasMore: true}
	tr.pages[2] = HistoryPage{Success: true, History: history("h3", "h4"), HasMore: true}
	c := newController(t, tr)
	require.NoError(t, c.Init(context.Background()))

	tr.mu.Lock()
	tr.firstGate = make(chan struct{})
	tr.fetching = make(chan int, 4)
	tr.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- c.Refresh(context.Background()) }()
	require.Equal(t, 1, <-tr.fetching)

	began, err := c.LoadMore(context.Background())
	require.NoError(t, err)
	require.True(t, began)
	require.Equal(t, 2, <-tr.fetching)

	close(tr.firstGate)
	assert.ErrorIs(t, <-done, store.ErrStalePage)

	st := c.Store().State()
	assert.Equal(t, 2, st.Cursor.CurrentPage)
	assert.True(t, st.Cursor.HasMoreMessages)
	assert.Len(t, st.Messages, 4)
	assert.False(t, st.Loading)
}

func TestLoadMoreFailureClearsFlag(t *testing.T) {
	tr := newFakeTransport()
	tr.pages[1] = HistoryPage{Success: true, History: history("h1"), HasMore: true}
	c := newController(t, tr)
	require.NoError(t, c.Init(context.Background()))

	tr.fetchErr = errors.New("timeout")
	began, err := c.LoadMore(context.Background())
	assert.True(t, began)
	require.Error(t, err)

	st := c.Store().State()
	assert.False(t, st.LoadingMore)
	assert.Equal(t, 1, st.Cursor.CurrentPage)
}

func TestSendVoice(t *testing.T) {
	tr := newFakeTransport()
	tr.transcript = "spoken words"
	c := newController(t, tr)
	require.NoError(t, c.Init(context.Background()))

	_, err := c.SendVoice(context.Background(), strings.NewReader("audio"), "clip.webm")
	require.NoError(t, err)
	assert.Equal(t, []string{"spoken words"}, tr.sends)

	tr.transcript = "   "
	_, err = c.SendVoice(context.Background(), strings.NewReader("audio"), "clip.webm")
	assert.ErrorIs(t, err, ErrEmptyTranscript)
}

func TestListenAppliesPushedMessages(t *testing.T) {
	tr := newFakeTransport()
	c := newController(t, tr)
	require.NoError(t, c.Init(context.Background()))

	pushed := message.RawMessage{ID: "p1", Role: message.RoleModel, Content: "pushed", Timestamp: serverBase}
	rcv := fakeReceiver{msgs: []message.RawMessage{
		pushed,
		pushed,
		{ID: "", Role: message.RoleModel, Content: "no id"},
	}}
	require.NoError(t, c.Listen(context.Background(), rcv))

	msgs := c.Store().MessagesForRender()
	require.Len(t, msgs, 1)
	assert.Equal(t, "pushed", msgs[0].Content)
}

func TestReplyWithEarlyTimestampLandsAtTail(t *testing.T) {
	tr := newFakeTransport()
	// the backend clock runs behind this client
	tr.replyAt = func(int) time.Time { return localNow.Add(-time.Hour) }
	c := newController(t, tr)
	require.NoError(t, c.Init(context.Background()))

	_, err := c.Send(context.Background(), "hello")
	require.NoError(t, err)

	msgs := c.Store().MessagesForRender()
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"hello", "re: hello"}, contents(msgs))
}
