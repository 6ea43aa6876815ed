package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/convostore/internal/api"
	"github.com/entrepeneur4lyf/convostore/internal/message"
	"github.com/entrepeneur4lyf/convostore/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = RetryOptions{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	chats, err := storage.NewChatStore(filepath.Join(t.TempDir(), "chat.db"), log.New(io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { chats.Close() })

	srv := api.NewServer(api.Options{Chats: chats, Logger: log.New(io.Discard)})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func newClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(Options{
		BaseURL:        baseURL,
		ConversationID: "c1",
		Retry:          fastRetry,
		Logger:         log.New(io.Discard),
	})
	require.NoError(t, err)
	return c
}

func pending(content string) message.Message {
	return message.NewPending(message.NewTempID(), content, time.Now())
}

func TestNew(t *testing.T) {
	for _, bad := range []string{"", "localhost:8080", "ftp://host", "http://"} {
		_, err := New(Options{BaseURL: bad})
		assert.ErrorIs(t, err, ErrInvalidBaseURL, bad)
	}

	c, err := New(Options{BaseURL: "https://chat.example.com/base/"})
	require.NoError(t, err)
	assert.Equal(t, "default", c.ConversationID())
	assert.Equal(t, "wss://chat.example.com/base/api/conversations/default/stream", c.StreamURL())
}

func TestSendAndFetch(t *testing.T) {
	ts := newBackend(t)
	c := newClient(t, ts.URL)
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	res, err := c.SendMessage(ctx, pending("hello"), nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "echo: hello", res.Response)
	assert.NotEmpty(t, res.ServerMessageID)
	require.NotNil(t, res.Reply)

	page, err := c.FetchHistoryPage(ctx, 1, 10)
	require.NoError(t, err)
	assert.True(t, page.Success)
	assert.False(t, page.HasMore)
	require.Len(t, page.History, 2)
	assert.Equal(t, res.ServerMessageID, page.History[0].ID)
	assert.Equal(t, res.Reply.ID, page.History[1].ID)
}

func TestSendCarriesContext(t *testing.T) {
	var got api.SendRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/conversations/c1/messages", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(api.SendResponse{Success: true, ServerMessageID: "s1"})
	}))
	defer ts.Close()

	sent := message.NewReceived("a1", "earlier", time.Unix(100, 0).UTC(), nil)
	res, err := newClient(t, ts.URL).SendMessage(context.Background(), pending("now"), []message.Message{sent})
	require.NoError(t, err)
	assert.Equal(t, "s1", res.ServerMessageID)

	assert.Equal(t, "now", got.Content)
	assert.Empty(t, got.MessageID)
	require.Len(t, got.Context, 1)
	assert.Equal(t, "a1", got.Context[0].ID)
	assert.Equal(t, message.RoleModel, got.Context[0].Role)

	// a retry of a message the backend already saved names that row
	retry := pending("now")
	retry.ServerID = "s0"
	_, err = newClient(t, ts.URL).SendMessage(context.Background(), retry, nil)
	require.NoError(t, err)
	assert.Equal(t, "s0", got.MessageID)
}

func TestSendIsNotRetriedOnServerError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"success":false,"serverMessageId":"s1","error":"assistant unavailable"}`))
	}))
	defer ts.Close()

	res, err := newClient(t, ts.URL).SendMessage(context.Background(), pending("hello"), nil)
	require.Error(t, err)
	assert.Equal(t, "s1", res.ServerMessageID)
	assert.False(t, res.Success)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.Equal(t, "assistant unavailable", se.Message)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(api.SendResponse{Success: true, ServerMessageID: "s1"})
	}))
	defer ts.Close()

	res, err := newClient(t, ts.URL).SendMessage(context.Background(), pending("hello"), nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchRetriesServerErrors(t *testing.T) {
	tests := []struct {
		name      string
		failures  int32
		status    int
		wantErr   bool
		wantCalls int32
	}{
		{"recovers", 2, http.StatusServiceUnavailable, false, 3},
		{"gives up", 5, http.StatusServiceUnavailable, true, 3},
		{"not retryable", 5, http.StatusBadRequest, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) <= tt.failures {
					w.WriteHeader(tt.status)
					return
				}
				assert.Equal(t, "2", r.URL.Query().Get("page"))
				json.NewEncoder(w).Encode(api.HistoryResponse{Success: true, HasMore: true})
			}))
			defer ts.Close()

			page, err := newClient(t, ts.URL).FetchHistoryPage(context.Background(), 2, 20)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.status, StatusCode(err))
			} else {
				require.NoError(t, err)
				assert.True(t, page.HasMore)
			}
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestTranscribeAudio(t *testing.T) {
	ts := newBackend(t)
	_, err := newClient(t, ts.URL).TranscribeAudio(context.Background(), strings.NewReader("audio"), "clip.webm")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotImplemented, StatusCode(err))

	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("audio")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		json.NewEncoder(w).Encode(api.TranscribeResponse{Success: true, Transcript: header.Filename + ":" + string(data)})
	}))
	defer echo.Close()

	text, err := newClient(t, echo.URL).TranscribeAudio(context.Background(), strings.NewReader("audio"), "clip.webm")
	require.NoError(t, err)
	assert.Equal(t, "clip.webm:audio", text)
}

func streamCount(baseURL string) float64 {
	resp, err := http.Get(baseURL + "/api/health")
	if err != nil {
		return -1
	}
	defer resp.Body.Close()
	var body map[string]any
	if json.NewDecoder(resp.Body).Decode(&body) != nil {
		return -1
	}
	n, _ := body["streams"].(float64)
	return n
}

func TestReceive(t *testing.T) {
	ts := newBackend(t)
	c := newClient(t, ts.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.Receive(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return streamCount(ts.URL) == 1 }, 2*time.Second, 10*time.Millisecond)

	res, err := c.SendMessage(context.Background(), pending("ping over http"), nil)
	require.NoError(t, err)

	select {
	case raw := <-ch:
		assert.Equal(t, res.Reply.ID, raw.ID)
		assert.Equal(t, "echo: ping over http", raw.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream channel not closed")
	}
}

func TestReceiveDialFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	ts.Close()

	_, err := newClient(t, ts.URL).Receive(context.Background())
	require.Error(t, err)
}
