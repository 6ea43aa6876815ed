package storage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/convostore/internal/message"
	"github.com/entrepeneur4lyf/convostore/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChatStore(t *testing.T) ChatStore {
	t.Helper()
	cs, err := NewChatStore(filepath.Join(t.TempDir(), "chat.db"), log.New(io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })
	return cs
}

func seed(t *testing.T, cs ChatStore, convID string, n int) {
	t.Helper()
	ctx := context.Background()
	_, err := cs.EnsureConversation(ctx, convID)
	require.NoError(t, err)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= n; i++ {
		role := message.RoleUser
		if i%2 == 0 {
			role = message.RoleModel
		}
		require.NoError(t, cs.SaveMessage(ctx, &Message{
			ID:             fmt.Sprintf("m%02d", i),
			ConversationID: convID,
			Role:           role,
			Content:        fmt.Sprintf("message %d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}))
	}
}

func pageIDs(p *MessagePage) []string {
	out := make([]string, len(p.Messages))
	for i, m := range p.Messages {
		out[i] = m.ID
	}
	return out
}

func TestGetMessagesPage(t *testing.T) {
	cs := newTestChatStore(t)
	seed(t, cs, "c1", 5)
	ctx := context.Background()

	tests := []struct {
		name    string
		page    int
		want    []string
		hasMore bool
	}{
		{"newest window first", 1, []string{"m04", "m05"}, true},
		{"second window", 2, []string{"m02", "m03"}, true},
		{"last partial window", 3, []string{"m01"}, false},
		{"past the end", 4, []string{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := cs.GetMessagesPage(ctx, "c1", tt.page, 2)
			require.NoError(t, err)
			assert.Equal(t, tt.want, pageIDs(p))
			assert.Equal(t, tt.hasMore, p.HasMore)
			assert.Equal(t, 5, p.TotalCount)
		})
	}

	_, err := cs.GetMessagesPage(ctx, "c1", 0, 2)
	assert.ErrorIs(t, err, ErrInvalidPage)
}

func TestSaveMessage(t *testing.T) {
	cs := newTestChatStore(t)
	ctx := context.Background()
	seed(t, cs, "c1", 1)

	t.Run("assistant role is stored as model", func(t *testing.T) {
		m := &Message{ID: "a1", ConversationID: "c1", Role: "assistant", Content: "hi",
			Metadata: map[string]any{"provider": "echo"}}
		require.NoError(t, cs.SaveMessage(ctx, m))

		latest, err := cs.GetLatestMessages(ctx, "c1", 1)
		require.NoError(t, err)
		require.Len(t, latest, 1)
		assert.Equal(t, message.RoleModel, latest[0].Role)
		assert.Equal(t, "echo", latest[0].Metadata["provider"])
	})

	t.Run("saving an id twice updates in place", func(t *testing.T) {
		require.NoError(t, cs.SaveMessage(ctx, &Message{ID: "a1", ConversationID: "c1", Role: "model", Content: "edited"}))
		c, err := cs.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, 2, c.MessageCount)

		latest, err := cs.GetLatestMessages(ctx, "c1", 5)
		require.NoError(t, err)
		assert.Equal(t, "edited", latest[len(latest)-1].Content)
	})

	t.Run("gets one message", func(t *testing.T) {
		m, err := cs.GetMessage(ctx, "c1", "a1")
		require.NoError(t, err)
		assert.Equal(t, "edited", m.Content)
		assert.Equal(t, message.RoleModel, m.Role)

		_, err = cs.GetMessage(ctx, "c1", "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = cs.GetMessage(ctx, "other", "a1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("rejects bad input", func(t *testing.T) {
		assert.ErrorIs(t, cs.SaveMessage(ctx, &Message{ConversationID: "c1", Role: "user"}), message.ErrMissingID)
		assert.ErrorIs(t, cs.SaveMessage(ctx, &Message{ID: "x", ConversationID: "c1", Role: "system"}), message.ErrUnknownRole)
	})
}

func TestConversations(t *testing.T) {
	cs := newTestChatStore(t)
	ctx := context.Background()

	_, err := cs.GetConversation(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	seed(t, cs, "old", 1)
	seed(t, cs, "new", 3)

	list, err := cs.ListConversations(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "message 3", list[0].LastMessage)
	assert.Equal(t, 3, list[0].MessageCount)

	again, err := cs.EnsureConversation(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, 3, again.MessageCount)

	require.NoError(t, cs.DeleteConversation(ctx, "new"))
	stats, err := cs.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Stats{Conversations: 1, Messages: 1}, stats)
}

func TestSnapshots(t *testing.T) {
	cs := newTestChatStore(t)
	ctx := context.Background()
	_, err := cs.EnsureConversation(ctx, "c1")
	require.NoError(t, err)

	none, err := cs.LoadSnapshot(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, none)

	taken := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	snap := store.Snapshot{
		ConversationID: "c1",
		Messages: []message.Message{
			message.NewPending("tmp-1", "hello", taken),
		},
		Attempts:    map[string]int{"tmp-1": 2},
		Cursor:      store.Cursor{CurrentPage: 1, PageSize: 20, HasMoreMessages: true},
		Initialized: true,
		TakenAt:     taken,
	}
	require.NoError(t, cs.SaveSnapshot(ctx, snap))

	snap.Cursor.CurrentPage = 2
	require.NoError(t, cs.SaveSnapshot(ctx, snap))

	got, err := cs.LoadSnapshot(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Cursor.CurrentPage)
	assert.Equal(t, 2, got.Attempts["tmp-1"])
	require.Len(t, got.Messages, 1)
	assert.Equal(t, message.StatePending, got.Messages[0].State)
	assert.True(t, taken.Equal(got.TakenAt))

	stats, err := cs.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Snapshots)

	assert.Error(t, cs.SaveSnapshot(ctx, store.Snapshot{}))
}

func TestToRaw(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	raw := ToRaw(Message{ID: "m1", Role: "model", Content: "x", CreatedAt: ts})
	assert.Equal(t, message.RawMessage{ID: "m1", Role: "model", Content: "x", Timestamp: ts}, raw)
}

func TestPathManager(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	pm := NewPathManagerAt(dir)

	db, err := pm.GetDatabasePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "convostore.db"), db)
	assert.DirExists(t, dir)

	state, err := pm.GetStatePath()
	require.NoError(t, err)
	assert.Equal(t, "state.toml", filepath.Base(state))
	assert.Equal(t, dir, pm.GetPlatformInfo()["data_dir"])
}
