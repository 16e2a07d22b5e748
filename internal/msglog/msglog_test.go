package msglog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"roomchat/internal/models"
	"roomchat/internal/storage"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *storage.BboltStore) {
	t.Helper()
	store, err := storage.NewBboltStore(filepath.Join(t.TempDir(), "log.db"), storage.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, nil), store
}

func next(t *testing.T, sub *Subscription) []models.Message {
	t.Helper()
	select {
	case snapshot, ok := <-sub.Updates():
		require.True(t, ok, "subscription closed")
		return snapshot
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for snapshot")
		return nil
	}
}

func TestBind_Exclusive(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	subA, err := c.Bind(ctx, "a")
	require.NoError(t, err)
	require.Empty(t, next(t, subA))

	subB, err := c.Bind(ctx, "b")
	require.NoError(t, err)
	require.Same(t, subB, c.Current())
	require.Empty(t, next(t, subB))

	_, err = c.Append(ctx, "a", "u1", "alice", "into a", "#000")
	require.NoError(t, err)

	_, ok := <-subA.Updates()
	require.False(t, ok, "old subscription still delivering")

	select {
	case snapshot := <-subB.Updates():
		t.Fatalf("room b saw a write to room a: %v", snapshot)
	case <-time.After(50 * time.Millisecond):
	}

	_, err = c.Append(ctx, "b", "u1", "alice", "into b", "#000")
	require.NoError(t, err)
	snapshot := next(t, subB)
	require.Len(t, snapshot, 1)
	require.Equal(t, "into b", snapshot[0].Text)
	require.Equal(t, "b", snapshot[0].RoomID)
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	c.Release()

	sub, err := c.Bind(ctx, "a")
	require.NoError(t, err)
	c.Release()
	require.Nil(t, c.Current())

	_, ok := <-sub.Updates()
	require.False(t, ok)

	// Closing twice is harmless.
	sub.Close()
}

func TestAppend(t *testing.T) {
	ctx := context.Background()
	c, store := newTestClient(t)

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := c.Append(ctx, "a", "u1", "alice", text, "#000")
		require.ErrorIs(t, err, ErrEmptyText)
	}
	msgs, err := store.List(ctx, "a")
	require.NoError(t, err)
	require.Empty(t, msgs)

	msg, err := c.Append(ctx, "a", "u1", "alice", "hello", "#abcdef")
	require.NoError(t, err)
	require.Equal(t, "u1", msg.AuthorUserID)
	require.Equal(t, "alice", msg.AuthorHandle)
	require.Equal(t, "#abcdef", msg.Color)
	require.False(t, msg.Timestamp.IsZero())
}

func TestSenderSeesOwnMessage(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	sub, err := c.Bind(ctx, "a")
	require.NoError(t, err)
	require.Empty(t, next(t, sub))

	_, err = c.Append(ctx, "a", "u1", "alice", "echo", "#000")
	require.NoError(t, err)
	snapshot := next(t, sub)
	require.Len(t, snapshot, 1)
	require.Equal(t, "echo", snapshot[0].Text)
}

func TestDeleteAll(t *testing.T) {
	ctx := context.Background()
	c, store := newTestClient(t)

	for range 20 {
		_, err := c.Append(ctx, "a", "u1", "alice", "x", "#000")
		require.NoError(t, err)
	}
	_, err := c.Append(ctx, "b", "u1", "alice", "keep", "#000")
	require.NoError(t, err)

	require.NoError(t, c.DeleteAll(ctx, "a"))

	msgs, err := store.List(ctx, "a")
	require.NoError(t, err)
	require.Empty(t, msgs)

	msgs, err = store.List(ctx, "b")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, c.DeleteAll(ctx, "empty"))
}

type failingDeleteStore struct {
	storage.Store
	fail map[string]bool
}

func (s *failingDeleteStore) Delete(ctx context.Context, roomID, messageID string) error {
	if s.fail[messageID] {
		return errors.New("boom")
	}
	return s.Store.Delete(ctx, roomID, messageID)
}

func TestDeleteAll_ReportsEveryFailure(t *testing.T) {
	ctx := context.Background()
	_, store := newTestClient(t)

	fail := make(map[string]bool)
	for i := range 5 {
		msg, err := store.Insert(ctx, models.Message{RoomID: "a", Text: "x"})
		require.NoError(t, err)
		if i%2 == 0 {
			fail[msg.ID] = true
		}
	}

	c := New(&failingDeleteStore{Store: store, fail: fail}, nil)
	err := c.DeleteAll(ctx, "a")
	require.Error(t, err)
	for id := range fail {
		require.ErrorContains(t, err, id)
	}

	msgs, err := store.List(ctx, "a")
	require.NoError(t, err)
	require.Len(t, msgs, len(fail))
}

func TestClaimRoom(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	meta, err := c.ClaimRoom(ctx, "a", "u1")
	require.NoError(t, err)
	require.Equal(t, "u1", meta.CreatedBy)

	meta, err = c.ClaimRoom(ctx, "a", "u2")
	require.NoError(t, err)
	require.Equal(t, "u1", meta.CreatedBy)

	require.NoError(t, c.DeleteRoomMeta(ctx, "a"))
	_, err = c.RoomMeta(ctx, "a")
	require.ErrorIs(t, err, models.ErrNotFound)
}
