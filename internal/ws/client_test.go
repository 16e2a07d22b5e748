package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"roomchat/internal/models"
	"roomchat/internal/msglog"
	"roomchat/internal/storage"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	url   string
	hub   *Hub
	store *storage.BboltStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := storage.NewBboltStore(filepath.Join(t.TempDir(), "log.db"), storage.Config{})
	require.NoError(t, err)

	hub := NewHub(store, nil)
	srv := httptest.NewServer(http.HandlerFunc(NewServer(hub, nil).HandleConnections))
	t.Cleanup(func() {
		srv.Close()
		_ = store.Close()
	})

	return &testServer{
		url:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		hub:   hub,
		store: store,
	}
}

func (s *testServer) dial(t *testing.T) *RemoteStore {
	t.Helper()
	client, err := Dial(context.Background(), s.url, ClientConfig{RequestTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func receive(t *testing.T, ch <-chan []models.Message) []models.Message {
	t.Helper()
	select {
	case snapshot, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return snapshot
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for snapshot")
		return nil
	}
}

func TestRemoteStore_Requests(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	client := srv.dial(t)

	msg, err := client.Insert(ctx, models.Message{RoomID: "r1", AuthorHandle: "alice", Text: "hello"})
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	require.False(t, msg.Timestamp.IsZero())

	msgs, err := client.List(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, msg.ID, msgs[0].ID)
	require.True(t, msg.Timestamp.Equal(msgs[0].Timestamp))

	require.NoError(t, client.Delete(ctx, "r1", msg.ID))
	require.ErrorIs(t, client.Delete(ctx, "r1", msg.ID), models.ErrNotFound)

	_, err = client.RoomMeta(ctx, "r1")
	require.ErrorIs(t, err, models.ErrNotFound)

	meta, err := client.ClaimRoom(ctx, models.RoomMeta{RoomID: "r1", CreatedBy: "u1"})
	require.NoError(t, err)
	require.Equal(t, "u1", meta.CreatedBy)

	meta, err = client.ClaimRoom(ctx, models.RoomMeta{RoomID: "r1", CreatedBy: "u2"})
	require.NoError(t, err)
	require.Equal(t, "u1", meta.CreatedBy)

	require.NoError(t, client.DeleteRoomMeta(ctx, "r1"))
	_, err = srv.store.RoomMeta(ctx, "r1")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestRemoteStore_Watch(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.dial(t)
	bob := srv.dial(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := alice.Insert(ctx, models.Message{RoomID: "r1", Text: "first"})
	require.NoError(t, err)

	updates, err := bob.Watch(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, receive(t, updates), 1)

	_, err = alice.Insert(ctx, models.Message{RoomID: "r1", Text: "second"})
	require.NoError(t, err)
	snapshot := receive(t, updates)
	require.Len(t, snapshot, 2)
	require.Equal(t, "second", snapshot[1].Text)

	cancel()
	select {
	case _, ok := <-updates:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}

func TestRemoteStore_CloseEndsWatches(t *testing.T) {
	srv := newTestServer(t)
	client := srv.dial(t)

	updates, err := client.Watch(context.Background(), "r1")
	require.NoError(t, err)
	receive(t, updates)

	require.NoError(t, client.Close())

	select {
	case _, ok := <-updates:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("watch channel not closed after Close")
	}

	_, err = client.List(context.Background(), "r1")
	require.ErrorIs(t, err, ErrClosed)
}

func TestRemoteStore_ServerGone(t *testing.T) {
	srv := newTestServer(t)
	client := srv.dial(t)

	updates, err := client.Watch(context.Background(), "r1")
	require.NoError(t, err)
	receive(t, updates)

	// Dropping every connection on the server side.
	srv.hub.mu.RLock()
	conns := make([]*Connection, 0, len(srv.hub.conns))
	for c := range srv.hub.conns {
		conns = append(conns, c)
	}
	srv.hub.mu.RUnlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the lost connection")
	}

	_, err = client.Insert(context.Background(), models.Message{RoomID: "r1", Text: "lost"})
	require.ErrorIs(t, err, ErrClosed)
}

func TestRemoteStore_WithMessageLog(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	log := msglog.New(srv.dial(t), nil)
	other := msglog.New(srv.dial(t), nil)

	sub, err := log.Bind(ctx, "a")
	require.NoError(t, err)
	require.Empty(t, receive(t, sub.Updates()))

	_, err = other.Append(ctx, "a", "u2", "bob", "hi from bob", "#000")
	require.NoError(t, err)
	snapshot := receive(t, sub.Updates())
	require.Len(t, snapshot, 1)
	require.Equal(t, "bob", snapshot[0].AuthorHandle)

	subB, err := log.Bind(ctx, "b")
	require.NoError(t, err)
	receive(t, subB.Updates())

	_, ok := <-sub.Updates()
	require.False(t, ok)

	require.NoError(t, other.DeleteAll(ctx, "a"))
	msgs, err := srv.store.List(ctx, "a")
	require.NoError(t, err)
	require.Empty(t, msgs)

	log.Release()
}

func TestRemoteStore_WatchTimeoutUnwatches(t *testing.T) {
	frames := make(chan models.ClientFrame, 8)
	upgrader := websocket.Upgrader{}
	// The server reads frames and never replies.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var f models.ClientFrame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			frames <- f
		}
	}))
	t.Cleanup(srv.Close)

	client, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), ClientConfig{RequestTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.Watch(context.Background(), "r1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	next := func() models.ClientFrame {
		select {
		case f := <-frames:
			return f
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for frame")
			return models.ClientFrame{}
		}
	}

	watch := next()
	require.Equal(t, models.ClientFrameWatch, watch.Type)
	unwatch := next()
	require.Equal(t, models.ClientFrameUnwatch, unwatch.Type)
	require.Equal(t, watch.ReqID, unwatch.ReqID)
	require.Equal(t, "r1", unwatch.RoomID)
}
