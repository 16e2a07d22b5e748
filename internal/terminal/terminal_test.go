package terminal

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"roomchat/internal/directory"
	"roomchat/internal/identity"
	"roomchat/internal/models"
	"roomchat/internal/msglog"
	"roomchat/internal/prefs"
	"roomchat/internal/session"
	"roomchat/internal/storage"

	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	store *storage.BboltStore
	dir   *directory.Directory
	sess  *session.Session
	out   *syncBuffer
	in    *io.PipeWriter
	done  chan error
}

func start(t *testing.T, startPath string) *harness {
	t.Helper()

	store, err := storage.NewBboltStore(filepath.Join(t.TempDir(), "log.db"), storage.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	p := prefs.NewMemoryStore()
	ids := identity.New(p, identity.Config{})
	dir := directory.New(p)

	inR, inW := io.Pipe()
	out := &syncBuffer{}
	term := New(inR, out, Config{Self: ids.UserID(), BaseURL: "http://chat.local"})

	sess := session.New(session.Config{
		Identity:  ids,
		Directory: dir,
		Log:       msglog.New(store, nil),
		Prompter:  term,
		Navigator: term,
		View:      term,
	})

	h := &harness{store: store, dir: dir, sess: sess, out: out, in: inW, done: make(chan error, 1)}
	go func() { h.done <- term.Run(context.Background(), sess, startPath) }()
	t.Cleanup(func() {
		_ = inW.Close()
		<-h.done
	})
	return h
}

func (h *harness) write(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(h.in, line+"\n")
	require.NoError(t, err)
}

func (h *harness) waitOutput(t *testing.T, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Contains(h.out.String(), want)
	}, 2*time.Second, 10*time.Millisecond, "output never contained %q:\n%s", want, h.out.String())
}

func TestRun_ChatInPublicRoom(t *testing.T) {
	h := start(t, session.RoomPath(directory.PublicRoom))

	h.waitOutput(t, session.HandlePrompt)
	h.write(t, "alice")
	h.waitOutput(t, "Joined room public.")
	h.waitOutput(t, "Rooms: public")

	h.write(t, "hello www.example.com")
	h.waitOutput(t, "alice (you): hello https://www.example.com")

	_, err := h.store.Insert(context.Background(), models.Message{
		RoomID:       directory.PublicRoom,
		AuthorUserID: "someone-else",
		AuthorHandle: "bob",
		Text:         "hi alice",
	})
	require.NoError(t, err)
	h.waitOutput(t, "bob: hi alice")

	h.write(t, "/link")
	h.waitOutput(t, "http://chat.local/room/public")

	h.write(t, "/quit")
	select {
	case err := <-h.done:
		require.NoError(t, err)
		h.done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after /quit")
	}
	require.Equal(t, session.Unbound, h.sess.State())
}

func TestRun_HandleRequired(t *testing.T) {
	h := start(t, session.RoomPath(directory.PublicRoom))

	h.waitOutput(t, session.HandlePrompt)
	h.write(t, "   ")
	h.waitOutput(t, "! "+session.HandleRequiredNotice)
	require.Equal(t, session.Unbound, h.sess.State())

	h.write(t, "typing into nowhere")
	h.waitOutput(t, "Join a room first")
}

func TestRun_CreateAndDeleteRoom(t *testing.T) {
	h := start(t, session.LandingPath)
	h.waitOutput(t, "You are not in a room.")

	h.write(t, "/new")
	h.waitOutput(t, session.HandlePrompt)
	h.write(t, "alice")
	h.waitOutput(t, "Joined room")

	roomID := h.sess.RoomID()
	require.Len(t, roomID, directory.RoomIDLength)
	meta, err := h.store.RoomMeta(context.Background(), roomID)
	require.NoError(t, err)
	require.NotEmpty(t, meta.CreatedBy)

	h.write(t, "mine")
	h.waitOutput(t, "alice (you): mine")

	h.write(t, "/delete")
	h.waitOutput(t, "[y/N]")
	h.write(t, "y")
	h.waitOutput(t, "! "+session.OwnerPurgeNotice)

	require.Eventually(t, func() bool {
		_, err := h.store.RoomMeta(context.Background(), roomID)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	msgs, err := h.store.List(context.Background(), roomID)
	require.NoError(t, err)
	require.Empty(t, msgs)

	rooms, err := h.dir.List()
	require.NoError(t, err)
	require.NotContains(t, rooms, roomID)
	require.Equal(t, session.Unbound, h.sess.State())
}

func TestRun_UnknownCommand(t *testing.T) {
	h := start(t, session.LandingPath)
	h.write(t, "/shout")
	h.waitOutput(t, "Unknown command /shout.")

	h.write(t, "/join")
	h.waitOutput(t, "Usage: /join <room>")

	h.write(t, "/join bad-room!")
	h.waitOutput(t, "Room codes are letters and digits only.")
}

func TestRender(t *testing.T) {
	out := &syncBuffer{}
	term := New(strings.NewReader(""), out, Config{Self: "u1"})

	at := time.Date(2024, 1, 2, 15, 4, 0, 0, time.Local)
	m1 := models.Message{ID: "1", AuthorUserID: "u1", AuthorHandle: "alice", Text: "one", Timestamp: at}
	m2 := models.Message{ID: "2", AuthorUserID: "u2", AuthorHandle: "bob", Text: "two", Timestamp: at}

	term.Render("r1", []models.Message{m1})
	term.Render("r1", []models.Message{m1, m2})
	require.Equal(t, "--- r1 ---\n[15:04] alice (you): one\n[15:04] bob: two\n", out.String())

	term.Render("r1", []models.Message{m2})
	require.True(t, strings.HasSuffix(out.String(), "--- r1 (history updated) ---\n[15:04] bob: two\n"))

	term.Render("r2", nil)
	require.True(t, strings.HasSuffix(out.String(), "--- r2 ---\n"))
}

func TestFormatMessage_Styled(t *testing.T) {
	term := New(strings.NewReader(""), io.Discard, Config{Styled: true})
	line := term.formatMessage(models.Message{
		AuthorHandle: "bob",
		Color:        "#ff8000",
		Text:         "www.x.io",
		Timestamp:    time.Date(2024, 1, 2, 9, 5, 0, 0, time.Local),
	})
	require.Equal(t, "[09:05] \x1b[38;2;255;128;0mbob\x1b[0m: \x1b]8;;https://www.x.io\x1b\\www.x.io\x1b]8;;\x1b\\", line)
}

func TestFormatMessage_StripsControl(t *testing.T) {
	term := New(strings.NewReader(""), io.Discard, Config{Self: "u1"})
	line := term.formatMessage(models.Message{
		AuthorUserID: "u2",
		AuthorHandle: "mallory\x1b[2J",
		Text:         "hi\x1b]0;pwned\x07\x1b[31m \u009b1m\r\nbye",
		Timestamp:    time.Date(2024, 1, 2, 0, 0, 0, 0, time.Local),
	})
	require.Equal(t, "[00:00] mallory[2J: hi]0;pwned[31m 1mbye", line)
	require.NotContains(t, line, "\x1b")
}

func TestFormatMessage_StyledStripsForeignSequences(t *testing.T) {
	term := New(strings.NewReader(""), io.Discard, Config{Self: "u1", Styled: true})
	line := term.formatMessage(models.Message{
		AuthorUserID: "u2",
		AuthorHandle: "eve\x1b]8;;http://evil\x1b\\",
		Color:        "#ff0000",
		Text:         "x\x1b[2Ky",
		Timestamp:    time.Date(2024, 1, 2, 0, 0, 0, 0, time.Local),
	})
	require.Equal(t, "[00:00] \x1b[38;2;255;0;0meve]8;;http://evil\\\x1b[0m: x[2Ky", line)
}

func TestFormatMessage_Self(t *testing.T) {
	anon := New(strings.NewReader(""), io.Discard, Config{})
	require.NotContains(t, anon.formatMessage(models.Message{AuthorHandle: "bob"}), "(you)")

	me := New(strings.NewReader(""), io.Discard, Config{Self: "u1"})
	require.Contains(t, me.formatMessage(models.Message{AuthorUserID: "u1", AuthorHandle: "bob"}), "bob (you)")
}

func TestConfirm_Cancelled(t *testing.T) {
	inR, inW := io.Pipe()
	t.Cleanup(func() { _ = inW.Close() })

	term := New(inR, io.Discard, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	term.ctx = ctx

	answer := make(chan bool, 1)
	go func() { answer <- term.Confirm("Delete?") }()

	cancel()
	select {
	case ok := <-answer:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Confirm ignored cancellation")
	}
}

func TestColorize(t *testing.T) {
	require.Equal(t, "x", colorize("", "x"))
	require.Equal(t, "x", colorize("#zzzzzz", "x"))
	require.Equal(t, "\x1b[38;2;0;0;255mx\x1b[0m", colorize("#0000ff", "x"))
}
