// Package terminal is a line-oriented chat client. It plays every
// collaborator role a session needs: prompter, navigator and view.
package terminal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"roomchat/internal/content"
	"roomchat/internal/directory"
	"roomchat/internal/models"
	"roomchat/internal/session"

	"github.com/rs/zerolog"
)

const helpText = `Commands:
  /join <room>             enter a room
  /public                  enter the public room
  /new                     create a room and enter it
  /delete [room]           delete a room (default: the current one)
  /color <#rrggbb>         change your message color
  /prefs <handle> [color]  set handle (once) and color
  /rooms                   list your rooms
  /link                    print a link to the current room
  /leave                   leave the current room
  /help                    show this help
  /quit                    exit
Anything else is sent to the current room.`

type Config struct {
	// Self is the local user id, used to mark own messages.
	Self    string
	BaseURL string
	// Styled enables ANSI colors and OSC 8 hyperlinks.
	Styled bool
	Logger *zerolog.Logger
}

type Terminal struct {
	cfg    Config
	logger zerolog.Logger
	lines  chan string

	// Set by Run.
	ctx     context.Context
	session *session.Session

	mu           sync.Mutex
	out          io.Writer
	renderedRoom string
	shown        []string
	rooms        []string
}

var (
	_ session.Prompter  = (*Terminal)(nil)
	_ session.Navigator = (*Terminal)(nil)
	_ session.View      = (*Terminal)(nil)
)

func New(in io.Reader, out io.Writer, cfg Config) *Terminal {
	t := &Terminal{
		cfg:    cfg,
		logger: zerolog.Nop(),
		lines:  make(chan string),
		ctx:    context.Background(),
		out:    out,
	}
	if cfg.Logger != nil {
		t.logger = *cfg.Logger
	}

	go t.readLines(in)
	return t
}

func (t *Terminal) readLines(in io.Reader) {
	defer close(t.lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		t.lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		t.logger.Error().Err(err).Msg("read input")
	}
}

func (t *Terminal) println(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format+"\n", args...)
}

// Run navigates to startPath and then handles input lines until /quit, end
// of input or the end of ctx.
func (t *Terminal) Run(ctx context.Context, s *session.Session, startPath string) error {
	t.ctx = ctx
	t.session = s
	defer s.Leave()

	t.println("Type /help for commands.")
	t.GoTo(startPath)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.lines:
			if !ok {
				return nil
			}
			if quit := t.handleLine(ctx, line); quit {
				return nil
			}
		}
	}
}

func (t *Terminal) handleLine(ctx context.Context, line string) bool {
	if !strings.HasPrefix(line, "/") {
		t.send(ctx, line)
		return false
	}

	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit":
		return true
	case "/help":
		t.println(helpText)
	case "/join":
		if arg == "" {
			t.println("Usage: /join <room>")
			break
		}
		t.GoTo(session.RoomPath(arg))
	case "/public":
		t.GoTo(session.RoomPath(directory.PublicRoom))
	case "/leave":
		t.GoTo(session.LandingPath)
	case "/new":
		if _, err := t.session.CreateRoom(ctx); err != nil {
			t.println("Could not create a room.")
		}
	case "/delete":
		roomID := arg
		if roomID == "" {
			roomID = t.session.RoomID()
		}
		if roomID == "" {
			t.println("Usage: /delete <room>")
			break
		}
		if err := t.session.Delete(ctx, roomID); err != nil {
			t.logger.Error().Err(err).Str("room", roomID).Msg("delete room")
			var remote *session.RemoteStoreError
			if errors.As(err, &remote) {
				t.println("Room removed from your list, but the server could not be updated.")
			} else {
				t.println("Could not save your room list.")
			}
		}
	case "/color":
		color, err := t.session.SetColor(arg)
		if err != nil {
			t.println("Could not save color.")
			break
		}
		t.println("Color set to %s.", color)
	case "/prefs":
		handle, color, _ := strings.Cut(arg, " ")
		ident, err := t.session.SavePrefs(handle, strings.TrimSpace(color))
		if err != nil {
			t.println("Usage: /prefs <handle> [color]")
			break
		}
		t.println("You are %s (%s).", ident.Handle, ident.Color)
	case "/rooms":
		t.mu.Lock()
		rooms := slices.Clone(t.rooms)
		t.mu.Unlock()
		t.printRooms(rooms)
	case "/link":
		if link := t.session.RoomLink(t.cfg.BaseURL); link != "" {
			t.println("%s", link)
		} else {
			t.println("You are not in a room.")
		}
	default:
		t.println("Unknown command %s. Type /help.", cmd)
	}
	return false
}

func (t *Terminal) send(ctx context.Context, text string) {
	if t.session.State() != session.Bound {
		t.println("Join a room first: /join <room>, /public or /new.")
		return
	}

	err := t.session.Send(ctx, text)
	switch {
	case err == nil, errors.Is(err, session.ErrEmptyInput):
	default:
		// The View already shows a notice for store failures.
		t.logger.Debug().Err(err).Msg("send")
	}
}

// GoTo enters the room a path names, or leaves to the landing view.
func (t *Terminal) GoTo(path string) {
	if roomID, ok := session.ParsePath(path); ok {
		err := t.session.Enter(t.ctx, roomID)
		switch {
		case err == nil:
			t.println("Joined room %s.", roomID)
		case errors.Is(err, directory.ErrInvalidRoomID):
			t.println("Room codes are letters and digits only.")
		case errors.Is(err, session.ErrHandleRequired):
		default:
			t.logger.Error().Err(err).Str("room", roomID).Msg("enter room")
		}
	} else {
		t.session.Leave()
		t.resetRender()
		t.println("You are not in a room. Use /join <room>, /public or /new.")
	}
	t.session.Navigated()
}

func (t *Terminal) Confirm(message string) bool {
	t.println("%s [y/N]", message)
	var line string
	select {
	case l, ok := <-t.lines:
		if !ok {
			return false
		}
		line = l
	case <-t.ctx.Done():
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func (t *Terminal) Alert(message string) {
	t.println("! %s", message)
}

func (t *Terminal) PromptText(ctx context.Context, message string) (string, bool) {
	t.println("%s", message)
	select {
	case line, ok := <-t.lines:
		return line, ok
	case <-ctx.Done():
		return "", false
	}
}

func (t *Terminal) Notice(message string) {
	t.println("* %s", message)
}

func (t *Terminal) RoomsChanged(rooms []string) {
	t.mu.Lock()
	changed := !slices.Equal(t.rooms, rooms)
	t.rooms = slices.Clone(rooms)
	t.mu.Unlock()

	if changed {
		t.printRooms(rooms)
	}
}

func (t *Terminal) printRooms(rooms []string) {
	if len(rooms) == 0 {
		t.println("Rooms: (none)")
		return
	}
	t.println("Rooms: %s", strings.Join(rooms, ", "))
}

func (t *Terminal) resetRender() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.renderedRoom = ""
	t.shown = nil
}

// Render prints the messages of the snapshot that are not on screen yet.
// A snapshot that drops or reorders shown messages is printed in full.
func (t *Terminal) Render(roomID string, messages []models.Message) {
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	from := 0
	switch {
	case roomID != t.renderedRoom:
		fmt.Fprintf(t.out, "--- %s ---\n", roomID)
	case len(t.shown) <= len(ids) && slices.Equal(t.shown, ids[:len(t.shown)]):
		from = len(t.shown)
	default:
		fmt.Fprintf(t.out, "--- %s (history updated) ---\n", roomID)
	}

	for _, m := range messages[from:] {
		fmt.Fprintln(t.out, t.formatMessage(m))
	}
	t.renderedRoom = roomID
	t.shown = ids
}

func (t *Terminal) formatMessage(m models.Message) string {
	handle := stripControl(m.AuthorHandle)
	if t.cfg.Self != "" && m.AuthorUserID == t.cfg.Self {
		handle += " (you)"
	}
	if t.cfg.Styled {
		handle = colorize(m.Color, handle)
	}

	text := content.Linkify(stripControl(m.Text), t.link)
	return fmt.Sprintf("[%s] %s: %s", m.Timestamp.Local().Format("15:04"), handle, text)
}

func (t *Terminal) link(href, label string) string {
	if !t.cfg.Styled {
		return href
	}
	return "\x1b]8;;" + href + "\x1b\\" + label + "\x1b]8;;\x1b\\"
}

// stripControl drops C0 and C1 control characters so message content cannot
// emit terminal escape sequences.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

func colorize(color, text string) string {
	hex := strings.TrimPrefix(color, "#")
	if len(hex) != 6 {
		return text
	}
	rgb, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return text
	}
	return fmt.Sprintf("\x1b[38;2;%d;%d;%dm%s\x1b[0m", rgb>>16, (rgb>>8)&0xff, rgb&0xff, text)
}
