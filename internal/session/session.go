// Package session drives one client's stay in chat rooms: identity
// resolution on entry, the single live subscription to the bound room,
// sending, and the room deletion protocol.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"roomchat/internal/directory"
	"roomchat/internal/identity"
	"roomchat/internal/models"
	"roomchat/internal/msglog"

	"github.com/rs/zerolog"
)

const (
	HandlePrompt         = "Enter your chat handle (cannot be changed later):"
	HandleRequiredNotice = "A handle is required to join the chat."
	OwnerPurgeNotice     = "You created this room: deleting it removes it and its history for everyone."
	SendFailedNotice     = "Message could not be sent."
	BindFailedNotice     = "Could not connect to the room."
)

var (
	ErrEmptyInput     = errors.New("input is empty")
	ErrRoomNotBound   = errors.New("no room is bound")
	ErrHandleRequired = errors.New("a handle is required to join")
	ErrNoFreeRoomID   = errors.New("no unclaimed room code found")
)

const createAttempts = 5

// RemoteStoreError wraps a failed operation against the message log store.
// Local state applied before the failure is kept.
type RemoteStoreError struct {
	Op     string
	RoomID string
	Err    error
}

func (e *RemoteStoreError) Error() string {
	return fmt.Sprintf("%s (room %s): %v", e.Op, e.RoomID, e.Err)
}

func (e *RemoteStoreError) Unwrap() error {
	return e.Err
}

type State int

const (
	Unbound State = iota
	Entering
	Bound
	Leaving
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Entering:
		return "entering"
	case Bound:
		return "bound"
	case Leaving:
		return "leaving"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Prompter asks the user things. Every call blocks until answered.
type Prompter interface {
	Confirm(message string) bool
	Alert(message string)
	// PromptText returns ok=false when the user cancels or ctx ends.
	PromptText(ctx context.Context, message string) (text string, ok bool)
}

// Navigator moves the client to a path (see RoomPath and LandingPath).
type Navigator interface {
	GoTo(path string)
}

// View receives what the user should see. Render is called with the session
// lock held and must not call back into the Session.
type View interface {
	Render(roomID string, messages []models.Message)
	RoomsChanged(rooms []string)
	Notice(message string)
}

type Config struct {
	Identity  *identity.Store
	Directory *directory.Directory
	Log       *msglog.Client
	Prompter  Prompter
	Navigator Navigator
	View      View
	Logger    *zerolog.Logger
	// NewRoomID generates room codes for CreateRoom. Defaults to directory.NewRoomID.
	NewRoomID func() string
}

type Session struct {
	ids    *identity.Store
	dir    *directory.Directory
	log    *msglog.Client
	prompt Prompter
	nav    Navigator
	view   View
	logger zerolog.Logger
	newID  func() string

	// transition serializes Enter and Leave.
	transition sync.Mutex

	mu          sync.Mutex
	state       State
	roomID      string
	ident       models.Identity
	gen         uint64
	forwardDone chan struct{}
}

func New(cfg Config) *Session {
	s := &Session{
		ids:    cfg.Identity,
		dir:    cfg.Directory,
		log:    cfg.Log,
		prompt: cfg.Prompter,
		nav:    cfg.Navigator,
		view:   cfg.View,
		logger: zerolog.Nop(),
		newID:  cfg.NewRoomID,
	}
	if s.newID == nil {
		s.newID = directory.NewRoomID
	}
	if cfg.Logger != nil {
		s.logger = *cfg.Logger
	}
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RoomID returns the room being entered or bound, or "".
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Identity returns the identity resolved on the last successful entry.
func (s *Session) Identity() models.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ident
}

// Enter tears down any current binding, resolves the local identity
// (prompting for a handle if none is locked yet), records the room in the
// directory and binds to its live message stream. The binding lives until
// Leave, the next Enter, or the end of ctx.
func (s *Session) Enter(ctx context.Context, roomID string) error {
	if !directory.ValidRoomID(roomID) {
		return directory.ErrInvalidRoomID
	}

	s.transition.Lock()
	defer s.transition.Unlock()

	s.leaveLocked()

	s.mu.Lock()
	s.state = Entering
	s.roomID = roomID
	s.mu.Unlock()

	ident, err := s.resolveIdentity(ctx)
	if err != nil {
		s.reset()
		return err
	}

	if err := s.dir.Add(roomID); err != nil {
		if errors.Is(err, directory.ErrCapacity) {
			s.prompt.Alert(directory.CapacityNotice)
		} else {
			s.logger.Error().Err(err).Str("room", roomID).Msg("add room to directory")
		}
	}
	s.refreshRooms()

	if roomID != directory.PublicRoom {
		if _, err := s.log.ClaimRoom(ctx, roomID, ident.UserID); err != nil {
			s.logger.Warn().Err(err).Str("room", roomID).Msg("claim room")
		}
	}

	sub, err := s.log.Bind(ctx, roomID)
	if err != nil {
		s.reset()
		s.logger.Error().Err(err).Str("room", roomID).Msg("bind room")
		s.view.Notice(BindFailedNotice)
		return &RemoteStoreError{Op: "bind", RoomID: roomID, Err: err}
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.state = Bound
	s.ident = ident
	s.forwardDone = done
	s.mu.Unlock()

	go s.forward(gen, sub, done)

	s.logger.Info().Str("room", roomID).Str("handle", ident.Handle).Msg("entered room")
	return nil
}

// Leave releases the current binding. After it returns no further snapshot
// of the old room reaches the View.
func (s *Session) Leave() {
	s.transition.Lock()
	defer s.transition.Unlock()
	s.leaveLocked()
}

// leaveLocked must be called with s.transition held.
func (s *Session) leaveLocked() {
	s.mu.Lock()
	if s.state == Unbound {
		s.mu.Unlock()
		return
	}
	s.state = Leaving
	s.gen++
	done := s.forwardDone
	s.forwardDone = nil
	roomID := s.roomID
	s.mu.Unlock()

	s.log.Release()
	if done != nil {
		<-done
	}

	s.reset()
	s.logger.Debug().Str("room", roomID).Msg("left room")
}

func (s *Session) reset() {
	s.mu.Lock()
	s.state = Unbound
	s.roomID = ""
	s.mu.Unlock()
}

func (s *Session) forward(gen uint64, sub *msglog.Subscription, done chan struct{}) {
	defer close(done)
	for snapshot := range sub.Updates() {
		s.mu.Lock()
		if s.gen == gen && s.state == Bound {
			s.view.Render(sub.RoomID(), snapshot)
		}
		s.mu.Unlock()
	}
}

func (s *Session) resolveIdentity(ctx context.Context) (models.Identity, error) {
	userID := s.ids.UserID()

	handle, ok, err := s.ids.Handle()
	if err != nil {
		return models.Identity{}, err
	}
	if !ok {
		answer, answered := s.prompt.PromptText(ctx, HandlePrompt)
		if answered {
			handle, err = s.ids.SetHandleIfUnset(answer)
		}
		if !answered || errors.Is(err, identity.ErrEmptyHandle) {
			s.prompt.Alert(HandleRequiredNotice)
			return models.Identity{}, ErrHandleRequired
		}
		if err != nil {
			return models.Identity{}, err
		}
	}

	color, err := s.ids.Color()
	if err != nil {
		s.logger.Warn().Err(err).Msg("read color, using default")
	}

	return models.Identity{UserID: userID, Handle: handle, Color: color}, nil
}

// Send appends text to the bound room as the resolved identity. Blank text
// is ignored with ErrEmptyInput.
func (s *Session) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}

	s.mu.Lock()
	state, roomID, ident, gen := s.state, s.roomID, s.ident, s.gen
	s.mu.Unlock()

	if state != Bound {
		s.logger.Error().Str("state", state.String()).Msg("send without a bound room")
		return ErrRoomNotBound
	}

	if _, err := s.log.Append(ctx, roomID, ident.UserID, ident.Handle, text, ident.Color); err != nil {
		if errors.Is(err, msglog.ErrEmptyText) {
			return ErrEmptyInput
		}
		s.logger.Error().Err(err).Str("room", roomID).Msg("append message")

		s.mu.Lock()
		stale := s.gen != gen
		s.mu.Unlock()
		if !stale {
			s.view.Notice(SendFailedNotice)
		}
		return &RemoteStoreError{Op: "append", RoomID: roomID, Err: err}
	}
	return nil
}

// SavePrefs locks in handle if none is set yet and always stores color.
func (s *Session) SavePrefs(handle, color string) (models.Identity, error) {
	locked, err := s.ids.SetHandleIfUnset(handle)
	if errors.Is(err, identity.ErrEmptyHandle) {
		return models.Identity{}, ErrHandleRequired
	}
	if err != nil {
		return models.Identity{}, err
	}

	color, err = s.SetColor(color)
	if err != nil {
		return models.Identity{}, err
	}

	return models.Identity{UserID: s.ids.UserID(), Handle: locked, Color: color}, nil
}

// SetColor stores the color and applies it to later sends in the bound room.
func (s *Session) SetColor(color string) (string, error) {
	color, err := s.ids.SetColor(color)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.state == Bound {
		s.ident.Color = color
	}
	s.mu.Unlock()
	return color, nil
}

// CreateRoom generates a room code, records the local user as its creator,
// adds it to the directory and navigates to it.
func (s *Session) CreateRoom(ctx context.Context) (string, error) {
	roomID, err := s.claimNewRoom(ctx)
	if err != nil {
		return "", err
	}

	if err := s.dir.Add(roomID); err != nil {
		if !errors.Is(err, directory.ErrCapacity) {
			return "", err
		}
		s.prompt.Alert(directory.CapacityNotice)
	}
	s.refreshRooms()

	s.nav.GoTo(RoomPath(roomID))
	return roomID, nil
}

// claimNewRoom claims a fresh room code, skipping codes another user
// already owns.
func (s *Session) claimNewRoom(ctx context.Context) (string, error) {
	userID := s.ids.UserID()
	for range createAttempts {
		roomID := s.newID()
		meta, err := s.log.ClaimRoom(ctx, roomID, userID)
		if err != nil {
			s.logger.Error().Err(err).Str("room", roomID).Msg("create room")
			return "", &RemoteStoreError{Op: "create room", RoomID: roomID, Err: err}
		}
		if meta.CreatedBy == userID {
			return roomID, nil
		}
		s.logger.Debug().Str("room", roomID).Msg("room code taken")
	}
	return "", ErrNoFreeRoomID
}

// Delete removes roomID after confirmation. The room always leaves the
// local directory; when it was the bound room the session navigates to the
// first remaining room or to the landing view. Only the room's creator also
// purges its messages and metadata from the store. A failure of that remote
// part is returned as a *RemoteStoreError and does not undo the local part.
// A directory that cannot be updated is reported too, after the leave.
func (s *Session) Delete(ctx context.Context, roomID string) error {
	if !s.prompt.Confirm(fmt.Sprintf("Are you sure you want to delete room %q?", roomID)) {
		return nil
	}

	rooms, localErr := s.dir.Remove(roomID)
	if localErr != nil {
		s.logger.Error().Err(localErr).Str("room", roomID).Msg("remove room from directory")
		rooms = []string{}
	}
	s.view.RoomsChanged(rooms)

	s.mu.Lock()
	current := s.state != Unbound && s.roomID == roomID
	s.mu.Unlock()

	if current {
		s.Leave()
		if len(rooms) > 0 {
			s.nav.GoTo(RoomPath(rooms[0]))
		} else {
			s.nav.GoTo(LandingPath)
		}
	}

	if err := s.purgeIfOwner(ctx, roomID); err != nil {
		return errors.Join(localErr, err)
	}
	return localErr
}

func (s *Session) purgeIfOwner(ctx context.Context, roomID string) error {
	meta, err := s.log.RoomMeta(ctx, roomID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		s.logger.Error().Err(err).Str("room", roomID).Msg("read room metadata")
		return &RemoteStoreError{Op: "read room metadata", RoomID: roomID, Err: err}
	}

	if meta.CreatedBy != s.ids.UserID() {
		s.logger.Debug().Str("room", roomID).Msg("not the creator, local delete only")
		return nil
	}

	s.prompt.Alert(OwnerPurgeNotice)

	if err := s.log.DeleteAll(ctx, roomID); err != nil {
		s.logger.Error().Err(err).Str("room", roomID).Msg("purge room messages")
		return &RemoteStoreError{Op: "purge messages", RoomID: roomID, Err: err}
	}
	if err := s.log.DeleteRoomMeta(ctx, roomID); err != nil {
		s.logger.Error().Err(err).Str("room", roomID).Msg("delete room metadata")
		return &RemoteStoreError{Op: "delete room metadata", RoomID: roomID, Err: err}
	}
	return nil
}

// Navigated refreshes the rendered directory. Call it after every completed navigation.
func (s *Session) Navigated() {
	s.refreshRooms()
}

func (s *Session) refreshRooms() {
	rooms, err := s.dir.List()
	if err != nil {
		s.logger.Error().Err(err).Msg("list rooms")
		return
	}
	s.view.RoomsChanged(rooms)
}

// RoomLink returns a shareable link to the current room, or "" when unbound.
func (s *Session) RoomLink(baseURL string) string {
	roomID := s.RoomID()
	if roomID == "" {
		return ""
	}
	return strings.TrimSuffix(baseURL, "/") + RoomPath(roomID)
}
