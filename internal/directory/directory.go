// Package directory keeps the bounded, ordered list of rooms the local user
// has joined. The list lives in the preference store as a JSON array.
package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"roomchat/internal/prefs"

	nanoid "github.com/jaevor/go-nanoid"
)

const (
	MaxRooms     = 5
	PublicRoom   = "public"
	RoomIDLength = 6

	// CapacityNotice is shown to the user when the directory is full.
	CapacityNotice = "You can only keep up to 5 rooms in your sidebar."
)

const base36Chars = "0123456789abcdefghijklmnopqrstuvwxyz"

var (
	ErrCapacity      = errors.New("room directory is full")
	ErrInvalidRoomID = errors.New("room id must be alphanumeric")
	ErrCorrupt       = errors.New("stored room list is corrupt")
)

var newRoomCode = mustRoomCodeGenerator()

func mustRoomCodeGenerator() func() string {
	gen, err := nanoid.CustomASCII(base36Chars, RoomIDLength)
	if err != nil {
		panic(err)
	}
	return gen
}

// NewRoomID returns a short random base-36 room code.
func NewRoomID() string {
	return newRoomCode()
}

// ValidRoomID reports whether id is a non-empty alphanumeric code.
func ValidRoomID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, c := range id {
		if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'z') && !(c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}

type Directory struct {
	prefs prefs.Store
}

func New(p prefs.Store) *Directory {
	return &Directory{prefs: p}
}

// List returns the joined rooms in insertion order.
func (d *Directory) List() ([]string, error) {
	raw, ok, err := d.prefs.Get(prefs.KeyRooms)
	if err != nil {
		return nil, fmt.Errorf("read rooms: %w", err)
	}
	if !ok || raw == "" {
		return []string{}, nil
	}

	var rooms []string
	if err := json.Unmarshal([]byte(raw), &rooms); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if rooms == nil {
		rooms = []string{}
	}
	return rooms, nil
}

// Add appends roomID. Adding a present room is a no-op; adding to a full
// directory fails with ErrCapacity and leaves it unchanged.
func (d *Directory) Add(roomID string) error {
	if !ValidRoomID(roomID) {
		return ErrInvalidRoomID
	}

	rooms, err := d.List()
	if err != nil {
		return err
	}
	if slices.Contains(rooms, roomID) {
		return nil
	}
	if len(rooms) >= MaxRooms {
		return ErrCapacity
	}

	return d.save(append(rooms, roomID))
}

// Remove drops roomID if present and returns the updated list. A corrupt
// stored list is replaced by an empty one.
func (d *Directory) Remove(roomID string) ([]string, error) {
	rooms, err := d.List()
	if errors.Is(err, ErrCorrupt) {
		return []string{}, d.save([]string{})
	}
	if err != nil {
		return nil, err
	}

	i := slices.Index(rooms, roomID)
	if i < 0 {
		return rooms, nil
	}
	rooms = slices.Delete(rooms, i, i+1)

	if err := d.save(rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (d *Directory) save(rooms []string) error {
	data, err := json.Marshal(rooms)
	if err != nil {
		return fmt.Errorf("encode rooms: %w", err)
	}
	if err := d.prefs.Set(prefs.KeyRooms, string(data)); err != nil {
		return fmt.Errorf("persist rooms: %w", err)
	}
	return nil
}
