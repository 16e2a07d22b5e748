package identity

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"roomchat/internal/models"
	"roomchat/internal/prefs"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrEmptyHandle = errors.New("handle cannot be empty")
)

// Store reads and writes the local identity. The user id is generated once,
// the handle is locked after the first write, the color is free to change.
type Store struct {
	prefs        prefs.Store
	defaultColor string
	logger       zerolog.Logger
	newID        func() string

	mu sync.Mutex
	// unsaved is the id handed out while the stored one cannot be read.
	unsaved string
}

type Config struct {
	DefaultColor string
	Logger       *zerolog.Logger
}

func New(p prefs.Store, cfg Config) *Store {
	s := &Store{
		prefs:        p,
		defaultColor: cfg.DefaultColor,
		logger:       zerolog.Nop(),
		newID:        uuid.NewString,
	}
	if s.defaultColor == "" {
		s.defaultColor = models.DefaultColor
	}
	if cfg.Logger != nil {
		s.logger = *cfg.Logger
	}
	return s
}

// UserID returns the persisted user id, generating and persisting a random
// one on first use. Storage failures are logged: the caller always gets an id.
// When the stored id cannot be read, a process-local id is returned and the
// stored one is left untouched.
func (s *Store) UserID() string {
	id, ok, err := s.prefs.Get(prefs.KeyUserID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("read user id")

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.unsaved == "" {
			s.unsaved = s.newID()
		}
		return s.unsaved
	}
	if ok && id != "" {
		return id
	}

	id = s.newID()
	if err := s.prefs.Set(prefs.KeyUserID, id); err != nil {
		s.logger.Error().Err(err).Msg("persist user id")
	}
	return id
}

// Handle returns the locked handle, if any.
func (s *Store) Handle() (string, bool, error) {
	handle, ok, err := s.prefs.Get(prefs.KeyHandle)
	if err != nil {
		return "", false, fmt.Errorf("read handle: %w", err)
	}
	handle = strings.TrimSpace(handle)
	return handle, ok && handle != "", nil
}

// SetHandleIfUnset returns the already locked handle unchanged, or locks in
// the trimmed candidate when none is stored yet.
func (s *Store) SetHandleIfUnset(candidate string) (string, error) {
	handle, ok, err := s.Handle()
	if err != nil {
		return "", err
	}
	if ok {
		return handle, nil
	}

	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return "", ErrEmptyHandle
	}
	if err := s.prefs.Set(prefs.KeyHandle, candidate); err != nil {
		return "", fmt.Errorf("persist handle: %w", err)
	}
	return candidate, nil
}

func (s *Store) Color() (string, error) {
	color, _, err := s.prefs.Get(prefs.KeyColor)
	if err != nil {
		return s.defaultColor, fmt.Errorf("read color: %w", err)
	}
	if strings.TrimSpace(color) == "" {
		return s.defaultColor, nil
	}
	return color, nil
}

// SetColor always overwrites the stored color. A blank candidate stores the default.
func (s *Store) SetColor(candidate string) (string, error) {
	color := strings.TrimSpace(candidate)
	if color == "" {
		color = s.defaultColor
	}
	if err := s.prefs.Set(prefs.KeyColor, color); err != nil {
		return "", fmt.Errorf("persist color: %w", err)
	}
	return color, nil
}
