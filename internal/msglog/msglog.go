// Package msglog binds a caller to one room's live message stream at a time
// and writes to the room logs.
package msglog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"roomchat/internal/models"
	"roomchat/internal/storage"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const deleteConcurrency = 8

var (
	ErrEmptyText = errors.New("message text cannot be empty")
)

// Subscription is a live view of one room. Updates delivers the full ordered
// snapshot after every change and is closed once the subscription ends.
type Subscription struct {
	roomID  string
	updates <-chan []models.Message
	cancel  context.CancelFunc
	once    sync.Once
}

func (s *Subscription) RoomID() string {
	return s.roomID
}

func (s *Subscription) Updates() <-chan []models.Message {
	return s.updates
}

// Close stops delivery. When it returns the Updates channel is closed and
// holds no undelivered snapshot.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		for range s.updates {
		}
	})
}

type Client struct {
	store  storage.Store
	logger zerolog.Logger

	mu      sync.Mutex
	current *Subscription
}

func New(store storage.Store, logger *zerolog.Logger) *Client {
	c := &Client{
		store:  store,
		logger: zerolog.Nop(),
	}
	if logger != nil {
		c.logger = *logger
	}
	return c
}

// Bind releases the previous subscription, if any, and opens a live view of
// roomID. The subscription also ends when ctx is done.
func (c *Client) Bind(ctx context.Context, roomID string) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		c.current.Close()
		c.current = nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	updates, err := c.store.Watch(subCtx, roomID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch room %s: %w", roomID, err)
	}

	c.current = &Subscription{
		roomID:  roomID,
		updates: updates,
		cancel:  cancel,
	}
	c.logger.Debug().Str("room", roomID).Msg("bound")
	return c.current, nil
}

// Release closes the current subscription. Safe to call when unbound.
func (c *Client) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return
	}
	c.logger.Debug().Str("room", c.current.roomID).Msg("released")
	c.current.Close()
	c.current = nil
}

// Current returns the live subscription or nil.
func (c *Client) Current() *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Append writes a new message. The store assigns its timestamp; the writer
// sees it through its own subscription like every other subscriber.
func (c *Client) Append(ctx context.Context, roomID, authorUserID, authorHandle, text, color string) (models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return models.Message{}, ErrEmptyText
	}

	msg, err := c.store.Insert(ctx, models.Message{
		RoomID:       roomID,
		AuthorUserID: authorUserID,
		AuthorHandle: authorHandle,
		Text:         text,
		Color:        color,
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("append to room %s: %w", roomID, err)
	}
	return msg, nil
}

// DeleteAll removes every message of roomID with a bounded batch of
// concurrent deletes and waits for all of them. Subscribers may observe
// partially deleted snapshots while it runs.
func (c *Client) DeleteAll(ctx context.Context, roomID string) error {
	msgs, err := c.store.List(ctx, roomID)
	if err != nil {
		return fmt.Errorf("list room %s: %w", roomID, err)
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(deleteConcurrency)
	for _, msg := range msgs {
		g.Go(func() error {
			err := c.store.Delete(ctx, roomID, msg.ID)
			if err == nil || errors.Is(err, models.ErrNotFound) {
				return nil
			}
			err = fmt.Errorf("delete message %s: %w", msg.ID, err)
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			return err
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	c.logger.Info().Str("room", roomID).Int("messages", len(msgs)).Msg("room purged")
	return nil
}

func (c *Client) RoomMeta(ctx context.Context, roomID string) (models.RoomMeta, error) {
	return c.store.RoomMeta(ctx, roomID)
}

func (c *Client) ClaimRoom(ctx context.Context, roomID, userID string) (models.RoomMeta, error) {
	return c.store.ClaimRoom(ctx, models.RoomMeta{RoomID: roomID, CreatedBy: userID})
}

func (c *Client) DeleteRoomMeta(ctx context.Context, roomID string) error {
	return c.store.DeleteRoomMeta(ctx, roomID)
}
