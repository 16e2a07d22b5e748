package storage

import (
	"context"
	"slices"
	"sync"

	"roomchat/internal/models"
)

// Store is the message log: per-room ordered collections of immutable
// messages plus one metadata record per room.
type Store interface {
	// Insert writes msg under msg.RoomID. The store assigns ID, Seq and Timestamp.
	Insert(ctx context.Context, msg models.Message) (models.Message, error)
	// List returns the room's messages in display order.
	List(ctx context.Context, roomID string) ([]models.Message, error)
	// Delete removes a single message. Missing messages yield models.ErrNotFound.
	Delete(ctx context.Context, roomID, messageID string) error
	// Watch streams full ordered snapshots of the room: the current one first,
	// then a new one after every change. Only the latest undelivered snapshot
	// is kept. The channel is closed once ctx is done.
	Watch(ctx context.Context, roomID string) (<-chan []models.Message, error)

	// RoomMeta returns models.ErrNotFound when the room has no record.
	RoomMeta(ctx context.Context, roomID string) (models.RoomMeta, error)
	// ClaimRoom stores meta unless the room already has a record, and returns
	// whichever record is in place afterwards.
	ClaimRoom(ctx context.Context, meta models.RoomMeta) (models.RoomMeta, error)
	DeleteRoomMeta(ctx context.Context, roomID string) error
}

// Feed is a single-slot snapshot channel: publishing replaces any snapshot
// the consumer has not picked up yet.
type Feed struct {
	mu     sync.Mutex
	ch     chan []models.Message
	closed bool
}

func NewFeed() *Feed {
	return &Feed{ch: make(chan []models.Message, 1)}
}

func (f *Feed) C() <-chan []models.Message {
	return f.ch
}

func (f *Feed) Publish(snapshot []models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	select {
	case <-f.ch:
	default:
	}
	f.ch <- slices.Clone(snapshot)
}

// Close drops any pending snapshot and closes the channel. Safe to call twice.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	select {
	case <-f.ch:
	default:
	}
	close(f.ch)
}
