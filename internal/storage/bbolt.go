package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"roomchat/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"
)

var (
	bucketMessages     = []byte("messages")
	bucketMessageIndex = []byte("message_index")
	bucketRooms        = []byte("rooms")
)

type Config struct {
	// Now is the store clock used for message timestamps. Defaults to time.Now.
	Now    func() time.Time
	Logger *zerolog.Logger
}

// BboltStore keeps each room's messages in a nested bucket of "messages",
// keyed so that a cursor walk is display order. "message_index" maps message
// ids back to those keys, per room.
type BboltStore struct {
	db     *bbolt.DB
	now    func() time.Time
	logger zerolog.Logger

	// mu serializes writes with their snapshot fan-out so watchers never see
	// snapshots out of order.
	mu       sync.Mutex
	watchers map[string]map[*Feed]struct{}
}

func NewBboltStore(path string, cfg Config) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessageIndex); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketRooms); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	s := &BboltStore{
		db:       db,
		now:      cfg.Now,
		logger:   zerolog.Nop(),
		watchers: make(map[string]map[*Feed]struct{}),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if cfg.Logger != nil {
		s.logger = *cfg.Logger
	}
	return s, nil
}

// Close closes every open watch and the database.
func (s *BboltStore) Close() error {
	s.mu.Lock()
	for roomID, feeds := range s.watchers {
		for feed := range feeds {
			feed.Close()
		}
		delete(s.watchers, roomID)
	}
	s.mu.Unlock()

	return s.db.Close()
}

func (s *BboltStore) Insert(ctx context.Context, msg models.Message) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	if msg.RoomID == "" {
		return models.Message{}, errors.New("message missing roomID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg.ID = uuid.NewString()
	msg.Timestamp = s.now().UTC()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		roomKey := []byte(msg.RoomID)
		roomBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists(roomKey)
		if err != nil {
			return fmt.Errorf("failed to create room bucket: %w", err)
		}
		indexBucket, err := tx.Bucket(bucketMessageIndex).CreateBucketIfNotExists(roomKey)
		if err != nil {
			return fmt.Errorf("failed to create index bucket: %w", err)
		}

		seq, err := roomBucket.NextSequence()
		if err != nil {
			return err
		}
		msg.Seq = seq

		dbMessage := newDBMessage(msg)
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := roomBucket.Put(dbMessage.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		return indexBucket.Put([]byte(msg.ID), dbMessage.Key())
	})
	if err != nil {
		return models.Message{}, err
	}

	s.notify(msg.RoomID)
	return msg, nil
}

func (s *BboltStore) List(ctx context.Context, roomID string) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.list(roomID)
}

func (s *BboltStore) list(roomID string) ([]models.Message, error) {
	messages := []models.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
		if roomBucket == nil {
			return nil // No messages for this room
		}
		return roomBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.Message())
			return nil
		})
	})
	return messages, err
}

func (s *BboltStore) Delete(ctx context.Context, roomID, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		roomKey := []byte(roomID)
		indexBucket := tx.Bucket(bucketMessageIndex).Bucket(roomKey)
		roomBucket := tx.Bucket(bucketMessages).Bucket(roomKey)
		if indexBucket == nil || roomBucket == nil {
			return models.ErrNotFound
		}

		key := indexBucket.Get([]byte(messageID))
		if key == nil {
			return models.ErrNotFound
		}
		if err := roomBucket.Delete(key); err != nil {
			return err
		}
		return indexBucket.Delete([]byte(messageID))
	})
	if err != nil {
		return err
	}

	s.notify(roomID)
	return nil
}

func (s *BboltStore) Watch(ctx context.Context, roomID string) (<-chan []models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	feed := NewFeed()

	s.mu.Lock()
	snapshot, err := s.list(roomID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	feed.Publish(snapshot)
	if s.watchers[roomID] == nil {
		s.watchers[roomID] = make(map[*Feed]struct{})
	}
	s.watchers[roomID][feed] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers[roomID], feed)
		if len(s.watchers[roomID]) == 0 {
			delete(s.watchers, roomID)
		}
		s.mu.Unlock()
		feed.Close()
	}()

	return feed.C(), nil
}

// notify must be called with s.mu held.
func (s *BboltStore) notify(roomID string) {
	feeds := s.watchers[roomID]
	if len(feeds) == 0 {
		return
	}

	snapshot, err := s.list(roomID)
	if err != nil {
		s.logger.Error().Err(err).Str("room", roomID).Msg("snapshot for watchers")
		return
	}
	for feed := range feeds {
		feed.Publish(snapshot)
	}
}

func (s *BboltStore) RoomMeta(ctx context.Context, roomID string) (models.RoomMeta, error) {
	if err := ctx.Err(); err != nil {
		return models.RoomMeta{}, err
	}

	var meta models.RoomMeta
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRooms).Get([]byte(roomID))
		if data == nil {
			return models.ErrNotFound
		}
		var dbRoom DBRoom
		if err := dbRoom.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal room: %w", err)
		}
		meta = dbRoom.Meta()
		return nil
	})
	return meta, err
}

func (s *BboltStore) ClaimRoom(ctx context.Context, meta models.RoomMeta) (models.RoomMeta, error) {
	if err := ctx.Err(); err != nil {
		return models.RoomMeta{}, err
	}
	if meta.RoomID == "" {
		return models.RoomMeta{}, errors.New("room meta missing roomID")
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = s.now()
	}

	var result models.RoomMeta
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRooms)
		if data := b.Get([]byte(meta.RoomID)); data != nil {
			var existing DBRoom
			if err := existing.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("failed to unmarshal room: %w", err)
			}
			result = existing.Meta()
			return nil
		}

		dbRoom := &DBRoom{
			ID:        meta.RoomID,
			CreatedBy: meta.CreatedBy,
			CreatedAt: meta.CreatedAt.UnixNano(),
		}
		data, err := dbRoom.MarshalBinary()
		if err != nil {
			return err
		}
		result = dbRoom.Meta()
		return b.Put(dbRoom.Key(), data)
	})
	return result, err
}

func (s *BboltStore) DeleteRoomMeta(ctx context.Context, roomID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRooms).Delete([]byte(roomID))
	})
}
