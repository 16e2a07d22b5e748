package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"roomchat/internal/models"
	"roomchat/internal/storage"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("log connection closed")

const DefaultRequestTimeout = 10 * time.Second

type ClientConfig struct {
	RequestTimeout time.Duration
	Dialer         *websocket.Dialer
	Logger         *zerolog.Logger
}

// RemoteStore is a storage.Store served by a log server over one WebSocket.
type RemoteStore struct {
	conn    *websocket.Conn
	timeout time.Duration
	logger  zerolog.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan models.ServerFrame
	feeds   map[uint64]*storage.Feed
	err     error
	done    chan struct{}
}

var _ storage.Store = (*RemoteStore)(nil)

func Dial(ctx context.Context, url string, cfg ClientConfig) (*RemoteStore, error) {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	s := &RemoteStore{
		conn:    conn,
		timeout: cfg.RequestTimeout,
		logger:  zerolog.Nop(),
		pending: make(map[uint64]chan models.ServerFrame),
		feeds:   make(map[uint64]*storage.Feed),
		done:    make(chan struct{}),
	}
	if s.timeout <= 0 {
		s.timeout = DefaultRequestTimeout
	}
	if cfg.Logger != nil {
		s.logger = *cfg.Logger
	}

	go s.readLoop()
	return s, nil
}

// Close ends the connection. Pending requests fail with ErrClosed and every
// watch channel is closed.
func (s *RemoteStore) Close() error {
	s.shutdown(ErrClosed)
	return s.conn.Close()
}

// Done is closed once the connection is gone.
func (s *RemoteStore) Done() <-chan struct{} {
	return s.done
}

func (s *RemoteStore) readLoop() {
	for {
		var f models.ServerFrame
		if err := s.conn.ReadJSON(&f); err != nil {
			s.shutdown(err)
			return
		}

		s.mu.Lock()
		switch f.Type {
		case models.ServerFrameReply:
			if ch, ok := s.pending[f.ReqID]; ok {
				delete(s.pending, f.ReqID)
				ch <- f
			}
		case models.ServerFrameSnapshot:
			if feed, ok := s.feeds[f.ReqID]; ok {
				feed.Publish(f.Messages)
			}
		default:
			s.logger.Warn().Str("type", string(f.Type)).Msg("unknown server frame")
		}
		s.mu.Unlock()
	}
}

func (s *RemoteStore) shutdown(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return
	}
	if !errors.Is(err, ErrClosed) {
		s.logger.Error().Err(err).Msg("log connection lost")
	}
	s.err = err
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	for id, feed := range s.feeds {
		feed.Close()
		delete(s.feeds, id)
	}
	close(s.done)
}

func (s *RemoteStore) send(f models.ClientFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(f)
}

func (s *RemoteStore) closedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return ErrClosed
	}
	return fmt.Errorf("%w: %w", ErrClosed, s.err)
}

// request sends f and waits for its reply. register runs under the lock
// before the frame goes out.
func (s *RemoteStore) request(ctx context.Context, f models.ClientFrame, register func(id uint64)) (models.ServerFrame, error) {
	f.ReqID = s.nextID.Add(1)
	ch := make(chan models.ServerFrame, 1)

	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return models.ServerFrame{}, s.closedErr()
	}
	s.pending[f.ReqID] = ch
	if register != nil {
		register(f.ReqID)
	}
	s.mu.Unlock()

	forget := func() {
		s.mu.Lock()
		delete(s.pending, f.ReqID)
		s.mu.Unlock()
	}

	if err := s.send(f); err != nil {
		forget()
		return models.ServerFrame{}, fmt.Errorf("send %s: %w", f.Type, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	select {
	case reply, ok := <-ch:
		if !ok {
			return models.ServerFrame{}, s.closedErr()
		}
		if reply.NotFound {
			return reply, models.ErrNotFound
		}
		if reply.Error != "" {
			return reply, fmt.Errorf("%s: %s", f.Type, reply.Error)
		}
		return reply, nil
	case <-ctx.Done():
		forget()
		return models.ServerFrame{}, fmt.Errorf("%s: %w", f.Type, ctx.Err())
	}
}

func (s *RemoteStore) Insert(ctx context.Context, msg models.Message) (models.Message, error) {
	reply, err := s.request(ctx, models.ClientFrame{
		Type:    models.ClientFrameInsert,
		RoomID:  msg.RoomID,
		Message: &msg,
	}, nil)
	if err != nil {
		return models.Message{}, err
	}
	if reply.Message == nil {
		return models.Message{}, errors.New("insert: reply without message")
	}
	return *reply.Message, nil
}

func (s *RemoteStore) List(ctx context.Context, roomID string) ([]models.Message, error) {
	reply, err := s.request(ctx, models.ClientFrame{Type: models.ClientFrameList, RoomID: roomID}, nil)
	if err != nil {
		return nil, err
	}
	return reply.Messages, nil
}

func (s *RemoteStore) Delete(ctx context.Context, roomID, messageID string) error {
	_, err := s.request(ctx, models.ClientFrame{
		Type:      models.ClientFrameDelete,
		RoomID:    roomID,
		MessageID: messageID,
	}, nil)
	return err
}

// Watch registers the feed before the watch frame is sent, so the server's
// first snapshot is never missed.
func (s *RemoteStore) Watch(ctx context.Context, roomID string) (<-chan []models.Message, error) {
	feed := storage.NewFeed()
	var watchID uint64

	_, err := s.request(ctx, models.ClientFrame{Type: models.ClientFrameWatch, RoomID: roomID}, func(id uint64) {
		watchID = id
		s.feeds[id] = feed
	})
	if err != nil {
		s.dropFeed(watchID)
		feed.Close()
		// The server may still start the watch after a timed out reply.
		// Unwatching an unknown id is a no-op there.
		if watchID != 0 {
			s.unwatch(watchID, roomID)
		}
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.dropFeed(watchID)
		feed.Close()
		s.unwatch(watchID, roomID)
	}()

	return feed.C(), nil
}

func (s *RemoteStore) unwatch(watchID uint64, roomID string) {
	select {
	case <-s.done:
		return
	default:
	}
	if err := s.send(models.ClientFrame{Type: models.ClientFrameUnwatch, ReqID: watchID, RoomID: roomID}); err != nil {
		s.logger.Debug().Err(err).Str("room", roomID).Msg("unwatch")
	}
}

func (s *RemoteStore) dropFeed(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.feeds, id)
}

func (s *RemoteStore) RoomMeta(ctx context.Context, roomID string) (models.RoomMeta, error) {
	reply, err := s.request(ctx, models.ClientFrame{Type: models.ClientFrameGetMeta, RoomID: roomID}, nil)
	if err != nil {
		return models.RoomMeta{}, err
	}
	if reply.Meta == nil {
		return models.RoomMeta{}, models.ErrNotFound
	}
	return *reply.Meta, nil
}

func (s *RemoteStore) ClaimRoom(ctx context.Context, meta models.RoomMeta) (models.RoomMeta, error) {
	reply, err := s.request(ctx, models.ClientFrame{
		Type:   models.ClientFrameClaimMeta,
		RoomID: meta.RoomID,
		Meta:   &meta,
	}, nil)
	if err != nil {
		return models.RoomMeta{}, err
	}
	if reply.Meta == nil {
		return models.RoomMeta{}, errors.New("claim: reply without metadata")
	}
	return *reply.Meta, nil
}

func (s *RemoteStore) DeleteRoomMeta(ctx context.Context, roomID string) error {
	_, err := s.request(ctx, models.ClientFrame{Type: models.ClientFrameDeleteMeta, RoomID: roomID}, nil)
	return err
}
