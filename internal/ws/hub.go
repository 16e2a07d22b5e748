package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"roomchat/internal/models"
	"roomchat/internal/storage"

	"github.com/rs/zerolog"
)

// Hub executes client requests against the message log store and keeps
// track of the connections being served.
type Hub struct {
	store  storage.Store
	logger zerolog.Logger

	mu    sync.RWMutex
	conns map[*Connection]struct{}
}

func NewHub(store storage.Store, logger *zerolog.Logger) *Hub {
	h := &Hub{
		store:  store,
		logger: zerolog.Nop(),
		conns:  make(map[*Connection]struct{}),
	}
	if logger != nil {
		h.logger = *logger
	}
	return h
}

func (h *Hub) Join(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

func (h *Hub) Leave(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
}

// Connections returns the number of connected clients.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) Watch(ctx context.Context, roomID string) (<-chan []models.Message, error) {
	return h.store.Watch(ctx, roomID)
}

// Dispatch runs a single request frame and builds its reply. Watch frames
// are handled by the Connection.
func (h *Hub) Dispatch(ctx context.Context, f models.ClientFrame) models.ServerFrame {
	reply := models.ServerFrame{
		Type:   models.ServerFrameReply,
		ReqID:  f.ReqID,
		RoomID: f.RoomID,
	}

	var err error
	switch f.Type {
	case models.ClientFrameInsert:
		if f.Message == nil {
			err = errors.New("insert without message")
			break
		}
		var msg models.Message
		msg, err = h.store.Insert(ctx, *f.Message)
		reply.Message = &msg
	case models.ClientFrameList:
		reply.Messages, err = h.store.List(ctx, f.RoomID)
	case models.ClientFrameDelete:
		err = h.store.Delete(ctx, f.RoomID, f.MessageID)
	case models.ClientFrameGetMeta:
		var meta models.RoomMeta
		meta, err = h.store.RoomMeta(ctx, f.RoomID)
		reply.Meta = &meta
	case models.ClientFrameClaimMeta:
		if f.Meta == nil {
			err = errors.New("claim without metadata")
			break
		}
		var meta models.RoomMeta
		meta, err = h.store.ClaimRoom(ctx, *f.Meta)
		reply.Meta = &meta
	case models.ClientFrameDeleteMeta:
		err = h.store.DeleteRoomMeta(ctx, f.RoomID)
	default:
		err = fmt.Errorf("unknown frame type %q", f.Type)
	}

	if err != nil {
		h.logger.Debug().Err(err).Str("type", string(f.Type)).Str("room", f.RoomID).Msg("request failed")
		return errorReply(f, err)
	}
	return reply
}

func errorReply(f models.ClientFrame, err error) models.ServerFrame {
	return models.ServerFrame{
		Type:     models.ServerFrameReply,
		ReqID:    f.ReqID,
		RoomID:   f.RoomID,
		Error:    err.Error(),
		NotFound: errors.Is(err, models.ErrNotFound),
	}
}
