package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"roomchat/internal/models"

	"github.com/rs/zerolog"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type logHub interface {
	Join(c *Connection)
	Leave(c *Connection)
	Dispatch(ctx context.Context, f models.ClientFrame) models.ServerFrame
	Watch(ctx context.Context, roomID string) (<-chan []models.Message, error)
}

// Connection serves one client. Only mainLoop writes to the socket; watch
// goroutines hand their snapshots over through fromServer.
type Connection struct {
	ws         wsConnection
	hub        logHub
	logger     zerolog.Logger
	fromClient chan models.ClientFrame
	fromServer chan models.ServerFrame
	errorCh    chan error

	// watches is owned by mainLoop, keyed by the ReqID of the watch frame.
	watches  map[uint64]context.CancelFunc
	watchers sync.WaitGroup
}

func NewConnection(
	hub logHub,
	ws wsConnection,
	logger *zerolog.Logger,
) *Connection {
	c := &Connection{
		ws:         ws,
		hub:        hub,
		logger:     zerolog.Nop(),
		fromClient: make(chan models.ClientFrame),
		fromServer: make(chan models.ServerFrame),
		errorCh:    make(chan error, 2),
		watches:    make(map[uint64]context.CancelFunc),
	}
	if logger != nil {
		c.logger = *logger
	}
	hub.Join(c)
	return c
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.watchers.Wait()
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Leave(c)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var f models.ClientFrame
		if err := c.ws.ReadJSON(&f); err != nil {
			return err
		}
		select {
		case c.fromClient <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case f := <-c.fromClient:
			if err := c.processClientFrame(ctx, f); err != nil {
				return err
			}
		case f := <-c.fromServer:
			if err := c.ws.WriteJSON(f); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientFrame(ctx context.Context, f models.ClientFrame) error {
	switch f.Type {
	case models.ClientFrameWatch:
		return c.watch(ctx, f)
	case models.ClientFrameUnwatch:
		// Unwatch carries the ReqID of the watch it ends and gets no reply.
		if cancel, ok := c.watches[f.ReqID]; ok {
			cancel()
			delete(c.watches, f.ReqID)
		}
		return nil
	default:
		return c.ws.WriteJSON(c.hub.Dispatch(ctx, f))
	}
}

func (c *Connection) watch(ctx context.Context, f models.ClientFrame) error {
	if _, ok := c.watches[f.ReqID]; ok {
		return c.ws.WriteJSON(errorReply(f, fmt.Errorf("watch %d already active", f.ReqID)))
	}

	watchCtx, cancel := context.WithCancel(ctx)
	updates, err := c.hub.Watch(watchCtx, f.RoomID)
	if err != nil {
		cancel()
		c.logger.Error().Err(err).Str("room", f.RoomID).Msg("watch room")
		return c.ws.WriteJSON(errorReply(f, err))
	}
	c.watches[f.ReqID] = cancel

	c.watchers.Go(func() {
		for snapshot := range updates {
			if watchCtx.Err() != nil {
				return
			}
			frame := models.ServerFrame{
				Type:     models.ServerFrameSnapshot,
				ReqID:    f.ReqID,
				RoomID:   f.RoomID,
				Messages: snapshot,
			}
			select {
			case c.fromServer <- frame:
			case <-watchCtx.Done():
				return
			}
		}
	})

	return c.ws.WriteJSON(models.ServerFrame{
		Type:   models.ServerFrameReply,
		ReqID:  f.ReqID,
		RoomID: f.RoomID,
	})
}
