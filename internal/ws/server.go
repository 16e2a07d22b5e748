package ws

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type Server struct {
	hub      *Hub
	upgrader *websocket.Upgrader
	logger   zerolog.Logger
}

func NewServer(hub *Hub, logger *zerolog.Logger) *Server {
	s := &Server{
		hub: hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Terminal clients send no Origin.
			},
		},
		logger: zerolog.Nop(),
	}
	if logger != nil {
		s.logger = *logger
	}
	return s
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("upgrade to websocket")
		return
	}

	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("client connected")
	if err := NewConnection(s.hub, conn, &s.logger).Handle(r.Context()); err != nil {
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("client disconnected")
	}
}
