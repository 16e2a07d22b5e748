package http

import (
	"context"
	"encoding/json"
	"html/template"
	"net"
	"net/http"
	"sync"
	"time"

	"roomchat/internal/content"
	"roomchat/internal/directory"
	"roomchat/internal/models"
	"roomchat/internal/storage"
	"roomchat/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Health is the /healthz response body.
type Health struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

type LogServerConfig struct {
	Addr     string
	Markdown bool
	Logger   *zerolog.Logger
}

// LogServer serves the message log over WebSocket, plus a health check and
// a read-only HTML transcript per room.
type LogServer struct {
	server *http.Server
	logger zerolog.Logger
	wg     sync.WaitGroup

	// cancel ends the base context of every request, hijacked WebSocket
	// connections included.
	cancel context.CancelFunc
}

func NewLogServer(hub *ws.Hub, store storage.Store, cfg LogServerConfig) *LogServer {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	server := ws.NewServer(hub, &logger)
	transcripts := &transcriptHandler{store: store, markdown: cfg.Markdown, logger: logger}

	r := chi.NewRouter()
	r.Get("/ws", server.HandleConnections)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Health{Status: "ok", Connections: hub.Connections()})
	})
	r.Get("/room/{roomID}", transcripts.ServeHTTP)

	addr := cfg.Addr
	if addr == "" {
		addr = ":8090"
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	return &LogServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return baseCtx },
		},
		logger: logger,
		cancel: cancel,
	}
}

func (s *LogServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *LogServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("log server started")
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *LogServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	s.cancel()
	return s.server.Shutdown(ctx)
}

type transcriptHandler struct {
	store    storage.Store
	markdown bool
	logger   zerolog.Logger
}

type transcriptLine struct {
	Time   string
	Handle string
	Color  string
	Body   template.HTML
}

var transcriptTmpl = template.Must(template.New("room").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Room {{.RoomID}}</title></head>
<body>
<h1>Room {{.RoomID}}</h1>
{{range .Lines}}<p><span>[{{.Time}}]</span> <strong style="color: {{.Color}}">{{.Handle}}</strong>: {{.Body}}</p>
{{else}}<p>No messages yet.</p>
{{end}}</body>
</html>
`))

func (h *transcriptHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if !directory.ValidRoomID(roomID) {
		http.Error(w, "invalid room", http.StatusBadRequest)
		return
	}

	msgs, err := h.store.List(r.Context(), roomID)
	if err != nil {
		h.logger.Error().Err(err).Str("room", roomID).Msg("list messages")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	lines := make([]transcriptLine, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, transcriptLine{
			Time:   m.Timestamp.Local().Format("15:04"),
			Handle: m.AuthorHandle,
			Color:  colorOrDefault(m.Color),
			Body:   content.Render(m.Text, h.markdown),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := transcriptTmpl.Execute(w, map[string]any{"RoomID": roomID, "Lines": lines}); err != nil {
		h.logger.Error().Err(err).Str("room", roomID).Msg("render transcript")
	}
}

func colorOrDefault(color string) string {
	if color == "" {
		return models.DefaultColor
	}
	return color
}
