package websocket

import (
	"net/http"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is enforced by the HTTP middleware in front.
	},
}

// Handler upgrades authenticated requests and binds the connection to the
// caller's identity.
type Handler struct {
	registry *Registry
	buffer   int
	logger   zerolog.Logger
}

func NewHandler(registry *Registry, buffer int, logger zerolog.Logger) *Handler {
	return &Handler{registry: registry, buffer: buffer, logger: logger.With().Str("component", "ws").Logger()}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

func (h *Handler) HandleConnect(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug().Err(err).Msg("upgrade failed")
		return nil
	}

	s := NewSession(id.UserID, id.Role, h.buffer)
	h.registry.Register(s)
	h.logger.Info().Str("user_id", id.UserID.String()).Str("session_id", s.ID.String()).Msg("session opened")

	go h.writePump(s, ws)
	go h.readPump(s, ws)
	return nil
}

// readPump only services control frames; clients do not send events.
func (h *Handler) readPump(s *Session, ws *gorillawebsocket.Conn) {
	defer func() {
		if h.registry.Unregister(s.UserID, s.ID) {
			h.logger.Info().Str("user_id", s.UserID.String()).Str("session_id", s.ID.String()).Msg("session closed")
		}
		s.Close()
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writePump(s *Session, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case msg := <-s.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.Done():
			// readPump has already seen the connection fail.
			return
		}
	}
}
