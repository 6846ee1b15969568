package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// events streams the session's updates as JSON text frames until either side goes away.
func (h *handlers) events(c *gin.Context) {
	s := h.session(c)
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Str("module", "adapters.http").Err(err).Msg("events upgrade failed")
		return
	}
	defer ws.Close()

	logger := log.With().
		Str("module", "adapters.http").
		Str("user", string(s.Self())).
		Str("client", c.GetString(clientTokenKey)).
		Logger()
	logger.Info().Msg("events stream opened")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if h.readLimit > 0 {
		ws.SetReadLimit(h.readLimit)
	}
	// the client never sends; reading only notices the close
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var ping <-chan time.Time
	if h.pingPeriod > 0 {
		t := time.NewTicker(h.pingPeriod)
		defer t.Stop()
		ping = t.C
	}

	updates := s.Updates(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("events stream closed by client")
			return
		case u, ok := <-updates:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(writeWait))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(u); err != nil {
				logger.Debug().Err(err).Msg("events write failed")
				return
			}
		case <-ping:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
