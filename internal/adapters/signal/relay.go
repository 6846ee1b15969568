package signal

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/Spaces/internal/adapters/auth"
	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Relay is the server side of WSTransport. Each socket is bound to the space
// and user of its bearer token and routed through Hub.
type Relay struct {
	Hub        *Hub
	Secret     []byte
	ReadLimit  int64
	PingPeriod time.Duration
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	raw, ok := auth.Bearer(req.Header.Get("Authorization"))
	if !ok {
		http.Error(w, "authorization header required", http.StatusUnauthorized)
		return
	}
	claims, err := auth.Parse(r.Secret, raw)
	if err != nil || claims.SpaceID == "" || claims.SpaceID != req.URL.Query().Get("space") {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	user, err := domain.ParseUserID(claims.UserID)
	if err != nil {
		http.Error(w, "invalid token claims", http.StatusUnauthorized)
		return
	}
	space := domain.SpaceID(claims.SpaceID)
	logger := log.With().Str("module", "signal.relay").Str("space", string(space)).Str("user", string(user)).Logger()

	hub, err := r.Hub.Dial(req.Context(), space, user)
	switch {
	case errors.Is(err, ErrAlreadyConnected):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		logger.Warn().Err(err).Msg("hub refused connection")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		_ = hub.Close()
		return
	}
	peer := newWSConn(ws, r.ReadLimit, r.PingPeriod)
	logger.Info().Msg("relay connection opened")

	done := make(chan struct{}, 2)
	go func() {
		forward(peer, hub, func(f core.Frame) (core.Frame, bool) { return stamp(f, space, user) })
		done <- struct{}{}
	}()
	go func() {
		forward(hub, peer, nil)
		done <- struct{}{}
	}()
	<-done
	_ = peer.Close()
	_ = hub.Close()
	<-done
	logger.Info().Msg("relay connection closed")
}

func forward(from, to Conn, rewrite func(core.Frame) (core.Frame, bool)) {
	for {
		f, err := from.ReadFrame()
		if err != nil {
			return
		}
		if rewrite != nil {
			var ok bool
			if f, ok = rewrite(f); !ok {
				continue
			}
		}
		if err := to.WriteFrame(f); err != nil {
			return
		}
	}
}

// stamp pins the envelope to the authenticated sender so peers cannot be spoofed.
func stamp(f core.Frame, space domain.SpaceID, user domain.UserID) (core.Frame, bool) {
	var env core.Envelope
	if err := json.Unmarshal(f, &env); err != nil {
		return nil, false
	}
	env.Space, env.From = space, user
	b, err := json.Marshal(env)
	if err != nil {
		return nil, false
	}
	return b, true
}
