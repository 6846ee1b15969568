package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnreachable      = errors.New("relay unreachable")
	ErrAlreadyConnected = errors.New("already connected to this space")
)

var _ Transport = (*Hub)(nil)

// Hub is an in-process relay. Directed envelopes go to their target only,
// broadcasts to everyone else in the space.
type Hub struct {
	buffer int

	mu      sync.RWMutex
	rooms   map[domain.SpaceID]map[domain.UserID]*hubConn
	blocked map[domain.UserID]bool
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		buffer:  buffer,
		rooms:   make(map[domain.SpaceID]map[domain.UserID]*hubConn),
		blocked: make(map[domain.UserID]bool),
	}
}

func (h *Hub) Dial(ctx context.Context, space domain.SpaceID, self domain.UserID) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.blocked[self] {
		return nil, ErrUnreachable
	}
	room, ok := h.rooms[space]
	if !ok {
		room = make(map[domain.UserID]*hubConn)
		h.rooms[space] = room
	}
	// one presence per user and space; the live connection is kept
	if _, ok := room[self]; ok {
		return nil, ErrAlreadyConnected
	}
	c := &hubConn{hub: h, space: space, self: self, inbox: make(chan core.Frame, h.buffer), closed: make(chan struct{})}
	room[self] = c
	return c, nil
}

// Drop severs user's connections. While blocked, new dials fail.
func (h *Hub) Drop(user domain.UserID, block bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.blocked[user] = block
	for space, room := range h.rooms {
		if c, ok := room[user]; ok {
			c.shut()
			delete(room, user)
			if len(room) == 0 {
				delete(h.rooms, space)
			}
		}
	}
}

// Restore lets a blocked user dial again.
func (h *Hub) Restore(user domain.UserID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.blocked, user)
}

func (h *Hub) Online(space domain.SpaceID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[space])
}

func (h *Hub) route(from *hubConn, f core.Frame) {
	var head struct {
		To domain.UserID `json:"to"`
	}
	if err := json.Unmarshal(f, &head); err != nil {
		log.Warn().Err(err).Str("module", "signal.hub").Msg("bad frame")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.rooms[from.space] {
		if id == from.self || (head.To != "" && head.To != id) {
			continue
		}
		select {
		case c.inbox <- f:
		default:
			log.Warn().Str("module", "signal.hub").Str("space", string(from.space)).Str("to", string(id)).Msg("inbox full, frame dropped")
		}
	}
}

func (h *Hub) detach(c *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[c.space]; ok && room[c.self] == c {
		delete(room, c.self)
		if len(room) == 0 {
			delete(h.rooms, c.space)
		}
	}
}

type hubConn struct {
	hub   *Hub
	space domain.SpaceID
	self  domain.UserID
	inbox chan core.Frame

	once   sync.Once
	closed chan struct{}
}

func (c *hubConn) shut() { c.once.Do(func() { close(c.closed) }) }

func (c *hubConn) ReadFrame() (core.Frame, error) {
	select {
	case f := <-c.inbox:
		return f, nil
	case <-c.closed:
		return nil, ErrClosed
	}
}

func (c *hubConn) WriteFrame(f core.Frame) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.hub.route(c, f)
	return nil
}

func (c *hubConn) Close() error {
	c.shut()
	c.hub.detach(c)
	return nil
}
