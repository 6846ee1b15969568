package signal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/Spaces/internal/adapters/auth"
	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

var _ Transport = (*WSTransport)(nil)

// WSTransport dials the relay over a websocket, authenticating with a
// short-lived bearer token scoped to the space.
type WSTransport struct {
	URL        string
	Secret     []byte
	TokenTTL   time.Duration
	ReadLimit  int64
	PingPeriod time.Duration
	Dialer     *websocket.Dialer
}

func (t *WSTransport) Dial(ctx context.Context, space domain.SpaceID, self domain.UserID) (Conn, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	q := u.Query()
	q.Set("space", string(space))
	u.RawQuery = q.Encode()

	ttl := t.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	token, err := auth.Sign(t.Secret, self, space, ttl)
	if err != nil {
		return nil, fmt.Errorf("sign relay token: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return newWSConn(ws, t.ReadLimit, t.PingPeriod), nil
}

type wsConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
	stop    chan struct{}
}

func newWSConn(ws *websocket.Conn, readLimit int64, pingPeriod time.Duration) *wsConn {
	if readLimit > 0 {
		ws.SetReadLimit(readLimit)
	}
	c := &wsConn{conn: ws, stop: make(chan struct{})}
	if pingPeriod > 0 {
		pongWait := pingPeriod * 10 / 9
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		go c.keepalive(pingPeriod)
	}
	return c
}

func (c *wsConn) keepalive(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

func (c *wsConn) ReadFrame() (core.Frame, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteFrame(f core.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, f)
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.stop)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
