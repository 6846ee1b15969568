package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Spaces/internal/adapters/auth"
	"github.com/dkeye/Spaces/internal/adapters/realtime"
	"github.com/dkeye/Spaces/internal/adapters/signal"
	"github.com/dkeye/Spaces/internal/adapters/store"
	"github.com/dkeye/Spaces/internal/app"
	"github.com/dkeye/Spaces/internal/app/mesh/meshtest"
	"github.com/dkeye/Spaces/internal/app/orch"
	"github.com/dkeye/Spaces/internal/config"
	"github.com/dkeye/Spaces/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	secret = "gateway-secret"
	wait   = 3 * time.Second
	tick   = 10 * time.Millisecond
)

func newGateway(t *testing.T) (*httptest.Server, *Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := store.NewMemory()
	broker := realtime.NewBroker(0)
	backend := store.WithEvents(mem, broker)
	roles := app.NewRoleStore(backend, broker, nil)
	requests := app.NewRequestQueue(backend, backend, roles, broker, nil)
	spaces := app.NewSpaceService(backend, roles, nil)

	hub := signal.NewHub(0)
	opts := signal.DefaultOptions()
	opts.RateLimit = 0
	conn := signal.NewConnector(hub, opts)

	reg := NewRegistry(func(user domain.UserID) *orch.Session {
		return orch.New(user, orch.Deps{
			Spaces:             spaces,
			Roles:              roles,
			Requests:           requests,
			Signal:             conn,
			Media:              meshtest.NewFactory(),
			Capture:            &meshtest.Capturer{},
			NegotiationTimeout: 2 * time.Second,
		})
	})
	cfg := &config.Config{Mode: "test", Secret: secret}
	relay := &signal.Relay{Hub: hub, Secret: []byte(secret)}

	srv := httptest.NewServer(SetupRouter(cfg, reg, relay))
	t.Cleanup(func() {
		srv.Close()
		reg.Close()
	})
	return srv, reg
}

// client is one browser: its own cookie jar and bearer token.
type client struct {
	t     *testing.T
	base  string
	token string
	http  *http.Client
}

func newClient(t *testing.T, srv *httptest.Server, user domain.UserID) *client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	token, err := auth.Sign([]byte(secret), user, "", time.Hour)
	require.NoError(t, err)
	return &client{t: t, base: srv.URL, token: token, http: &http.Client{Jar: jar}}
}

func (c *client) do(method, path string, body any, out any) int {
	c.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	require.NoError(c.t, err)
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (c *client) snapshot() orch.Snapshot {
	c.t.Helper()
	var snap orch.Snapshot
	require.Equal(c.t, http.StatusOK, c.do(http.MethodGet, "/api/session", nil, &snap))
	return snap
}

func (c *client) liveSpace() domain.SpaceID {
	c.t.Helper()
	var sp domain.Space
	require.Equal(c.t, http.StatusCreated, c.do(http.MethodPost, "/api/spaces", gin.H{"title": "Evening show"}, &sp))
	require.Equal(c.t, http.StatusOK, c.do(http.MethodPost, "/api/spaces/"+string(sp.ID)+"/start", nil, &sp))
	require.Equal(c.t, domain.SpaceLive, sp.Status)
	return sp.ID
}

func TestHealthz(t *testing.T) {
	srv, _ := newGateway(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIRequiresBearer(t *testing.T) {
	srv, _ := newGateway(t)
	resp, err := http.Post(srv.URL+"/api/spaces", "application/json", strings.NewReader(`{"title":"x"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestClientKeepsItsSession(t *testing.T) {
	srv, reg := newGateway(t)
	c := newClient(t, srv, "hana")
	c.snapshot()
	c.snapshot()
	assert.Equal(t, 1, reg.Len())

	newClient(t, srv, "hana").snapshot()
	assert.Equal(t, 2, reg.Len(), "another browser gets its own session")
}

func TestSpeakerRequestFlow(t *testing.T) {
	srv, _ := newGateway(t)
	h := newClient(t, srv, "hana")
	l := newClient(t, srv, "leo")
	id := h.liveSpace()

	var snap orch.Snapshot
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/spaces/"+string(id)+"/join", nil, &snap))
	require.Eventually(t, func() bool { return h.snapshot().State == orch.StateSpeaking }, wait, tick)

	require.Equal(t, http.StatusOK, l.do(http.MethodPost, "/api/spaces/"+string(id)+"/join", nil, &snap))
	assert.Equal(t, orch.StateListener, snap.State)
	assert.Equal(t, domain.RoleListener, snap.Role)

	require.Equal(t, http.StatusAccepted, l.do(http.MethodPost, "/api/session/request", nil, nil))

	var pending struct {
		Requests []domain.SpeakerRequest `json:"requests"`
	}
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/session/requests", nil, &pending))
	require.Len(t, pending.Requests, 1)
	assert.Equal(t, domain.UserID("leo"), pending.Requests[0].UserID)

	var resolved domain.SpeakerRequest
	path := "/api/session/requests/" + string(pending.Requests[0].ID) + "/resolve"
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, path, gin.H{"accept": true}, &resolved))
	assert.Equal(t, domain.RequestAccepted, resolved.Status)

	require.Eventually(t, func() bool {
		s := l.snapshot()
		return s.State == orch.StateSpeaking && s.Role == domain.RoleSpeaker
	}, wait, tick)

	var muted struct {
		Muted bool `json:"muted"`
	}
	require.Equal(t, http.StatusOK, l.do(http.MethodPost, "/api/session/mute", nil, &muted))
	assert.False(t, muted.Muted)

	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/session/end", nil, &snap))
	assert.Equal(t, orch.StateIdle, snap.State)
	assert.Equal(t, orch.ReasonEnded, snap.Reason)
	require.Eventually(t, func() bool { return l.snapshot().Reason == orch.ReasonEnded }, wait, tick)
}

func TestErrorStatuses(t *testing.T) {
	srv, _ := newGateway(t)
	h := newClient(t, srv, "hana")
	l := newClient(t, srv, "leo")
	id := h.liveSpace()

	assert.Equal(t, http.StatusNotFound, l.do(http.MethodPost, "/api/spaces/nope/join", nil, nil))
	assert.Equal(t, http.StatusConflict, l.do(http.MethodPost, "/api/session/mute", nil, nil), "not in a space")
	assert.Equal(t, http.StatusForbidden, l.do(http.MethodPost, "/api/spaces/"+string(id)+"/start", nil, nil))
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/api/spaces", gin.H{}, nil))

	require.Equal(t, http.StatusOK, l.do(http.MethodPost, "/api/spaces/"+string(id)+"/join", nil, nil))
	assert.Equal(t, http.StatusForbidden, l.do(http.MethodPost, "/api/session/end", nil, nil))
	assert.Equal(t, http.StatusForbidden, l.do(http.MethodPost, "/api/session/mute", nil, nil))
	assert.Equal(t, http.StatusBadRequest, l.do(http.MethodPost, "/api/session/promote", gin.H{"user_id": "hana", "role": "boss"}, nil))
	assert.Equal(t, http.StatusForbidden, l.do(http.MethodPost, "/api/session/promote", gin.H{"user_id": "hana", "role": "speaker"}, nil))
	assert.Equal(t, http.StatusBadRequest, l.do(http.MethodPost, "/api/session/requests/x/resolve", gin.H{}, nil))
	assert.Equal(t, http.StatusConflict, l.do(http.MethodPost, "/api/spaces/"+string(id)+"/join", nil, nil), "already joined")
}

func TestEventsStream(t *testing.T) {
	srv, _ := newGateway(t)
	c := newClient(t, srv, "hana")
	id := c.liveSpace()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/session/events"
	dialer := websocket.Dialer{Jar: c.http.Jar, HandshakeTimeout: wait}
	ws, resp, err := dialer.Dial(u, http.Header{"Authorization": {"Bearer " + c.token}})
	require.NoError(t, err)
	defer resp.Body.Close()
	defer ws.Close()

	var first orch.Update
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(wait)))
	require.NoError(t, ws.ReadJSON(&first))
	require.NotNil(t, first.Snapshot)
	assert.Equal(t, orch.StateIdle, first.Snapshot.State)

	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/spaces/"+string(id)+"/join", nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	for ctx.Err() == nil {
		var u orch.Update
		require.NoError(t, ws.ReadJSON(&u))
		if u.Snapshot != nil && u.Snapshot.State == orch.StateSpeaking {
			return
		}
	}
	t.Fatal("no speaking snapshot on the stream")
}

func TestRelayMountedWithItsOwnAuth(t *testing.T) {
	srv, _ := newGateway(t)
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal?space=s1"

	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := auth.Sign([]byte(secret), "hana", "s1", time.Minute)
	require.NoError(t, err)
	ws, resp, err := websocket.DefaultDialer.Dial(u, http.Header{"Authorization": {"Bearer " + token}})
	require.NoError(t, err)
	defer resp.Body.Close()
	ws.Close()
}

func TestRegistryReplacesSessionOnUserSwitch(t *testing.T) {
	var built []domain.UserID
	reg := NewRegistry(func(user domain.UserID) *orch.Session {
		built = append(built, user)
		return orch.New(user, orch.Deps{})
	})
	defer reg.Close()

	a := reg.Session("ct", "hana")
	assert.Same(t, a, reg.Session("ct", "hana"))
	b := reg.Session("ct", "leo")
	assert.NotSame(t, a, b)
	assert.Equal(t, []domain.UserID{"hana", "leo"}, built)

	assert.ErrorIs(t, a.Join(context.Background(), "s1"), orch.ErrClosed, "replaced session is closed")
	reg.Drop("ct")
	_, ok := reg.Lookup("ct")
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Len())
}
