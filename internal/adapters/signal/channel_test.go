package signal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Spaces/internal/app"
	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	statuses []core.ChannelStatus
	msgs     chan core.Envelope
}

func newRecorder() *recorder { return &recorder{msgs: make(chan core.Envelope, 32)} }

func (p *recorder) handlers() core.SignalHandlers {
	return core.SignalHandlers{
		OnMessage: func(env core.Envelope) { p.msgs <- env },
		OnStatus: func(s core.ChannelStatus) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.statuses = append(p.statuses, s)
		},
	}
}

func (p *recorder) last() core.ChannelStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.statuses) == 0 {
		return ""
	}
	return p.statuses[len(p.statuses)-1]
}

func (p *recorder) history() []core.ChannelStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.ChannelStatus(nil), p.statuses...)
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.Reconnect = app.ReconnectPolicy{Attempts: 3, Base: 5 * time.Millisecond, Max: 20 * time.Millisecond}
	return opts
}

func connect(t *testing.T, c *Connector, user domain.UserID, p *recorder) core.SignalChannel {
	t.Helper()
	ch, err := c.Connect(context.Background(), "space-1", user, p.handlers())
	require.NoError(t, err)
	t.Cleanup(ch.Close)
	return ch
}

func TestBroadcastAndDirectedDelivery(t *testing.T) {
	hub := NewHub(0)
	c := NewConnector(hub, fastOptions())
	alice, bob, carol := newRecorder(), newRecorder(), newRecorder()
	a := connect(t, c, "alice", alice)
	connect(t, c, "bob", bob)
	connect(t, c, "carol", carol)

	env, err := core.NewEnvelope(core.EnvSpeakerJoined, "", "", "", nil)
	require.NoError(t, err)
	require.NoError(t, a.Send(env))

	for _, p := range []*recorder{bob, carol} {
		select {
		case got := <-p.msgs:
			assert.Equal(t, core.EnvSpeakerJoined, got.Type)
			assert.Equal(t, domain.UserID("alice"), got.From)
			assert.Equal(t, domain.SpaceID("space-1"), got.Space)
		case <-time.After(time.Second):
			t.Fatal("broadcast not delivered")
		}
	}

	env, err = core.NewEnvelope(core.EnvOffer, "", "", "carol", core.SessionPayload{Negotiation: "n1"})
	require.NoError(t, err)
	require.NoError(t, a.Send(env))
	select {
	case got := <-carol.msgs:
		assert.Equal(t, core.EnvOffer, got.Type)
	case <-time.After(time.Second):
		t.Fatal("directed envelope not delivered")
	}
	select {
	case got := <-bob.msgs:
		t.Fatalf("bob received %s addressed to carol", got.Type)
	case <-time.After(50 * time.Millisecond):
	}
	select {
	case <-alice.msgs:
		t.Fatal("sender received its own envelope")
	default:
	}
}

func TestHandleFrameFilters(t *testing.T) {
	p := newRecorder()
	ch := &Channel{space: "s1", self: "bob", handlers: p.handlers(), logger: zerolog.Nop()}

	frames := []string{
		`not json`,
		`{"type":"offer","space":"s1","from":"bob","to":"alice"}`,
		`{"type":"offer","space":"s1","from":"alice","to":"carol"}`,
		`{"type":"offer","space":"s2","from":"alice","to":"bob"}`,
		`{"type":"offer","space":"s1","from":"alice","to":"bob"}`,
	}
	for _, f := range frames {
		ch.handleFrame(core.Frame(f))
	}
	require.Len(t, p.msgs, 1)
	got := <-p.msgs
	assert.Equal(t, domain.UserID("alice"), got.From)
}

func TestInboundRateLimit(t *testing.T) {
	p := newRecorder()
	ch := &Channel{space: "s1", self: "bob", handlers: p.handlers(), logger: zerolog.Nop(), limiter: NewSenderLimiter(2, time.Minute)}
	for i := 0; i < 5; i++ {
		ch.handleFrame(core.Frame(`{"type":"ice-candidate","space":"s1","from":"alice","to":"bob"}`))
	}
	assert.Len(t, p.msgs, 2)
}

func TestReconnectAfterDrop(t *testing.T) {
	hub := NewHub(0)
	c := NewConnector(hub, fastOptions())
	p := newRecorder()
	ch := connect(t, c, "alice", p)
	require.Equal(t, core.ChannelConnected, ch.Status())

	hub.Drop("alice", false)
	require.Eventually(t, func() bool {
		h := p.history()
		return len(h) >= 4 && h[len(h)-1] == core.ChannelConnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []core.ChannelStatus{
		core.ChannelConnecting, core.ChannelConnected, core.ChannelReconnecting, core.ChannelConnected,
	}, p.history())
	assert.Equal(t, 1, hub.Online("space-1"))
}

func TestReconnectExhausted(t *testing.T) {
	hub := NewHub(0)
	c := NewConnector(hub, fastOptions())
	p := newRecorder()
	ch := connect(t, c, "alice", p)

	hub.Drop("alice", true)
	require.Eventually(t, func() bool { return p.last() == core.ChannelDisconnected }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, core.ChannelDisconnected, ch.Status())

	env, err := core.NewEnvelope(core.EnvLeave, "", "", "", nil)
	require.NoError(t, err)
	require.ErrorIs(t, ch.Send(env), domain.ErrTransportDisconnected)
}

func TestConnectFailure(t *testing.T) {
	hub := NewHub(0)
	hub.Drop("alice", true)
	p := newRecorder()
	_, err := NewConnector(hub, fastOptions()).Connect(context.Background(), "space-1", "alice", p.handlers())
	require.ErrorIs(t, err, domain.ErrTransportDisconnected)
	assert.Equal(t, core.ChannelDisconnected, p.last())
}

type stuckConn struct {
	once sync.Once
	done chan struct{}
}

func (c *stuckConn) ReadFrame() (core.Frame, error) { <-c.done; return nil, ErrClosed }
func (c *stuckConn) WriteFrame(core.Frame) error    { <-c.done; return ErrClosed }
func (c *stuckConn) Close() error                   { c.once.Do(func() { close(c.done) }); return nil }

type stuckTransport struct{}

func (stuckTransport) Dial(context.Context, domain.SpaceID, domain.UserID) (Conn, error) {
	return &stuckConn{done: make(chan struct{})}, nil
}

func TestSendBackpressure(t *testing.T) {
	opts := fastOptions()
	opts.SendBuffer = 1
	ch := connect(t, NewConnector(stuckTransport{}, opts), "alice", newRecorder())

	env, err := core.NewEnvelope(core.EnvSpeakerJoined, "", "", "", nil)
	require.NoError(t, err)
	var sawBackpressure bool
	for i := 0; i < 3; i++ {
		if err := ch.Send(env); err != nil {
			require.ErrorIs(t, err, ErrBackpressure)
			sawBackpressure = true
		}
	}
	assert.True(t, sawBackpressure)

	ch.Close()
	require.ErrorIs(t, ch.Send(env), ErrClosed)
}
