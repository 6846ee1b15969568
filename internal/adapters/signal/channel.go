// Package signal is the client side of the space signaling relay: one channel
// state machine over pluggable transports.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Spaces/internal/app"
	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("channel closed")
)

// Conn is one established connection to the relay.
type Conn interface {
	ReadFrame() (core.Frame, error)
	WriteFrame(core.Frame) error
	Close() error
}

type Transport interface {
	Dial(ctx context.Context, space domain.SpaceID, self domain.UserID) (Conn, error)
}

type Options struct {
	SendBuffer   int
	RateLimit    int
	RateInterval time.Duration
	DialTimeout  time.Duration
	Reconnect    app.ReconnectPolicy
}

func DefaultOptions() Options {
	return Options{
		SendBuffer:   64,
		RateLimit:    50,
		RateInterval: time.Second,
		DialTimeout:  10 * time.Second,
		Reconnect:    app.DefaultReconnectPolicy(),
	}
}

var _ core.SignalConnector = (*Connector)(nil)

type Connector struct {
	transport Transport
	opts      Options
}

func NewConnector(t Transport, opts Options) *Connector {
	def := DefaultOptions()
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = def.DialTimeout
	}
	if opts.Reconnect.Attempts <= 0 {
		opts.Reconnect = def.Reconnect
	}
	return &Connector{transport: t, opts: opts}
}

// Connect dials the relay once. Failure of this first dial is returned as
// domain.ErrTransportDisconnected; later failures go through reconnection.
func (c *Connector) Connect(ctx context.Context, space domain.SpaceID, self domain.UserID, h core.SignalHandlers) (core.SignalChannel, error) {
	ch := &Channel{
		space:     space,
		self:      self,
		transport: c.transport,
		opts:      c.opts,
		limiter:   NewSenderLimiter(c.opts.RateLimit, c.opts.RateInterval),
		handlers:  h,
		send:      make(chan core.Frame, c.opts.SendBuffer),
		done:      make(chan struct{}),
		status:    core.ChannelDisconnected,
		logger: log.With().
			Str("module", "signal").
			Str("space", string(space)).
			Str("user", string(self)).
			Logger(),
	}
	ch.setStatus(core.ChannelConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	conn, err := c.transport.Dial(dialCtx, space, self)
	cancel()
	if err != nil {
		ch.setStatus(core.ChannelDisconnected)
		return nil, fmt.Errorf("dial relay: %w: %v", domain.ErrTransportDisconnected, err)
	}

	ch.ctx, ch.cancel = context.WithCancel(context.WithoutCancel(ctx))
	ch.setStatus(core.ChannelConnected)
	go ch.run(conn)
	return ch, nil
}

var _ core.SignalChannel = (*Channel)(nil)

type Channel struct {
	space     domain.SpaceID
	self      domain.UserID
	transport Transport
	opts      Options
	limiter   *SenderLimiter
	handlers  core.SignalHandlers
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	send   chan core.Frame
	done   chan struct{}

	mu     sync.RWMutex
	status core.ChannelStatus
	conn   Conn
	closed bool
}

func (ch *Channel) Status() core.ChannelStatus {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.status
}

func (ch *Channel) setStatus(s core.ChannelStatus) {
	ch.mu.Lock()
	if ch.status == s || ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.status = s
	ch.mu.Unlock()

	ch.logger.Info().Str("status", string(s)).Msg("channel status")
	if ch.handlers.OnStatus != nil {
		ch.handlers.OnStatus(s)
	}
}

// Send queues env for delivery. Envelopes queued while reconnecting go out
// once the channel is back.
func (ch *Channel) Send(env core.Envelope) error {
	if env.Space == "" {
		env.Space = ch.space
	}
	if env.From == "" {
		env.From = ch.self
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	ch.mu.RLock()
	defer ch.mu.RUnlock()
	if ch.closed {
		return ErrClosed
	}
	if ch.status == core.ChannelDisconnected {
		return domain.ErrTransportDisconnected
	}
	select {
	case ch.send <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close stops the channel without emitting a status change.
func (ch *Channel) Close() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	conn := ch.conn
	ch.mu.Unlock()

	ch.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	ch.logger.Info().Msg("channel closed")
}

// Done is closed once the channel has stopped for good.
func (ch *Channel) Done() <-chan struct{} { return ch.done }

func (ch *Channel) run(conn Conn) {
	defer close(ch.done)
	for {
		err := ch.serve(conn)
		if ch.ctx.Err() != nil {
			return
		}
		ch.logger.Warn().Err(err).Msg("relay connection lost")

		conn = ch.reconnect()
		if conn == nil {
			if ch.ctx.Err() == nil {
				ch.setStatus(core.ChannelDisconnected)
			}
			return
		}
		ch.setStatus(core.ChannelConnected)
	}
}

func (ch *Channel) serve(conn Conn) error {
	ch.mu.Lock()
	ch.conn = conn
	ch.mu.Unlock()

	connCtx, cancel := context.WithCancel(ch.ctx)
	errc := make(chan error, 2)
	go func() { errc <- ch.writePump(connCtx, conn) }()
	go func() { errc <- ch.readPump(conn) }()

	err := <-errc
	cancel()
	_ = conn.Close()
	<-errc

	ch.mu.Lock()
	if ch.conn == conn {
		ch.conn = nil
	}
	ch.mu.Unlock()
	return err
}

func (ch *Channel) reconnect() Conn {
	ch.setStatus(core.ChannelReconnecting)
	policy := ch.opts.Reconnect
	for n := 1; !policy.Exhausted(n); n++ {
		wait := policy.Backoff(n)
		timer := time.NewTimer(wait)
		select {
		case <-ch.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		dialCtx, cancel := context.WithTimeout(ch.ctx, ch.opts.DialTimeout)
		conn, err := ch.transport.Dial(dialCtx, ch.space, ch.self)
		cancel()
		if err == nil {
			ch.logger.Info().Int("attempt", n).Msg("reconnected")
			return conn
		}
		ch.logger.Warn().Err(err).Int("attempt", n).Dur("waited", wait).Msg("reconnect attempt failed")
	}
	return nil
}
