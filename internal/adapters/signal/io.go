package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Spaces/internal/core"
)

func (ch *Channel) writePump(ctx context.Context, conn Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-ch.send:
			if err := conn.WriteFrame(frame); err != nil {
				ch.logger.Error().Err(err).Msg("writePump write error")
				return err
			}
		}
	}
}

func (ch *Channel) readPump(conn Conn) error {
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		ch.handleFrame(data)
	}
}

// handleFrame drops envelopes for other spaces, our own echoes and directed
// envelopes addressed to someone else.
func (ch *Channel) handleFrame(data core.Frame) {
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		ch.logger.Warn().Err(err).Msg("bad envelope")
		return
	}
	if env.Space != ch.space || !env.For(ch.self) {
		return
	}
	if !ch.limiter.Allow(env.From) {
		ch.logger.Warn().Str("from", string(env.From)).Str("type", string(env.Type)).Msg("rate limited")
		return
	}
	if env.Type == core.EnvLeave && !env.Directed() {
		ch.limiter.Forget(env.From)
	}
	if ch.handlers.OnMessage != nil {
		ch.handlers.OnMessage(env)
	}
}
