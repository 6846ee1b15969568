package mesh

import (
	"context"
	"time"

	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// AudioSink receives remote RTP packets, e.g. a mixer or a recorder.
type AudioSink interface {
	WriteRTP(peer domain.UserID, pkt *rtp.Packet) error
}

func (m *Manager) onTrack(remote domain.UserID, conn core.MediaConnection, t core.RemoteTrack) {
	m.mu.Lock()
	l := m.current(remote, conn)
	m.mu.Unlock()
	if l == nil {
		return
	}
	logger := m.logger.With().Str("peer", string(remote)).Str("track", t.ID()).Logger()
	logger.Info().Msg("remote track started")
	go m.readRemote(m.ctx, l, t, &logger)
}

// readRemote reads RTP packets from a remote track until it ends, recording
// activity and forwarding packets to the sink.
func (m *Manager) readRemote(ctx context.Context, l *PeerLink, t core.RemoteTrack, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("remote reader ctx done")
			return
		default:
		}
		pkt, err := t.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("remote track ended")
			return
		}
		if !l.State().Live() {
			return
		}
		l.audio.mark(time.Now())
		if m.cfg.Sink == nil {
			continue
		}
		if err := m.cfg.Sink.WriteRTP(l.Remote, pkt); err != nil {
			logger.Warn().Err(err).Msg("sink write failed, detaching sink for this track")
			m.drain(ctx, l, t)
			return
		}
	}
}

// drain keeps reading so activity stays visible after the sink gave up.
func (m *Manager) drain(ctx context.Context, l *PeerLink, t core.RemoteTrack) {
	for ctx.Err() == nil && l.State().Live() {
		if _, err := t.ReadRTP(); err != nil {
			return
		}
		l.audio.mark(time.Now())
	}
}
