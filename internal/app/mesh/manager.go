// Package mesh keeps one audio peer connection per remote speaker while the
// local session is speaking.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const maxBufferedCandidates = 64

var errICEFailed = errors.New("ice failed")

// Sender is the outbound half of the signaling channel.
type Sender interface {
	Send(core.Envelope) error
}

type Config struct {
	Space   domain.SpaceID
	Self    domain.UserID
	Factory core.MediaFactory
	Signal  Sender

	// NegotiationTimeout fails a link that has not connected in time. Zero disables it.
	NegotiationTimeout time.Duration
	// SpeakingWindow is how recent a packet must be for a peer to count as speaking.
	SpeakingWindow time.Duration

	// Dispatch runs connection callbacks. It must not run f on the calling
	// goroutine; the default starts a new goroutine.
	Dispatch func(f func())

	OnPeer  func(PeerInfo)
	OnError func(*domain.AudioError)
	Sink    AudioSink
}

type Manager struct {
	cfg    Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	links   map[domain.UserID]*PeerLink
	retried map[domain.UserID]bool
	local   core.LocalStream
	gen     uint64
	notes   []func()
}

func New(cfg Config) *Manager {
	if cfg.Dispatch == nil {
		cfg.Dispatch = func(f func()) { go f() }
	}
	if cfg.SpeakingWindow <= 0 {
		cfg.SpeakingWindow = 300 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg: cfg,
		logger: log.With().
			Str("module", "mesh").
			Str("space", string(cfg.Space)).
			Str("user", string(cfg.Self)).
			Logger(),
		ctx:     ctx,
		cancel:  cancel,
		links:   make(map[domain.UserID]*PeerLink),
		retried: make(map[domain.UserID]bool),
	}
}

// unlock releases the lock and then runs the notifications queued under it.
func (m *Manager) unlock() {
	notes := m.notes
	m.notes = nil
	m.mu.Unlock()
	for _, n := range notes {
		n()
	}
}

func (m *Manager) nextGen() uint64 {
	m.gen++
	return m.gen
}

func (m *Manager) peerChanged(l *PeerLink) {
	if m.cfg.OnPeer == nil {
		return
	}
	info := m.info(l, time.Now())
	m.notes = append(m.notes, func() { m.cfg.OnPeer(info) })
}

// CreateOffer opens a link to remote and sends it an offer. A live link to
// remote already exists: domain.ErrConflict.
func (m *Manager) CreateOffer(remote domain.UserID) error {
	if remote == m.cfg.Self {
		return fmt.Errorf("offer to self: %w", domain.ErrInvalidState)
	}
	m.mu.Lock()
	defer m.unlock()
	if l, ok := m.links[remote]; ok {
		if l.State().Live() {
			return fmt.Errorf("link to %s is %s: %w", remote, l.State(), domain.ErrConflict)
		}
		m.drop(l)
	}
	l, err := m.newLink(remote)
	if err != nil {
		return err
	}
	if err := m.offer(l); err != nil {
		m.fail(l, err)
		return err
	}
	return nil
}

func (m *Manager) HandleOffer(env core.Envelope) {
	var p core.SessionPayload
	if err := env.Decode(&p); err != nil {
		m.logger.Warn().Err(err).Str("peer", string(env.From)).Msg("bad offer")
		return
	}

	m.mu.Lock()
	defer m.unlock()
	l := m.links[env.From]
	if l != nil && l.State().Live() && l.awaiting {
		if !m.cfg.Self.Less(env.From) {
			m.logger.Debug().Str("peer", string(env.From)).Msg("glare: keeping our offer")
			return
		}
		m.logger.Debug().Str("peer", string(env.From)).Msg("glare: deferring to remote offer")
		m.drop(l)
		l = nil
	}
	if l != nil && (!l.State().Live() || p.Fresh) {
		// the remote side started over with a new connection
		m.drop(l)
		l = nil
	}
	if l == nil {
		var err error
		if l, err = m.newLink(env.From); err != nil {
			m.surface(env.From, err)
			return
		}
	}
	m.answer(l, p)
}

func (m *Manager) HandleAnswer(env core.Envelope) {
	var p core.SessionPayload
	if err := env.Decode(&p); err != nil {
		m.logger.Warn().Err(err).Str("peer", string(env.From)).Msg("bad answer")
		return
	}

	m.mu.Lock()
	defer m.unlock()
	l := m.links[env.From]
	if l == nil || !l.State().Live() || !l.awaiting || p.Negotiation != l.negotiation {
		m.logger.Debug().Str("peer", string(env.From)).Str("negotiation", p.Negotiation).Msg("stale answer dropped")
		return
	}
	if err := l.conn.ApplyAnswer(p.SDP); err != nil {
		m.fail(l, fmt.Errorf("apply answer: %w", err))
		return
	}
	l.awaiting = false
	l.remoteSet = true
	m.flushCandidates(l)
	m.settle(l)
}

// HandleIceCandidate applies a remote candidate, buffering it until the
// remote description is known.
func (m *Manager) HandleIceCandidate(env core.Envelope) {
	var p core.CandidatePayload
	if err := env.Decode(&p); err != nil {
		m.logger.Warn().Err(err).Str("peer", string(env.From)).Msg("bad candidate")
		return
	}

	m.mu.Lock()
	defer m.unlock()
	l := m.links[env.From]
	if l == nil || !l.State().Live() {
		return
	}
	if !l.remoteSet {
		if len(l.pending) < maxBufferedCandidates {
			l.pending = append(l.pending, p)
		}
		return
	}
	if p.Negotiation != "" && p.Negotiation != l.negotiation {
		return
	}
	if err := l.conn.AddICECandidate(p.Candidate); err != nil {
		m.logger.Warn().Err(err).Str("peer", string(l.Remote)).Msg("add ice candidate")
	}
}

// AttachLocalStream adds the capture track to every live link and renegotiates them.
func (m *Manager) AttachLocalStream(s core.LocalStream) {
	m.mu.Lock()
	defer m.unlock()
	m.local = s
	for _, l := range m.liveLinks() {
		if err := l.conn.AddLocalTrack(s.Track()); err != nil {
			m.fail(l, fmt.Errorf("add local track: %w", err))
			continue
		}
		if err := m.offer(l); err != nil {
			m.fail(l, err)
		}
	}
}

// DetachLocalStream stops sending on every live link and renegotiates them.
func (m *Manager) DetachLocalStream() {
	m.mu.Lock()
	defer m.unlock()
	if m.local == nil {
		return
	}
	m.local = nil
	for _, l := range m.liveLinks() {
		if err := l.conn.RemoveLocalTracks(); err != nil {
			m.fail(l, fmt.Errorf("remove local tracks: %w", err))
			continue
		}
		if err := m.offer(l); err != nil {
			m.fail(l, err)
		}
	}
}

// Close tears down the link to remote. It reports whether one existed.
func (m *Manager) Close(remote domain.UserID) bool {
	m.mu.Lock()
	defer m.unlock()
	delete(m.retried, remote)
	l, ok := m.links[remote]
	if !ok {
		return false
	}
	m.drop(l)
	m.peerChanged(l)
	m.logger.Info().Str("peer", string(remote)).Msg("link closed")
	return true
}

// CloseAll tears down every link and returns the remotes that were connected.
func (m *Manager) CloseAll() []domain.UserID {
	m.mu.Lock()
	defer m.unlock()
	connected := make([]domain.UserID, 0, len(m.links))
	for remote, l := range m.links {
		if l.State() == StateConnected {
			connected = append(connected, remote)
		}
		m.drop(l)
		m.peerChanged(l)
	}
	m.retried = make(map[domain.UserID]bool)
	sort.Slice(connected, func(i, j int) bool { return connected[i].Less(connected[j]) })
	return connected
}

// Shutdown closes every link and stops remote audio readers.
func (m *Manager) Shutdown() {
	m.CloseAll()
	m.mu.Lock()
	m.local = nil
	m.mu.Unlock()
	m.cancel()
}

func (m *Manager) HasLink(remote domain.UserID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[remote]
	return ok && l.State().Live()
}

func (m *Manager) Peers() []PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := make([]PeerInfo, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, m.info(l, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Remote.Less(out[j].Remote) })
	return out
}

func (m *Manager) info(l *PeerLink, now time.Time) PeerInfo {
	last := l.audio.lastAt()
	return PeerInfo{
		Remote:     l.Remote,
		State:      l.State().String(),
		Initiator:  l.initiator,
		Generation: l.gen,
		Packets:    l.audio.packets.Load(),
		LastAudio:  last,
		Speaking:   !last.IsZero() && now.Sub(last) < m.cfg.SpeakingWindow,
	}
}

func (m *Manager) liveLinks() []*PeerLink {
	out := make([]*PeerLink, 0, len(m.links))
	for _, l := range m.links {
		if l.State().Live() {
			out = append(out, l)
		}
	}
	return out
}

func (m *Manager) newLink(remote domain.UserID) (*PeerLink, error) {
	conn, err := m.cfg.Factory.NewConnection(remote)
	if err != nil {
		return nil, fmt.Errorf("new connection to %s: %w", remote, err)
	}
	l := &PeerLink{Remote: remote, conn: conn, gen: m.nextGen(), fresh: true}
	if m.local != nil {
		if err := conn.AddLocalTrack(m.local.Track()); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("add local track: %w", err)
		}
	}
	m.bind(l)
	m.links[remote] = l
	return l, nil
}

// bind routes connection callbacks through Dispatch. Each callback is tied to
// the connection it came from and ignored once the link moved on.
func (m *Manager) bind(l *PeerLink) {
	conn, remote := l.conn, l.Remote
	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		m.cfg.Dispatch(func() { m.onLocalCandidate(remote, conn, c) })
	})
	conn.OnStateChange(func(s webrtc.PeerConnectionState) {
		m.cfg.Dispatch(func() { m.onConnState(remote, conn, s) })
	})
	conn.OnTrack(func(t core.RemoteTrack) {
		m.cfg.Dispatch(func() { m.onTrack(remote, conn, t) })
	})
}

func (m *Manager) current(remote domain.UserID, conn core.MediaConnection) *PeerLink {
	l, ok := m.links[remote]
	if !ok || l.conn != conn || !l.State().Live() {
		return nil
	}
	return l
}

func (m *Manager) offer(l *PeerLink) error {
	l.gen = m.nextGen()
	l.negotiation = uuid.NewString()
	l.initiator = true
	l.awaiting = true
	l.remoteSet = false
	l.pending = nil
	l.setState(StateOffering)

	fresh := l.fresh
	l.fresh = false

	sdp, err := l.conn.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	m.send(core.EnvOffer, l.Remote, core.SessionPayload{Negotiation: l.negotiation, Fresh: fresh, SDP: sdp})
	m.arm(l)
	m.logger.Debug().Str("peer", string(l.Remote)).Uint64("gen", l.gen).Msg("offer sent")
	return nil
}

func (m *Manager) answer(l *PeerLink, p core.SessionPayload) {
	l.gen = m.nextGen()
	l.negotiation = p.Negotiation
	l.initiator = false
	l.awaiting = false
	l.fresh = false
	if l.State() != StateConnected {
		l.setState(StateAnswering)
	}

	sdp, err := l.conn.ApplyOffer(p.SDP)
	if err != nil {
		m.fail(l, fmt.Errorf("apply offer: %w", err))
		return
	}
	l.remoteSet = true
	m.flushCandidates(l)
	m.send(core.EnvAnswer, l.Remote, core.SessionPayload{Negotiation: p.Negotiation, SDP: sdp})
	if l.State() != StateConnected {
		m.arm(l)
	}
	m.logger.Debug().Str("peer", string(l.Remote)).Uint64("gen", l.gen).Msg("answer sent")
}

// settle marks a link connected once its connection is up and no offer is outstanding.
func (m *Manager) settle(l *PeerLink) {
	if !l.up() || l.awaiting {
		return
	}
	l.stopTimer()
	if l.State() != StateConnected {
		l.setState(StateConnected)
		delete(m.retried, l.Remote)
		m.peerChanged(l)
		m.logger.Info().Str("peer", string(l.Remote)).Uint64("gen", l.gen).Msg("link connected")
	}
}

func (m *Manager) flushCandidates(l *PeerLink) {
	for _, c := range l.takeCandidates() {
		if err := l.conn.AddICECandidate(c); err != nil {
			m.logger.Warn().Err(err).Str("peer", string(l.Remote)).Msg("add buffered candidate")
		}
	}
}

func (m *Manager) arm(l *PeerLink) {
	l.stopTimer()
	if m.cfg.NegotiationTimeout <= 0 {
		return
	}
	remote, gen := l.Remote, l.gen
	l.timer = time.AfterFunc(m.cfg.NegotiationTimeout, func() {
		m.cfg.Dispatch(func() { m.onTimeout(remote, gen) })
	})
}

func (m *Manager) onTimeout(remote domain.UserID, gen uint64) {
	m.mu.Lock()
	defer m.unlock()
	l, ok := m.links[remote]
	if !ok || l.gen != gen || !l.State().Live() {
		m.logger.Debug().Str("peer", string(remote)).Uint64("gen", gen).Msg("stale timeout ignored")
		return
	}
	if l.State() == StateConnected {
		return
	}
	m.fail(l, fmt.Errorf("negotiation timed out after %s", m.cfg.NegotiationTimeout))
}

func (m *Manager) onLocalCandidate(remote domain.UserID, conn core.MediaConnection, c webrtc.ICECandidateInit) {
	m.mu.Lock()
	defer m.unlock()
	l := m.current(remote, conn)
	if l == nil {
		return
	}
	m.send(core.EnvCandidate, remote, core.CandidatePayload{Negotiation: l.negotiation, Candidate: c})
}

func (m *Manager) onConnState(remote domain.UserID, conn core.MediaConnection, s webrtc.PeerConnectionState) {
	m.mu.Lock()
	defer m.unlock()
	l := m.current(remote, conn)
	if l == nil {
		m.logger.Debug().Str("peer", string(remote)).Str("pc_state", s.String()).Msg("stale connection state ignored")
		return
	}
	switch s {
	case webrtc.PeerConnectionStateConnected:
		l.connUp = true
		m.settle(l)
	case webrtc.PeerConnectionStateFailed:
		m.fail(l, errICEFailed)
	case webrtc.PeerConnectionStateDisconnected:
		m.logger.Warn().Str("peer", string(remote)).Msg("connection disconnected, waiting for ice")
	}
}

// fail tears the link down and re-offers once. A second failure is surfaced
// as an AudioError for that peer only.
func (m *Manager) fail(l *PeerLink, cause error) {
	remote := l.Remote
	l.stopTimer()
	_ = l.conn.Close()
	l.setState(StateFailed)
	m.logger.Warn().Err(cause).Str("peer", string(remote)).Uint64("gen", l.gen).Msg("link failed")

	if !m.retried[remote] {
		m.retried[remote] = true
		delete(m.links, remote)
		nl, err := m.newLink(remote)
		if err == nil {
			if err = m.offer(nl); err == nil {
				m.logger.Info().Str("peer", string(remote)).Msg("renegotiating after failure")
				return
			}
			m.fail(nl, err)
			return
		}
		cause = err
		m.links[remote] = l
	}
	m.peerChanged(l)
	m.surface(remote, cause)
}

func (m *Manager) surface(remote domain.UserID, cause error) {
	ae := domain.NewAudioError(domain.AudioNegotiationFailed, remote, fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, cause))
	ae.Persistent = true
	if m.cfg.OnError != nil {
		m.notes = append(m.notes, func() { m.cfg.OnError(ae) })
	}
}

func (m *Manager) drop(l *PeerLink) {
	l.stopTimer()
	if l.State() != StateFailed {
		_ = l.conn.Close()
	}
	l.setState(StateClosed)
	if cur, ok := m.links[l.Remote]; ok && cur == l {
		delete(m.links, l.Remote)
	}
}

func (m *Manager) send(t core.EnvelopeType, to domain.UserID, payload any) {
	env, err := core.NewEnvelope(t, m.cfg.Space, m.cfg.Self, to, payload)
	if err != nil {
		m.logger.Error().Err(err).Msg("build envelope")
		return
	}
	if err := m.cfg.Signal.Send(env); err != nil {
		m.logger.Warn().Err(err).Str("peer", string(to)).Str("type", string(t)).Msg("send envelope")
	}
}
