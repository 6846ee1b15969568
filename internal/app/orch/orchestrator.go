// Package orch runs one user's session in a space: it joins, mirrors roles,
// drives capture and the audio mesh, and reconnects signaling.
package orch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Spaces/internal/app"
	"github.com/dkeye/Spaces/internal/app/mesh"
	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("session closed")

type State string

const (
	StateIdle     State = "idle"
	StateJoining  State = "joining"
	StateListener State = "listener"
	StateSpeaking State = "speaking"
	StateLeaving  State = "leaving"
)

// Reason tells why a session went back to idle.
type Reason string

const (
	ReasonLeft      Reason = "left"
	ReasonEnded     Reason = "ended"
	ReasonRemoved   Reason = "removed"
	ReasonTransport Reason = "transport"
)

type Deps struct {
	Spaces   *app.SpaceService
	Roles    *app.RoleStore
	Requests *app.RequestQueue
	Signal   core.SignalConnector
	Media    core.MediaFactory
	Capture  core.Capturer
	Sink     mesh.AudioSink

	NegotiationTimeout time.Duration
	// StoreTimeout bounds store writes done on the session's behalf.
	StoreTimeout time.Duration
}

// Snapshot is the read-only view handed to the presentation layer.
type Snapshot struct {
	State        State                   `json:"state"`
	Reason       Reason                  `json:"reason,omitempty"`
	Self         domain.UserID           `json:"self"`
	Space        *domain.Space           `json:"space,omitempty"`
	Role         domain.Role             `json:"role,omitempty"`
	Muted        bool                    `json:"muted"`
	Connection   core.ChannelStatus      `json:"connection"`
	Participants []domain.Participant    `json:"participants"`
	Peers        []mesh.PeerInfo         `json:"peers"`
	Requests     []domain.SpeakerRequest `json:"requests"`
	MyRequest    *domain.SpeakerRequest  `json:"my_request,omitempty"`
	LastError    *domain.AudioError      `json:"last_error,omitempty"`
	At           time.Time               `json:"at"`
}

// Update is one item of the session's outbound stream.
type Update struct {
	Snapshot *Snapshot          `json:"snapshot,omitempty"`
	Error    *domain.AudioError `json:"error,omitempty"`
}

// Session is the per-user coordinator. Every field below the loop marker is
// owned by the loop goroutine.
type Session struct {
	deps   Deps
	self   domain.UserID
	logger zerolog.Logger

	root  context.Context
	stop  context.CancelFunc
	inbox *queue

	snap atomic.Pointer[Snapshot]
	live atomic.Pointer[mesh.Manager]

	subsMu  sync.Mutex
	subs    map[uint64]chan Update
	nextSub uint64

	// loop
	state     State
	reason    Reason
	epoch     uint64
	capGen    uint64
	cancel    context.CancelFunc
	jctx      context.Context
	space     *domain.Space
	roster    *app.Roster
	role      domain.Role
	muted     bool
	status    core.ChannelStatus
	channel   core.SignalChannel
	mesh      *mesh.Manager
	stream    core.LocalStream
	acquiring bool
	denied    bool
	resume    []domain.UserID
	held      []core.Envelope
	pending   map[domain.RequestID]domain.SpeakerRequest
	mine      *domain.SpeakerRequest
	lastErr   *domain.AudioError
}

func New(self domain.UserID, deps Deps) *Session {
	if deps.StoreTimeout <= 0 {
		deps.StoreTimeout = 5 * time.Second
	}
	root, stop := context.WithCancel(context.Background())
	s := &Session{
		deps: deps,
		self: self,
		logger: log.With().
			Str("module", "orch").
			Str("user", string(self)).
			Logger(),
		root:   root,
		stop:   stop,
		inbox:  newQueue(),
		subs:   make(map[uint64]chan Update),
		state:  StateIdle,
		status: core.ChannelDisconnected,
	}
	s.publish()
	go s.loop()
	return s
}

func (s *Session) Self() domain.UserID { return s.self }

func (s *Session) loop() {
	for {
		select {
		case <-s.root.Done():
			return
		case <-s.inbox.wake:
			for _, f := range s.inbox.drain() {
				f()
			}
		}
	}
}

// post queues f on the loop. It never blocks and reports false once the
// session is closed.
func (s *Session) post(f func()) bool {
	if s.root.Err() != nil {
		return false
	}
	s.inbox.push(f)
	return true
}

// call runs f on the loop and waits for its result.
func (s *Session) call(ctx context.Context, f func() error) error {
	done := make(chan error, 1)
	if !s.post(func() { done <- f() }) {
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.root.Done():
		return ErrClosed
	}
}

// Close leaves the space if needed and stops the loop.
func (s *Session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), s.deps.StoreTimeout)
	defer cancel()
	if err := s.Leave(ctx); err != nil && !errors.Is(err, ErrClosed) {
		s.logger.Warn().Err(err).Msg("leave on close")
	}
	s.stop()

	s.subsMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subsMu.Unlock()
}

// Snapshot returns the latest view with fresh peer activity.
func (s *Session) Snapshot() Snapshot {
	out := *s.snap.Load()
	if m := s.live.Load(); m != nil {
		out.Peers = m.Peers()
	}
	return out
}

// Updates streams snapshots and audio errors until ctx ends. The current
// snapshot is delivered first. Slow readers lose updates, never block the session.
func (s *Session) Updates(ctx context.Context) <-chan Update {
	ch := make(chan Update, 32)
	snap := s.Snapshot()
	ch <- Update{Snapshot: &snap}

	s.subsMu.Lock()
	if s.root.Err() != nil {
		s.subsMu.Unlock()
		close(ch)
		return ch
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subsMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.root.Done():
		}
		s.subsMu.Lock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
		s.subsMu.Unlock()
	}()
	return ch
}

func (s *Session) fanout(u Update) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- u:
		default:
			s.logger.Warn().Msg("update dropped for slow subscriber")
		}
	}
}

// publish rebuilds the snapshot from loop state.
func (s *Session) publish() {
	snap := &Snapshot{
		State:        s.state,
		Reason:       s.reason,
		Self:         s.self,
		Role:         s.role,
		Muted:        s.muted,
		Connection:   s.status,
		Participants: []domain.Participant{},
		Peers:        []mesh.PeerInfo{},
		Requests:     []domain.SpeakerRequest{},
		LastError:    s.lastErr,
		At:           time.Now().UTC(),
	}
	if s.space != nil {
		sp := *s.space
		snap.Space = &sp
	}
	if s.roster != nil {
		snap.Participants = s.roster.Snapshot()
	}
	if s.mesh != nil {
		snap.Peers = s.mesh.Peers()
	}
	if s.role.CanModerate() {
		for _, r := range s.pending {
			snap.Requests = append(snap.Requests, r)
		}
		sort.Slice(snap.Requests, func(i, j int) bool { return snap.Requests[i].CreatedAt.Before(snap.Requests[j].CreatedAt) })
	}
	if s.mine != nil {
		r := *s.mine
		snap.MyRequest = &r
	}
	s.snap.Store(snap)
	s.fanout(Update{Snapshot: snap})
}

func (s *Session) emit(ae *domain.AudioError) {
	s.lastErr = ae
	s.logger.Warn().Err(ae).Str("notice", domain.Classify(ae).String()).Msg("audio error")
	s.fanout(Update{Error: ae})
	s.publish()
}

// queue is an unbounded FIFO of loop work.
type queue struct {
	mu    sync.Mutex
	items []func()
	wake  chan struct{}
}

func newQueue() *queue { return &queue{wake: make(chan struct{}, 1)} }

func (q *queue) push(f func()) {
	q.mu.Lock()
	q.items = append(q.items, f)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
