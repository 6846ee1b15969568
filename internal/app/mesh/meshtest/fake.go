// Package meshtest provides in-memory media connections, capture and an
// envelope switchboard for exercising the mesh without a network.
package meshtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var errNoRemoteDescription = errors.New("remote description not set")

var _ core.MediaFactory = (*Factory)(nil)

// Factory hands out Conns. Unless Manual is set, a Conn reports connected as
// soon as both descriptions are in place.
type Factory struct {
	Manual bool
	Err    error

	mu    sync.Mutex
	conns map[domain.UserID][]*Conn
}

func NewFactory() *Factory {
	return &Factory{conns: make(map[domain.UserID][]*Conn)}
}

func (f *Factory) NewConnection(remote domain.UserID) (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := &Conn{Remote: remote, manual: f.Manual}
	f.conns[remote] = append(f.conns[remote], c)
	return c, nil
}

// Latest returns the newest connection created for remote.
func (f *Factory) Latest(remote domain.UserID) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.conns[remote]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (f *Factory) Count(remote domain.UserID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[remote])
}

var _ core.MediaConnection = (*Conn)(nil)

type Conn struct {
	Remote domain.UserID
	manual bool

	mu         sync.Mutex
	onCand     func(webrtc.ICECandidateInit)
	onState    func(webrtc.PeerConnectionState)
	onTrack    func(core.RemoteTrack)
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	tracks     int
	offers     int
	candidates []webrtc.ICECandidateInit
	closed     bool

	// FailOffer makes CreateOffer return this error.
	FailOffer error
}

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	if c.FailOffer != nil {
		err := c.FailOffer
		c.mu.Unlock()
		return webrtc.SessionDescription{}, err
	}
	c.offers++
	sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("v=0 offer %d tracks=%d", c.offers, c.tracks)}
	c.local = &sdp
	c.remote = nil
	c.mu.Unlock()
	go c.gather()
	return sdp, nil
}

func (c *Conn) ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("expected offer, got %s", offer.Type)
	}
	c.mu.Lock()
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("v=0 answer tracks=%d", c.tracks)}
	c.remote = &offer
	c.local = &answer
	manual := c.manual
	c.mu.Unlock()
	go c.gather()
	if !manual {
		go c.Connect()
	}
	return answer, nil
}

func (c *Conn) ApplyAnswer(answer webrtc.SessionDescription) error {
	c.mu.Lock()
	if c.local == nil || c.local.Type != webrtc.SDPTypeOffer {
		c.mu.Unlock()
		return errors.New("no local offer")
	}
	c.remote = &answer
	manual := c.manual
	c.mu.Unlock()
	if !manual {
		go c.Connect()
	}
	return nil
}

func (c *Conn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return errNoRemoteDescription
	}
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *Conn) AddLocalTrack(webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks++
	return nil
}

func (c *Conn) RemoveLocalTracks() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = 0
	return nil
}

func (c *Conn) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCand = f
}

func (c *Conn) OnStateChange(f func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = f
}

func (c *Conn) OnTrack(f func(core.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = f
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Conn) gather() {
	c.mu.Lock()
	f, closed := c.onCand, c.closed
	c.mu.Unlock()
	if f != nil && !closed {
		f(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"})
	}
}

func (c *Conn) fire(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	f, closed := c.onState, c.closed
	c.mu.Unlock()
	if f != nil && !closed {
		f(s)
	}
}

// Connect reports the connection as up.
func (c *Conn) Connect() { c.fire(webrtc.PeerConnectionStateConnected) }

// Fail reports an ICE failure.
func (c *Conn) Fail() { c.fire(webrtc.PeerConnectionStateFailed) }

// PushTrack delivers a remote track.
func (c *Conn) PushTrack(t core.RemoteTrack) {
	c.mu.Lock()
	f := c.onTrack
	c.mu.Unlock()
	if f != nil {
		f(t)
	}
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Tracks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracks
}

func (c *Conn) Offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

func (c *Conn) Candidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

// Track is a remote track fed by Push.
type Track struct {
	id   string
	pkts chan *rtp.Packet
	once sync.Once
}

func NewTrack(id string) *Track { return &Track{id: id, pkts: make(chan *rtp.Packet, 64)} }

func (t *Track) ID() string { return t.id }

func (t *Track) ReadRTP() (*rtp.Packet, error) {
	p, ok := <-t.pkts
	if !ok {
		return nil, io.EOF
	}
	return p, nil
}

func (t *Track) Push(seq uint16) {
	t.pkts <- &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: seq}, Payload: []byte{0xf8, 0xff, 0xfe}}
}

func (t *Track) End() { t.once.Do(func() { close(t.pkts) }) }

var _ core.Capturer = (*Capturer)(nil)

// Capturer hands out Streams, or Err when set. Delay holds each
// acquisition back, like a slow permission prompt.
type Capturer struct {
	Err   error
	Delay time.Duration

	acquired atomic.Int32
	mu       sync.Mutex
	streams  []*Stream
}

func (c *Capturer) Acquire(ctx context.Context) (core.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Delay > 0 {
		select {
		case <-time.After(c.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.Err != nil {
		return nil, c.Err
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", "meshtest")
	if err != nil {
		return nil, err
	}
	s := &Stream{track: track}
	s.muted.Store(true)
	c.acquired.Add(1)
	c.mu.Lock()
	c.streams = append(c.streams, s)
	c.mu.Unlock()
	return s, nil
}

func (c *Capturer) Acquired() int { return int(c.acquired.Load()) }

func (c *Capturer) Last() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) == 0 {
		return nil
	}
	return c.streams[len(c.streams)-1]
}

var _ core.LocalStream = (*Stream)(nil)

type Stream struct {
	track   *webrtc.TrackLocalStaticSample
	muted   atomic.Bool
	stopped atomic.Bool
}

func (s *Stream) Track() webrtc.TrackLocal { return s.track }
func (s *Stream) SetMuted(m bool)          { s.muted.Store(m) }
func (s *Stream) Muted() bool              { return s.muted.Load() }
func (s *Stream) Stop()                    { s.stopped.Store(true) }
func (s *Stream) Stopped() bool            { return s.stopped.Load() }
