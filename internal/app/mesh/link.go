package mesh

import (
	"sync/atomic"
	"time"

	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
	"github.com/pion/webrtc/v4"
)

type LinkState int32

const (
	StateNone LinkState = iota
	StateOffering
	StateAnswering
	StateConnected
	StateFailed
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "closed"
	}
}

// Live reports whether the link still owns a connection.
func (s LinkState) Live() bool { return s != StateFailed && s != StateClosed }

// PeerLink is the local state for one remote audio peer.
type PeerLink struct {
	Remote domain.UserID

	conn  core.MediaConnection
	state atomic.Int32

	// gen grows on every new connection and every negotiation round.
	gen         uint64
	negotiation string
	initiator   bool
	awaiting    bool // our offer is out and unanswered
	fresh       bool // no offer or answer exchanged on conn yet
	connUp      bool
	remoteSet   bool
	pending     []core.CandidatePayload
	timer       *time.Timer

	audio activity
}

func (l *PeerLink) State() LinkState { return LinkState(l.state.Load()) }

func (l *PeerLink) setState(s LinkState) { l.state.Store(int32(s)) }

func (l *PeerLink) up() bool { return l.connUp }

func (l *PeerLink) stopTimer() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// takeCandidates returns buffered candidates of the current negotiation and drops the rest.
func (l *PeerLink) takeCandidates() []webrtc.ICECandidateInit {
	out := make([]webrtc.ICECandidateInit, 0, len(l.pending))
	for _, c := range l.pending {
		if c.Negotiation == "" || c.Negotiation == l.negotiation {
			out = append(out, c.Candidate)
		}
	}
	l.pending = nil
	return out
}

// activity tracks remote audio packets; written by the reader goroutine.
type activity struct {
	packets atomic.Uint64
	last    atomic.Int64
}

func (a *activity) mark(at time.Time) {
	a.packets.Add(1)
	a.last.Store(at.UnixNano())
}

func (a *activity) lastAt() time.Time {
	n := a.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// PeerInfo is a read-only view of a link.
type PeerInfo struct {
	Remote     domain.UserID `json:"remote"`
	State      string        `json:"state"`
	Initiator  bool          `json:"initiator"`
	Generation uint64        `json:"generation"`
	Packets    uint64        `json:"packets"`
	LastAudio  time.Time     `json:"last_audio,omitzero"`
	Speaking   bool          `json:"speaking"`
}
