package meshtest

import (
	"sync"

	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
)

// Endpoint is whatever consumes envelopes on one side, usually a mesh manager.
type Endpoint interface {
	HandleOffer(core.Envelope)
	HandleAnswer(core.Envelope)
	HandleIceCandidate(core.Envelope)
	Close(remote domain.UserID) bool
}

// Switchboard delivers envelopes between endpoints in send order, one
// goroutine per recipient. Pause holds every delivery until Resume.
type Switchboard struct {
	gate sync.RWMutex

	mu    sync.Mutex
	boxes map[domain.UserID]chan core.Envelope
	sent  map[core.EnvelopeType]int
}

func NewSwitchboard() *Switchboard {
	return &Switchboard{
		boxes: make(map[domain.UserID]chan core.Envelope),
		sent:  make(map[core.EnvelopeType]int),
	}
}

func (s *Switchboard) Attach(id domain.UserID, e Endpoint) {
	box := make(chan core.Envelope, 1024)
	s.mu.Lock()
	s.boxes[id] = box
	s.mu.Unlock()
	go func() {
		for env := range box {
			s.gate.RLock()
			deliver(e, env)
			s.gate.RUnlock()
		}
	}()
}

func deliver(e Endpoint, env core.Envelope) {
	switch env.Type {
	case core.EnvOffer:
		e.HandleOffer(env)
	case core.EnvAnswer:
		e.HandleAnswer(env)
	case core.EnvCandidate:
		e.HandleIceCandidate(env)
	case core.EnvLeave:
		e.Close(env.From)
	}
}

func (s *Switchboard) Pause()  { s.gate.Lock() }
func (s *Switchboard) Resume() { s.gate.Unlock() }

func (s *Switchboard) Sent(t core.EnvelopeType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[t]
}

// Sender returns the outbound side for one endpoint.
func (s *Switchboard) Sender() *Port { return &Port{sb: s} }

type Port struct{ sb *Switchboard }

func (p *Port) Send(env core.Envelope) error {
	p.sb.mu.Lock()
	defer p.sb.mu.Unlock()
	p.sb.sent[env.Type]++
	if env.To != "" {
		if box, ok := p.sb.boxes[env.To]; ok {
			box <- env
		}
		return nil
	}
	for id, box := range p.sb.boxes {
		if id != env.From {
			box <- env
		}
	}
	return nil
}
