package app

import (
	"time"

	"github.com/dkeye/Spaces/internal/domain"
)

type Action int

const (
	ActPromote Action = iota
	ActGrantCoHost
	ActRemove
	ActResolveRequest
	ActListRequests
	ActEndSpace
	ActStartSpace
	ActRecord
)

// Policy decides whether a role may perform a moderation action.
type Policy interface {
	Allowed(actor domain.Role, act Action) bool
}

type SimplePolicy struct{}

func (SimplePolicy) Allowed(actor domain.Role, act Action) bool {
	switch act {
	case ActPromote, ActRemove, ActResolveRequest, ActListRequests:
		return actor.CanModerate()
	case ActGrantCoHost, ActEndSpace, ActStartSpace, ActRecord:
		return actor == domain.RoleHost
	}
	return false
}

// ReconnectPolicy bounds signaling reconnection: Attempts tries, delays
// doubling from Base and capped at Max.
type ReconnectPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Attempts: 3, Base: 2 * time.Second, Max: 30 * time.Second}
}

// Backoff returns the wait before attempt n (1-based).
func (p ReconnectPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.Base
	for i := 1; i < n; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

func (p ReconnectPolicy) Exhausted(n int) bool { return n > p.Attempts }
