// Package realtime delivers row change events to per-space subscribers.
package realtime

import (
	"context"
	"sync"

	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
	"github.com/rs/zerolog/log"
)

const DefaultBuffer = 256

var (
	_ core.Realtime  = (*Broker)(nil)
	_ core.Publisher = (*Broker)(nil)
)

// Broker is the in-process fan-out used by tests and demo mode.
type Broker struct {
	buffer int

	mu   sync.RWMutex
	subs map[domain.SpaceID]map[chan core.RowEvent]struct{}
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broker{
		buffer: buffer,
		subs:   make(map[domain.SpaceID]map[chan core.RowEvent]struct{}),
	}
}

func (b *Broker) Subscribe(ctx context.Context, space domain.SpaceID) (<-chan core.RowEvent, error) {
	ch := make(chan core.RowEvent, b.buffer)
	b.mu.Lock()
	set, ok := b.subs[space]
	if !ok {
		set = make(map[chan core.RowEvent]struct{})
		b.subs[space] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[space], ch)
		if len(b.subs[space]) == 0 {
			delete(b.subs, space)
		}
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// Publish never blocks. A subscriber whose buffer is full misses the event.
func (b *Broker) Publish(_ context.Context, ev core.RowEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[ev.SpaceID] {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("module", "realtime").Str("space", string(ev.SpaceID)).Str("table", string(ev.Table)).Msg("subscriber buffer full, event dropped")
		}
	}
	return nil
}

func (b *Broker) Subscribers(space domain.SpaceID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[space])
}
