package app

import (
	"context"

	"github.com/dkeye/Spaces/internal/core"
)

// filterEvents forwards only the rows of the given tables. The output closes
// when the input closes or ctx ends.
func filterEvents(ctx context.Context, in <-chan core.RowEvent, tables ...core.Table) <-chan core.RowEvent {
	want := make(map[core.Table]struct{}, len(tables))
	for _, t := range tables {
		want[t] = struct{}{}
	}
	out := make(chan core.RowEvent, cap(in))
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-in:
				if !ok {
					return
				}
				if _, keep := want[ev.Table]; !keep {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
