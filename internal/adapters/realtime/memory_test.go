package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Spaces/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerFanOutPerSpace(t *testing.T) {
	b := NewBroker(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := b.Subscribe(ctx, "s1")
	require.NoError(t, err)
	c, err := b.Subscribe(ctx, "s1")
	require.NoError(t, err)
	other, err := b.Subscribe(ctx, "s2")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, core.RowEvent{Table: core.TableSpaces, SpaceID: "s1"}))

	for _, ch := range []<-chan core.RowEvent{a, c} {
		select {
		case ev := <-ch:
			assert.Equal(t, core.TableSpaces, ev.Table)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
	select {
	case <-other:
		t.Fatal("event leaked to another space")
	default:
	}
}

func TestBrokerClosesOnCancel(t *testing.T) {
	b := NewBroker(1)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx, "s1")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	require.Eventually(t, func() bool { return b.Subscribers("s1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestBrokerDropsWhenFull(t *testing.T) {
	b := NewBroker(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Subscribe(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, core.RowEvent{SpaceID: "s1", Op: core.OpInsert}))
	require.NoError(t, b.Publish(ctx, core.RowEvent{SpaceID: "s1", Op: core.OpUpdate}))
	assert.Equal(t, core.OpInsert, (<-ch).Op)
	assert.Len(t, ch, 0)
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "spaces:abc:rows", ChannelName("abc"))
}
