package realtime

import (
	"testing"
	"time"

	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelNameIsPerSpace(t *testing.T) {
	assert.Equal(t, "spaces:s1:rows", ChannelName("s1"))
	assert.NotEqual(t, ChannelName("s1"), ChannelName("s2"))
}

func TestRowEventWireFormat(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := core.RowEvent{
		Table:   core.TableParticipants,
		Op:      core.OpUpdate,
		SpaceID: "s1",
		Participant: &domain.Participant{
			SpaceID:  "s1",
			UserID:   "alice",
			Role:     domain.RoleSpeaker,
			JoinedAt: at,
		},
		At: at,
	}
	b, err := encodeEvent(ev)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"table":"space_participants"`)
	assert.Contains(t, string(b), `"op":"update"`)
	assert.NotContains(t, string(b), `"request"`)

	got, err := decodeEvent(string(b))
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	_, err := decodeEvent("{not json")
	assert.Error(t, err)
}
