package app

import (
	"context"
	"testing"

	"github.com/dkeye/Spaces/internal/adapters/realtime"
	"github.com/dkeye/Spaces/internal/adapters/store"
	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	ctx      context.Context
	mem      *store.Memory
	broker   *realtime.Broker
	backend  core.Backend
	roles    *RoleStore
	requests *RequestQueue
	spaces   *SpaceService
	space    *domain.Space
}

const host domain.UserID = "host"

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, nil)
}

// newFixtureWith builds the services over wrap(backend) when wrap is set.
func newFixtureWith(t *testing.T, wrap func(core.Backend) core.Backend) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &fixture{ctx: ctx, mem: store.NewMemory(), broker: realtime.NewBroker(0)}
	f.backend = store.WithEvents(f.mem, f.broker)
	if wrap != nil {
		f.backend = wrap(f.backend)
	}
	f.roles = NewRoleStore(f.backend, f.broker, nil)
	f.requests = NewRequestQueue(f.backend, f.backend, f.roles, f.broker, nil)
	f.spaces = NewSpaceService(f.backend, f.roles, nil)

	sp, err := f.spaces.Create(ctx, host, "Morning show")
	require.NoError(t, err)
	f.space = sp
	return f
}

func (f *fixture) join(t *testing.T, user domain.UserID) {
	t.Helper()
	_, _, err := f.roles.Enter(f.ctx, f.space.ID, user, domain.RoleListener)
	require.NoError(t, err)
}

func (f *fixture) role(t *testing.T, user domain.UserID) domain.Role {
	t.Helper()
	r, err := f.roles.GetRole(f.ctx, f.space.ID, user)
	require.NoError(t, err)
	return r
}
