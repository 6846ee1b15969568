package store

import (
	"context"
	"time"

	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
	"github.com/rs/zerolog/log"
)

// Publishing wraps a backend and emits a row event after every successful write.
// Events carry the row as read back from the backend.
type Publishing struct {
	core.Backend
	pub core.Publisher
}

type publishingAcceptor struct {
	*Publishing
	acceptor core.RequestAcceptor
}

// WithEvents decorates b. The result implements core.RequestAcceptor only when b does.
func WithEvents(b core.Backend, pub core.Publisher) core.Backend {
	p := &Publishing{Backend: b, pub: pub}
	if acc, ok := b.(core.RequestAcceptor); ok {
		return &publishingAcceptor{Publishing: p, acceptor: acc}
	}
	return p
}

func (p *Publishing) emit(ctx context.Context, ev core.RowEvent) {
	ev.At = time.Now().UTC()
	if err := p.pub.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("module", "store.events").Str("space", string(ev.SpaceID)).Str("table", string(ev.Table)).Msg("publish row event failed")
	}
}

func (p *Publishing) emitSpace(ctx context.Context, op core.RowOp, id domain.SpaceID) {
	s, err := p.Backend.GetSpace(ctx, id)
	if err != nil {
		return
	}
	p.emit(ctx, core.RowEvent{Table: core.TableSpaces, Op: op, SpaceID: id, Space: s})
}

func (p *Publishing) emitParticipant(ctx context.Context, op core.RowOp, space domain.SpaceID, user domain.UserID) {
	row, err := p.Backend.GetParticipant(ctx, space, user)
	if err != nil {
		return
	}
	p.emit(ctx, core.RowEvent{Table: core.TableParticipants, Op: op, SpaceID: space, Participant: row})
}

func (p *Publishing) emitRequest(ctx context.Context, op core.RowOp, id domain.RequestID) {
	r, err := p.Backend.GetRequest(ctx, id)
	if err != nil {
		return
	}
	p.emit(ctx, core.RowEvent{Table: core.TableRequests, Op: op, SpaceID: r.SpaceID, Request: r})
}

func (p *Publishing) CreateSpace(ctx context.Context, s *domain.Space) error {
	if err := p.Backend.CreateSpace(ctx, s); err != nil {
		return err
	}
	p.emitSpace(ctx, core.OpInsert, s.ID)
	return nil
}

func (p *Publishing) UpdateSpace(ctx context.Context, s *domain.Space) error {
	if err := p.Backend.UpdateSpace(ctx, s); err != nil {
		return err
	}
	p.emitSpace(ctx, core.OpUpdate, s.ID)
	return nil
}

func (p *Publishing) UpsertParticipant(ctx context.Context, row *domain.Participant) error {
	if err := p.Backend.UpsertParticipant(ctx, row); err != nil {
		return err
	}
	p.emitParticipant(ctx, core.OpInsert, row.SpaceID, row.UserID)
	return nil
}

func (p *Publishing) UpdateRole(ctx context.Context, space domain.SpaceID, user domain.UserID, role domain.Role) error {
	if err := p.Backend.UpdateRole(ctx, space, user, role); err != nil {
		return err
	}
	p.emitParticipant(ctx, core.OpUpdate, space, user)
	return nil
}

func (p *Publishing) UpdateMuted(ctx context.Context, space domain.SpaceID, user domain.UserID, muted bool) error {
	if err := p.Backend.UpdateMuted(ctx, space, user, muted); err != nil {
		return err
	}
	p.emitParticipant(ctx, core.OpUpdate, space, user)
	return nil
}

func (p *Publishing) RemoveParticipant(ctx context.Context, space domain.SpaceID, user domain.UserID) error {
	last, err := p.Backend.GetParticipant(ctx, space, user)
	if err != nil {
		return err
	}
	if err := p.Backend.RemoveParticipant(ctx, space, user); err != nil {
		return err
	}
	p.emit(ctx, core.RowEvent{Table: core.TableParticipants, Op: core.OpDelete, SpaceID: space, Participant: last})
	return nil
}

func (p *Publishing) InsertRequest(ctx context.Context, r *domain.SpeakerRequest) error {
	if err := p.Backend.InsertRequest(ctx, r); err != nil {
		return err
	}
	p.emitRequest(ctx, core.OpInsert, r.ID)
	return nil
}

func (p *Publishing) UpdateRequest(ctx context.Context, r *domain.SpeakerRequest, expect domain.RequestStatus) error {
	if err := p.Backend.UpdateRequest(ctx, r, expect); err != nil {
		return err
	}
	p.emitRequest(ctx, core.OpUpdate, r.ID)
	return nil
}

func (p *publishingAcceptor) AcceptAndPromote(ctx context.Context, r *domain.SpeakerRequest) error {
	if err := p.acceptor.AcceptAndPromote(ctx, r); err != nil {
		return err
	}
	p.emitRequest(ctx, core.OpUpdate, r.ID)
	p.emitParticipant(ctx, core.OpUpdate, r.SpaceID, r.UserID)
	return nil
}
