package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

var (
	_ core.Backend         = (*Postgres)(nil)
	_ core.RequestAcceptor = (*Postgres)(nil)
)

type Postgres struct {
	pool *pgxpool.Pool
}

// Connect creates a pool for dsn, pings it and applies the schema.
func Connect(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 4
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}
	log.Info().Str("module", "store.pg").Msg("connected")
	return &Postgres{pool: pool}, nil
}

func NewPostgres(pool *pgxpool.Pool) *Postgres { return &Postgres{pool: pool} }

func (s *Postgres) Close() { s.pool.Close() }

// translate maps driver errors onto domain sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, domain.ErrConflict)
	}
	return err
}

func (s *Postgres) CreateSpace(ctx context.Context, sp *domain.Space) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO spaces (id, title, status, host_id, recording, recording_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sp.ID, sp.Title, sp.Status, sp.HostID, sp.Recording, sp.RecordingURL, sp.CreatedAt)
	return translate(err)
}

func (s *Postgres) GetSpace(ctx context.Context, id domain.SpaceID) (*domain.Space, error) {
	var sp domain.Space
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, status, host_id, recording, recording_url, created_at
		FROM spaces WHERE id = $1
	`, id).Scan(&sp.ID, &sp.Title, &sp.Status, &sp.HostID, &sp.Recording, &sp.RecordingURL, &sp.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return &sp, nil
}

func (s *Postgres) UpdateSpace(ctx context.Context, sp *domain.Space) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE spaces SET title = $2, status = $3, recording = $4, recording_url = $5
		WHERE id = $1
	`, sp.ID, sp.Title, sp.Status, sp.Recording, sp.RecordingURL)
	if err != nil {
		return translate(err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Postgres) GetParticipant(ctx context.Context, space domain.SpaceID, user domain.UserID) (*domain.Participant, error) {
	var p domain.Participant
	err := s.pool.QueryRow(ctx, `
		SELECT space_id, user_id, role, muted, joined_at
		FROM space_participants WHERE space_id = $1 AND user_id = $2
	`, space, user).Scan(&p.SpaceID, &p.UserID, &p.Role, &p.Muted, &p.JoinedAt)
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *Postgres) ListParticipants(ctx context.Context, space domain.SpaceID) ([]domain.Participant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT space_id, user_id, role, muted, joined_at
		FROM space_participants WHERE space_id = $1
		ORDER BY joined_at
	`, space)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	out := make([]domain.Participant, 0)
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.SpaceID, &p.UserID, &p.Role, &p.Muted, &p.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Postgres) UpsertParticipant(ctx context.Context, p *domain.Participant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO space_participants (space_id, user_id, role, muted, joined_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (space_id, user_id) DO NOTHING
	`, p.SpaceID, p.UserID, p.Role, p.Muted, p.JoinedAt)
	return translate(err)
}

func (s *Postgres) UpdateRole(ctx context.Context, space domain.SpaceID, user domain.UserID, role domain.Role) error {
	return s.execOne(ctx, `UPDATE space_participants SET role = $3 WHERE space_id = $1 AND user_id = $2`, space, user, role)
}

func (s *Postgres) UpdateMuted(ctx context.Context, space domain.SpaceID, user domain.UserID, muted bool) error {
	return s.execOne(ctx, `UPDATE space_participants SET muted = $3 WHERE space_id = $1 AND user_id = $2`, space, user, muted)
}

func (s *Postgres) RemoveParticipant(ctx context.Context, space domain.SpaceID, user domain.UserID) error {
	return s.execOne(ctx, `DELETE FROM space_participants WHERE space_id = $1 AND user_id = $2`, space, user)
}

func (s *Postgres) execOne(ctx context.Context, sql string, args ...any) error {
	ct, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return translate(err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// InsertRequest relies on the partial unique index for the one-pending rule.
func (s *Postgres) InsertRequest(ctx context.Context, r *domain.SpeakerRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO space_speaker_requests (id, space_id, user_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, r.ID, r.SpaceID, r.UserID, r.Status, r.CreatedAt)
	return translate(err)
}

const requestColumns = `id, space_id, user_id, status, created_at, COALESCE(resolved_by, ''), resolved_at`

func scanRequest(row pgx.Row) (*domain.SpeakerRequest, error) {
	var r domain.SpeakerRequest
	if err := row.Scan(&r.ID, &r.SpaceID, &r.UserID, &r.Status, &r.CreatedAt, &r.ResolvedBy, &r.ResolvedAt); err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

func (s *Postgres) GetRequest(ctx context.Context, id domain.RequestID) (*domain.SpeakerRequest, error) {
	return scanRequest(s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM space_speaker_requests WHERE id = $1`, id))
}

func (s *Postgres) PendingRequest(ctx context.Context, space domain.SpaceID, user domain.UserID) (*domain.SpeakerRequest, error) {
	return scanRequest(s.pool.QueryRow(ctx, `
		SELECT `+requestColumns+` FROM space_speaker_requests
		WHERE space_id = $1 AND user_id = $2 AND status = 'pending'
	`, space, user))
}

func (s *Postgres) ListPending(ctx context.Context, space domain.SpaceID) ([]domain.SpeakerRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM space_speaker_requests
		WHERE space_id = $1 AND status = 'pending'
		ORDER BY created_at
	`, space)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	out := make([]domain.SpeakerRequest, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Postgres) UpdateRequest(ctx context.Context, r *domain.SpeakerRequest, expect domain.RequestStatus) error {
	return updateRequest(ctx, s.pool, r, expect)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func updateRequest(ctx context.Context, db execer, r *domain.SpeakerRequest, expect domain.RequestStatus) error {
	var resolvedBy *string
	if r.ResolvedBy != "" {
		by := string(r.ResolvedBy)
		resolvedBy = &by
	}
	ct, err := db.Exec(ctx, `
		UPDATE space_speaker_requests
		SET status = $2, resolved_by = $3, resolved_at = $4
		WHERE id = $1 AND status = $5
	`, r.ID, r.Status, resolvedBy, r.ResolvedAt, expect)
	if err != nil {
		return translate(err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

// AcceptAndPromote resolves the request and promotes the requester in one transaction.
func (s *Postgres) AcceptAndPromote(ctx context.Context, r *domain.SpeakerRequest) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := updateRequest(ctx, tx, r, domain.RequestPending); err != nil {
		return err
	}
	ct, err := tx.Exec(ctx, `
		UPDATE space_participants SET role = 'speaker'
		WHERE space_id = $1 AND user_id = $2 AND role = 'listener'
	`, r.SpaceID, r.UserID)
	if err != nil {
		return translate(err)
	}
	if ct.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM space_participants WHERE space_id = $1 AND user_id = $2)
		`, r.SpaceID, r.UserID).Scan(&exists); err != nil {
			return translate(err)
		}
		if !exists {
			return domain.ErrNotFound
		}
	}
	return tx.Commit(ctx)
}
