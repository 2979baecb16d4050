package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type pgxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists sessions in the sessions table with the full state
// as JSONB and the version column used for compare-and-swap.
type PostgresStore struct {
	db     pgxDB
	tracer trace.Tracer
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("session: pgx pool required")
	}
	return newPostgresStoreWithDB(pool)
}

func newPostgresStoreWithDB(db pgxDB) *PostgresStore {
	return &PostgresStore{db: db, tracer: otel.Tracer("pearlflow.internal.session.postgres")}
}

func (p *PostgresStore) Create(ctx context.Context, s Session) (Session, error) {
	ctx, span := p.tracer.Start(ctx, "session.create")
	defer span.End()

	s.Version = 1
	state, err := json.Marshal(s)
	if err != nil {
		return Session{}, fmt.Errorf("session: marshal: %w", err)
	}
	query := `
		INSERT INTO sessions (id, clinic_id, status, version, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	ct, err := p.db.Exec(ctx, query, s.ID, s.ClinicID, string(s.Status), s.Version, state, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		return Session{}, fmt.Errorf("session: insert: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return Session{}, ErrExists
	}
	return s, nil
}

func (p *PostgresStore) Load(ctx context.Context, id string) (Session, error) {
	ctx, span := p.tracer.Start(ctx, "session.load")
	defer span.End()

	var state []byte
	var version int64
	err := p.db.QueryRow(ctx, `SELECT state, version FROM sessions WHERE id = $1`, id).Scan(&state, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		span.RecordError(err)
		return Session{}, fmt.Errorf("session: load: %w", err)
	}
	s, err := decodeSession(state)
	if err != nil {
		return Session{}, err
	}
	s.Version = version
	return s, nil
}

func (p *PostgresStore) Save(ctx context.Context, s Session) (Session, error) {
	ctx, span := p.tracer.Start(ctx, "session.save")
	defer span.End()

	expected := s.Version
	s.Version++
	state, err := json.Marshal(s)
	if err != nil {
		return Session{}, fmt.Errorf("session: marshal: %w", err)
	}
	query := `
		UPDATE sessions
		SET status = $1, version = $2, state = $3, updated_at = $4
		WHERE id = $5 AND version = $6
	`
	ct, err := p.db.Exec(ctx, query, string(s.Status), s.Version, state, s.UpdatedAt, s.ID, expected)
	if err != nil {
		span.RecordError(err)
		return Session{}, fmt.Errorf("session: save: %w", err)
	}
	if ct.RowsAffected() == 0 {
		if _, err := p.Load(ctx, s.ID); errors.Is(err, ErrNotFound) {
			return Session{}, ErrNotFound
		}
		return Session{}, ErrVersionConflict
	}
	return s, nil
}

func (p *PostgresStore) ListIdle(ctx context.Context, before time.Time, limit int) ([]Session, error) {
	ctx, span := p.tracer.Start(ctx, "session.list_idle")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT state, version FROM sessions
		WHERE status = 'ACTIVE' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`
	rows, err := p.db.Query(ctx, query, before, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("session: list idle: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var state []byte
		var version int64
		if err := rows.Scan(&state, &version); err != nil {
			return nil, fmt.Errorf("session: scan: %w", err)
		}
		s, err := decodeSession(state)
		if err != nil {
			return nil, err
		}
		s.Version = version
		out = append(out, s)
	}
	return out, rows.Err()
}
