package waitlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists entries in waitlist_entries.
type PostgresStore struct {
	db pgxDB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("waitlist: pgx pool required")
	}
	return &PostgresStore{db: pool}
}

func newPostgresStoreWithDB(db pgxDB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, clinic_id, patient_id, session_id, procedure_code, preferred_from, preferred_to,
	preferred_time, priority_score, position, status, notified, notified_at, response, offered,
	created_at, updated_at`

func (p *PostgresStore) Add(ctx context.Context, e Entry) (Entry, error) {
	e.Status = StatusActive
	err := p.db.QueryRow(ctx, `
		INSERT INTO waitlist_entries (id, clinic_id, patient_id, session_id, procedure_code, preferred_from,
			preferred_to, preferred_time, priority_score, position, status, notified, created_at, updated_at)
		SELECT $1::text, $2::text, $3::text, $4::text, $5::text, $6::timestamptz, $7::timestamptz, $8::text, $9::int,
			COALESCE(MAX(position), 0) + 1, 'active', false, $10::timestamptz, $10::timestamptz
		FROM waitlist_entries WHERE clinic_id = $2::text
		RETURNING position`,
		e.ID, e.ClinicID, e.PatientID, nullable(e.SessionID), nullable(e.ProcedureCode),
		e.PreferredFrom, e.PreferredTo, nullable(string(e.PreferredTime)), e.PriorityScore, e.CreatedAt,
	).Scan(&e.Position)
	if err != nil {
		return Entry{}, fmt.Errorf("waitlist: add: %w", err)
	}
	return e, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (Entry, error) {
	row := p.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM waitlist_entries WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("waitlist: get: %w", err)
	}
	return e, nil
}

func (p *PostgresStore) ListActive(ctx context.Context, clinicID string) ([]Entry, error) {
	rows, err := p.db.Query(ctx, `SELECT `+entryColumns+` FROM waitlist_entries
		WHERE clinic_id = $1 AND status = 'active'
		ORDER BY priority_score DESC, position ASC`, clinicID)
	if err != nil {
		return nil, fmt.Errorf("waitlist: list active: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("waitlist: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkNotified(ctx context.Context, id string, opening *Opening, at time.Time) (Entry, error) {
	var offered []byte
	if opening != nil {
		offered, _ = json.Marshal(opening)
	}
	tag, err := p.db.Exec(ctx, `
		UPDATE waitlist_entries
		SET notified = true, notified_at = $1, response = NULL, offered = $2, updated_at = $1
		WHERE id = $3`, at, offered, id)
	if err != nil {
		return Entry{}, fmt.Errorf("waitlist: mark notified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Entry{}, ErrNotFound
	}
	return p.Get(ctx, id)
}

func (p *PostgresStore) SetResponse(ctx context.Context, id string, resp Response, at time.Time) (Entry, error) {
	e, err := p.Get(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	applyResponse(&e, resp, at)
	var offered []byte
	if e.Offered != nil {
		offered, _ = json.Marshal(e.Offered)
	}
	_, err = p.db.Exec(ctx, `
		UPDATE waitlist_entries
		SET response = $1, status = $2, notified = $3, offered = $4, updated_at = $5
		WHERE id = $6`,
		nullable(string(e.Response)), string(e.Status), e.Notified, offered, at, id)
	if err != nil {
		return Entry{}, fmt.Errorf("waitlist: set response: %w", err)
	}
	return e, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e                               Entry
		sessionID, code, pref, response *string
		status                          string
		offered                         []byte
	)
	err := row.Scan(&e.ID, &e.ClinicID, &e.PatientID, &sessionID, &code, &e.PreferredFrom, &e.PreferredTo,
		&pref, &e.PriorityScore, &e.Position, &status, &e.Notified, &e.NotifiedAt, &response, &offered,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return Entry{}, err
	}
	e.SessionID = deref(sessionID)
	e.ProcedureCode = deref(code)
	e.PreferredTime = PreferredTime(deref(pref))
	e.Response = Response(deref(response))
	e.Status = Status(status)
	if len(offered) > 0 {
		var o Opening
		if err := json.Unmarshal(offered, &o); err == nil {
			e.Offered = &o
		}
	}
	return e, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
