package patients

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository stores patients in the patients table.
type PostgresRepository struct {
	db pgxDB
}

var _ Repository = (*PostgresRepository)(nil)

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	if pool == nil {
		panic("patients: pgx pool required")
	}
	return &PostgresRepository{db: pool}
}

func newPostgresRepositoryWithDB(db pgxDB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const patientColumns = `id, clinic_id, name, phone, email, ltv_score, anxiety_level, pain_tolerance, created_at, updated_at`

func (r *PostgresRepository) Create(ctx context.Context, req *CreatePatientRequest) (*Patient, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	p := &Patient{
		ID:          uuid.New().String(),
		ClinicID:    req.ClinicID,
		Name:        req.Name,
		Phone:       req.Phone,
		Email:       req.Email,
		LTVScore:    req.LTVScore,
		RiskProfile: req.RiskProfile,
	}
	query := `
		INSERT INTO patients (id, clinic_id, name, phone, email, ltv_score, anxiety_level, pain_tolerance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`
	if err := r.db.QueryRow(ctx, query,
		p.ID,
		p.ClinicID,
		p.Name,
		p.Phone,
		p.Email,
		p.LTVScore,
		p.RiskProfile.AnxietyLevel,
		p.RiskProfile.PainTolerance,
	).Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, fmt.Errorf("patients: insert failed: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Patient, error) {
	row := r.db.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id)
	p, err := scanPatient(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("patients: get: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) ListByPhone(ctx context.Context, clinicID, phone string) ([]*Patient, error) {
	normalized, ok := NormalizeE164(phone)
	if !ok {
		return nil, ErrInvalidPhone
	}
	rows, err := r.db.Query(ctx, `SELECT `+patientColumns+` FROM patients
		WHERE phone = $1 AND ($2 = '' OR clinic_id = $2)
		ORDER BY created_at, id`, normalized, clinicID)
	if err != nil {
		return nil, fmt.Errorf("patients: list by phone: %w", err)
	}
	defer rows.Close()

	var out []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("patients: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var (
		p     Patient
		email *string
	)
	if err := row.Scan(
		&p.ID,
		&p.ClinicID,
		&p.Name,
		&p.Phone,
		&email,
		&p.LTVScore,
		&p.RiskProfile.AnxietyLevel,
		&p.RiskProfile.PainTolerance,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if email != nil {
		p.Email = *email
	}
	return &p, nil
}
