package scheduling

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

// exclusionViolation is raised by the appointments_no_overlap constraint.
const exclusionViolation = "23P01"

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgxDB interface {
	pgxQuerier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore persists appointments and move offers. Overlap protection
// lives in the database as a gist exclusion constraint over occupying
// appointments, so concurrent API replicas cannot double book.
type PostgresStore struct {
	db     pgxDB
	tracer trace.Tracer
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("scheduling: pgx pool required")
	}
	return newPostgresStoreWithDB(pool)
}

func newPostgresStoreWithDB(db pgxDB) *PostgresStore {
	return &PostgresStore{db: db, tracer: otel.Tracer("pearlflow.internal.scheduling.postgres")}
}

const appointmentColumns = `id, clinic_id, patient_id, dentist_id, procedure_code, procedure_name,
	start_at, end_at, status, estimated_value, session_id, created_at, updated_at`

const offerColumns = `id, clinic_id, appointment_id, target_dentist_id, target_start, target_end,
	target_procedure_code, incentive_type, incentive_value, move_score, status, request,
	result_appointment_id, created_at, expires_at, responded_at`

func isExclusionViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == exclusionViolation
}

func (p *PostgresStore) ListAppointments(ctx context.Context, clinicID string, from, to time.Time) ([]Appointment, error) {
	ctx, span := p.tracer.Start(ctx, "scheduling.list_appointments")
	defer span.End()

	rows, err := p.db.Query(ctx, `SELECT `+appointmentColumns+` FROM appointments
		WHERE clinic_id = $1 AND start_at < $3 AND end_at > $2
		ORDER BY start_at, id`, clinicID, from, to)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("scheduling: list appointments: %w", err)
	}
	defer rows.Close()

	var out []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("scheduling: scan appointment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetAppointment(ctx context.Context, id string) (Appointment, error) {
	return getAppointment(ctx, p.db, id)
}

func getAppointment(ctx context.Context, q pgxQuerier, id string) (Appointment, error) {
	row := q.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	a, err := scanAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Appointment{}, ErrAppointmentNotFound
	}
	if err != nil {
		return Appointment{}, fmt.Errorf("scheduling: get appointment: %w", err)
	}
	return a, nil
}

func (p *PostgresStore) ReserveSlot(ctx context.Context, a Appointment) (Appointment, error) {
	ctx, span := p.tracer.Start(ctx, "scheduling.reserve_slot")
	defer span.End()

	a.Status = StatusBooked
	ct, err := insertAppointment(ctx, p.db, a)
	if isExclusionViolation(err) {
		return Appointment{}, ErrSlotTaken
	}
	if err != nil {
		span.RecordError(err)
		return Appointment{}, fmt.Errorf("scheduling: reserve slot: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return p.GetAppointment(ctx, a.ID)
	}
	return a, nil
}

func insertAppointment(ctx context.Context, q pgxQuerier, a Appointment) (pgconn.CommandTag, error) {
	return q.Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.ClinicID, a.PatientID, a.DentistID, a.ProcedureCode, a.ProcedureName,
		a.Start, a.End, string(a.Status), a.EstimatedValue, nullable(a.SessionID), a.CreatedAt, a.UpdatedAt,
	)
}

func (p *PostgresStore) CancelAppointment(ctx context.Context, id string, at time.Time) (Appointment, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return Appointment{}, fmt.Errorf("scheduling: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE appointments SET status = 'CANCELLED', updated_at = $2
		WHERE id = $1 AND status IN ('BOOKED', 'OFFERING_MOVE')
		RETURNING `+appointmentColumns, id, at)
	a, err := scanAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := getAppointment(ctx, tx, id); gerr != nil {
			return Appointment{}, gerr
		}
		return Appointment{}, ErrInvalidTransition
	}
	if err != nil {
		return Appointment{}, fmt.Errorf("scheduling: cancel appointment: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE move_offers SET status = 'DECLINED', responded_at = $2
		WHERE appointment_id = $1 AND status = 'PENDING'`, id, at); err != nil {
		return Appointment{}, fmt.Errorf("scheduling: decline offers: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Appointment{}, fmt.Errorf("scheduling: commit: %w", err)
	}
	return a, nil
}

func (p *PostgresStore) CreateOffer(ctx context.Context, o MoveOffer) (MoveOffer, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return MoveOffer{}, fmt.Errorf("scheduling: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		UPDATE appointments SET status = 'OFFERING_MOVE', updated_at = $2
		WHERE id = $1 AND status = 'BOOKED'`, o.AppointmentID, o.CreatedAt)
	if err != nil {
		return MoveOffer{}, fmt.Errorf("scheduling: flag appointment: %w", err)
	}
	if ct.RowsAffected() == 0 {
		if _, gerr := getAppointment(ctx, tx, o.AppointmentID); gerr != nil {
			return MoveOffer{}, gerr
		}
		return MoveOffer{}, ErrInvalidTransition
	}

	o.Status = OfferPending
	request, err := json.Marshal(o.Request)
	if err != nil {
		return MoveOffer{}, fmt.Errorf("scheduling: marshal request: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO move_offers (`+offerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULL, $13, $14, NULL)`,
		o.ID, o.ClinicID, o.AppointmentID, o.TargetSlot.DentistID, o.TargetSlot.Start, o.TargetSlot.End,
		nullable(o.TargetSlot.ProcedureCode), string(o.Incentive.Type), o.Incentive.Value, o.MoveScore,
		string(o.Status), request, o.CreatedAt, o.ExpiresAt,
	); err != nil {
		return MoveOffer{}, fmt.Errorf("scheduling: insert offer: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return MoveOffer{}, fmt.Errorf("scheduling: commit: %w", err)
	}
	return o, nil
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (MoveOffer, error) {
	return getOffer(ctx, p.db, id, false)
}

func getOffer(ctx context.Context, q pgxQuerier, id string, forUpdate bool) (MoveOffer, error) {
	query := `SELECT ` + offerColumns + ` FROM move_offers WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	o, err := scanOffer(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return MoveOffer{}, ErrOfferNotFound
	}
	if err != nil {
		return MoveOffer{}, fmt.Errorf("scheduling: get offer: %w", err)
	}
	return o, nil
}

func (p *PostgresStore) ListOffers(ctx context.Context, clinicID string, status OfferStatus) ([]MoveOffer, error) {
	rows, err := p.db.Query(ctx, `SELECT `+offerColumns+` FROM move_offers
		WHERE ($1 = '' OR clinic_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY expires_at, id`, clinicID, string(status))
	if err != nil {
		return nil, fmt.Errorf("scheduling: list offers: %w", err)
	}
	return collectOffers(rows)
}

func collectOffers(rows pgx.Rows) ([]MoveOffer, error) {
	defer rows.Close()
	var out []MoveOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scheduling: scan offer: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ResolveOffer(ctx context.Context, id string, status OfferStatus, at time.Time) (MoveOffer, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return MoveOffer{}, fmt.Errorf("scheduling: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := scanOffer(tx.QueryRow(ctx, `
		UPDATE move_offers SET status = $2, responded_at = $3
		WHERE id = $1 AND status = 'PENDING'
		RETURNING `+offerColumns, id, string(status), at))
	if errors.Is(err, pgx.ErrNoRows) {
		current, gerr := getOffer(ctx, tx, id, false)
		if gerr != nil {
			return MoveOffer{}, gerr
		}
		return current, ErrOfferResolved
	}
	if err != nil {
		return MoveOffer{}, fmt.Errorf("scheduling: resolve offer: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE appointments SET status = 'BOOKED', updated_at = $2
		WHERE id = $1 AND status = 'OFFERING_MOVE'`, o.AppointmentID, at); err != nil {
		return MoveOffer{}, fmt.Errorf("scheduling: restore appointment: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return MoveOffer{}, fmt.Errorf("scheduling: commit: %w", err)
	}
	return o, nil
}

func (p *PostgresStore) AcceptOffer(ctx context.Context, id string, requester Appointment, at time.Time) (OfferResolution, error) {
	ctx, span := p.tracer.Start(ctx, "scheduling.accept_offer.store")
	defer span.End()

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return OfferResolution{}, fmt.Errorf("scheduling: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := getOffer(ctx, tx, id, true)
	if err != nil {
		return OfferResolution{}, err
	}
	if o.Status.Terminal() {
		return OfferResolution{}, ErrOfferResolved
	}

	moved, err := scanAppointment(tx.QueryRow(ctx, `
		UPDATE appointments
		SET dentist_id = $2, start_at = $3, end_at = $4, status = 'BOOKED', updated_at = $5
		WHERE id = $1 AND status = 'OFFERING_MOVE'
		RETURNING `+appointmentColumns,
		o.AppointmentID, o.TargetSlot.DentistID, o.TargetSlot.Start, o.TargetSlot.End, at))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return OfferResolution{}, ErrInvalidTransition
	case isExclusionViolation(err):
		return OfferResolution{}, ErrSlotTaken
	case err != nil:
		span.RecordError(err)
		return OfferResolution{}, fmt.Errorf("scheduling: move appointment: %w", err)
	}

	requester.Status = StatusBooked
	ct, err := insertAppointment(ctx, tx, requester)
	if isExclusionViolation(err) {
		return OfferResolution{}, ErrSlotTaken
	}
	if err != nil {
		span.RecordError(err)
		return OfferResolution{}, fmt.Errorf("scheduling: book requester: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return OfferResolution{}, ErrInvalidTransition
	}

	if _, err := tx.Exec(ctx, `
		UPDATE move_offers SET status = 'ACCEPTED', responded_at = $2, result_appointment_id = $3
		WHERE id = $1`, id, at, requester.ID); err != nil {
		return OfferResolution{}, fmt.Errorf("scheduling: accept offer: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return OfferResolution{}, fmt.Errorf("scheduling: commit: %w", err)
	}

	o.Status = OfferAccepted
	o.RespondedAt = &at
	o.ResultAppointmentID = requester.ID
	return OfferResolution{Offer: o, Moved: moved, Booked: requester}, nil
}

func (p *PostgresStore) ExpireOffers(ctx context.Context, now time.Time) ([]MoveOffer, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduling: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE move_offers SET status = 'EXPIRED', responded_at = $1
		WHERE status = 'PENDING' AND expires_at <= $1
		RETURNING `+offerColumns, now)
	if err != nil {
		return nil, fmt.Errorf("scheduling: expire offers: %w", err)
	}
	expired, err := collectOffers(rows)
	if err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, tx.Commit(ctx)
	}
	ids := make([]string, len(expired))
	for i, o := range expired {
		ids[i] = o.AppointmentID
	}
	if _, err := tx.Exec(ctx, `
		UPDATE appointments SET status = 'BOOKED', updated_at = $1
		WHERE id = ANY($2) AND status = 'OFFERING_MOVE'`, now, ids); err != nil {
		return nil, fmt.Errorf("scheduling: restore appointments: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("scheduling: commit: %w", err)
	}
	return expired, nil
}

func scanAppointment(row pgx.Row) (Appointment, error) {
	var (
		a         Appointment
		status    string
		sessionID *string
	)
	err := row.Scan(&a.ID, &a.ClinicID, &a.PatientID, &a.DentistID, &a.ProcedureCode, &a.ProcedureName,
		&a.Start, &a.End, &status, &a.EstimatedValue, &sessionID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Appointment{}, err
	}
	a.Status = AppointmentStatus(status)
	if sessionID != nil {
		a.SessionID = *sessionID
	}
	return a, nil
}

func scanOffer(row pgx.Row) (MoveOffer, error) {
	var (
		o                     MoveOffer
		code, result          *string
		incentiveType, status string
		request               []byte
	)
	err := row.Scan(&o.ID, &o.ClinicID, &o.AppointmentID, &o.TargetSlot.DentistID, &o.TargetSlot.Start,
		&o.TargetSlot.End, &code, &incentiveType, &o.Incentive.Value, &o.MoveScore, &status, &request,
		&result, &o.CreatedAt, &o.ExpiresAt, &o.RespondedAt)
	if err != nil {
		return MoveOffer{}, err
	}
	if code != nil {
		o.TargetSlot.ProcedureCode = *code
	}
	if result != nil {
		o.ResultAppointmentID = *result
	}
	o.Incentive.Type = IncentiveType(incentiveType)
	o.Status = OfferStatus(status)
	if len(request) > 0 {
		if err := json.Unmarshal(request, &o.Request); err != nil {
			return MoveOffer{}, fmt.Errorf("decode request: %w", err)
		}
	}
	return o, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
