package scheduling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pgNow = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func testAppointment() Appointment {
	return Appointment{
		ID: "a1", ClinicID: "c1", PatientID: "p1", DentistID: "d1",
		ProcedureCode: "CHECKUP", ProcedureName: "Checkup",
		Start: pgNow.Add(22 * time.Hour), End: pgNow.Add(22*time.Hour + 30*time.Minute),
		EstimatedValue: 180, CreatedAt: pgNow, UpdatedAt: pgNow,
	}
}

func appointmentRows(a Appointment) *pgxmock.Rows {
	var session *string
	return pgxmock.NewRows([]string{
		"id", "clinic_id", "patient_id", "dentist_id", "procedure_code", "procedure_name",
		"start_at", "end_at", "status", "estimated_value", "session_id", "created_at", "updated_at",
	}).AddRow(a.ID, a.ClinicID, a.PatientID, a.DentistID, a.ProcedureCode, a.ProcedureName,
		a.Start, a.End, string(a.Status), a.EstimatedValue, session, a.CreatedAt, a.UpdatedAt)
}

func reserveArgs(a Appointment) []any {
	return []any{a.ID, a.ClinicID, a.PatientID, a.DentistID, a.ProcedureCode, a.ProcedureName,
		a.Start, a.End, "BOOKED", a.EstimatedValue, pgxmock.AnyArg(), a.CreatedAt, a.UpdatedAt}
}

func TestPostgresStore_ReserveSlot(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store := newPostgresStoreWithDB(mock)
	a := testAppointment()

	mock.ExpectExec("INSERT INTO appointments").
		WithArgs(reserveArgs(a)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	got, err := store.ReserveSlot(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, StatusBooked, got.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReserveSlotOverlap(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store := newPostgresStoreWithDB(mock)
	a := testAppointment()

	mock.ExpectExec("INSERT INTO appointments").
		WithArgs(reserveArgs(a)...).
		WillReturnError(&pgconn.PgError{Code: "23P01", ConstraintName: "appointments_no_overlap"})

	_, err = store.ReserveSlot(context.Background(), a)
	assert.True(t, errors.Is(err, ErrSlotTaken))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReserveSlotExistingID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store := newPostgresStoreWithDB(mock)
	a := testAppointment()
	a.Status = StatusBooked

	mock.ExpectExec("INSERT INTO appointments").
		WithArgs(reserveArgs(a)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT (.+) FROM appointments WHERE id").
		WithArgs("a1").
		WillReturnRows(appointmentRows(a))

	got, err := store.ReserveSlot(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, "a1", got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveOfferTwice(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store := newPostgresStoreWithDB(mock)

	columns := []string{
		"id", "clinic_id", "appointment_id", "target_dentist_id", "target_start", "target_end",
		"target_procedure_code", "incentive_type", "incentive_value", "move_score", "status", "request",
		"result_appointment_id", "created_at", "expires_at", "responded_at",
	}
	code := "CHECKUP"
	responded := pgNow.Add(time.Hour)
	var noResult *string

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE move_offers SET status").
		WithArgs("o1", "DECLINED", pgNow).
		WillReturnRows(pgxmock.NewRows(columns))
	mock.ExpectQuery("SELECT (.+) FROM move_offers WHERE id").
		WithArgs("o1").
		WillReturnRows(pgxmock.NewRows(columns).AddRow(
			"o1", "c1", "a1", "d1", pgNow.Add(48*time.Hour), pgNow.Add(48*time.Hour+30*time.Minute),
			&code, "DISCOUNT", "5% discount", 87, "ACCEPTED", []byte(`{"patient_id":"urgent","procedure_code":"EMERG","value":500,"priority_score":80}`),
			noResult, pgNow, pgNow.Add(24*time.Hour), &responded,
		))
	mock.ExpectRollback()

	current, err := store.ResolveOffer(context.Background(), "o1", OfferDeclined, pgNow)
	assert.True(t, errors.Is(err, ErrOfferResolved))
	assert.Equal(t, OfferAccepted, current.Status)
	assert.Equal(t, "urgent", current.Request.PatientID)
	assert.Equal(t, "CHECKUP", current.TargetSlot.ProcedureCode)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateOfferRequiresBooked(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store := newPostgresStoreWithDB(mock)
	a := testAppointment()
	a.Status = StatusOfferingMove

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE appointments SET status = 'OFFERING_MOVE'").
		WithArgs("a1", pgNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT (.+) FROM appointments WHERE id").
		WithArgs("a1").
		WillReturnRows(appointmentRows(a))
	mock.ExpectRollback()

	_, err = store.CreateOffer(context.Background(), MoveOffer{ID: "o2", AppointmentID: "a1", CreatedAt: pgNow})
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	require.NoError(t, mock.ExpectationsWereMet())
}
