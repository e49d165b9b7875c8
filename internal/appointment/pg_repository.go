package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/professional-scheduling/internal/schedule"
)

// SQLSTATE for exclusion_violation, raised by schedule_slots_no_overlap.
const pgExclusionViolation = "23P01"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgxPool interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PgRepository struct {
	pool pgxPool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func newPgRepositoryWithPool(pool pgxPool) *PgRepository {
	return &PgRepository{pool: pool}
}

const appointmentColumns = `a.id, a.schedule_id, a.slot_id, a.patient_id, a.professional_id, a.type, a.description,
	a.status, a.access_token, a.prescription_id, a.certificate_id, a.medical_record_id, a.created_at, a.updated_at`

const slotColumns = `id, schedule_id, start_time, end_time, status, created_at, updated_at`

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var email *string

	err := row.Scan(
		&p.ID,
		&p.Name,
		&email,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	p.Email = email
	return &p, nil
}

func scanSlot(row pgx.Row) (*schedule.Slot, error) {
	var s schedule.Slot

	err := row.Scan(
		&s.ID,
		&s.ScheduleID,
		&s.Start,
		&s.End,
		&s.Status,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.ScheduleID,
		&a.SlotID,
		&a.PatientID,
		&a.ProfessionalID,
		&a.Type,
		&a.Description,
		&a.Status,
		&a.AccessToken,
		&a.PrescriptionID,
		&a.CertificateID,
		&a.MedicalRecordID,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	return &a, nil
}

// scanScheduleHeader reads the schedule row. The policy stays nil when no
// slot duration has been configured.
func scanScheduleHeader(row pgx.Row) (*schedule.ProfessionalSchedule, error) {
	var ps schedule.ProfessionalSchedule
	var duration *int32
	var timezone string

	if err := row.Scan(&ps.ID, &ps.ProfessionalID, &duration, &timezone); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}

	if duration != nil {
		ps.Policy = &schedule.Policy{
			DurationMinutes: int(*duration),
			Timezone:        timezone,
		}
	}
	return &ps, nil
}

func loadWindows(ctx context.Context, q querier, scheduleID uuid.UUID) ([]schedule.WeeklyWindow, error) {
	rows, err := q.Query(ctx, `
		SELECT weekday, start_minute, end_minute
		FROM weekly_windows
		WHERE schedule_id = $1
		ORDER BY weekday, start_minute
	`, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("query weekly windows: %w", err)
	}
	defer rows.Close()

	var windows []schedule.WeeklyWindow
	for rows.Next() {
		var weekday, start, end int16
		if err := rows.Scan(&weekday, &start, &end); err != nil {
			return nil, fmt.Errorf("scan weekly window: %w", err)
		}
		windows = append(windows, schedule.WeeklyWindow{
			Weekday: time.Weekday(weekday),
			Start:   schedule.TimeOfDay(start),
			End:     schedule.TimeOfDay(end),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return windows, nil
}

func collectSlots(rows pgx.Rows) ([]schedule.Slot, error) {
	defer rows.Close()

	var slots []schedule.Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		slots = append(slots, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return slots, nil
}

func (r *PgRepository) hydrateWindows(ctx context.Context, ps *schedule.ProfessionalSchedule) error {
	if ps.Policy == nil {
		return nil
	}
	windows, err := loadWindows(ctx, r.pool, ps.ID)
	if err != nil {
		return err
	}
	ps.Policy.Windows = windows
	return nil
}

// Interface methods

func (r *PgRepository) LoadPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) LoadScheduleWithPolicyAndSlots(ctx context.Context, professionalID uuid.UUID, from, to time.Time) (*schedule.ProfessionalSchedule, error) {
	ps, err := scanScheduleHeader(r.pool.QueryRow(ctx, `
		SELECT id, professional_id, slot_duration_minutes, timezone
		FROM professional_schedules
		WHERE professional_id = $1
	`, professionalID))
	if err != nil {
		return nil, err
	}

	if err := r.hydrateWindows(ctx, ps); err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM schedule_slots
		WHERE schedule_id = $1
		  AND start_time < $3
		  AND end_time > $2
		ORDER BY start_time
	`, ps.ID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query slots: %w", err)
	}
	if ps.Slots, err = collectSlots(rows); err != nil {
		return nil, err
	}

	return ps, nil
}

func (r *PgRepository) LoadScheduleWithSlots(ctx context.Context, scheduleID uuid.UUID) (*schedule.ProfessionalSchedule, error) {
	ps, err := scanScheduleHeader(r.pool.QueryRow(ctx, `
		SELECT id, professional_id, slot_duration_minutes, timezone
		FROM professional_schedules
		WHERE id = $1
	`, scheduleID))
	if err != nil {
		return nil, err
	}

	if err := r.hydrateWindows(ctx, ps); err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM schedule_slots
		WHERE schedule_id = $1
		ORDER BY start_time
	`, ps.ID)
	if err != nil {
		return nil, fmt.Errorf("query slots: %w", err)
	}
	if ps.Slots, err = collectSlots(rows); err != nil {
		return nil, err
	}

	return ps, nil
}

// PersistAppointmentAndSlot row-locks the schedule, re-checks for an
// overlapping committed slot and inserts both rows in one transaction.
func (r *PgRepository) PersistAppointmentAndSlot(ctx context.Context, appt *Appointment, slot *schedule.Slot) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var lockedID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT id FROM professional_schedules WHERE id = $1 FOR UPDATE
	`, slot.ScheduleID).Scan(&lockedID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrScheduleNotFound
		}
		return fmt.Errorf("lock schedule: %w", err)
	}

	var conflict bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM schedule_slots
			WHERE schedule_id = $1
			  AND status IN ('reserved', 'completed')
			  AND start_time < $3
			  AND end_time > $2
		)
	`, slot.ScheduleID, slot.Start, slot.End).Scan(&conflict)
	if err != nil {
		return fmt.Errorf("re-check slot conflict: %w", err)
	}
	if conflict {
		return ErrSlotConflict
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO schedule_slots (id, schedule_id, start_time, end_time, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING created_at, updated_at
	`, slot.ID, slot.ScheduleID, slot.Start, slot.End, slot.Status, slot.CreatedAt).Scan(&slot.CreatedAt, &slot.UpdatedAt)
	if err != nil {
		return translateWriteError("insert slot", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO appointments (id, schedule_id, slot_id, patient_id, professional_id, type, description,
			status, access_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING created_at, updated_at
	`, appt.ID, appt.ScheduleID, appt.SlotID, appt.PatientID, appt.ProfessionalID, appt.Type, appt.Description,
		appt.Status, appt.AccessToken, appt.CreatedAt).Scan(&appt.CreatedAt, &appt.UpdatedAt)
	if err != nil {
		return translateWriteError("insert appointment", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return translateWriteError("commit booking", err)
	}
	return nil
}

func translateWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgExclusionViolation {
		return ErrSlotConflict
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (r *PgRepository) ReplacePolicy(ctx context.Context, professionalID uuid.UUID, policy schedule.Policy) (*schedule.ProfessionalSchedule, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ps, err := scanScheduleHeader(tx.QueryRow(ctx, `
		UPDATE professional_schedules
		SET slot_duration_minutes = $2,
		    timezone = $3,
		    updated_at = now()
		WHERE professional_id = $1
		RETURNING id, professional_id, slot_duration_minutes, timezone
	`, professionalID, int32(policy.DurationMinutes), policy.Timezone))
	if err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("update schedule policy: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM weekly_windows WHERE schedule_id = $1`, ps.ID); err != nil {
		return nil, fmt.Errorf("delete weekly windows: %w", err)
	}
	for _, w := range policy.Windows {
		_, err := tx.Exec(ctx, `
			INSERT INTO weekly_windows (schedule_id, weekday, start_minute, end_minute)
			VALUES ($1, $2, $3, $4)
		`, ps.ID, int16(w.Weekday), int16(w.Start), int16(w.End))
		if err != nil {
			return nil, fmt.Errorf("insert weekly window: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit policy: %w", err)
	}

	ps.Policy.Windows = append([]schedule.WeeklyWindow(nil), policy.Windows...)
	return ps, nil
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments a
		WHERE a.id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ApplyStatusChange(ctx context.Context, change StatusChange) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	updated, err := scanAppointment(tx.QueryRow(ctx, `
		UPDATE appointments a
		SET status = $2,
		    updated_at = $4
		WHERE a.id = $1
		  AND a.status = $3
		RETURNING `+appointmentColumns+`
	`, change.AppointmentID, change.To, change.From, change.At))
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrInvalidStateTransition
		}
		return nil, fmt.Errorf("update appointment status: %w", err)
	}

	if change.SlotTo != "" {
		tag, err := tx.Exec(ctx, `
			UPDATE schedule_slots
			SET status = $2,
			    updated_at = $4
			WHERE id = $1
			  AND status = $3
		`, change.SlotID, change.SlotTo, change.SlotFrom, change.At)
		if err != nil {
			return nil, fmt.Errorf("update slot status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, ErrInvalidStateTransition
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit status change: %w", err)
	}
	return updated, nil
}

func (r *PgRepository) FindOverdueConfirmed(ctx context.Context, endedBefore time.Time, limit int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments a
		JOIN schedule_slots s ON s.id = a.slot_id
		WHERE a.status = 'confirmed'
		  AND s.end_time < $1
		ORDER BY s.end_time
		LIMIT $2
	`, endedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
