package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/db"
)

// =========== Series Repository ===========

type seriesRepoPG struct{ pool db.DBTX }

func NewSeriesRepoPG(pool db.DBTX) SeriesRepository { return &seriesRepoPG{pool: pool} }

func (r *seriesRepoPG) conn(ctx context.Context) db.DBTX { return db.Conn(ctx, r.pool) }

const seriesCols = `id, tenant_id, client_id, staff_id, service_id, rrule, start_at,
	start_date, start_time, time_zone, duration_minutes, series_end_date, max_occurrences,
	is_active, is_telehealth, location_name, notes, created_by, created_at, updated_at`

func (r *seriesRepoPG) scanSeries(row pgx.Row) (*AppointmentSeries, error) {
	var s AppointmentSeries
	err := row.Scan(&s.ID, &s.TenantID, &s.ClientID, &s.StaffID, &s.ServiceID, &s.RRule, &s.StartAt,
		&s.StartDate, &s.StartTime, &s.TimeZone, &s.DurationMinutes, &s.SeriesEndDate, &s.MaxOccurrences,
		&s.IsActive, &s.IsTelehealth, &s.LocationName, &s.Notes, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt)
	return &s, err
}

func (r *seriesRepoPG) Create(ctx context.Context, s *AppointmentSeries) error {
	s.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment_series (id, tenant_id, client_id, staff_id, service_id, rrule,
			start_at, start_date, start_time, time_zone, duration_minutes, series_end_date,
			max_occurrences, is_active, is_telehealth, location_name, notes, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		RETURNING created_at, updated_at`,
		s.ID, s.TenantID, s.ClientID, s.StaffID, s.ServiceID, s.RRule,
		s.StartAt, s.StartDate, s.StartTime, s.TimeZone, s.DurationMinutes, s.SeriesEndDate,
		s.MaxOccurrences, s.IsActive, s.IsTelehealth, s.LocationName, s.Notes, s.CreatedBy,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *seriesRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*AppointmentSeries, error) {
	s, err := r.scanSeries(r.conn(ctx).QueryRow(ctx, `SELECT `+seriesCols+` FROM appointment_series WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("series", id)
	}
	return s, err
}

func (r *seriesRepoPG) Update(ctx context.Context, s *AppointmentSeries) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment_series SET client_id=$2, staff_id=$3, service_id=$4, series_end_date=$5,
			max_occurrences=$6, is_telehealth=$7, location_name=$8, notes=$9, updated_at=NOW()
		WHERE id = $1`,
		s.ID, s.ClientID, s.StaffID, s.ServiceID, s.SeriesEndDate,
		s.MaxOccurrences, s.IsTelehealth, s.LocationName, s.Notes)
	if err == nil && tag.RowsAffected() == 0 {
		return notFound("series", s.ID)
	}
	return err
}

func (r *seriesRepoPG) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE appointment_series SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err == nil && tag.RowsAffected() == 0 {
		return notFound("series", id)
	}
	return err
}

func (r *seriesRepoPG) TruncateEnd(ctx context.Context, id uuid.UUID, endDate time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE appointment_series SET series_end_date = $2, updated_at = NOW() WHERE id = $1`, id, endDate)
	if err == nil && tag.RowsAffected() == 0 {
		return notFound("series", id)
	}
	return err
}

func (r *seriesRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM appointment_series WHERE id = $1`, id)
	if err == nil && tag.RowsAffected() == 0 {
		return notFound("series", id)
	}
	return err
}

func (r *seriesRepoPG) ListActiveIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id FROM appointment_series WHERE is_active ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *seriesRepoPG) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*AppointmentSeries, int, error) {
	where := ""
	if activeOnly {
		where = " WHERE is_active"
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment_series`+where).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+seriesCols+` FROM appointment_series`+where+` ORDER BY start_at, id LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*AppointmentSeries
	for rows.Next() {
		s, err := r.scanSeries(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool db.DBTX }

func NewAppointmentRepoPG(pool db.DBTX) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.DBTX { return db.Conn(ctx, r.pool) }

func (r *appointmentRepoPG) scanAppt(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.TenantID, &a.SeriesID, &a.ClientID, &a.StaffID, &a.ServiceID,
		&a.StartAt, &a.EndAt, &a.RecurrenceStartAt, &a.Status, &a.IsTelehealth, &a.LocationName,
		&a.EditMode, &a.Notes, &a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

const insertApptSQL = `
	INSERT INTO appointments (id, tenant_id, series_id, client_id, staff_id, service_id,
		start_at, end_at, recurrence_start_at, status, is_telehealth, location_name, edit_mode, notes)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

func insertArgs(a *Appointment) []any {
	return []any{a.ID, a.TenantID, a.SeriesID, a.ClientID, a.StaffID, a.ServiceID,
		a.StartAt, a.EndAt, a.RecurrenceStartAt, a.Status, a.IsTelehealth, a.LocationName, a.EditMode, a.Notes}
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	if a.Status == "" {
		a.Status = StatusScheduled
	}
	return r.conn(ctx).QueryRow(ctx, insertApptSQL+` RETURNING created_at, updated_at`, insertArgs(a)...).
		Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *appointmentRepoPG) InsertGenerated(ctx context.Context, occurrences []*Appointment) (int, error) {
	if len(occurrences) == 0 {
		return 0, nil
	}

	created := 0
	for _, a := range occurrences {
		a.ID = uuid.New()
		tag, err := r.conn(ctx).Exec(ctx,
			insertApptSQL+` ON CONFLICT (series_id, recurrence_start_at) DO NOTHING`, insertArgs(a)...)
		if err != nil {
			return created, err
		}
		created += int(tag.RowsAffected())
	}
	return created, nil
}

func (r *appointmentRepoPG) LatestRecurrenceStart(ctx context.Context, seriesID uuid.UUID) (*time.Time, error) {
	var latest *time.Time
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT max(recurrence_start_at) FROM appointments WHERE series_id = $1`, seriesID).Scan(&latest)
	return latest, err
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := r.scanAppt(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("appointment", id)
	}
	return a, err
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments SET staff_id=$2, service_id=$3, start_at=$4, end_at=$5, status=$6,
			is_telehealth=$7, location_name=$8, edit_mode=$9, notes=$10, updated_at=NOW()
		WHERE id = $1`,
		a.ID, a.StaffID, a.ServiceID, a.StartAt, a.EndAt, a.Status,
		a.IsTelehealth, a.LocationName, a.EditMode, a.Notes)
	if err == nil && tag.RowsAffected() == 0 {
		return notFound("appointment", a.ID)
	}
	return err
}

func (r *appointmentRepoPG) ListSeriesFrom(ctx context.Context, seriesID uuid.UUID, from time.Time) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE series_id = $1 AND start_at >= $2 ORDER BY start_at`, seriesID, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppt(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) CancelSeries(ctx context.Context, seriesID uuid.UUID, f CancelFilter) (int, error) {
	query := `UPDATE appointments SET status = 'cancelled', updated_at = NOW()
		WHERE series_id = $1 AND status NOT IN ('completed', 'documented', 'cancelled')`
	args := []any{seriesID}
	if f.OnlyScheduled {
		query += ` AND status = 'scheduled'`
	}
	if f.From != nil {
		args = append(args, *f.From)
		query += ` AND start_at >= $2`
	}
	tag, err := r.conn(ctx).Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *appointmentRepoPG) Views(ctx context.Context, q ViewQuery) ([]*AppointmentView, int, error) {
	vs := buildViewQuery(q)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, vs.count, vs.args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, vs.query, vs.args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*AppointmentView
	for rows.Next() {
		v := &AppointmentView{}
		if err := rows.Scan(v.scanTargets(vs.joins)...); err != nil {
			return nil, 0, err
		}
		items = append(items, v)
	}
	return items, total, rows.Err()
}

// =========== Exception Repository ===========

type exceptionRepoPG struct{ pool db.DBTX }

func NewExceptionRepoPG(pool db.DBTX) ExceptionRepository { return &exceptionRepoPG{pool: pool} }

func (r *exceptionRepoPG) conn(ctx context.Context) db.DBTX { return db.Conn(ctx, r.pool) }

func (r *exceptionRepoPG) Create(ctx context.Context, e *AppointmentException) error {
	e.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment_exceptions (id, tenant_id, series_id, original_start_at,
			change_type, replacement_appointment_id, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		e.ID, e.TenantID, e.SeriesID, e.OriginalStartAt, e.ChangeType, e.ReplacementAppointmentID, e.Notes,
	).Scan(&e.CreatedAt)
}

func (r *exceptionRepoPG) ListBySeries(ctx context.Context, seriesID uuid.UUID) ([]*AppointmentException, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, tenant_id, series_id, original_start_at, change_type,
			replacement_appointment_id, notes, created_at
		FROM appointment_exceptions WHERE series_id = $1 ORDER BY original_start_at, created_at`, seriesID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*AppointmentException
	for rows.Next() {
		var e AppointmentException
		if err := rows.Scan(&e.ID, &e.TenantID, &e.SeriesID, &e.OriginalStartAt, &e.ChangeType,
			&e.ReplacementAppointmentID, &e.Notes, &e.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}

// =========== Job Repository ===========

// jobRepoPG works on the shared outbox table. Enqueue joins the caller's
// transaction so the job commits with the series row.
type jobRepoPG struct{ pool db.DBTX }

func NewJobRepoPG(pool db.DBTX) JobRepository { return &jobRepoPG{pool: pool} }

func (r *jobRepoPG) conn(ctx context.Context) db.DBTX { return db.Conn(ctx, r.pool) }

func (r *jobRepoPG) Enqueue(ctx context.Context, j *MaterializationJob) error {
	j.ID = uuid.New()
	j.Status = JobPending
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO shared.materialization_jobs (id, tenant_id, series_id, months_ahead,
			max_occurrences, is_telehealth, status, next_attempt_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		j.ID, j.TenantID, j.SeriesID, j.MonthsAhead, j.MaxOccurrences, j.IsTelehealth, j.Status, j.NextAttemptAt,
	).Scan(&j.CreatedAt)
}

// claimLease is how long a fetched job stays invisible to other workers.
// The worker's MarkDone, MarkRetry or MarkFailed replaces it; a crashed
// worker's jobs come due again once it lapses.
const claimLease = 5 * time.Minute

// FetchDue claims up to limit due jobs. Rows locked by another worker are
// skipped.
func (r *jobRepoPG) FetchDue(ctx context.Context, now time.Time, limit int) ([]*MaterializationJob, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE shared.materialization_jobs SET next_attempt_at = $3
		WHERE id IN (
			SELECT id FROM shared.materialization_jobs
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at LIMIT $2
			FOR UPDATE SKIP LOCKED)
		RETURNING id, tenant_id, series_id, months_ahead, max_occurrences, is_telehealth, status,
			attempts, last_error, next_attempt_at, created_count, created_at, completed_at`,
		now, limit, now.Add(claimLease))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []*MaterializationJob
	for rows.Next() {
		var j MaterializationJob
		if err := rows.Scan(&j.ID, &j.TenantID, &j.SeriesID, &j.MonthsAhead, &j.MaxOccurrences,
			&j.IsTelehealth, &j.Status, &j.Attempts, &j.LastError, &j.NextAttemptAt, &j.CreatedCount,
			&j.CreatedAt, &j.CompletedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

func (r *jobRepoPG) MarkDone(ctx context.Context, id uuid.UUID, created int, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE shared.materialization_jobs
		SET status = 'done', attempts = attempts + 1, created_count = $2, completed_at = $3, last_error = NULL
		WHERE id = $1`, id, created, at)
	return err
}

func (r *jobRepoPG) MarkRetry(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE shared.materialization_jobs
		SET attempts = $2, next_attempt_at = $3, last_error = $4
		WHERE id = $1`, id, attempts, next, lastErr)
	return err
}

func (r *jobRepoPG) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastErr string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE shared.materialization_jobs
		SET status = 'failed', attempts = $2, last_error = $3
		WHERE id = $1`, id, attempts, lastErr)
	return err
}
