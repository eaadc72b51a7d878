package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type SeriesRepository interface {
	Create(ctx context.Context, s *AppointmentSeries) error
	GetByID(ctx context.Context, id uuid.UUID) (*AppointmentSeries, error)
	// Update writes the non time-defining columns of s.
	Update(ctx context.Context, s *AppointmentSeries) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	TruncateEnd(ctx context.Context, id uuid.UUID, endDate time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListActiveIDs(ctx context.Context) ([]uuid.UUID, error)
	List(ctx context.Context, activeOnly bool, limit, offset int) ([]*AppointmentSeries, int, error)
}

// CancelFilter selects which occurrences of a series CancelSeries touches.
// Completed, documented and already cancelled rows are never touched.
type CancelFilter struct {
	From          *time.Time
	OnlyScheduled bool
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	// InsertGenerated inserts materialized occurrences, skipping slots that
	// already exist for the series, and returns how many rows were new.
	InsertGenerated(ctx context.Context, occurrences []*Appointment) (int, error)
	// LatestRecurrenceStart is the last slot materialized for the series, nil
	// before the first run.
	LatestRecurrenceStart(ctx context.Context, seriesID uuid.UUID) (*time.Time, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	ListSeriesFrom(ctx context.Context, seriesID uuid.UUID, from time.Time) ([]*Appointment, error)
	CancelSeries(ctx context.Context, seriesID uuid.UUID, f CancelFilter) (int, error)
	Views(ctx context.Context, q ViewQuery) ([]*AppointmentView, int, error)
}

// ExceptionRepository is append-only.
type ExceptionRepository interface {
	Create(ctx context.Context, e *AppointmentException) error
	ListBySeries(ctx context.Context, seriesID uuid.UUID) ([]*AppointmentException, error)
}

type JobRepository interface {
	Enqueue(ctx context.Context, j *MaterializationJob) error
	FetchDue(ctx context.Context, now time.Time, limit int) ([]*MaterializationJob, error)
	MarkDone(ctx context.Context, id uuid.UUID, created int, at time.Time) error
	MarkRetry(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastErr string) error
}

// Repositories groups the stores the service needs.
type Repositories struct {
	Series       SeriesRepository
	Appointments AppointmentRepository
	Exceptions   ExceptionRepository
	Jobs         JobRepository
}
