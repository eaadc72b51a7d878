package scheduling

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/functions"
	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/timezone"
)

// ErrNotFound is returned when a referenced series or occurrence is missing.
var ErrNotFound = errors.New("not found")

func notFound(kind string, id uuid.UUID) error {
	return fmt.Errorf("%s %s %w", kind, id, ErrNotFound)
}

// BackendError wraps a failed database or function call. Message is the
// backend's own text and is shown to the caller unchanged.
type BackendError struct {
	Op      string
	Message string
	Err     error
}

func (e *BackendError) Error() string { return e.Message }
func (e *BackendError) Unwrap() error { return e.Err }

// ValidationError rejects a request before anything is written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// PartialSuccessWarning marks a series that was saved while materializing
// its occurrences failed. The outbox job retries it.
type PartialSuccessWarning struct {
	SeriesID uuid.UUID
	JobID    uuid.UUID
	Err      error
}

const WarningOccurrencesPending = "occurrences_pending"

func (w *PartialSuccessWarning) Kind() string { return WarningOccurrencesPending }

func (w *PartialSuccessWarning) Error() string {
	return fmt.Sprintf("series %s created, occurrences pending: %v", w.SeriesID, w.Err)
}

func (w *PartialSuccessWarning) Unwrap() error { return w.Err }

// backendErr classifies err from op. Already classified errors pass
// through; pgx.ErrNoRows becomes ErrNotFound.
func backendErr(op string, err error) error {
	if err == nil {
		return nil
	}

	var (
		be  *BackendError
		ve  *ValidationError
		ite *timezone.InvalidTimeError
	)
	if errors.Is(err, ErrNotFound) || errors.As(err, &be) || errors.As(err, &ve) || errors.As(err, &ite) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	msg := err.Error()
	var pgErr *pgconn.PgError
	var fnErr *functions.FunctionError
	switch {
	case errors.As(err, &pgErr):
		msg = pgErr.Message
	case errors.As(err, &fnErr):
		msg = fnErr.Message
	}
	return &BackendError{Op: op, Message: msg, Err: err}
}
