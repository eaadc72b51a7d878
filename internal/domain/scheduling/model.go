package scheduling

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Occurrence statuses.
const (
	StatusScheduled  = "scheduled"
	StatusCompleted  = "completed"
	StatusDocumented = "documented"
	StatusCancelled  = "cancelled"
	StatusLateCancel = "late_cancel"
	StatusNoShow     = "no_show"
)

var validStatuses = map[string]bool{
	StatusScheduled: true, StatusCompleted: true, StatusDocumented: true,
	StatusCancelled: true, StatusLateCancel: true, StatusNoShow: true,
}

// IsFinished reports whether an occurrence has been held. Completed and
// documented are the same terminal state for every cancellation rule.
func IsFinished(status string) bool {
	return status == StatusCompleted || status == StatusDocumented
}

// Scope is the breadth of an edit or delete relative to a series.
type Scope string

const (
	ScopeThisOnly      Scope = "this_only"
	ScopeThisAndFuture Scope = "this_and_future"
	ScopeEntireSeries  Scope = "entire_series"
)

// ParseScope defaults an empty value to this_only.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case "":
		return ScopeThisOnly, nil
	case ScopeThisOnly, ScopeThisAndFuture, ScopeEntireSeries:
		return Scope(s), nil
	}
	return "", &ValidationError{Field: "scope", Message: fmt.Sprintf("unknown scope %q", s)}
}

// Exception change types.
const (
	ChangeRescheduled = "rescheduled"
	ChangeCancelled   = "cancelled"
)

// AppointmentSeries maps to appointment_series. StartAt is authoritative;
// StartDate, StartTime and TimeZone record what the user typed.
type AppointmentSeries struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	TenantID        string     `db:"tenant_id" json:"tenant_id"`
	ClientID        uuid.UUID  `db:"client_id" json:"client_id"`
	StaffID         uuid.UUID  `db:"staff_id" json:"staff_id"`
	ServiceID       *uuid.UUID `db:"service_id" json:"service_id,omitempty"`
	RRule           string     `db:"rrule" json:"rrule"`
	StartAt         time.Time  `db:"start_at" json:"start_at"`
	StartDate       string     `db:"start_date" json:"start_date"`
	StartTime       string     `db:"start_time" json:"start_time"`
	TimeZone        string     `db:"time_zone" json:"time_zone"`
	DurationMinutes int        `db:"duration_minutes" json:"duration_minutes"`
	SeriesEndDate   *time.Time `db:"series_end_date" json:"series_end_date,omitempty"`
	MaxOccurrences  *int       `db:"max_occurrences" json:"max_occurrences,omitempty"`
	IsActive        bool       `db:"is_active" json:"is_active"`
	IsTelehealth    bool       `db:"is_telehealth" json:"is_telehealth"`
	LocationName    *string    `db:"location_name" json:"location_name,omitempty"`
	Notes           *string    `db:"notes" json:"notes,omitempty"`
	CreatedBy       *string    `db:"created_by" json:"created_by,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// Appointment maps to appointments: one concrete occurrence. SeriesID is nil
// for one-off appointments.
type Appointment struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	TenantID          string     `db:"tenant_id" json:"tenant_id"`
	SeriesID          *uuid.UUID `db:"series_id" json:"series_id,omitempty"`
	ClientID          uuid.UUID  `db:"client_id" json:"client_id"`
	StaffID           uuid.UUID  `db:"staff_id" json:"staff_id"`
	ServiceID         *uuid.UUID `db:"service_id" json:"service_id,omitempty"`
	StartAt           time.Time  `db:"start_at" json:"start_at"`
	EndAt             time.Time  `db:"end_at" json:"end_at"`
	RecurrenceStartAt *time.Time `db:"recurrence_start_at" json:"recurrence_start_at,omitempty"`
	Status            string     `db:"status" json:"status"`
	IsTelehealth      bool       `db:"is_telehealth" json:"is_telehealth"`
	LocationName      *string    `db:"location_name" json:"location_name,omitempty"`
	EditMode          *string    `db:"edit_mode" json:"edit_mode,omitempty"`
	Notes             *string    `db:"notes" json:"notes,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// DurationMinutes is the stored length of the occurrence.
func (a *Appointment) DurationMinutes() int {
	return int(a.EndAt.Sub(a.StartAt) / time.Minute)
}

// AppointmentException maps to appointment_exceptions. Rows are append-only.
type AppointmentException struct {
	ID                       uuid.UUID  `db:"id" json:"id"`
	TenantID                 string     `db:"tenant_id" json:"tenant_id"`
	SeriesID                 uuid.UUID  `db:"series_id" json:"series_id"`
	OriginalStartAt          time.Time  `db:"original_start_at" json:"original_start_at"`
	ChangeType               string     `db:"change_type" json:"change_type"`
	ReplacementAppointmentID *uuid.UUID `db:"replacement_appointment_id" json:"replacement_appointment_id,omitempty"`
	Notes                    *string    `db:"notes" json:"notes,omitempty"`
	CreatedAt                time.Time  `db:"created_at" json:"created_at"`
}

// Job statuses.
const (
	JobPending = "pending"
	JobDone    = "done"
	JobFailed  = "failed"
)

// MaterializationJob maps to shared.materialization_jobs.
type MaterializationJob struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	TenantID       string     `db:"tenant_id" json:"tenant_id"`
	SeriesID       uuid.UUID  `db:"series_id" json:"series_id"`
	MonthsAhead    int        `db:"months_ahead" json:"months_ahead"`
	MaxOccurrences int        `db:"max_occurrences" json:"max_occurrences"`
	IsTelehealth   *bool      `db:"is_telehealth" json:"is_telehealth,omitempty"`
	Status         string     `db:"status" json:"status"`
	Attempts       int        `db:"attempts" json:"attempts"`
	LastError      *string    `db:"last_error" json:"last_error,omitempty"`
	NextAttemptAt  time.Time  `db:"next_attempt_at" json:"next_attempt_at"`
	CreatedCount   int        `db:"created_count" json:"created_count"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Request returns the materializer call this job stands for.
func (j *MaterializationJob) Request() MaterializeRequest {
	return MaterializeRequest{
		SeriesID:       j.SeriesID,
		MonthsAhead:    j.MonthsAhead,
		MaxOccurrences: j.MaxOccurrences,
		IsTelehealth:   j.IsTelehealth,
	}
}

// MaterializeRequest is the body of generate-appointment-occurrences.
type MaterializeRequest struct {
	SeriesID       uuid.UUID `json:"seriesId"`
	MonthsAhead    int       `json:"monthsAhead"`
	MaxOccurrences int       `json:"maxOccurrences"`
	IsTelehealth   *bool     `json:"is_telehealth,omitempty"`
}

type GeneratedCount struct {
	Created int `json:"created"`
}

type MaterializeResponse struct {
	Generated GeneratedCount `json:"generated"`
}

// -- Inputs --

// CreateAppointmentInput captures a one-off appointment in local time.
type CreateAppointmentInput struct {
	ClientID        uuid.UUID  `json:"client_id"`
	StaffID         uuid.UUID  `json:"staff_id"`
	ServiceID       *uuid.UUID `json:"service_id,omitempty"`
	Date            string     `json:"date"`
	Time            string     `json:"time"`
	TimeZone        string     `json:"time_zone"`
	DurationMinutes int        `json:"duration_minutes"`
	IsTelehealth    bool       `json:"is_telehealth"`
	LocationName    *string    `json:"location_name,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
}

// CreateSeriesInput captures a recurring appointment in local time.
type CreateSeriesInput struct {
	ClientID        uuid.UUID  `json:"client_id"`
	StaffID         uuid.UUID  `json:"staff_id"`
	ServiceID       *uuid.UUID `json:"service_id,omitempty"`
	RRule           string     `json:"rrule"`
	Date            string     `json:"date"`
	Time            string     `json:"time"`
	TimeZone        string     `json:"time_zone"`
	DurationMinutes int        `json:"duration_minutes"`
	SeriesEndDate   *string    `json:"series_end_date,omitempty"`
	MaxOccurrences  *int       `json:"max_occurrences,omitempty"`
	IsTelehealth    bool       `json:"is_telehealth"`
	LocationName    *string    `json:"location_name,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
}

// OccurrenceEdit is a partial change to one or more occurrences. Date and
// Time are local to TimeZone (the series zone when empty).
type OccurrenceEdit struct {
	Date            *string    `json:"date,omitempty"`
	Time            *string    `json:"time,omitempty"`
	TimeZone        string     `json:"time_zone,omitempty"`
	DurationMinutes *int       `json:"duration_minutes,omitempty"`
	StaffID         *uuid.UUID `json:"staff_id,omitempty"`
	ServiceID       *uuid.UUID `json:"service_id,omitempty"`
	Status          *string    `json:"status,omitempty"`
	IsTelehealth    *bool      `json:"is_telehealth,omitempty"`
	LocationName    *string    `json:"location_name,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
}

func (e *OccurrenceEdit) changesTime() bool {
	return e.Date != nil || e.Time != nil || e.DurationMinutes != nil
}

// ScopeResult summarises a scoped edit or delete.
type ScopeResult struct {
	Scope         Scope      `json:"scope"`
	Affected      int        `json:"affected"`
	SeriesID      *uuid.UUID `json:"series_id,omitempty"`
	SeriesEndDate *time.Time `json:"series_end_date,omitempty"`
	SeriesActive  *bool      `json:"series_active,omitempty"`
}

// SeriesResult is returned by CreateSeries. Warning is set when the series
// row exists but its occurrences are still pending.
type SeriesResult struct {
	Series  *AppointmentSeries     `json:"series"`
	Created int                    `json:"created"`
	Warning *PartialSuccessWarning `json:"-"`
}
