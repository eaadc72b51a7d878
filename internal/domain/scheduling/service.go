package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/db"
	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/metrics"
	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/recurrence"
	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/timezone"
)

// TxRunner runs fn inside one transaction; repositories called with the
// context fn receives join it.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Options struct {
	MonthsAhead    int
	MaxOccurrences int
	Logger         zerolog.Logger
	Metrics        *metrics.SchedulingMetrics
	Now            func() time.Time
}

type Service struct {
	series       SeriesRepository
	appts        AppointmentRepository
	exceptions   ExceptionRepository
	jobs         JobRepository
	tx           TxRunner
	norm         *timezone.Normalizer
	materializer Materializer

	monthsAhead int
	maxOcc      int
	logger      zerolog.Logger
	metrics     *metrics.SchedulingMetrics
	now         func() time.Time
}

func NewService(repos Repositories, tx TxRunner, norm *timezone.Normalizer, m Materializer, opts Options) *Service {
	s := &Service{
		series:       repos.Series,
		appts:        repos.Appointments,
		exceptions:   repos.Exceptions,
		jobs:         repos.Jobs,
		tx:           tx,
		norm:         norm,
		materializer: m,
		monthsAhead:  opts.MonthsAhead,
		maxOcc:       opts.MaxOccurrences,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		now:          opts.Now,
	}
	if s.monthsAhead <= 0 {
		s.monthsAhead = 3
	}
	if s.maxOcc <= 0 {
		s.maxOcc = 200
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Normalizer exposes the zone conversions the read paths share.
func (s *Service) Normalizer() *timezone.Normalizer { return s.norm }

// record emits the single log event and counter for a mutation.
func (s *Service) record(ctx context.Context, op string, scope Scope, id uuid.UUID, err error) {
	s.metrics.ObserveMutation(op, string(scope), err)

	evt := s.logger.Info()
	if err != nil {
		evt = s.logger.Error().Err(err)
	}
	evt = evt.Str("operation", op).Str("tenant_id", db.TenantFromContext(ctx))
	if scope != "" {
		evt = evt.Str("scope", string(scope))
	}
	if id != uuid.Nil {
		evt = evt.Str("id", id.String())
	}
	evt.Msg("scheduling mutation")
}

// -- One-off appointments --

func (s *Service) CreateAppointment(ctx context.Context, in *CreateAppointmentInput) (a *Appointment, err error) {
	defer func() {
		var id uuid.UUID
		if a != nil {
			id = a.ID
		}
		s.record(ctx, "create_appointment", "", id, err)
	}()

	if err := validateParties(in.ClientID, in.StaffID, in.DurationMinutes); err != nil {
		return nil, err
	}
	start, err := s.norm.LocalToUTC(in.Date, in.Time, in.TimeZone)
	if err != nil {
		return nil, err
	}

	a = &Appointment{
		TenantID:     db.TenantFromContext(ctx),
		ClientID:     in.ClientID,
		StaffID:      in.StaffID,
		ServiceID:    in.ServiceID,
		StartAt:      start,
		EndAt:        timezone.CalculateEndUTC(start, in.DurationMinutes),
		Status:       StatusScheduled,
		IsTelehealth: in.IsTelehealth,
		LocationName: in.LocationName,
		Notes:        in.Notes,
	}
	if err := s.appts.Create(ctx, a); err != nil {
		return nil, backendErr("create appointment", err)
	}
	return a, nil
}

func validateParties(clientID, staffID uuid.UUID, duration int) error {
	if clientID == uuid.Nil {
		return &ValidationError{Field: "client_id", Message: "is required"}
	}
	if staffID == uuid.Nil {
		return &ValidationError{Field: "staff_id", Message: "is required"}
	}
	if duration <= 0 {
		return &ValidationError{Field: "duration_minutes", Message: "must be positive"}
	}
	return nil
}

// -- Reads --

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*AppointmentView, error) {
	views, _, err := s.appts.Views(ctx, ViewQuery{ID: &id, Joins: AllJoins})
	if err != nil {
		return nil, backendErr("get appointment", err)
	}
	if len(views) == 0 {
		return nil, notFound("appointment", id)
	}
	return views[0], nil
}

func (s *Service) ListAppointments(ctx context.Context, q ViewQuery) ([]*AppointmentView, int, error) {
	views, total, err := s.appts.Views(ctx, q)
	if err != nil {
		return nil, 0, backendErr("list appointments", err)
	}
	return views, total, nil
}

// Calendar lists occurrences in q and projects them into zone.
func (s *Service) Calendar(ctx context.Context, q ViewQuery, zone string) ([]CalendarEntry, error) {
	views, _, err := s.ListAppointments(ctx, q)
	if err != nil {
		return nil, err
	}
	return ProjectCalendar(s.norm, views, zone)
}

// ICS renders the occurrences in q as an iCalendar feed.
func (s *Service) ICS(ctx context.Context, q ViewQuery, name string) (string, error) {
	q.IncludeCancelled = true
	views, _, err := s.ListAppointments(ctx, q)
	if err != nil {
		return "", err
	}
	return BuildICS(name, views, s.now()), nil
}

func (s *Service) GetSeries(ctx context.Context, id uuid.UUID) (*AppointmentSeries, error) {
	series, err := s.series.GetByID(ctx, id)
	if err != nil {
		return nil, backendErr("get series", err)
	}
	return series, nil
}

func (s *Service) ListSeries(ctx context.Context, activeOnly bool, limit, offset int) ([]*AppointmentSeries, int, error) {
	items, total, err := s.series.List(ctx, activeOnly, limit, offset)
	if err != nil {
		return nil, 0, backendErr("list series", err)
	}
	return items, total, nil
}

func (s *Service) ListExceptions(ctx context.Context, seriesID uuid.UUID) ([]*AppointmentException, error) {
	if _, err := s.GetSeries(ctx, seriesID); err != nil {
		return nil, err
	}
	items, err := s.exceptions.ListBySeries(ctx, seriesID)
	if err != nil {
		return nil, backendErr("list exceptions", err)
	}
	return items, nil
}

// -- Series --

const dateLayout = "2006-01-02"

// CreateSeries normalizes the local start, stores the series together with
// its materialization job and then materializes. A materialization failure
// does not undo the series: the result carries a warning and the job stays
// pending for the worker.
func (s *Service) CreateSeries(ctx context.Context, in *CreateSeriesInput, createdBy string) (res *SeriesResult, err error) {
	defer func() {
		var id uuid.UUID
		if res != nil {
			id = res.Series.ID
		}
		s.record(ctx, "create_series", "", id, err)
		if err == nil && res.Warning != nil {
			s.metrics.ObservePartial("create_series")
		}
	}()

	if err := validateParties(in.ClientID, in.StaffID, in.DurationMinutes); err != nil {
		return nil, err
	}
	if err := recurrence.Validate(in.RRule); err != nil {
		return nil, &ValidationError{Field: "rrule", Message: err.Error()}
	}
	if in.MaxOccurrences != nil && *in.MaxOccurrences <= 0 {
		return nil, &ValidationError{Field: "max_occurrences", Message: "must be positive"}
	}

	start, err := s.norm.LocalToUTC(in.Date, in.Time, in.TimeZone)
	if err != nil {
		return nil, err
	}

	var endDate *time.Time
	if in.SeriesEndDate != nil && *in.SeriesEndDate != "" {
		d, err := time.Parse(dateLayout, *in.SeriesEndDate)
		if err != nil {
			return nil, &ValidationError{Field: "series_end_date", Message: "must be YYYY-MM-DD"}
		}
		if *in.SeriesEndDate < in.Date {
			return nil, &ValidationError{Field: "series_end_date", Message: "is before the start date"}
		}
		endDate = &d
	}

	zone := in.TimeZone
	if zone == "" {
		zone = s.norm.DefaultZone()
	}
	series := &AppointmentSeries{
		TenantID:        db.TenantFromContext(ctx),
		ClientID:        in.ClientID,
		StaffID:         in.StaffID,
		ServiceID:       in.ServiceID,
		RRule:           in.RRule,
		StartAt:         start,
		StartDate:       in.Date,
		StartTime:       in.Time,
		TimeZone:        zone,
		DurationMinutes: in.DurationMinutes,
		SeriesEndDate:   endDate,
		MaxOccurrences:  in.MaxOccurrences,
		IsActive:        true,
		IsTelehealth:    in.IsTelehealth,
		LocationName:    in.LocationName,
		Notes:           in.Notes,
	}
	if createdBy != "" {
		series.CreatedBy = &createdBy
	}

	now := s.now()
	job := &MaterializationJob{
		TenantID:       series.TenantID,
		MonthsAhead:    s.monthsAhead,
		MaxOccurrences: s.maxOcc,
		NextAttemptAt:  now.Add(RetryDelay(1)),
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.series.Create(ctx, series); err != nil {
			return err
		}
		job.SeriesID = series.ID
		return s.jobs.Enqueue(ctx, job)
	})
	if err != nil {
		return nil, backendErr("create series", err)
	}

	res = &SeriesResult{Series: series}
	created, mErr := s.materializer.Materialize(ctx, job.Request())
	if mErr != nil {
		if err := s.jobs.MarkRetry(ctx, job.ID, 1, now.Add(RetryDelay(1)), backendErr("materialize", mErr).Error()); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID.String()).Msg("failed to record materialization attempt")
		}
		res.Warning = &PartialSuccessWarning{SeriesID: series.ID, JobID: job.ID, Err: backendErr("materialize", mErr)}
		return res, nil
	}

	res.Created = created
	if err := s.jobs.MarkDone(ctx, job.ID, created, s.now()); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID.String()).Msg("failed to mark materialization job done")
	}
	return res, nil
}

var (
	derivedSeriesFields = map[string]bool{
		"client_name": true, "staff_name": true, "service_name": true, "start_local": true,
		"occurrence_count": true, "id": true, "tenant_id": true, "created_at": true,
		"updated_at": true, "created_by": true,
	}
	timeDefiningSeriesFields = map[string]bool{
		"rrule": true, "start_at": true, "start_date": true, "start_time": true,
		"time_zone": true, "duration_minutes": true,
	}
)

// UpdateSeries applies a partial update. Derived display fields and the
// fields that define the occurrence times are rejected, as is is_active
// (use DeactivateSeries).
func (s *Service) UpdateSeries(ctx context.Context, id uuid.UUID, patch map[string]json.RawMessage) (series *AppointmentSeries, err error) {
	defer func() { s.record(ctx, "update_series", "", id, err) }()

	for key := range patch {
		switch {
		case derivedSeriesFields[key]:
			return nil, &ValidationError{Field: key, Message: "is derived and cannot be written"}
		case timeDefiningSeriesFields[key]:
			return nil, &ValidationError{Field: key, Message: "defines occurrence times; create a new series instead"}
		case key == "is_active":
			return nil, &ValidationError{Field: key, Message: "use the deactivate operation"}
		}
	}

	series, err = s.series.GetByID(ctx, id)
	if err != nil {
		return nil, backendErr("get series", err)
	}
	if err := applySeriesPatch(series, patch); err != nil {
		return nil, err
	}
	if err := s.series.Update(ctx, series); err != nil {
		return nil, backendErr("update series", err)
	}
	return series, nil
}

func applySeriesPatch(series *AppointmentSeries, patch map[string]json.RawMessage) error {
	for key, raw := range patch {
		var target any
		switch key {
		case "client_id":
			target = &series.ClientID
		case "staff_id":
			target = &series.StaffID
		case "service_id":
			target = &series.ServiceID
		case "max_occurrences":
			target = &series.MaxOccurrences
		case "is_telehealth":
			target = &series.IsTelehealth
		case "location_name":
			target = &series.LocationName
		case "notes":
			target = &series.Notes
		case "series_end_date":
			var v *string
			if err := json.Unmarshal(raw, &v); err != nil {
				return &ValidationError{Field: key, Message: "must be a date string or null"}
			}
			if v == nil {
				series.SeriesEndDate = nil
				continue
			}
			d, err := time.Parse(dateLayout, *v)
			if err != nil {
				return &ValidationError{Field: key, Message: "must be YYYY-MM-DD"}
			}
			series.SeriesEndDate = &d
			continue
		default:
			return &ValidationError{Field: key, Message: "unknown field"}
		}
		if err := json.Unmarshal(raw, target); err != nil {
			return &ValidationError{Field: key, Message: err.Error()}
		}
	}
	if series.MaxOccurrences != nil && *series.MaxOccurrences <= 0 {
		return &ValidationError{Field: "max_occurrences", Message: "must be positive"}
	}
	if series.ClientID == uuid.Nil || series.StaffID == uuid.Nil {
		return &ValidationError{Message: "client_id and staff_id cannot be cleared"}
	}
	return nil
}

// DeactivateSeries stops a series and cancels its scheduled occurrences from
// now on, in one transaction.
func (s *Service) DeactivateSeries(ctx context.Context, id uuid.UUID) (res *ScopeResult, err error) {
	defer func() { s.record(ctx, "deactivate_series", "", id, err) }()

	now := s.now()
	res = &ScopeResult{Scope: ScopeEntireSeries, SeriesID: &id}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.series.Deactivate(ctx, id); err != nil {
			return err
		}
		n, err := s.appts.CancelSeries(ctx, id, CancelFilter{From: &now, OnlyScheduled: true})
		res.Affected = n
		return err
	})
	if err != nil {
		return nil, backendErr("deactivate series", err)
	}
	active := false
	res.SeriesActive = &active
	return res, nil
}

// DeleteSeries removes the series row; occurrences and exceptions cascade.
func (s *Service) DeleteSeries(ctx context.Context, id uuid.UUID) (err error) {
	defer func() { s.record(ctx, "delete_series", "", id, err) }()

	if err := s.series.Delete(ctx, id); err != nil {
		return backendErr("delete series", err)
	}
	return nil
}

// MaterializeSeries re-runs the materializer on demand. When it fails a job
// is queued so the worker keeps trying.
func (s *Service) MaterializeSeries(ctx context.Context, req MaterializeRequest) (created int, err error) {
	defer func() { s.record(ctx, "materialize_series", "", req.SeriesID, err) }()

	if req.MonthsAhead <= 0 {
		req.MonthsAhead = s.monthsAhead
	}
	if req.MaxOccurrences <= 0 {
		req.MaxOccurrences = s.maxOcc
	}

	created, err = s.materializer.Materialize(ctx, req)
	if err == nil {
		return created, nil
	}

	var ve *ValidationError
	if !errors.Is(err, ErrNotFound) && !errors.As(err, &ve) {
		job := &MaterializationJob{
			TenantID:       db.TenantFromContext(ctx),
			SeriesID:       req.SeriesID,
			MonthsAhead:    req.MonthsAhead,
			MaxOccurrences: req.MaxOccurrences,
			IsTelehealth:   req.IsTelehealth,
			NextAttemptAt:  s.now().Add(RetryDelay(1)),
		}
		if qErr := s.jobs.Enqueue(ctx, job); qErr != nil {
			s.logger.Warn().Err(qErr).Str("series_id", req.SeriesID.String()).Msg("failed to queue materialization retry")
		}
	}
	return 0, backendErr("materialize", err)
}

// -- Scoped edit / delete --

// EditOccurrence changes one occurrence or it and every later one. All
// writes share one transaction.
func (s *Service) EditOccurrence(ctx context.Context, id uuid.UUID, scope Scope, edit *OccurrenceEdit) (res *ScopeResult, err error) {
	defer func() { s.record(ctx, "edit_occurrence", scope, id, err) }()

	if scope == ScopeEntireSeries {
		return nil, &ValidationError{Field: "scope", Message: "entire_series applies to delete only"}
	}
	if edit.Status != nil {
		if !validStatuses[*edit.Status] {
			return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", *edit.Status)}
		}
		if scope == ScopeThisAndFuture {
			return nil, &ValidationError{Field: "status", Message: "status can only change on a single occurrence"}
		}
	}
	if edit.DurationMinutes != nil && *edit.DurationMinutes <= 0 {
		return nil, &ValidationError{Field: "duration_minutes", Message: "must be positive"}
	}
	if edit.TimeZone != "" {
		if _, err := s.norm.Location(edit.TimeZone); err != nil {
			return nil, &ValidationError{Field: "time_zone", Message: err.Error()}
		}
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		a, err := s.appts.GetByID(ctx, id)
		if err != nil {
			return err
		}

		var series *AppointmentSeries
		if a.SeriesID != nil {
			if series, err = s.series.GetByID(ctx, *a.SeriesID); err != nil {
				return err
			}
		}

		if series == nil || scope == ScopeThisOnly {
			res, err = s.editOne(ctx, a, series, edit)
			return err
		}
		res, err = s.editFuture(ctx, a, series, edit)
		return err
	})
	if err != nil {
		return nil, backendErr("edit occurrence", err)
	}
	return res, nil
}

func editZone(edit *OccurrenceEdit, series *AppointmentSeries) string {
	if edit.TimeZone != "" {
		return edit.TimeZone
	}
	if series != nil {
		return series.TimeZone
	}
	return ""
}

func (s *Service) editOne(ctx context.Context, a *Appointment, series *AppointmentSeries, edit *OccurrenceEdit) (*ScopeResult, error) {
	original := a.StartAt

	if edit.changesTime() {
		zone := editZone(edit, series)
		local, err := s.norm.UTCToLocal(a.StartAt, zone)
		if err != nil {
			return nil, err
		}
		date, clock := local.Date, local.Time
		if edit.Date != nil {
			date = *edit.Date
		}
		if edit.Time != nil {
			clock = *edit.Time
		}
		if err := s.retime(a, date, clock, zone, edit.DurationMinutes); err != nil {
			return nil, err
		}
	}
	applyFields(a, edit)
	if edit.Status != nil {
		a.Status = *edit.Status
	}

	if series != nil {
		mode := string(ScopeThisOnly)
		a.EditMode = &mode
	}
	if err := s.appts.Update(ctx, a); err != nil {
		return nil, err
	}

	res := &ScopeResult{Scope: ScopeThisOnly, Affected: 1}
	if series != nil {
		res.SeriesID = &series.ID
		if err := s.exceptions.Create(ctx, &AppointmentException{
			TenantID:                 a.TenantID,
			SeriesID:                 series.ID,
			OriginalStartAt:          original,
			ChangeType:               ChangeRescheduled,
			ReplacementAppointmentID: &a.ID,
		}); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// editFuture ends the series the day before the anchor and applies edit to
// the anchor and every later occurrence. A date change moves each occurrence
// by the same number of local days. Occurrence wall clocks are read in the
// zone they are written back in, so a zone alone never moves them.
func (s *Service) editFuture(ctx context.Context, anchor *Appointment, series *AppointmentSeries, edit *OccurrenceEdit) (*ScopeResult, error) {
	zone := editZone(edit, series)
	anchorLocal, err := s.norm.UTCToLocal(anchor.StartAt, series.TimeZone)
	if err != nil {
		return nil, err
	}

	dayDelta := 0
	if edit.Date != nil {
		target, err := time.Parse(dateLayout, *edit.Date)
		if err != nil {
			return nil, &timezone.InvalidTimeError{Date: *edit.Date, Zone: zone, Reason: "date must be YYYY-MM-DD"}
		}
		anchorInZone, err := s.norm.UTCToLocal(anchor.StartAt, zone)
		if err != nil {
			return nil, err
		}
		dayDelta = int(target.Sub(localDate(anchorInZone)).Hours() / 24)
	}

	endDate := dayBefore(anchorLocal)
	if err := s.series.TruncateEnd(ctx, series.ID, endDate); err != nil {
		return nil, err
	}

	occurrences, err := s.appts.ListSeriesFrom(ctx, series.ID, anchor.StartAt)
	if err != nil {
		return nil, err
	}

	mode := string(ScopeThisAndFuture)
	for _, o := range occurrences {
		if edit.changesTime() {
			local, err := s.norm.UTCToLocal(o.StartAt, zone)
			if err != nil {
				return nil, err
			}
			date := local.Floating().AddDate(0, 0, dayDelta).Format(dateLayout)
			clock := local.Time
			if edit.Time != nil {
				clock = *edit.Time
			}
			if err := s.retime(o, date, clock, zone, edit.DurationMinutes); err != nil {
				return nil, err
			}
		}
		applyFields(o, edit)
		o.EditMode = &mode
		if err := s.appts.Update(ctx, o); err != nil {
			return nil, err
		}
	}

	return &ScopeResult{
		Scope:         ScopeThisAndFuture,
		Affected:      len(occurrences),
		SeriesID:      &series.ID,
		SeriesEndDate: &endDate,
	}, nil
}

// retime moves a to date/clock in zone, keeping its length unless a new
// duration is given.
func (s *Service) retime(a *Appointment, date, clock, zone string, duration *int) error {
	minutes := a.DurationMinutes()
	if duration != nil {
		minutes = *duration
	}
	start, err := s.norm.LocalToUTC(date, clock, zone)
	if err != nil {
		return err
	}
	a.StartAt = start
	a.EndAt = timezone.CalculateEndUTC(start, minutes)
	return nil
}

func applyFields(a *Appointment, edit *OccurrenceEdit) {
	if edit.StaffID != nil {
		a.StaffID = *edit.StaffID
	}
	if edit.ServiceID != nil {
		a.ServiceID = edit.ServiceID
	}
	if edit.IsTelehealth != nil {
		a.IsTelehealth = *edit.IsTelehealth
	}
	if edit.LocationName != nil {
		a.LocationName = edit.LocationName
	}
	if edit.Notes != nil {
		a.Notes = edit.Notes
	}
}

// localDate is the calendar date of l as a date-only value.
func localDate(l timezone.LocalDateTime) time.Time {
	return time.Date(l.Year, time.Month(l.Month), l.Day, 0, 0, 0, 0, time.UTC)
}

func dayBefore(l timezone.LocalDateTime) time.Time {
	return localDate(l).AddDate(0, 0, -1)
}

// DeleteOccurrence cancels by scope. Nothing is hard-deleted: this_only and
// this_and_future set status cancelled, entire_series also deactivates the
// series. Completed and documented occurrences are never cancelled.
func (s *Service) DeleteOccurrence(ctx context.Context, id uuid.UUID, scope Scope) (res *ScopeResult, err error) {
	defer func() { s.record(ctx, "delete_occurrence", scope, id, err) }()

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		a, err := s.appts.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if a.SeriesID == nil || scope == ScopeThisOnly {
			res, err = s.cancelOne(ctx, a)
			return err
		}

		series, err := s.series.GetByID(ctx, *a.SeriesID)
		if err != nil {
			return err
		}
		res = &ScopeResult{Scope: scope, SeriesID: &series.ID}

		switch scope {
		case ScopeThisAndFuture:
			local, err := s.norm.UTCToLocal(a.StartAt, series.TimeZone)
			if err != nil {
				return err
			}
			endDate := dayBefore(local)
			if err := s.series.TruncateEnd(ctx, series.ID, endDate); err != nil {
				return err
			}
			res.SeriesEndDate = &endDate
			res.Affected, err = s.appts.CancelSeries(ctx, series.ID, CancelFilter{From: &a.StartAt})
			return err

		case ScopeEntireSeries:
			if err := s.series.Deactivate(ctx, series.ID); err != nil {
				return err
			}
			active := false
			res.SeriesActive = &active
			res.Affected, err = s.appts.CancelSeries(ctx, series.ID, CancelFilter{})
			return err
		}
		return &ValidationError{Field: "scope", Message: fmt.Sprintf("unknown scope %q", scope)}
	})
	if err != nil {
		return nil, backendErr("delete occurrence", err)
	}
	return res, nil
}

func (s *Service) cancelOne(ctx context.Context, a *Appointment) (*ScopeResult, error) {
	res := &ScopeResult{Scope: ScopeThisOnly, SeriesID: a.SeriesID}
	if IsFinished(a.Status) {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("a %s appointment cannot be cancelled", a.Status)}
	}
	if a.Status == StatusCancelled {
		return res, nil
	}

	a.Status = StatusCancelled
	if err := s.appts.Update(ctx, a); err != nil {
		return nil, err
	}
	res.Affected = 1

	if a.SeriesID != nil {
		if err := s.exceptions.Create(ctx, &AppointmentException{
			TenantID:        a.TenantID,
			SeriesID:        *a.SeriesID,
			OriginalStartAt: a.StartAt,
			ChangeType:      ChangeCancelled,
		}); err != nil {
			return nil, err
		}
	}
	return res, nil
}
