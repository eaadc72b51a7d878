package scheduling

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/db"
	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/timezone"
)

// -- In-memory store --

// memStore backs every mock repository. Values are stored by value so a
// snapshot is a plain map copy.
type memStore struct {
	series     map[uuid.UUID]AppointmentSeries
	appts      map[uuid.UUID]Appointment
	exceptions []AppointmentException
	jobs       map[uuid.UUID]MaterializationJob
	names      map[uuid.UUID]string

	// failOn makes the named repository method return the error.
	failOn map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		series: make(map[uuid.UUID]AppointmentSeries),
		appts:  make(map[uuid.UUID]Appointment),
		jobs:   make(map[uuid.UUID]MaterializationJob),
		names:  make(map[uuid.UUID]string),
		failOn: make(map[string]error),
	}
}

func (m *memStore) fail(op string) error { return m.failOn[op] }

type snapshot struct {
	series     map[uuid.UUID]AppointmentSeries
	appts      map[uuid.UUID]Appointment
	exceptions []AppointmentException
	jobs       map[uuid.UUID]MaterializationJob
}

func (m *memStore) snapshot() snapshot {
	s := snapshot{
		series:     make(map[uuid.UUID]AppointmentSeries, len(m.series)),
		appts:      make(map[uuid.UUID]Appointment, len(m.appts)),
		exceptions: append([]AppointmentException(nil), m.exceptions...),
		jobs:       make(map[uuid.UUID]MaterializationJob, len(m.jobs)),
	}
	for k, v := range m.series {
		s.series[k] = v
	}
	for k, v := range m.appts {
		s.appts[k] = v
	}
	for k, v := range m.jobs {
		s.jobs[k] = v
	}
	return s
}

func (m *memStore) restore(s snapshot) {
	m.series, m.appts, m.exceptions, m.jobs = s.series, s.appts, s.exceptions, s.jobs
}

// sortedAppts returns the occurrences of seriesID ordered by start.
func (m *memStore) sortedAppts(seriesID uuid.UUID) []Appointment {
	var out []Appointment
	for _, a := range m.appts {
		if a.SeriesID != nil && *a.SeriesID == seriesID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out
}

// memTx snapshots the store and restores it when fn fails.
type memTx struct {
	store *memStore
	calls int
}

func (t *memTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.calls++
	snap := t.store.snapshot()
	if err := fn(ctx); err != nil {
		t.store.restore(snap)
		return err
	}
	return nil
}

// -- Mock Repositories --

type mockSeriesRepo struct{ store *memStore }

func (r *mockSeriesRepo) Create(_ context.Context, s *AppointmentSeries) error {
	if err := r.store.fail("series.Create"); err != nil {
		return err
	}
	s.ID = uuid.New()
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	r.store.series[s.ID] = *s
	return nil
}

func (r *mockSeriesRepo) GetByID(_ context.Context, id uuid.UUID) (*AppointmentSeries, error) {
	s, ok := r.store.series[id]
	if !ok {
		return nil, notFound("series", id)
	}
	return &s, nil
}

func (r *mockSeriesRepo) Update(_ context.Context, s *AppointmentSeries) error {
	if _, ok := r.store.series[s.ID]; !ok {
		return notFound("series", s.ID)
	}
	r.store.series[s.ID] = *s
	return nil
}

func (r *mockSeriesRepo) Deactivate(_ context.Context, id uuid.UUID) error {
	if err := r.store.fail("series.Deactivate"); err != nil {
		return err
	}
	s, ok := r.store.series[id]
	if !ok {
		return notFound("series", id)
	}
	s.IsActive = false
	r.store.series[id] = s
	return nil
}

func (r *mockSeriesRepo) TruncateEnd(_ context.Context, id uuid.UUID, endDate time.Time) error {
	s, ok := r.store.series[id]
	if !ok {
		return notFound("series", id)
	}
	s.SeriesEndDate = &endDate
	r.store.series[id] = s
	return nil
}

func (r *mockSeriesRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := r.store.series[id]; !ok {
		return notFound("series", id)
	}
	delete(r.store.series, id)
	for aid, a := range r.store.appts {
		if a.SeriesID != nil && *a.SeriesID == id {
			delete(r.store.appts, aid)
		}
	}
	return nil
}

func (r *mockSeriesRepo) ListActiveIDs(_ context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for id, s := range r.store.series {
		if s.IsActive {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *mockSeriesRepo) List(_ context.Context, activeOnly bool, limit, offset int) ([]*AppointmentSeries, int, error) {
	var out []*AppointmentSeries
	for _, s := range r.store.series {
		if activeOnly && !s.IsActive {
			continue
		}
		s := s
		out = append(out, &s)
	}
	return out, len(out), nil
}

type mockAppointmentRepo struct{ store *memStore }

func (r *mockAppointmentRepo) Create(_ context.Context, a *Appointment) error {
	if err := r.store.fail("appointments.Create"); err != nil {
		return err
	}
	a.ID = uuid.New()
	if a.Status == "" {
		a.Status = StatusScheduled
	}
	r.store.appts[a.ID] = *a
	return nil
}

func (r *mockAppointmentRepo) InsertGenerated(_ context.Context, occurrences []*Appointment) (int, error) {
	if err := r.store.fail("appointments.InsertGenerated"); err != nil {
		return 0, err
	}
	created := 0
	for _, o := range occurrences {
		dup := false
		for _, a := range r.store.appts {
			if a.SeriesID != nil && o.SeriesID != nil && *a.SeriesID == *o.SeriesID &&
				a.RecurrenceStartAt != nil && a.RecurrenceStartAt.Equal(*o.RecurrenceStartAt) {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		o.ID = uuid.New()
		r.store.appts[o.ID] = *o
		created++
	}
	return created, nil
}

func (r *mockAppointmentRepo) LatestRecurrenceStart(_ context.Context, seriesID uuid.UUID) (*time.Time, error) {
	var latest *time.Time
	for _, a := range r.store.appts {
		if a.SeriesID == nil || *a.SeriesID != seriesID || a.RecurrenceStartAt == nil {
			continue
		}
		if latest == nil || a.RecurrenceStartAt.After(*latest) {
			ts := *a.RecurrenceStartAt
			latest = &ts
		}
	}
	return latest, nil
}

func (r *mockAppointmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := r.store.appts[id]
	if !ok {
		return nil, notFound("appointment", id)
	}
	return &a, nil
}

func (r *mockAppointmentRepo) Update(_ context.Context, a *Appointment) error {
	if err := r.store.fail("appointments.Update"); err != nil {
		return err
	}
	if _, ok := r.store.appts[a.ID]; !ok {
		return notFound("appointment", a.ID)
	}
	r.store.appts[a.ID] = *a
	return nil
}

func (r *mockAppointmentRepo) ListSeriesFrom(_ context.Context, seriesID uuid.UUID, from time.Time) ([]*Appointment, error) {
	var out []*Appointment
	for _, a := range r.store.sortedAppts(seriesID) {
		if !a.StartAt.Before(from) {
			a := a
			out = append(out, &a)
		}
	}
	return out, nil
}

func (r *mockAppointmentRepo) CancelSeries(_ context.Context, seriesID uuid.UUID, f CancelFilter) (int, error) {
	if err := r.store.fail("appointments.CancelSeries"); err != nil {
		return 0, err
	}
	n := 0
	for id, a := range r.store.appts {
		if a.SeriesID == nil || *a.SeriesID != seriesID {
			continue
		}
		if IsFinished(a.Status) || a.Status == StatusCancelled {
			continue
		}
		if f.OnlyScheduled && a.Status != StatusScheduled {
			continue
		}
		if f.From != nil && a.StartAt.Before(*f.From) {
			continue
		}
		a.Status = StatusCancelled
		r.store.appts[id] = a
		n++
	}
	return n, nil
}

func (r *mockAppointmentRepo) Views(_ context.Context, q ViewQuery) ([]*AppointmentView, int, error) {
	if err := r.store.fail("appointments.Views"); err != nil {
		return nil, 0, err
	}
	statuses := make(map[string]bool)
	for _, s := range q.Statuses {
		statuses[s] = true
	}

	var out []*AppointmentView
	for _, a := range r.store.appts {
		switch {
		case q.ID != nil && a.ID != *q.ID,
			q.SeriesID != nil && (a.SeriesID == nil || *a.SeriesID != *q.SeriesID),
			q.ClientID != nil && a.ClientID != *q.ClientID,
			q.StaffID != nil && a.StaffID != *q.StaffID,
			len(statuses) > 0 && !statuses[a.Status],
			len(statuses) == 0 && !q.IncludeCancelled && q.ID == nil && a.Status == StatusCancelled,
			q.From != nil && a.StartAt.Before(*q.From),
			q.To != nil && !a.StartAt.Before(*q.To):
			continue
		}
		v := &AppointmentView{Appointment: a}
		if q.has(JoinClient) {
			if name, ok := r.store.names[a.ClientID]; ok {
				v.ClientName = &name
			}
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	total := len(out)
	if q.Limit > 0 {
		out = out[min(q.Offset, total):min(q.Offset+q.Limit, total)]
	}
	return out, total, nil
}

type mockExceptionRepo struct{ store *memStore }

func (r *mockExceptionRepo) Create(_ context.Context, e *AppointmentException) error {
	if err := r.store.fail("exceptions.Create"); err != nil {
		return err
	}
	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	r.store.exceptions = append(r.store.exceptions, *e)
	return nil
}

func (r *mockExceptionRepo) ListBySeries(_ context.Context, seriesID uuid.UUID) ([]*AppointmentException, error) {
	var out []*AppointmentException
	for _, e := range r.store.exceptions {
		if e.SeriesID == seriesID {
			e := e
			out = append(out, &e)
		}
	}
	return out, nil
}

type mockJobRepo struct{ store *memStore }

func (r *mockJobRepo) Enqueue(_ context.Context, j *MaterializationJob) error {
	if err := r.store.fail("jobs.Enqueue"); err != nil {
		return err
	}
	j.ID = uuid.New()
	j.Status = JobPending
	r.store.jobs[j.ID] = *j
	return nil
}

func (r *mockJobRepo) FetchDue(_ context.Context, now time.Time, limit int) ([]*MaterializationJob, error) {
	var out []*MaterializationJob
	for _, j := range r.store.jobs {
		if j.Status == JobPending && !j.NextAttemptAt.After(now) {
			j := j
			out = append(out, &j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].NextAttemptAt.Before(out[k].NextAttemptAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	for _, j := range out {
		claimed := r.store.jobs[j.ID]
		claimed.NextAttemptAt = now.Add(claimLease)
		r.store.jobs[j.ID] = claimed
	}
	return out, nil
}

func (r *mockJobRepo) update(id uuid.UUID, fn func(j *MaterializationJob)) error {
	j, ok := r.store.jobs[id]
	if !ok {
		return fmt.Errorf("not found")
	}
	fn(&j)
	r.store.jobs[id] = j
	return nil
}

func (r *mockJobRepo) MarkDone(_ context.Context, id uuid.UUID, created int, at time.Time) error {
	return r.update(id, func(j *MaterializationJob) {
		j.Status = JobDone
		j.Attempts++
		j.CreatedCount = created
		j.CompletedAt = &at
	})
}

func (r *mockJobRepo) MarkRetry(_ context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error {
	return r.update(id, func(j *MaterializationJob) {
		j.Attempts = attempts
		j.NextAttemptAt = next
		j.LastError = &lastErr
	})
}

func (r *mockJobRepo) MarkFailed(_ context.Context, id uuid.UUID, attempts int, lastErr string) error {
	return r.update(id, func(j *MaterializationJob) {
		j.Status = JobFailed
		j.Attempts = attempts
		j.LastError = &lastErr
	})
}

// failingMaterializer always returns err.
type failingMaterializer struct {
	err   error
	calls int
}

func (f *failingMaterializer) Materialize(context.Context, MaterializeRequest) (int, error) {
	f.calls++
	return 0, f.err
}

// -- Fixture --

type fixture struct {
	store *memStore
	tx    *memTx
	repos Repositories
	norm  *timezone.Normalizer
	gen   *Generator
	svc   *Service
	now   time.Time
	ctx   context.Context
}

// newFixture builds a service whose clock reads now, materializing in
// process unless m is given.
func newFixture(t *testing.T, now time.Time, m Materializer) *fixture {
	t.Helper()
	norm, err := timezone.NewNormalizer("America/New_York")
	if err != nil {
		t.Fatalf("normalizer: %v", err)
	}

	f := &fixture{store: newMemStore(), norm: norm, now: now}
	f.tx = &memTx{store: f.store}
	f.repos = Repositories{
		Series:       &mockSeriesRepo{store: f.store},
		Appointments: &mockAppointmentRepo{store: f.store},
		Exceptions:   &mockExceptionRepo{store: f.store},
		Jobs:         &mockJobRepo{store: f.store},
	}
	clock := func() time.Time { return f.now }
	f.gen = NewGenerator(f.repos.Series, f.repos.Appointments, norm, WithDefaults(3, 200), WithClock(clock))
	if m == nil {
		m = f.gen
	}
	f.svc = NewService(f.repos, f.tx, norm, m, Options{
		MonthsAhead:    3,
		MaxOccurrences: 200,
		Logger:         zerolog.Nop(),
		Now:            clock,
	})
	f.ctx = db.ContextWithTenant(context.Background(), "acme")
	return f
}

// weeklyMondays creates the four-Monday series starting 2025-01-01 10:00 in
// New York.
func (f *fixture) weeklyMondays(t *testing.T) *SeriesResult {
	t.Helper()
	res, err := f.svc.CreateSeries(f.ctx, &CreateSeriesInput{
		ClientID:        uuid.New(),
		StaffID:         uuid.New(),
		RRule:           "FREQ=WEEKLY;BYDAY=MO;COUNT=4",
		Date:            "2025-01-01",
		Time:            "10:00",
		TimeZone:        "America/New_York",
		DurationMinutes: 50,
	}, "clinician-1")
	if err != nil {
		t.Fatalf("CreateSeries: %v", err)
	}
	return res
}

// occurrenceAt returns the occurrence of seriesID starting at ts.
func (f *fixture) occurrenceAt(t *testing.T, seriesID uuid.UUID, ts time.Time) Appointment {
	t.Helper()
	for _, a := range f.store.sortedAppts(seriesID) {
		if a.StartAt.Equal(ts) {
			return a
		}
	}
	t.Fatalf("no occurrence at %s", ts)
	return Appointment{}
}

func utc(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
