package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/db"
	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/metrics"
	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/recurrence"
	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/timezone"
)

// Materializer turns a series' recurrence rule into occurrence rows.
// Implementations must be idempotent: re-running for the same series never
// creates a second row for a slot.
type Materializer interface {
	Materialize(ctx context.Context, req MaterializeRequest) (int, error)
}

// Generator is the in-process Materializer. It is also what the
// generate-appointment-occurrences function endpoint runs.
type Generator struct {
	series      SeriesRepository
	appts       AppointmentRepository
	norm        *timezone.Normalizer
	monthsAhead int
	maxOcc      int
	metrics     *metrics.SchedulingMetrics
	now         func() time.Time
}

type GeneratorOption func(*Generator)

// WithDefaults sets the horizon and cap used when a request leaves them zero.
func WithDefaults(monthsAhead, maxOccurrences int) GeneratorOption {
	return func(g *Generator) {
		g.monthsAhead = monthsAhead
		g.maxOcc = maxOccurrences
	}
}

func WithGeneratorMetrics(m *metrics.SchedulingMetrics) GeneratorOption {
	return func(g *Generator) { g.metrics = m }
}

func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) { g.now = now }
}

func NewGenerator(series SeriesRepository, appts AppointmentRepository, norm *timezone.Normalizer, opts ...GeneratorOption) *Generator {
	g := &Generator{
		series:      series,
		appts:       appts,
		norm:        norm,
		monthsAhead: 3,
		maxOcc:      200,
		now:         time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Materialize generates the occurrences of req.SeriesID up to the horizon and
// returns how many rows were new. Inactive series produce nothing.
func (g *Generator) Materialize(ctx context.Context, req MaterializeRequest) (int, error) {
	began := g.now()

	s, err := g.series.GetByID(ctx, req.SeriesID)
	if err != nil {
		return 0, err
	}
	if !s.IsActive {
		return 0, nil
	}

	loc, err := g.norm.Location(s.TimeZone)
	if err != nil {
		return 0, fmt.Errorf("series %s: %w", s.ID, err)
	}

	months := req.MonthsAhead
	if months <= 0 {
		months = g.monthsAhead
	}
	batch := req.MaxOccurrences
	if batch <= 0 {
		batch = g.maxOcc
	}
	total := 0
	if s.MaxOccurrences != nil {
		total = *s.MaxOccurrences
	}

	// total bounds the whole series from its start; batch bounds only the
	// slots this run adds past the last one already materialized.
	until := recurrence.Horizon(s.StartAt, began, months, s.SeriesEndDate, loc)
	slots, err := recurrence.Expand(s.RRule, s.StartAt, loc, until, total)
	if err != nil {
		return 0, &ValidationError{Field: "rrule", Message: err.Error()}
	}
	latest, err := g.appts.LatestRecurrenceStart(ctx, s.ID)
	if err != nil {
		return 0, err
	}
	slots = pendingSlots(slots, latest, batch)

	telehealth := s.IsTelehealth
	if req.IsTelehealth != nil {
		telehealth = *req.IsTelehealth
	}
	tenantID := s.TenantID
	if tenantID == "" {
		tenantID = db.TenantFromContext(ctx)
	}

	occurrences := make([]*Appointment, 0, len(slots))
	for _, start := range slots {
		slot := start
		occurrences = append(occurrences, &Appointment{
			TenantID:          tenantID,
			SeriesID:          &s.ID,
			ClientID:          s.ClientID,
			StaffID:           s.StaffID,
			ServiceID:         s.ServiceID,
			StartAt:           slot,
			EndAt:             timezone.CalculateEndUTC(slot, s.DurationMinutes),
			RecurrenceStartAt: &slot,
			Status:            StatusScheduled,
			IsTelehealth:      telehealth,
			LocationName:      s.LocationName,
		})
	}

	created, err := g.appts.InsertGenerated(ctx, occurrences)
	if err != nil {
		return created, err
	}
	g.metrics.ObserveMaterialized(created, g.now().Sub(began).Seconds())
	return created, nil
}

// pendingSlots drops the slots at or before latest and keeps at most batch of
// the rest.
func pendingSlots(slots []time.Time, latest *time.Time, batch int) []time.Time {
	if latest != nil {
		i := 0
		for i < len(slots) && !slots[i].After(*latest) {
			i++
		}
		slots = slots[i:]
	}
	if batch > 0 && len(slots) > batch {
		slots = slots[:batch]
	}
	return slots
}
