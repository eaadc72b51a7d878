//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/domain/scheduling"
	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/db"
	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/timezone"
)

// weeklySeries starts a week out so every occurrence is inside the horizon.
func weeklySeries(p parties, count string) *scheduling.CreateSeriesInput {
	return &scheduling.CreateSeriesInput{
		ClientID:        p.ClientID,
		StaffID:         p.StaffID,
		RRule:           "FREQ=WEEKLY;COUNT=" + count,
		Date:            time.Now().AddDate(0, 0, 7).Format("2006-01-02"),
		Time:            "10:00",
		TimeZone:        defaultZone,
		DurationMinutes: 50,
		LocationName:    ptrStr("Suite 200"),
	}
}

func listSeries(t *testing.T, ctx context.Context, h *harness, seriesID uuid.UUID) []*scheduling.AppointmentView {
	t.Helper()
	views, _, err := h.service.ListAppointments(ctx, scheduling.ViewQuery{
		SeriesID:         &seriesID,
		IncludeCancelled: true,
		Joins:            scheduling.AllJoins,
	})
	require.NoError(t, err)
	return views
}

func TestSeriesLifecycle(t *testing.T) {
	ctx := context.Background()
	tenantID := uniqueTenantID("sched")
	createTenantSchema(t, ctx, tenantID)
	p := seedParties(t, ctx, tenantID)
	h := newHarness(t)

	var series *scheduling.AppointmentSeries

	t.Run("CreateMaterializes", func(t *testing.T) {
		inTenant(t, ctx, tenantID, func(ctx context.Context) error {
			res, err := h.service.CreateSeries(ctx, weeklySeries(p, "4"), "dev-user")
			require.NoError(t, err)
			require.Nil(t, res.Warning)
			require.Equal(t, 4, res.Created)
			series = res.Series

			views := listSeries(t, ctx, h, series.ID)
			require.Len(t, views, 4)
			loc, _ := time.LoadLocation(defaultZone)
			for i, v := range views {
				require.Equal(t, "10:00", v.StartAt.In(loc).Format("15:04"), "occurrence %d", i)
				require.Equal(t, 50*time.Minute, v.EndAt.Sub(v.StartAt))
				require.Equal(t, scheduling.StatusScheduled, v.Status)
				require.NotNil(t, v.ClientName)
				require.Equal(t, "Jordan Reyes", *v.ClientName)
				require.NotNil(t, v.SeriesTimeZone)
				require.Equal(t, defaultZone, *v.SeriesTimeZone)
			}
			return nil
		})

		var status string
		var created int
		err := globalDB.Pool.QueryRow(ctx, `SELECT status, created_count FROM shared.materialization_jobs
			WHERE tenant_id = $1 AND series_id = $2`, tenantID, series.ID).Scan(&status, &created)
		require.NoError(t, err)
		require.Equal(t, scheduling.JobDone, status)
		require.Equal(t, 4, created)
	})

	t.Run("MaterializeIsIdempotent", func(t *testing.T) {
		inTenant(t, ctx, tenantID, func(ctx context.Context) error {
			n, err := h.generator.Materialize(ctx, scheduling.MaterializeRequest{SeriesID: series.ID})
			require.NoError(t, err)
			require.Zero(t, n)
			require.Len(t, listSeries(t, ctx, h, series.ID), 4)
			return nil
		})
	})

	t.Run("EditThisOnlyRecordsException", func(t *testing.T) {
		inTenant(t, ctx, tenantID, func(ctx context.Context) error {
			views := listSeries(t, ctx, h, series.ID)
			first := views[0]

			res, err := h.service.EditOccurrence(ctx, first.ID, scheduling.ScopeThisOnly,
				&scheduling.OccurrenceEdit{Time: ptrStr("14:30")})
			require.NoError(t, err)
			require.Equal(t, 1, res.Affected)

			exceptions, err := h.service.ListExceptions(ctx, series.ID)
			require.NoError(t, err)
			require.Len(t, exceptions, 1)
			require.Equal(t, scheduling.ChangeRescheduled, exceptions[0].ChangeType)
			require.True(t, exceptions[0].OriginalStartAt.Equal(first.StartAt))
			return nil
		})
	})

	t.Run("EditThisAndFutureShiftsLaterOccurrences", func(t *testing.T) {
		inTenant(t, ctx, tenantID, func(ctx context.Context) error {
			before := listSeries(t, ctx, h, series.ID)
			anchor := before[2]

			_, err := h.service.EditOccurrence(ctx, anchor.ID, scheduling.ScopeThisAndFuture,
				&scheduling.OccurrenceEdit{Time: ptrStr("11:00")})
			require.NoError(t, err)

			after := listSeries(t, ctx, h, series.ID)
			require.Len(t, after, 4)
			loc, _ := time.LoadLocation(defaultZone)
			require.Equal(t, "10:00", after[1].StartAt.In(loc).Format("15:04"))
			require.Equal(t, "11:00", after[2].StartAt.In(loc).Format("15:04"))
			require.Equal(t, "11:00", after[3].StartAt.In(loc).Format("15:04"))
			return nil
		})
	})

	t.Run("DeleteThisAndFutureTruncatesSeries", func(t *testing.T) {
		inTenant(t, ctx, tenantID, func(ctx context.Context) error {
			views := listSeries(t, ctx, h, series.ID)

			res, err := h.service.DeleteOccurrence(ctx, views[3].ID, scheduling.ScopeThisAndFuture)
			require.NoError(t, err)
			require.Equal(t, 1, res.Affected)
			require.NotNil(t, res.SeriesEndDate)

			stored, err := h.service.GetSeries(ctx, series.ID)
			require.NoError(t, err)
			require.NotNil(t, stored.SeriesEndDate)
			require.True(t, stored.IsActive)

			views = listSeries(t, ctx, h, series.ID)
			require.Equal(t, scheduling.StatusCancelled, views[3].Status)
			require.Equal(t, scheduling.StatusScheduled, views[2].Status)
			return nil
		})
	})

	t.Run("DeleteEntireSeriesDeactivates", func(t *testing.T) {
		inTenant(t, ctx, tenantID, func(ctx context.Context) error {
			views := listSeries(t, ctx, h, series.ID)

			res, err := h.service.DeleteOccurrence(ctx, views[0].ID, scheduling.ScopeEntireSeries)
			require.NoError(t, err)
			require.Equal(t, 3, res.Affected)

			stored, err := h.service.GetSeries(ctx, series.ID)
			require.NoError(t, err)
			require.False(t, stored.IsActive)
			return nil
		})
	})
}

func TestCreateSeries_RejectsNonexistentLocalTime(t *testing.T) {
	ctx := context.Background()
	tenantID := uniqueTenantID("gap")
	createTenantSchema(t, ctx, tenantID)
	p := seedParties(t, ctx, tenantID)
	h := newHarness(t)

	in := weeklySeries(p, "4")
	in.Date = "2025-03-09"
	in.Time = "02:30"

	inTenant(t, ctx, tenantID, func(ctx context.Context) error {
		_, err := h.service.CreateSeries(ctx, in, "dev-user")
		var ite *timezone.InvalidTimeError
		require.ErrorAs(t, err, &ite)

		series, total, err := h.service.ListSeries(ctx, false, 10, 0)
		require.NoError(t, err)
		require.Zero(t, total)
		require.Empty(t, series)
		return nil
	})
}

func TestTenantIsolation(t *testing.T) {
	ctx := context.Background()
	tenantA := uniqueTenantID("iso")
	tenantB := uniqueTenantID("iso")
	createTenantSchema(t, ctx, tenantA)
	createTenantSchema(t, ctx, tenantB)
	p := seedParties(t, ctx, tenantA)
	h := newHarness(t)

	var seriesID uuid.UUID
	inTenant(t, ctx, tenantA, func(ctx context.Context) error {
		res, err := h.service.CreateSeries(ctx, weeklySeries(p, "2"), "dev-user")
		require.NoError(t, err)
		seriesID = res.Series.ID
		return nil
	})

	inTenant(t, ctx, tenantB, func(ctx context.Context) error {
		_, err := h.service.GetSeries(ctx, seriesID)
		require.ErrorIs(t, err, scheduling.ErrNotFound)

		_, total, err := h.service.ListAppointments(ctx, scheduling.ViewQuery{})
		require.NoError(t, err)
		require.Zero(t, total)
		return nil
	})
}

func TestWorker_DrainsPendingJobs(t *testing.T) {
	ctx := context.Background()
	tenantID := uniqueTenantID("work")
	createTenantSchema(t, ctx, tenantID)
	p := seedParties(t, ctx, tenantID)
	h := newHarness(t)

	// A series whose inline materialization never ran: row and job only.
	series := &scheduling.AppointmentSeries{
		ID:              uuid.New(),
		TenantID:        tenantID,
		ClientID:        p.ClientID,
		StaffID:         p.StaffID,
		RRule:           "FREQ=WEEKLY;COUNT=3",
		StartDate:       time.Now().AddDate(0, 0, 3).Format("2006-01-02"),
		StartTime:       "09:00",
		TimeZone:        defaultZone,
		DurationMinutes: 45,
		IsActive:        true,
	}
	start, err := h.norm.LocalToUTC(series.StartDate, series.StartTime, series.TimeZone)
	require.NoError(t, err)
	series.StartAt = start

	inTenant(t, ctx, tenantID, func(ctx context.Context) error {
		return db.NewTxRunner(globalDB.Pool).InTx(ctx, func(ctx context.Context) error {
			if err := h.repos.Series.Create(ctx, series); err != nil {
				return err
			}
			return h.repos.Jobs.Enqueue(ctx, &scheduling.MaterializationJob{
				TenantID:       tenantID,
				SeriesID:       series.ID,
				MonthsAhead:    3,
				MaxOccurrences: 200,
				NextAttemptAt:  time.Now().Add(-time.Minute),
			})
		})
	})

	worker := scheduling.NewWorker(h.repos.Jobs, h.repos.Series, h.generator,
		func(ctx context.Context, tid string, fn func(ctx context.Context) error) error {
			return db.WithTenant(ctx, globalDB.Pool, tid, fn)
		},
		func(ctx context.Context) ([]string, error) { return []string{tenantID}, nil },
		scheduling.WorkerConfig{BatchSize: 100},
		zerolog.Nop(), nil,
	)

	// Jobs from other tests may be due too; only this tenant's count matters.
	_, err = worker.RunOnce(ctx)
	require.NoError(t, err)

	inTenant(t, ctx, tenantID, func(ctx context.Context) error {
		require.Len(t, listSeries(t, ctx, h, series.ID), 3)
		return nil
	})
}

func TestFormatTimestampFunction(t *testing.T) {
	ctx := context.Background()
	norm, err := timezone.NewNormalizer(defaultZone)
	require.NoError(t, err)
	f, err := timezone.NewFormatter(globalDB.Pool, norm, 16, nil, time.Hour, zerolog.Nop())
	require.NoError(t, err)

	ts := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

	out, err := f.Format(ctx, ts, "America/New_York", "YYYY-MM-DD HH24:MI")
	require.NoError(t, err)
	require.Equal(t, "2025-03-10 10:00", out)

	out, err = f.Format(ctx, ts, "Asia/Kolkata", "HH12:MI AM")
	require.NoError(t, err)
	require.Equal(t, "07:30 PM", out)
}
