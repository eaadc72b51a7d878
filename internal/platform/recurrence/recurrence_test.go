package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

func TestExpand_WeeklyMondayCount(t *testing.T) {
	loc := newYork(t)
	start := time.Date(2025, 1, 1, 10, 0, 0, 0, loc)
	until := time.Date(2025, 4, 1, 0, 0, 0, 0, loc)

	got, err := Expand("FREQ=WEEKLY;BYDAY=MO;COUNT=4", start, loc, until, 200)
	require.NoError(t, err)

	want := []time.Time{
		time.Date(2025, 1, 6, 15, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 13, 15, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 20, 15, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 27, 15, 0, 0, 0, time.UTC),
	}
	require.Equal(t, want, got)
}

func TestExpand_LimitCapsRuleCount(t *testing.T) {
	loc := newYork(t)
	start := time.Date(2025, 1, 6, 10, 0, 0, 0, loc)
	until := time.Date(2026, 1, 1, 0, 0, 0, 0, loc)

	got, err := Expand("RRULE:FREQ=WEEKLY;COUNT=50", start, loc, until, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
}

func TestExpand_StopsAtUntil(t *testing.T) {
	loc := newYork(t)
	start := time.Date(2025, 1, 6, 10, 0, 0, 0, loc)
	until := time.Date(2025, 1, 31, 23, 59, 59, 0, loc)

	got, err := Expand("FREQ=WEEKLY", start, loc, until, 0)
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.Equal(t, time.Date(2025, 1, 27, 15, 0, 0, 0, time.UTC), got[3])
}

func TestExpand_KeepsWallClockAcrossDST(t *testing.T) {
	loc := newYork(t)
	start := time.Date(2025, 3, 3, 10, 0, 0, 0, loc)
	until := time.Date(2025, 3, 20, 0, 0, 0, 0, loc)

	got, err := Expand("FREQ=WEEKLY;BYDAY=MO", start, loc, until, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, g := range got {
		require.Equal(t, 10, g.In(loc).Hour(), "occurrence %s", g)
	}
	require.Equal(t, 15, got[0].Hour())
	require.Equal(t, 14, got[1].Hour())
}

func TestExpand_UntilBeforeStart(t *testing.T) {
	loc := newYork(t)
	start := time.Date(2025, 3, 3, 10, 0, 0, 0, loc)

	got, err := Expand("FREQ=DAILY", start, loc, start.Add(-time.Hour), 0)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestExpand_IgnoresDTSTARTLine(t *testing.T) {
	loc := newYork(t)
	start := time.Date(2025, 1, 6, 10, 0, 0, 0, loc)

	got, err := Expand("DTSTART:19990101T000000Z\nRRULE:FREQ=DAILY;COUNT=2", start, loc, start.AddDate(0, 1, 0), 0)
	require.NoError(t, err)
	require.Equal(t, []time.Time{
		time.Date(2025, 1, 6, 15, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 7, 15, 0, 0, 0, time.UTC),
	}, got)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate("FREQ=WEEKLY;BYDAY=MO,WE"))
	require.NoError(t, Validate("RRULE:FREQ=MONTHLY;INTERVAL=2"))
	require.ErrorIs(t, Validate("   "), ErrEmptyRule)
	require.Error(t, Validate("BYDAY=MO"))
	require.Error(t, Validate("FREQ=SOMETIMES"))
	require.Error(t, Validate("FREQ=WEEKLY;BOGUS=1"))
}

func TestHorizon(t *testing.T) {
	loc := newYork(t)
	start := time.Date(2025, 1, 1, 10, 0, 0, 0, loc)

	t.Run("months ahead of start", func(t *testing.T) {
		now := time.Date(2024, 12, 15, 0, 0, 0, 0, time.UTC)
		got := Horizon(start, now, 3, nil, loc)
		require.True(t, got.Equal(time.Date(2025, 4, 1, 10, 0, 0, 0, loc)))
	})

	t.Run("months ahead of now", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 14, 0, 0, 0, loc)
		got := Horizon(start, now, 3, nil, loc)
		require.True(t, got.Equal(time.Date(2025, 9, 1, 14, 0, 0, 0, loc)))
	})

	t.Run("end date wins", func(t *testing.T) {
		end := time.Date(2025, 1, 19, 0, 0, 0, 0, time.UTC)
		got := Horizon(start, start, 3, &end, loc)
		require.True(t, got.Equal(time.Date(2025, 1, 19, 23, 59, 59, 0, loc)))
	})
}
