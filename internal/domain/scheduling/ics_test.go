package scheduling

import (
	"strings"
	"testing"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/require"
)

func TestBuildICS(t *testing.T) {
	views := testViews("2025-01-06T15:00:00Z", "2025-01-13T15:00:00Z")
	views[0].ServiceName = strPtr("Individual Therapy")
	views[0].ClientName = strPtr("Jordan Reyes")
	views[0].LocationName = strPtr("Suite 4")
	views[1].Status = StatusCancelled
	views[1].IsTelehealth = true

	out := BuildICS("Dr. Kim", views, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.Contains(t, out, "METHOD:PUBLISH")
	require.Contains(t, out, "X-WR-CALNAME:Dr. Kim")

	cal, err := ics.ParseCalendar(strings.NewReader(out))
	require.NoError(t, err)
	events := cal.Events()
	require.Len(t, events, 2)

	first := events[0]
	require.Equal(t, views[0].ID.String()+"@fieldflow", first.Id())
	start, err := first.GetStartAt()
	require.NoError(t, err)
	require.True(t, start.Equal(views[0].StartAt))
	end, err := first.GetEndAt()
	require.NoError(t, err)
	require.True(t, end.Equal(views[0].EndAt))
	require.Equal(t, "Individual Therapy - Jordan Reyes", first.GetProperty(ics.ComponentPropertySummary).Value)
	require.Equal(t, "Suite 4", first.GetProperty(ics.ComponentPropertyLocation).Value)
	require.Equal(t, "CONFIRMED", first.GetProperty(ics.ComponentPropertyStatus).Value)

	second := events[1]
	require.Equal(t, "CANCELLED", second.GetProperty(ics.ComponentPropertyStatus).Value)
	require.Equal(t, "Telehealth", second.GetProperty(ics.ComponentPropertyLocation).Value)
	require.Equal(t, "Appointment", second.GetProperty(ics.ComponentPropertySummary).Value)
	require.Equal(t, StatusCancelled, second.GetProperty(ics.ComponentProperty("X-FIELDFLOW-STATUS")).Value)
}

func TestBuildICS_Empty(t *testing.T) {
	out := BuildICS("", nil, time.Now())
	require.True(t, strings.HasPrefix(out, "BEGIN:VCALENDAR"))
	require.NotContains(t, out, "BEGIN:VEVENT")
}
