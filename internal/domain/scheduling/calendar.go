package scheduling

import (
	"time"

	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/timezone"
)

// CalendarEntry is an occurrence placed in a viewer's zone. Start and End are
// in the viewer location, so Hour() is the viewer's hour whatever the process
// zone is. FloatingStart and FloatingEnd carry the same wall-clock
// components in UTC for grids that only read local accessors.
type CalendarEntry struct {
	Appointment   *AppointmentView       `json:"appointment"`
	Zone          string                 `json:"zone"`
	Start         time.Time              `json:"start"`
	End           time.Time              `json:"end"`
	FloatingStart time.Time              `json:"-"`
	FloatingEnd   time.Time              `json:"-"`
	StartLocal    timezone.LocalDateTime `json:"start_local"`
	EndLocal      timezone.LocalDateTime `json:"end_local"`
}

// ProjectCalendar converts views into zone (the default zone when empty).
// Order is preserved and views are not modified.
func ProjectCalendar(norm *timezone.Normalizer, views []*AppointmentView, zone string) ([]CalendarEntry, error) {
	if zone == "" {
		zone = norm.DefaultZone()
	}
	loc, err := norm.Location(zone)
	if err != nil {
		return nil, &ValidationError{Field: "zone", Message: err.Error()}
	}

	entries := make([]CalendarEntry, 0, len(views))
	for _, v := range views {
		start, err := norm.UTCToLocal(v.StartAt, zone)
		if err != nil {
			return nil, err
		}
		end, err := norm.UTCToLocal(v.EndAt, zone)
		if err != nil {
			return nil, err
		}
		entries = append(entries, CalendarEntry{
			Appointment:   v,
			Zone:          zone,
			Start:         v.StartAt.In(loc),
			End:           v.EndAt.In(loc),
			FloatingStart: start.Floating(),
			FloatingEnd:   end.Floating(),
			StartLocal:    start,
			EndLocal:      end,
		})
	}
	return entries, nil
}
