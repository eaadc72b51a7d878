package scheduling

import (
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
)

const icsProductID = "-//FieldFlow//Scheduling//EN"

// BuildICS renders views as a PUBLISH calendar. Cancelled occurrences stay
// in the feed with STATUS:CANCELLED so subscribers drop them.
func BuildICS(name string, views []*AppointmentView, stamp time.Time) string {
	cal := ics.NewCalendarFor("FieldFlow")
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId(icsProductID)
	if name != "" {
		cal.SetName(name)
	}

	for _, v := range views {
		event := cal.AddEvent(v.ID.String() + "@fieldflow")
		event.SetDtStampTime(stamp.UTC())
		event.SetStartAt(v.StartAt.UTC())
		event.SetEndAt(v.EndAt.UTC())
		event.SetSummary(eventSummary(v))
		if v.Notes != nil {
			event.SetDescription(*v.Notes)
		}
		if v.LocationName != nil {
			event.SetLocation(*v.LocationName)
		} else if v.IsTelehealth {
			event.SetLocation("Telehealth")
		}
		switch v.Status {
		case StatusCancelled, StatusLateCancel:
			event.SetStatus(ics.ObjectStatusCancelled)
		default:
			event.SetStatus(ics.ObjectStatusConfirmed)
		}
		event.SetProperty(ics.ComponentProperty("X-FIELDFLOW-STATUS"), v.Status)
		if v.SeriesID != nil {
			event.SetProperty(ics.ComponentProperty("X-FIELDFLOW-SERIES"), v.SeriesID.String())
		}
	}
	return cal.Serialize()
}

func eventSummary(v *AppointmentView) string {
	parts := make([]string, 0, 2)
	if v.ServiceName != nil {
		parts = append(parts, *v.ServiceName)
	}
	if v.ClientName != nil {
		parts = append(parts, *v.ClientName)
	}
	if len(parts) == 0 {
		return "Appointment"
	}
	return strings.Join(parts, " - ")
}
