package scheduling

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Join names a related table an AppointmentView can be enriched with.
type Join string

const (
	JoinClient  Join = "client"
	JoinStaff   Join = "staff"
	JoinService Join = "service"
	JoinSeries  Join = "series"
)

// joinOrder fixes column order so scanning does not depend on request order.
var joinOrder = []Join{JoinClient, JoinStaff, JoinService, JoinSeries}

var joinSQL = map[Join]struct{ cols, from string }{
	JoinClient: {
		cols: "c.first_name || ' ' || c.last_name, c.timezone",
		from: "LEFT JOIN clients c ON c.id = a.client_id",
	},
	JoinStaff: {
		cols: "st.display_name, st.timezone",
		from: "LEFT JOIN staff st ON st.id = a.staff_id",
	},
	JoinService: {
		cols: "sv.name",
		from: "LEFT JOIN services sv ON sv.id = a.service_id",
	},
	JoinSeries: {
		cols: "s.rrule, s.time_zone, s.is_active",
		from: "LEFT JOIN appointment_series s ON s.id = a.series_id",
	},
}

// ParseJoins reads a comma separated include list ("client,staff").
func ParseJoins(raw string) ([]Join, error) {
	if raw == "" {
		return nil, nil
	}
	var joins []Join
	for _, p := range strings.Split(raw, ",") {
		j := Join(strings.TrimSpace(p))
		if _, ok := joinSQL[j]; !ok {
			return nil, &ValidationError{Field: "include", Message: fmt.Sprintf("unknown join %q", j)}
		}
		joins = append(joins, j)
	}
	return joins, nil
}

// AllJoins is what the calendar and ICS feed request.
var AllJoins = []Join{JoinClient, JoinStaff, JoinService, JoinSeries}

// ViewQuery describes one read of the appointment read model.
type ViewQuery struct {
	ID               *uuid.UUID
	ClientID         *uuid.UUID
	StaffID          *uuid.UUID
	SeriesID         *uuid.UUID
	Statuses         []string
	From             *time.Time
	To               *time.Time
	IncludeCancelled bool
	Joins            []Join
	Limit            int
	Offset           int
}

func (q ViewQuery) has(j Join) bool {
	for _, x := range q.Joins {
		if x == j {
			return true
		}
	}
	return false
}

// AppointmentView is an occurrence plus the display fields of the joins that
// were asked for. Unrequested joins stay nil.
type AppointmentView struct {
	Appointment
	ClientName     *string `json:"client_name,omitempty"`
	ClientTimeZone *string `json:"client_time_zone,omitempty"`
	StaffName      *string `json:"staff_name,omitempty"`
	StaffTimeZone  *string `json:"staff_time_zone,omitempty"`
	ServiceName    *string `json:"service_name,omitempty"`
	SeriesRRule    *string `json:"series_rrule,omitempty"`
	SeriesTimeZone *string `json:"series_time_zone,omitempty"`
	SeriesActive   *bool   `json:"series_active,omitempty"`
}

const apptCols = `id, tenant_id, series_id, client_id, staff_id, service_id,
	start_at, end_at, recurrence_start_at, status, is_telehealth, location_name,
	edit_mode, notes, created_at, updated_at`

func aliasCols(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

type viewSQL struct {
	query string
	count string
	args  []any
	joins []Join
}

// buildViewQuery renders q into a select and a matching count. Cancelled
// occurrences are hidden unless IncludeCancelled or an explicit status set
// asks for them.
func buildViewQuery(q ViewQuery) viewSQL {
	var (
		cols  = []string{aliasCols("a", apptCols)}
		from  = []string{"FROM appointments a"}
		where []string
		args  []any
		joins []Join
	)
	for _, j := range joinOrder {
		if !q.has(j) {
			continue
		}
		cols = append(cols, joinSQL[j].cols)
		from = append(from, joinSQL[j].from)
		joins = append(joins, j)
	}

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.ID != nil {
		where = append(where, "a.id = "+arg(*q.ID))
	}
	if q.ClientID != nil {
		where = append(where, "a.client_id = "+arg(*q.ClientID))
	}
	if q.StaffID != nil {
		where = append(where, "a.staff_id = "+arg(*q.StaffID))
	}
	if q.SeriesID != nil {
		where = append(where, "a.series_id = "+arg(*q.SeriesID))
	}
	if len(q.Statuses) > 0 {
		where = append(where, "a.status = ANY("+arg(q.Statuses)+")")
	} else if !q.IncludeCancelled && q.ID == nil {
		where = append(where, "a.status <> 'cancelled'")
	}
	if q.From != nil {
		where = append(where, "a.start_at >= "+arg(*q.From))
	}
	if q.To != nil {
		where = append(where, "a.start_at < "+arg(*q.To))
	}

	body := strings.Join(from, " ")
	if len(where) > 0 {
		body += " WHERE " + strings.Join(where, " AND ")
	}

	query := "SELECT " + strings.Join(cols, ", ") + " " + body + " ORDER BY a.start_at, a.id"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", q.Limit, q.Offset)
	}

	return viewSQL{
		query: query,
		count: "SELECT COUNT(*) " + body,
		args:  args,
		joins: joins,
	}
}

// scanTargets returns the destinations matching buildViewQuery's columns.
func (v *AppointmentView) scanTargets(joins []Join) []any {
	a := &v.Appointment
	dest := []any{&a.ID, &a.TenantID, &a.SeriesID, &a.ClientID, &a.StaffID, &a.ServiceID,
		&a.StartAt, &a.EndAt, &a.RecurrenceStartAt, &a.Status, &a.IsTelehealth, &a.LocationName,
		&a.EditMode, &a.Notes, &a.CreatedAt, &a.UpdatedAt}
	for _, j := range joins {
		switch j {
		case JoinClient:
			dest = append(dest, &v.ClientName, &v.ClientTimeZone)
		case JoinStaff:
			dest = append(dest, &v.StaffName, &v.StaffTimeZone)
		case JoinService:
			dest = append(dest, &v.ServiceName)
		case JoinSeries:
			dest = append(dest, &v.SeriesRRule, &v.SeriesTimeZone, &v.SeriesActive)
		}
	}
	return dest
}
