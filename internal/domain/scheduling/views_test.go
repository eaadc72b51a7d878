package scheduling

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestBuildViewQuery_Defaults(t *testing.T) {
	vs := buildViewQuery(ViewQuery{Limit: 20})

	if !strings.Contains(vs.query, "FROM appointments a WHERE a.status <> 'cancelled'") {
		t.Errorf("cancelled rows should be hidden by default: %s", vs.query)
	}
	if !strings.HasSuffix(vs.query, "ORDER BY a.start_at, a.id LIMIT 20 OFFSET 0") {
		t.Errorf("unexpected tail: %s", vs.query)
	}
	if strings.Contains(vs.query, "JOIN") {
		t.Errorf("no joins requested: %s", vs.query)
	}
	if vs.count != "SELECT COUNT(*) FROM appointments a WHERE a.status <> 'cancelled'" {
		t.Errorf("count = %s", vs.count)
	}
	if len(vs.args) != 0 {
		t.Errorf("args = %v", vs.args)
	}
}

func TestBuildViewQuery_FiltersAndJoins(t *testing.T) {
	staff := uuid.New()
	series := uuid.New()
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	vs := buildViewQuery(ViewQuery{
		StaffID:  &staff,
		SeriesID: &series,
		Statuses: []string{StatusScheduled, StatusNoShow},
		From:     &from,
		To:       &to,
		Joins:    []Join{JoinSeries, JoinClient},
	})

	for _, want := range []string{
		"a.staff_id = $1", "a.series_id = $2", "a.status = ANY($3)",
		"a.start_at >= $4", "a.start_at < $5",
		"LEFT JOIN clients c ON c.id = a.client_id",
		"LEFT JOIN appointment_series s ON s.id = a.series_id",
	} {
		if !strings.Contains(vs.query, want) {
			t.Errorf("query missing %q: %s", want, vs.query)
		}
	}
	if strings.Contains(vs.query, "status <> 'cancelled'") {
		t.Error("an explicit status set replaces the cancelled filter")
	}
	if strings.Contains(vs.query, "LIMIT") {
		t.Error("no limit requested")
	}
	if strings.Index(vs.query, "clients c") > strings.Index(vs.query, "appointment_series s") {
		t.Error("joins should render in a fixed order")
	}
	if len(vs.args) != 5 {
		t.Fatalf("expected 5 args, got %d", len(vs.args))
	}
	if vs.joins[0] != JoinClient || vs.joins[1] != JoinSeries {
		t.Errorf("joins = %v", vs.joins)
	}
}

func TestBuildViewQuery_ByIDIncludesCancelled(t *testing.T) {
	id := uuid.New()
	vs := buildViewQuery(ViewQuery{ID: &id})
	if strings.Contains(vs.query, "cancelled") {
		t.Errorf("a lookup by id must find cancelled rows: %s", vs.query)
	}
}

func TestScanTargets_MatchColumns(t *testing.T) {
	v := &AppointmentView{}
	base := len(strings.Split(apptCols, ","))
	if got := len(v.scanTargets(nil)); got != base {
		t.Errorf("expected %d targets, got %d", base, got)
	}

	extra := 0
	for _, j := range AllJoins {
		extra += len(strings.Split(joinSQL[j].cols, ","))
	}
	if got := len(v.scanTargets(AllJoins)); got != base+extra {
		t.Errorf("expected %d targets with all joins, got %d", base+extra, got)
	}
}

func TestParseJoins(t *testing.T) {
	joins, err := ParseJoins("client, staff")
	if err != nil || len(joins) != 2 || joins[1] != JoinStaff {
		t.Fatalf("ParseJoins = %v, %v", joins, err)
	}
	if joins, err := ParseJoins(""); err != nil || joins != nil {
		t.Errorf("empty include = %v, %v", joins, err)
	}
	var ve *ValidationError
	if _, err := ParseJoins("client,billing"); !errors.As(err, &ve) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}
