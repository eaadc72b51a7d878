// Package timezone converts between practice-local wall-clock input and the
// UTC instants stored for appointments.
package timezone

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrUnknownZone is returned when an IANA zone name cannot be loaded.
var ErrUnknownZone = errors.New("unknown time zone")

// InvalidTimeError reports local input that does not name exactly one
// instant: malformed date or clock, an unknown zone, or a wall-clock time
// skipped by a daylight-saving transition.
type InvalidTimeError struct {
	Date   string
	Time   string
	Zone   string
	Reason string
}

func (e *InvalidTimeError) Error() string {
	return fmt.Sprintf("invalid local time %s %s in %s: %s", e.Date, e.Time, e.Zone, e.Reason)
}

// LocalDateTime is a UTC instant seen from one zone.
type LocalDateTime struct {
	Date          string `json:"date"`
	Time          string `json:"time"`
	Year          int    `json:"year"`
	Month         int    `json:"month"`
	Day           int    `json:"day"`
	Hour          int    `json:"hour"`
	Minute        int    `json:"minute"`
	Second        int    `json:"second"`
	Weekday       string `json:"weekday"`
	Zone          string `json:"zone"`
	Abbreviation  string `json:"abbreviation"`
	OffsetMinutes int    `json:"offset_minutes"`
}

// Floating returns the same wall-clock components in time.UTC. Grid
// renderers that read Hour()/Day() directly get the viewer's values from it.
func (l LocalDateTime) Floating() time.Time {
	return time.Date(l.Year, time.Month(l.Month), l.Day, l.Hour, l.Minute, l.Second, 0, time.UTC)
}

// Normalizer owns the process default zone. The write path and the read
// path share one instance so a missing zone falls back identically.
type Normalizer struct {
	defaultZone string

	mu   sync.RWMutex
	locs map[string]*time.Location
}

func NewNormalizer(defaultZone string) (*Normalizer, error) {
	n := &Normalizer{defaultZone: defaultZone, locs: make(map[string]*time.Location)}
	if _, err := n.Location(defaultZone); err != nil {
		return nil, fmt.Errorf("default zone: %w", err)
	}
	return n, nil
}

func (n *Normalizer) DefaultZone() string { return n.defaultZone }

// Location loads zone, memoized. An empty name means the default zone.
func (n *Normalizer) Location(zone string) (*time.Location, error) {
	if zone == "" {
		zone = n.defaultZone
	}

	n.mu.RLock()
	loc, ok := n.locs[zone]
	n.mu.RUnlock()
	if ok {
		return loc, nil
	}

	if zone == "" || strings.EqualFold(zone, "local") {
		return nil, fmt.Errorf("%w: %q", ErrUnknownZone, zone)
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownZone, zone)
	}

	n.mu.Lock()
	n.locs[zone] = loc
	n.mu.Unlock()
	return loc, nil
}

var clockLayouts = []string{"15:04", "15:04:05"}

// LocalToUTC interprets date ("2006-01-02") and clock ("15:04" or
// "15:04:05") as wall-clock time in zone. Times inside a spring-forward gap
// are rejected, never shifted. Times repeated by a fall-back transition
// resolve to the earlier (daylight) offset.
func (n *Normalizer) LocalToUTC(date, clock, zone string) (time.Time, error) {
	if zone == "" {
		zone = n.defaultZone
	}
	invalid := func(reason string) error {
		return &InvalidTimeError{Date: date, Time: clock, Zone: zone, Reason: reason}
	}

	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		return time.Time{}, invalid("date must be YYYY-MM-DD")
	}

	var c time.Time
	parsed := false
	for _, layout := range clockLayouts {
		if c, err = time.Parse(layout, clock); err == nil {
			parsed = true
			break
		}
	}
	if !parsed {
		return time.Time{}, invalid("time must be HH:MM or HH:MM:SS")
	}

	loc, err := n.Location(zone)
	if err != nil {
		return time.Time{}, invalid("unknown time zone")
	}

	t := time.Date(d.Year(), d.Month(), d.Day(), c.Hour(), c.Minute(), c.Second(), 0, loc)
	if t.Year() != d.Year() || t.Month() != d.Month() || t.Day() != d.Day() ||
		t.Hour() != c.Hour() || t.Minute() != c.Minute() || t.Second() != c.Second() {
		return time.Time{}, invalid("wall-clock time does not exist (daylight saving gap)")
	}
	return t.UTC(), nil
}

// UTCToLocal renders instant in zone (default zone when empty). It fails only
// when the zone name is unknown.
func (n *Normalizer) UTCToLocal(instant time.Time, zone string) (LocalDateTime, error) {
	if zone == "" {
		zone = n.defaultZone
	}
	loc, err := n.Location(zone)
	if err != nil {
		return LocalDateTime{}, err
	}

	t := instant.In(loc)
	abbr, offset := t.Zone()
	return LocalDateTime{
		Date:          t.Format("2006-01-02"),
		Time:          t.Format("15:04:05"),
		Year:          t.Year(),
		Month:         int(t.Month()),
		Day:           t.Day(),
		Hour:          t.Hour(),
		Minute:        t.Minute(),
		Second:        t.Second(),
		Weekday:       t.Weekday().String(),
		Zone:          zone,
		Abbreviation:  abbr,
		OffsetMinutes: offset / 60,
	}, nil
}

// CalculateEndUTC adds a fixed duration. A session that crosses a DST
// transition keeps its elapsed length, not its wall-clock length.
func CalculateEndUTC(start time.Time, durationMinutes int) time.Time {
	return start.Add(time.Duration(durationMinutes) * time.Minute)
}
