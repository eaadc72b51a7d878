// Package recurrence expands RFC 5545 recurrence rules into concrete start
// instants for appointment series.
package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// ErrEmptyRule is returned for a blank rule.
var ErrEmptyRule = errors.New("recurrence rule is empty")

// Parse returns the options of rule. Only the RRULE line is read: a series
// start is authoritative, so any DTSTART text is ignored. UNTIL values
// without a zone are read in loc.
func Parse(rule string, loc *time.Location) (*rrule.ROption, error) {
	line := ""
	for _, l := range strings.Split(strings.TrimSpace(rule), "\n") {
		l = strings.TrimSpace(l)
		if l == "" || strings.HasPrefix(strings.ToUpper(l), "DTSTART") {
			continue
		}
		line = l
	}
	if line == "" {
		return nil, ErrEmptyRule
	}
	if len(line) > 6 && strings.EqualFold(line[:6], "RRULE:") {
		line = line[6:]
	}

	opt, err := rrule.StrToROptionInLocation(line, loc)
	if err != nil {
		return nil, fmt.Errorf("parse rrule %q: %w", rule, err)
	}
	return opt, nil
}

// Validate reports whether rule can be expanded.
func Validate(rule string) error {
	opt, err := Parse(rule, time.UTC)
	if err != nil {
		return err
	}
	opt.Dtstart = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := rrule.NewRRule(*opt); err != nil {
		return fmt.Errorf("invalid rrule %q: %w", rule, err)
	}
	return nil
}

// Expand returns the occurrence starts of rule beginning at start, up to and
// including until, capped at limit (0 means no cap beyond the rule's own
// COUNT). The rule is evaluated in loc so the wall-clock time of start is
// kept across DST transitions. Results are in UTC.
func Expand(rule string, start time.Time, loc *time.Location, until time.Time, limit int) ([]time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	opt, err := Parse(rule, loc)
	if err != nil {
		return nil, err
	}

	opt.Dtstart = start.In(loc)
	if limit > 0 && (opt.Count == 0 || opt.Count > limit) {
		opt.Count = limit
	}

	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("build rrule: %w", err)
	}
	if until.Before(opt.Dtstart) {
		return nil, nil
	}

	times := r.Between(opt.Dtstart, until.In(loc), true)
	out := make([]time.Time, len(times))
	for i, t := range times {
		out[i] = t.UTC()
	}
	return out, nil
}

// Horizon is the last instant to materialize: monthsAhead months past the
// later of start and now, and no later than the end of endDate's local day.
func Horizon(start, now time.Time, monthsAhead int, endDate *time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	base := start
	if now.After(base) {
		base = now
	}
	until := base.In(loc).AddDate(0, monthsAhead, 0)

	if endDate != nil {
		y, m, d := endDate.Date()
		endOfDay := time.Date(y, m, d, 23, 59, 59, 0, loc)
		if endOfDay.Before(until) {
			until = endOfDay
		}
	}
	return until
}
