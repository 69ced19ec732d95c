package engine

import (
	"strings"
	"time"

	"milestoneline/internal/domain"
)

const day = 24 * time.Hour

// civilDay maps an instant to its calendar day in loc, represented as UTC
// midnight so day arithmetic never crosses a DST boundary.
func civilDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func parseDay(s string) (time.Time, bool) {
	t, err := time.Parse(domain.DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// parseTimestampDay accepts an RFC3339 timestamp, a "YYYY-MM-DD HH:MM:SS"
// timestamp or a bare calendar day.
func parseTimestampDay(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return civilDay(t, loc), true
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", s, loc); err == nil {
		return civilDay(t, loc), true
	}
	return parseDay(s)
}

func formatDay(t time.Time) string {
	return t.Format(domain.DateLayout)
}

// daysBetween returns b - a in whole days.
func daysBetween(a, b time.Time) int {
	return int(b.Sub(a) / day)
}

// inclusiveDays counts the calendar days in [start, end], both ends included.
func inclusiveDays(start, end time.Time) int {
	n := daysBetween(start, end) + 1
	if n < 0 {
		return 0
	}
	return n
}
