package models

import (
	"fmt"
	"time"
)

// DateLayout is the wire format for calendar dates.
const DateLayout = "2006-01-02"

// Date is a calendar day without a time component. Cadence scheduling is
// day-granular: a step is due on a date, not at an instant. The underlying
// representation is an ISO yyyy-mm-dd string, so zero-padded Dates compare
// chronologically with plain string comparison and marshal cleanly to
// JSON, YAML and TEXT columns.
type Date string

// DateOf truncates a timestamp to its calendar day in UTC.
func DateOf(t time.Time) Date {
	return Date(t.UTC().Format(DateLayout))
}

// Today returns the current calendar day in UTC.
func Today() Date {
	return DateOf(time.Now())
}

// ParseDate parses a yyyy-mm-dd string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return "", fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// Time returns midnight UTC of the day. Invalid dates return the zero time.
func (d Date) Time() time.Time {
	t, err := time.Parse(DateLayout, string(d))
	if err != nil {
		return time.Time{}
	}
	return t
}

// AddDays returns the date n calendar days later (or earlier for negative n).
func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}

func (d Date) IsZero() bool {
	return d == ""
}

func (d Date) Before(other Date) bool {
	return d < other
}

func (d Date) After(other Date) bool {
	return d > other
}

func (d Date) String() string {
	return string(d)
}
