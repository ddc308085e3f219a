package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// DATE - Calendar day, UTC canonical
// =============================================================================

// Date is a calendar day. Day boundaries are always computed in UTC so
// that "daily collected" means the same thing for every caller.
type Date struct {
	Time time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates an instant to its UTC calendar day.
func DateOf(t time.Time) Date {
	u := t.UTC()
	return NewDate(u.Year(), u.Month(), u.Day())
}

func Today() Date { return DateOf(time.Now()) }

func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", s, err)
	}
	return Date{Time: t.UTC()}, nil
}

// Comparison
func (d Date) Before(o Date) bool { return d.Time.Before(o.Time) }
func (d Date) After(o Date) bool  { return d.Time.After(o.Time) }
func (d Date) Equal(o Date) bool  { return d.Time.Equal(o.Time) }
func (d Date) IsZero() bool       { return d.Time.IsZero() }

// Arithmetic
func (d Date) Next() Date       { return Date{Time: d.Time.AddDate(0, 0, 1)} }
func (d Date) Prev() Date       { return Date{Time: d.Time.AddDate(0, 0, -1)} }
func (d Date) AddDays(n int) Date { return Date{Time: d.Time.AddDate(0, 0, n)} }

// DayStart is the first instant of the day; DayEnd is the first instant
// of the following day. Event windows are [DayStart, DayEnd).
func (d Date) DayStart() time.Time { return d.Time }
func (d Date) DayEnd() time.Time   { return d.Time.AddDate(0, 0, 1) }

// Contains reports whether an instant falls on this calendar day.
func (d Date) Contains(t time.Time) bool {
	u := t.UTC()
	return !u.Before(d.DayStart()) && u.Before(d.DayEnd())
}

func (d Date) String() string { return d.Time.Format("2006-01-02") }
