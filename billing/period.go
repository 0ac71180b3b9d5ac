package billing

import (
	"fmt"
	"time"
)

// =============================================================================
// MONTH - The statement period
// =============================================================================

// Month identifies a calendar month in UTC. Both statement tables are keyed by
// its start instant.
type Month struct {
	Year  int
	Month time.Month
}

// NewMonth validates year and month (1-12).
func NewMonth(year, month int) (Month, error) {
	if month < 1 || month > 12 || year < 1 || year > 9999 {
		return Month{}, newValidationError(ReasonInvalidPeriod, "month",
			"invalid statement period %04d-%02d", year, month)
	}
	return Month{Year: year, Month: time.Month(month)}, nil
}

// MonthOf returns the calendar month containing t (evaluated in UTC).
func MonthOf(t time.Time) Month {
	u := t.UTC()
	return Month{Year: u.Year(), Month: u.Month()}
}

// ParseMonth parses "2006-01".
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Month{}, newValidationError(ReasonInvalidPeriod, "month",
			"invalid month %q (use YYYY-MM)", s)
	}
	return MonthOf(t), nil
}

// Start is the first instant of the month.
func (m Month) Start() time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End is the last instant of the month, at millisecond precision.
func (m Month) End() time.Time {
	return m.Next().Start().Add(-time.Millisecond)
}

func (m Month) Next() Month { return MonthOf(m.Start().AddDate(0, 1, 0)) }
func (m Month) Prev() Month { return MonthOf(m.Start().AddDate(0, -1, 0)) }

func (m Month) Before(o Month) bool { return m.Start().Before(o.Start()) }
func (m Month) After(o Month) bool  { return m.Start().After(o.Start()) }
func (m Month) IsZero() bool        { return m.Year == 0 }

func (m Month) String() string { return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month)) }

// MonthsBetween returns every month in [from, to], ascending.
func MonthsBetween(from, to Month) []Month {
	var months []Month
	for m := from; !m.After(to); m = m.Next() {
		months = append(months, m)
	}
	return months
}
