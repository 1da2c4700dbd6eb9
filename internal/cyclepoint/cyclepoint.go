// Package cyclepoint implements cycle points (integer or calendar
// date-time), durations, and recurrences over them.
//
// Both calendar and integer recurrence enumeration are implemented
// directly on the standard library (time.Time and int64 arithmetic);
// no cron library is used here.
package cyclepoint

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Calendar selects date-time arithmetic rules.
type Calendar int

const (
	CalendarGregorian Calendar = iota
	Calendar360Day
	Calendar365Day
)

// Point is a single cycle point: either an integer cycle or a
// date-time in a named calendar. Exactly one of the two forms is
// populated, selected by IsDateTime.
type Point struct {
	IsDateTime bool
	Int        int64
	Time       time.Time
	Calendar   Calendar
}

// Duration is a signed offset between two points. For integer cycling
// it is a plain count; for date-time cycling it is a calendar-aware
// offset (years/months handled separately from the exact time.Duration
// remainder so that month/year arithmetic can apply calendrical
// clamping rules).
type Duration struct {
	Int           int64
	Years, Months int
	Exact         time.Duration
}

// InvalidCyclePointError is returned by ParseInt and ParseDateTime on
// unparseable input.
type InvalidCyclePointError struct {
	Input string
	Cause error
}

func (e *InvalidCyclePointError) Error() string {
	return fmt.Sprintf("invalid cycle point %q: %v", e.Input, e.Cause)
}
func (e *InvalidCyclePointError) Unwrap() error { return e.Cause }

// ParseInt builds an integer cycle point.
func ParseInt(s string) (Point, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Point{}, &InvalidCyclePointError{Input: s, Cause: err}
	}
	return Point{IsDateTime: false, Int: n}, nil
}

// ParseDateTime parses an ISO-8601 basic/extended date-time into a
// Point under the given calendar. Comparison is always on the absolute
// instant regardless of the offset carried in the string.
func ParseDateTime(s string, cal Calendar) (Point, error) {
	layouts := []string{
		time.RFC3339,
		"20060102T150405Z",
		"20060102T150405",
		"2006-01-02T15:04:05",
		"20060102",
		"2006-01-02",
	}
	var lastErr error
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Point{IsDateTime: true, Time: t, Calendar: cal}, nil
		} else {
			lastErr = err
		}
	}
	return Point{}, &InvalidCyclePointError{Input: s, Cause: lastErr}
}

// Format renders a date-time point with the given Go reference layout;
// integer points render as decimal strings regardless of pattern.
func (p Point) Format(pattern string) string {
	if !p.IsDateTime {
		return strconv.FormatInt(p.Int, 10)
	}
	return p.Time.Format(pattern)
}

func (p Point) String() string {
	if !p.IsDateTime {
		return strconv.FormatInt(p.Int, 10)
	}
	return p.Time.UTC().Format(time.RFC3339)
}

// Compare returns -1, 0, or 1 comparing the absolute instant/value of a
// and b. Mismatched representations (int vs date-time) are never
// produced by a single graph, so Compare panics on that misuse —
// a ConfigError should have been raised earlier, at graph load.
func Compare(a, b Point) int {
	if a.IsDateTime != b.IsDateTime {
		panic("cyclepoint: comparing incompatible cycle point kinds")
	}
	if !a.IsDateTime {
		switch {
		case a.Int < b.Int:
			return -1
		case a.Int > b.Int:
			return 1
		default:
			return 0
		}
	}
	at, bt := a.Time.UTC(), b.Time.UTC()
	switch {
	case at.Before(bt):
		return -1
	case at.After(bt):
		return 1
	default:
		return 0
	}
}

func Equal(a, b Point) bool { return Compare(a, b) == 0 }
func Less(a, b Point) bool  { return Compare(a, b) < 0 }

// Add returns a + d. Month/year components are applied first using
// calendrical rules (clamping an impossible day-of-month down to the
// last valid day, e.g. Jan 31 + 1 month -> Feb 28/29), then the exact
// remainder is added.
func Add(p Point, d Duration) (Point, bool) {
	if !p.IsDateTime {
		return Point{IsDateTime: false, Int: p.Int + d.Int}, true
	}
	clamped := false
	t := p.Time
	if d.Years != 0 || d.Months != 0 {
		totalMonths := d.Years*12 + d.Months
		year, month, day := t.Date()
		targetMonthIdx := int(month) - 1 + totalMonths
		targetYear := year + targetMonthIdx/12
		targetMonth := targetMonthIdx % 12
		if targetMonth < 0 {
			targetMonth += 12
			targetYear--
		}
		lastDay := daysInMonth(targetYear, time.Month(targetMonth+1), p.Calendar)
		if day > lastDay {
			day = lastDay
			clamped = true
		}
		t = time.Date(targetYear, time.Month(targetMonth+1), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	}
	t = t.Add(d.Exact)
	return Point{IsDateTime: true, Time: t, Calendar: p.Calendar}, !clamped
}

// Sub returns the duration a - b as an exact time.Duration-based
// Duration (no calendar decomposition — callers that need a
// years/months delta should compute it explicitly).
func Sub(a, b Point) Duration {
	if !a.IsDateTime {
		return Duration{Int: a.Int - b.Int}
	}
	return Duration{Exact: a.Time.Sub(b.Time)}
}

func daysInMonth(year int, month time.Month, cal Calendar) int {
	switch cal {
	case Calendar360Day:
		return 30
	case Calendar365Day:
		if month == time.February {
			return 28
		}
		return [...]int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}[month-1]
	default:
		firstOfNext := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
		lastOfThis := firstOfNext.AddDate(0, 0, -1)
		return lastOfThis.Day()
	}
}

// ParseISODuration parses a restricted ISO-8601 duration, e.g. "P1D",
// "PT1H30M", "P1Y2M", "-P1D". Composable sums of such durations are
// just Duration values added field-wise by the caller.
func ParseISODuration(s string) (Duration, error) {
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if !strings.HasPrefix(s, "P") {
		return Duration{}, fmt.Errorf("duration %q must start with P", s)
	}
	s = s[1:]
	datePart, timePart, hasTime := strings.Cut(s, "T")
	var d Duration
	if err := scanDesignators(datePart, map[byte]*int{'Y': &d.Years, 'M': &d.Months}, &d); err != nil {
		return Duration{}, err
	}
	var days int
	if err := scanDateDays(datePart, &days); err != nil {
		return Duration{}, err
	}
	d.Exact += time.Duration(days) * 24 * time.Hour
	if hasTime {
		if err := scanTimeDesignators(timePart, &d); err != nil {
			return Duration{}, err
		}
	}
	if neg {
		d.Years, d.Months, d.Int, d.Exact = -d.Years, -d.Months, -d.Int, -d.Exact
	}
	return d, nil
}

func scanDesignators(s string, targets map[byte]*int, d *Duration) error {
	num := strings.Builder{}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' {
			num.WriteByte(c)
			continue
		}
		if c == 'Y' || c == 'M' {
			n, err := strconv.Atoi(num.String())
			if err != nil {
				return fmt.Errorf("bad duration field in %q: %w", s, err)
			}
			if t, ok := targets[c]; ok {
				*t = n
			}
			num.Reset()
		} else if c == 'D' || c == 'W' {
			num.Reset() // handled by scanDateDays
		}
	}
	return nil
}

func scanDateDays(s string, days *int) error {
	num := strings.Builder{}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' {
			num.WriteByte(c)
			continue
		}
		switch c {
		case 'D':
			n, err := strconv.Atoi(num.String())
			if err != nil {
				return fmt.Errorf("bad day field in %q: %w", s, err)
			}
			*days += n
			num.Reset()
		case 'W':
			n, err := strconv.Atoi(num.String())
			if err != nil {
				return fmt.Errorf("bad week field in %q: %w", s, err)
			}
			*days += n * 7
			num.Reset()
		default:
			num.Reset()
		}
	}
	return nil
}

func scanTimeDesignators(s string, d *Duration) error {
	num := strings.Builder{}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= '0' && c <= '9') || c == '.' {
			num.WriteByte(c)
			continue
		}
		val, err := strconv.ParseFloat(num.String(), 64)
		if err != nil {
			return fmt.Errorf("bad time field in %q: %w", s, err)
		}
		switch c {
		case 'H':
			d.Exact += time.Duration(val * float64(time.Hour))
		case 'M':
			d.Exact += time.Duration(val * float64(time.Minute))
		case 'S':
			d.Exact += time.Duration(val * float64(time.Second))
		}
		num.Reset()
	}
	return nil
}
