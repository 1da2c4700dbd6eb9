package cyclepoint

import (
	"testing"
	"time"
)

func TestParseIntRoundTrip(t *testing.T) {
	p, err := ParseInt("42")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.String() != "42" {
		t.Fatalf("expected String() to round-trip, got %q", p.String())
	}
	if _, err := ParseInt("not-a-number"); err == nil {
		t.Fatalf("expected an error for non-numeric input")
	}
}

func TestParseDateTimeAcceptsMultipleLayouts(t *testing.T) {
	cases := []string{
		"2026-01-01T00:00:00Z",
		"20260101T000000Z",
		"2026-01-01",
		"20260101",
	}
	for _, s := range cases {
		if _, err := ParseDateTime(s, CalendarGregorian); err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
	}
	if _, err := ParseDateTime("garbage", CalendarGregorian); err == nil {
		t.Fatalf("expected an error for unparseable input")
	}
}

func TestCompareIntCycles(t *testing.T) {
	a, _ := ParseInt("1")
	b, _ := ParseInt("2")
	if !Less(a, b) {
		t.Fatalf("expected 1 < 2")
	}
	if !Equal(a, a) {
		t.Fatalf("expected a point equal to itself")
	}
}

func TestCompareMismatchedKindsPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected Compare to panic on mismatched point kinds")
		}
	}()
	intCycle, _ := ParseInt("1")
	dtCycle, _ := ParseDateTime("2026-01-01T00:00:00Z", CalendarGregorian)
	Compare(intCycle, dtCycle)
}

func TestAddMonthClampsToLastValidDay(t *testing.T) {
	jan31, _ := ParseDateTime("2026-01-31T00:00:00Z", CalendarGregorian)
	feb, ok := Add(jan31, Duration{Months: 1})
	if ok {
		t.Fatalf("expected Add to report clamping for Jan 31 + 1 month")
	}
	if feb.Time.UTC().Day() != 28 {
		t.Fatalf("expected Feb 2026 to clamp to the 28th, got %d", feb.Time.UTC().Day())
	}
}

func TestAdd360DayCalendarMonthLength(t *testing.T) {
	p := Point{IsDateTime: true, Time: time.Date(2026, 1, 30, 0, 0, 0, 0, time.UTC), Calendar: Calendar360Day}
	next, ok := Add(p, Duration{Months: 1})
	if !ok {
		t.Fatalf("expected no clamping: every 360-day month has 30 days")
	}
	if next.Time.Day() != 30 {
		t.Fatalf("expected day 30 preserved under the 360-day calendar, got %d", next.Time.Day())
	}
}

func TestSubIntCycles(t *testing.T) {
	a, _ := ParseInt("10")
	b, _ := ParseInt("3")
	d := Sub(a, b)
	if d.Int != 7 {
		t.Fatalf("expected delta 7, got %d", d.Int)
	}
}

func TestParseISODuration(t *testing.T) {
	cases := map[string]func(Duration) bool{
		"P1D":      func(d Duration) bool { return d.Exact == 24*time.Hour },
		"PT1H30M":  func(d Duration) bool { return d.Exact == 90*time.Minute },
		"P1Y2M":    func(d Duration) bool { return d.Years == 1 && d.Months == 2 },
		"-P1D":     func(d Duration) bool { return d.Exact == -24*time.Hour },
		"P1W":      func(d Duration) bool { return d.Exact == 7*24*time.Hour },
	}
	for s, check := range cases {
		d, err := ParseISODuration(s)
		if err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
		if !check(d) {
			t.Fatalf("parse %q: unexpected duration %+v", s, d)
		}
	}
	if _, err := ParseISODuration("1D"); err == nil {
		t.Fatalf("expected an error for a duration missing the P prefix")
	}
}

func TestRecurrenceNextAndPoints(t *testing.T) {
	initial, _ := ParseInt("1")
	final, _ := ParseInt("5")
	r := Recurrence{Initial: initial, Period: Duration{Int: 2}, Final: &final}

	pts := r.Points(initial, 10)
	want := []int64{1, 3, 5}
	if len(pts) != len(want) {
		t.Fatalf("expected %d points, got %d (%v)", len(want), len(pts), pts)
	}
	for i, p := range pts {
		if p.Int != want[i] {
			t.Fatalf("point %d: expected %d, got %d", i, want[i], p.Int)
		}
	}

	if _, ok := r.Next(final); ok {
		t.Fatalf("expected recurrence exhausted past its final point")
	}
}

func TestRecurrenceZeroPeriodFiresOnce(t *testing.T) {
	initial, _ := ParseInt("1")
	r := Recurrence{Initial: initial}
	first := r.First()
	if first.Int != 1 {
		t.Fatalf("expected first point to equal initial, got %d", first.Int)
	}
	if _, ok := r.Next(first); ok {
		t.Fatalf("expected a zero-period recurrence to fire exactly once")
	}
}
