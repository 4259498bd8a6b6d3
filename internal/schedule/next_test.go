package schedule

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, raw string) Rule {
	t.Helper()
	r, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse(%q) error: %v", raw, err)
	}
	return r
}

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("timezone database missing %s: %v", name, err)
	}
	return loc
}

func utc(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("bad test timestamp %q: %v", s, err)
	}
	return ts.UTC()
}

func TestNextIntervalEpochAligned(t *testing.T) {
	t.Parallel()
	r := mustParse(t, "every 15 minutes")

	// Alignment policy: intervals snap to Unix-epoch boundaries in UTC, so the
	// reference 00:07 fires next at 00:15, not 00:22.
	got := r.Next(time.UTC, utc(t, "2024-01-01T00:07:00Z"))
	if want := utc(t, "2024-01-01T00:15:00Z"); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}

	// Consecutive fires are exactly N minutes apart in UTC, and the timezone
	// argument is irrelevant for intervals.
	ny := mustLoc(t, "America/New_York")
	prev := got
	for i := 0; i < 8; i++ {
		next := r.Next(ny, prev)
		if d := next.Sub(prev); d != 15*time.Minute {
			t.Fatalf("step %d: gap %v, want 15m", i, d)
		}
		prev = next
	}
}

func TestNextIntervalStrictlyAfter(t *testing.T) {
	t.Parallel()
	r := mustParse(t, "every 1 hour")
	on := utc(t, "2024-01-01T05:00:00Z")
	got := r.Next(time.UTC, on)
	if want := utc(t, "2024-01-01T06:00:00Z"); !got.Equal(want) {
		t.Fatalf("Next on a boundary = %v, want %v", got, want)
	}
}

func TestNextDailySpringForward(t *testing.T) {
	t.Parallel()
	ny := mustLoc(t, "America/New_York")
	r := mustParse(t, "every day 02:30")

	// 2024-03-10 has no 02:30 in New York (clocks jump 02:00 EST -> 03:00 EDT
	// at 07:00Z). Policy: the fire shifts forward by the gap, landing on
	// 03:30 EDT = 07:30Z.
	got := r.Next(ny, utc(t, "2024-03-09T12:00:00Z"))
	if want := utc(t, "2024-03-10T07:30:00Z"); !got.Equal(want) {
		t.Fatalf("spring-forward Next = %v, want %v", got, want)
	}
	// The instant must sit on the far side of the transition: 03:30 at the
	// new offset, never 01:30 at the old one.
	l := got.In(ny)
	if l.Hour() != 3 || l.Minute() != 30 {
		t.Fatalf("spring-forward local = %02d:%02d, want 03:30", l.Hour(), l.Minute())
	}
}

func TestNextWeeklySpringForward(t *testing.T) {
	t.Parallel()
	ny := mustLoc(t, "America/New_York")
	r := mustParse(t, "every sunday 02:30")

	// The transition Sunday has no 02:30; same forward shift as the daily rule.
	got := r.Next(ny, utc(t, "2024-03-08T12:00:00Z"))
	if want := utc(t, "2024-03-10T07:30:00Z"); !got.Equal(want) {
		t.Fatalf("spring-forward weekly Next = %v, want %v", got, want)
	}
}

func TestNextDailyFallBack(t *testing.T) {
	t.Parallel()
	ny := mustLoc(t, "America/New_York")
	r := mustParse(t, "every day 01:30")

	// 2024-11-03 has two 01:30s in New York. Policy: the earlier one (EDT).
	got := r.Next(ny, utc(t, "2024-11-03T04:00:00Z"))
	if want := utc(t, "2024-11-03T05:30:00Z"); !got.Equal(want) {
		t.Fatalf("fall-back Next = %v, want %v", got, want)
	}
}

func TestNextDailyConstantWallClockAcrossDST(t *testing.T) {
	t.Parallel()
	ny := mustLoc(t, "America/New_York")
	r := mustParse(t, "every day 08:00")

	ref := utc(t, "2024-03-08T00:00:00Z")
	prev := ref
	for i := 0; i < 6; i++ {
		next := r.Next(ny, prev)
		if !next.After(prev) {
			t.Fatalf("sequence not strictly increasing at step %d: %v then %v", i, prev, next)
		}
		l := next.In(ny)
		if l.Hour() != 8 || l.Minute() != 0 {
			t.Fatalf("step %d: local wall clock %02d:%02d, want 08:00", i, l.Hour(), l.Minute())
		}
		prev = next
	}
	// The UTC gap between consecutive fires is 23h once (the transition day),
	// 24h otherwise. Constant local time is the invariant, not constant UTC gap.
}

func TestNextWeekly(t *testing.T) {
	t.Parallel()
	r := mustParse(t, "every monday 09:00")

	// Thursday -> following Monday.
	got := r.Next(time.UTC, utc(t, "2024-01-04T10:00:00Z"))
	if want := utc(t, "2024-01-08T09:00:00Z"); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}

	// Exactly at the fire instant -> a week later, strictly after.
	got = r.Next(time.UTC, got)
	if want := utc(t, "2024-01-15T09:00:00Z"); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestNextMonthly(t *testing.T) {
	t.Parallel()
	ny := mustLoc(t, "America/New_York")

	r := mustParse(t, "1 of month 00:00")
	got := r.Next(ny, utc(t, "2024-01-15T00:00:00Z"))
	// 2024-02-01 00:00 EST = 05:00Z.
	if want := utc(t, "2024-02-01T05:00:00Z"); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}

	// Day 31 skips short months entirely.
	r = mustParse(t, "31 of month 12:00")
	got = r.Next(time.UTC, utc(t, "2024-01-31T13:00:00Z"))
	if want := utc(t, "2024-03-31T12:00:00Z"); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v (February must be skipped)", got, want)
	}
}

func TestNextYearly(t *testing.T) {
	t.Parallel()
	r := mustParse(t, "1 of jan 03:00")
	got := r.Next(time.UTC, utc(t, "2024-06-01T00:00:00Z"))
	if want := utc(t, "2025-01-01T03:00:00Z"); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}

	// Feb 29 only exists in leap years.
	r = mustParse(t, "29 of feb 00:00")
	got = r.Next(time.UTC, utc(t, "2024-03-01T00:00:00Z"))
	if want := utc(t, "2028-02-29T00:00:00Z"); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestNextCron(t *testing.T) {
	t.Parallel()
	r := mustParse(t, "*/15 * * * *")
	got := r.Next(time.UTC, utc(t, "2024-01-01T00:07:00Z"))
	if want := utc(t, "2024-01-01T00:15:00Z"); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestBetween(t *testing.T) {
	t.Parallel()
	r := mustParse(t, "every day 07:00")
	from := utc(t, "2024-01-01T00:00:00Z")
	to := utc(t, "2024-01-03T12:00:00Z")
	got := r.Between(time.UTC, from, to)
	want := []time.Time{
		utc(t, "2024-01-01T07:00:00Z"),
		utc(t, "2024-01-02T07:00:00Z"),
		utc(t, "2024-01-03T07:00:00Z"),
	}
	if len(got) != len(want) {
		t.Fatalf("Between returned %d occurrences, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("occurrence %d = %v, want %v", i, got[i], want[i])
		}
	}
}
