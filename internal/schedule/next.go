package schedule

import (
	"time"
)

// Next computes the first fire instant strictly after the reference instant,
// returned in UTC.
//
// Interval rules are aligned to the Unix epoch in UTC, so "every 15 minutes"
// fires at :00/:15/:30/:45 of every hour regardless of when the job was
// registered, and consecutive fires are exactly N units apart (no wall-clock
// drift). Calendar rules convert the reference into loc, find the next local
// wall-clock match, and convert back to UTC; that ordering is what keeps a
// "every day 02:30" job at 02:30 local across DST transitions.
//
// DST policy: a fire time falling in the spring-forward gap is shifted forward
// by the gap (02:30 in a 02:00→03:00 transition fires at 03:30); an ambiguous
// fall-back time resolves to the earlier occurrence. Neither is an error.
//
// A zero time is returned only for raw cron rules that have no occurrence
// within the lookahead robfig/cron supports.
func (r Rule) Next(loc *time.Location, after time.Time) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	switch r.Kind {
	case KindEveryMinutes, KindEveryHours:
		return nextAligned(r.Interval(), after)
	case KindDaily:
		return r.nextDaily(loc, after)
	case KindWeekly:
		return r.nextWeekly(loc, after)
	case KindMonthly:
		return r.nextMonthly(loc, after)
	case KindYearly:
		return r.nextYearly(loc, after)
	case KindCron:
		if r.sched == nil {
			return time.Time{}
		}
		return r.sched.Next(after.In(loc)).UTC()
	default:
		return time.Time{}
	}
}

// Between enumerates fire instants in (from, to], oldest first. Used for
// catch-up decisions after downtime. The result is capped to keep a
// pathological range (tiny interval, long outage) from unbounded growth.
func (r Rule) Between(loc *time.Location, from, to time.Time) []time.Time {
	const maxOccurrences = 1000
	var out []time.Time
	t := from
	for len(out) < maxOccurrences {
		t = r.Next(loc, t)
		if t.IsZero() || t.After(to) {
			break
		}
		out = append(out, t)
	}
	return out
}

func nextAligned(period time.Duration, after time.Time) time.Time {
	p := int64(period / time.Second)
	if p <= 0 {
		return time.Time{}
	}
	sec := after.Unix()
	next := (sec/p + 1) * p
	return time.Unix(next, 0).UTC()
}

// localInstant resolves a local wall-clock time to an instant. When the wall
// clock falls in a spring-forward gap, time.Date picks one of the two nearest
// real times, which can land on the wrong side of the transition (01:30 EST
// for a requested 02:30). Shift forward by the gap instead, so the fire lands
// just after the transition at its nominal offset (03:30 EDT).
func localInstant(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	t := time.Date(year, month, day, hour, minute, 0, 0, loc)
	if t.Hour() == hour && t.Minute() == minute {
		return t
	}
	want := time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute
	got := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
	d := want - got
	// Midnight-skipping zones can put the picked time on the previous day.
	if d > 12*time.Hour {
		d -= 24 * time.Hour
	} else if d < -12*time.Hour {
		d += 24 * time.Hour
	}
	if d > 0 {
		// The picked instant precedes the gap; adding the wall-clock deficit
		// crosses the transition and lands gap-shifted past it.
		return t.Add(d)
	}
	// The picked instant is already past the gap, which is the shift we want.
	return t
}

func (r Rule) nextDaily(loc *time.Location, after time.Time) time.Time {
	l := after.In(loc)
	for i := 0; i < 3; i++ {
		cand := localInstant(l.Year(), l.Month(), l.Day()+i, r.Hour, r.Minute, loc)
		if cand.After(after) {
			return cand.UTC()
		}
	}
	return time.Time{}
}

func (r Rule) nextWeekly(loc *time.Location, after time.Time) time.Time {
	l := after.In(loc)
	offset := (int(r.Weekday) - int(l.Weekday()) + 7) % 7
	for i := 0; i < 3; i++ {
		cand := localInstant(l.Year(), l.Month(), l.Day()+offset+i*7, r.Hour, r.Minute, loc)
		if cand.After(after) {
			return cand.UTC()
		}
	}
	return time.Time{}
}

func (r Rule) nextMonthly(loc *time.Location, after time.Time) time.Time {
	l := after.In(loc)
	// 13 months covers a full year of short months plus the current one.
	for i := 0; i < 13; i++ {
		y, mo := normMonth(l.Year(), int(l.Month())+i)
		if r.Day > daysIn(y, mo) {
			continue
		}
		cand := localInstant(y, mo, r.Day, r.Hour, r.Minute, loc)
		if cand.After(after) {
			return cand.UTC()
		}
	}
	return time.Time{}
}

func (r Rule) nextYearly(loc *time.Location, after time.Time) time.Time {
	l := after.In(loc)
	// Feb 29 rules can skip up to 3 years ahead; look a bit further.
	for i := 0; i < 9; i++ {
		y := l.Year() + i
		if r.Day > daysIn(y, r.Month) {
			continue
		}
		cand := localInstant(y, r.Month, r.Day, r.Hour, r.Minute, loc)
		if cand.After(after) {
			return cand.UTC()
		}
	}
	return time.Time{}
}

func normMonth(year, month int) (int, time.Month) {
	// time.Date would normalize too, but we need days-in-month first.
	year += (month - 1) / 12
	month = (month-1)%12 + 1
	return year, time.Month(month)
}

func daysIn(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
