package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind selects which Rule variant is populated.
type Kind int

const (
	KindDaily Kind = iota
	KindWeekly
	KindMonthly
	KindYearly
	KindEveryMinutes
	KindEveryHours
	KindCron
)

func (k Kind) String() string {
	switch k {
	case KindDaily:
		return "daily"
	case KindWeekly:
		return "weekly"
	case KindMonthly:
		return "monthly"
	case KindYearly:
		return "yearly"
	case KindEveryMinutes:
		return "every_minutes"
	case KindEveryHours:
		return "every_hours"
	case KindCron:
		return "cron"
	default:
		return "unknown"
	}
}

// Rule is the normalized form of a schedule expression. Exactly one variant is
// populated, keyed by Kind. The job's timezone is carried separately and only
// applied when the rule is evaluated, so DST transitions resolve at fire-time
// rather than parse-time.
type Rule struct {
	Kind Kind

	// Calendar variants (daily/weekly/monthly/yearly).
	Hour    int
	Minute  int
	Weekday time.Weekday // KindWeekly
	Day     int          // KindMonthly, KindYearly (day of month, 1-31)
	Month   time.Month   // KindYearly

	// Interval variants.
	N int // KindEveryMinutes, KindEveryHours

	// Raw cron variant.
	CronSpec string
	sched    cron.Schedule
}

// WallClock returns the rule's local fire time for calendar variants.
// ok is false for interval and raw-cron rules.
func (r Rule) WallClock() (hour, minute int, ok bool) {
	switch r.Kind {
	case KindDaily, KindWeekly, KindMonthly, KindYearly:
		return r.Hour, r.Minute, true
	default:
		return 0, 0, false
	}
}

// Interval returns the fixed period for interval variants, 0 otherwise.
func (r Rule) Interval() time.Duration {
	switch r.Kind {
	case KindEveryMinutes:
		return time.Duration(r.N) * time.Minute
	case KindEveryHours:
		return time.Duration(r.N) * time.Hour
	default:
		return 0
	}
}

// String renders the canonical text form. Parsing the result yields an
// identical rule (round-trip stable), so rendered text is safe to persist.
func (r Rule) String() string {
	switch r.Kind {
	case KindDaily:
		return fmt.Sprintf("every day %02d:%02d", r.Hour, r.Minute)
	case KindWeekly:
		return fmt.Sprintf("every %s %02d:%02d", strings.ToLower(r.Weekday.String()), r.Hour, r.Minute)
	case KindMonthly:
		return fmt.Sprintf("%d of month %02d:%02d", r.Day, r.Hour, r.Minute)
	case KindYearly:
		return fmt.Sprintf("%d of %s %02d:%02d", r.Day, shortMonth(r.Month), r.Hour, r.Minute)
	case KindEveryMinutes:
		return fmt.Sprintf("every %d minutes", r.N)
	case KindEveryHours:
		return fmt.Sprintf("every %d hours", r.N)
	case KindCron:
		return "cron:" + r.CronSpec
	default:
		return ""
	}
}

func shortMonth(m time.Month) string {
	return strings.ToLower(m.String()[:3])
}
