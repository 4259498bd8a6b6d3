package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrMalformedSchedule marks expressions that match none of the recognized
// grammars. Callers use errors.Is to treat it as a per-entry failure.
var ErrMalformedSchedule = errors.New("malformed schedule")

// cronParser accepts classic 5-field specs plus descriptors ("@daily",
// "@every 55m"). Seconds are deliberately not supported: manifest entries are
// minute-granular.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

var months = map[string]time.Month{
	"january": time.January, "jan": time.January,
	"february": time.February, "feb": time.February,
	"march": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"may": time.May,
	"june": time.June, "jun": time.June,
	"july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sep": time.September,
	"october": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
}

// Parse normalizes a schedule expression into a Rule.
//
// Supported formats (case-insensitive, whitespace-tolerant):
//   - "every day HH:MM"
//   - "every <weekday> HH:MM"        (full or 3-letter names)
//   - "every N minutes" / "every N hours"   (singular accepted)
//   - "D of month HH:MM"             (day D of every month)
//   - "D of <month-name> HH:MM"      (that date, yearly)
//   - "cron:<5-field spec>", "@daily", "@every 55m", or a bare 5-field spec
//
// The timezone is NOT part of the expression; it is applied when the rule is
// evaluated.
func Parse(text string) (Rule, error) {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return Rule{}, fmt.Errorf("%w: empty expression", ErrMalformedSchedule)
	}

	// Explicit cron forms first.
	if rest, ok := strings.CutPrefix(raw, "cron:"); ok {
		return parseCron(strings.TrimSpace(rest))
	}
	if strings.HasPrefix(raw, "@") {
		return parseCron(raw)
	}

	fields := strings.Fields(strings.ToLower(raw))

	switch {
	case len(fields) == 3 && fields[0] == "every" && fields[1] == "day":
		h, m, err := parseHHMM(fields[2])
		if err != nil {
			return Rule{}, fmt.Errorf("%w: %v", ErrMalformedSchedule, err)
		}
		return Rule{Kind: KindDaily, Hour: h, Minute: m}, nil

	case len(fields) == 3 && fields[0] == "every" && isWeekday(fields[1]):
		h, m, err := parseHHMM(fields[2])
		if err != nil {
			return Rule{}, fmt.Errorf("%w: %v", ErrMalformedSchedule, err)
		}
		return Rule{Kind: KindWeekly, Weekday: weekdays[fields[1]], Hour: h, Minute: m}, nil

	case len(fields) == 3 && fields[0] == "every" && isIntervalUnit(fields[2]):
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 1 {
			return Rule{}, fmt.Errorf("%w: invalid interval count %q", ErrMalformedSchedule, fields[1])
		}
		if strings.HasPrefix(fields[2], "minute") {
			return Rule{Kind: KindEveryMinutes, N: n}, nil
		}
		return Rule{Kind: KindEveryHours, N: n}, nil

	case len(fields) == 4 && fields[1] == "of":
		day, err := strconv.Atoi(fields[0])
		if err != nil || day < 1 || day > 31 {
			return Rule{}, fmt.Errorf("%w: invalid day-of-month %q", ErrMalformedSchedule, fields[0])
		}
		h, m, err := parseHHMM(fields[3])
		if err != nil {
			return Rule{}, fmt.Errorf("%w: %v", ErrMalformedSchedule, err)
		}
		if fields[2] == "month" {
			return Rule{Kind: KindMonthly, Day: day, Hour: h, Minute: m}, nil
		}
		if mo, ok := months[fields[2]]; ok {
			return Rule{Kind: KindYearly, Day: day, Month: mo, Hour: h, Minute: m}, nil
		}
		return Rule{}, fmt.Errorf("%w: unknown month %q", ErrMalformedSchedule, fields[2])
	}

	// Last chance: a bare 5-field cron spec.
	if len(fields) == 5 {
		if r, err := parseCron(raw); err == nil {
			return r, nil
		}
	}

	return Rule{}, fmt.Errorf("%w: %q", ErrMalformedSchedule, text)
}

func parseCron(spec string) (Rule, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: cron %q: %v", ErrMalformedSchedule, spec, err)
	}
	return Rule{Kind: KindCron, CronSpec: spec, sched: sched}, nil
}

func isWeekday(s string) bool {
	_, ok := weekdays[s]
	return ok
}

func isIntervalUnit(s string) bool {
	switch s {
	case "minute", "minutes", "hour", "hours":
		return true
	}
	return false
}

func parseHHMM(s string) (hour int, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
