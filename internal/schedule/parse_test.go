package schedule

import (
	"errors"
	"testing"
	"time"
)

func TestParseVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want Rule
	}{
		{name: "daily", raw: "every day 07:00", want: Rule{Kind: KindDaily, Hour: 7}},
		{name: "daily padded", raw: "  Every   Day  23:45 ", want: Rule{Kind: KindDaily, Hour: 23, Minute: 45}},
		{name: "weekly full name", raw: "every monday 09:30", want: Rule{Kind: KindWeekly, Weekday: time.Monday, Hour: 9, Minute: 30}},
		{name: "weekly short name", raw: "every SAT 00:15", want: Rule{Kind: KindWeekly, Weekday: time.Saturday, Minute: 15}},
		{name: "minutes", raw: "every 15 minutes", want: Rule{Kind: KindEveryMinutes, N: 15}},
		{name: "single minute", raw: "every 1 minute", want: Rule{Kind: KindEveryMinutes, N: 1}},
		{name: "hours", raw: "every 4 hours", want: Rule{Kind: KindEveryHours, N: 4}},
		{name: "first of month", raw: "1 of month 00:00", want: Rule{Kind: KindMonthly, Day: 1}},
		{name: "mid month", raw: "15 of month 06:00", want: Rule{Kind: KindMonthly, Day: 15, Hour: 6}},
		{name: "yearly short month", raw: "1 of jan 03:00", want: Rule{Kind: KindYearly, Day: 1, Month: time.January, Hour: 3}},
		{name: "yearly full month", raw: "28 of February 12:00", want: Rule{Kind: KindYearly, Day: 28, Month: time.February, Hour: 12}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("Parse(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseCronForms(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"*/5 * * * *", "cron:0 7 * * 1", "@daily", "@every 55m"} {
		got, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", raw, err)
		}
		if got.Kind != KindCron {
			t.Fatalf("Parse(%q).Kind = %v, want cron", raw, got.Kind)
		}
		if got.sched == nil {
			t.Fatalf("Parse(%q) left schedule nil", raw)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{
		"",
		"whenever",
		"every day",
		"every day 24:00",
		"every day 07:60",
		"every blursday 07:00",
		"every 0 minutes",
		"every -5 minutes",
		"32 of month 00:00",
		"1 of smarch 00:00",
		"cron:not a cron spec",
	} {
		_, err := Parse(raw)
		if err == nil {
			t.Fatalf("Parse(%q): expected error", raw)
		}
		if !errors.Is(err, ErrMalformedSchedule) {
			t.Fatalf("Parse(%q): error %v is not ErrMalformedSchedule", raw, err)
		}
	}
}

// Rendering a parsed rule and parsing it again must be a fixed point: the
// canonical text is what gets persisted and logged.
func TestCanonicalRoundTrip(t *testing.T) {
	t.Parallel()
	inputs := []string{
		"every day 07:00",
		"EVERY DAY 7:05",
		"every tue 02:30",
		"every wednesday 18:00",
		"every 15 minutes",
		"every 1 hour",
		"1 of month 00:00",
		"9 of month 21:10",
		"1 of jan 03:00",
		"1 of September 00:01",
		"*/10 * * * *",
		"@every 90m",
	}
	for _, raw := range inputs {
		r1, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", raw, err)
		}
		canon := r1.String()
		r2, err := Parse(canon)
		if err != nil {
			t.Fatalf("Parse(canonical %q) error: %v", canon, err)
		}
		if canon2 := r2.String(); canon2 != canon {
			t.Fatalf("render not idempotent: %q -> %q -> %q", raw, canon, canon2)
		}
	}
}

func TestWallClock(t *testing.T) {
	t.Parallel()
	r, err := Parse("every day 02:30")
	if err != nil {
		t.Fatal(err)
	}
	h, m, ok := r.WallClock()
	if !ok || h != 2 || m != 30 {
		t.Fatalf("WallClock = %d:%d ok=%v", h, m, ok)
	}
	r, err = Parse("every 5 minutes")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, ok := r.WallClock(); ok {
		t.Fatal("interval rule should not report a wall clock")
	}
}
