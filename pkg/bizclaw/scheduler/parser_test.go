package scheduler

import (
	"errors"
	"testing"
	"time"
)

// fixedNow is a Tuesday at noon UTC.
var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestParseRecurring(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		cronExpr string
	}{
		{"every 5 minutes", "@every 5m0s"},
		{"every 2 hours", "@every 2h0m0s"},
		{"every 1 day", "@every 24h0m0s"},
		{"every day at 9am", "0 9 * * *"},
		{"every day at 14:30", "30 14 * * *"},
		{"Every Day At 9AM", "0 9 * * *"},
		{"every day", "0 0 * * *"},
		{"daily", "0 0 * * *"},
		{"every morning", "0 8 * * *"},
		{"every hour", "@every 1h"},
		{"hourly", "@every 1h"},
		{"every monday", "0 9 * * 1"},
		{"every monday at 8am", "0 8 * * 1"},
		{"every friday at 17:30", "30 17 * * 5"},
		{"0 9 * * *", "0 9 * * *"},
		{"@every 5m", "@every 5m"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			parsed, err := Parse(tt.input, fixedNow, "")
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.input, err)
			}
			if parsed.OneTime {
				t.Fatalf("Parse(%q) = one-time, want recurring", tt.input)
			}
			if parsed.CronExpr != tt.cronExpr {
				t.Errorf("Parse(%q) cron = %q, want %q", tt.input, parsed.CronExpr, tt.cronExpr)
			}
		})
	}
}

func TestParseOneTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		runAt time.Time
	}{
		{"in 30 minutes", fixedNow.Add(30 * time.Minute)},
		{"in 2 hours", fixedNow.Add(2 * time.Hour)},
		{"today at 3pm", time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)},
		{"tomorrow at 3pm", time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC)},
		{"tomorrow at 09:30", time.Date(2026, 3, 11, 9, 30, 0, 0, time.UTC)},
		// Already past today, rolls to tomorrow.
		{"at 9am", time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)},
		{"at 3pm", time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			parsed, err := Parse(tt.input, fixedNow, "")
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.input, err)
			}
			if !parsed.OneTime {
				t.Fatalf("Parse(%q) = recurring, want one-time", tt.input)
			}
			if !parsed.RunAt.Equal(tt.runAt) {
				t.Errorf("Parse(%q) runAt = %s, want %s", tt.input, parsed.RunAt, tt.runAt)
			}
		})
	}
}

func TestParseRejectsPastAndNearFuture(t *testing.T) {
	t.Parallel()

	// 11am is an hour behind fixedNow.
	if _, err := Parse("today at 11am", fixedNow, ""); !errors.Is(err, ErrTooSoon) {
		t.Errorf("past time: err = %v, want ErrTooSoon", err)
	}
	// Exactly at the minimum lead is still rejected; must be strictly beyond.
	if _, err := Parse("in 1 minute", fixedNow, ""); err != nil {
		t.Errorf("in 1 minute: unexpected err %v", err)
	}
}

func TestParseUnrecognized(t *testing.T) {
	t.Parallel()

	for _, input := range []string{
		"", "something random", "in 0 minutes", "every 0 minutes",
		"tomorrow at 25:00", "every funday",
	} {
		if _, err := Parse(input, fixedNow, ""); !errors.Is(err, ErrUnparseable) && !errors.Is(err, ErrTooSoon) {
			t.Errorf("Parse(%q) err = %v, want ErrUnparseable", input, err)
		}
	}
}

func TestParseTimezone(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		t.Skip("tzdata unavailable")
	}

	parsed, err := Parse("tomorrow at 3pm", fixedNow, "America/Sao_Paulo")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	localNow := fixedNow.In(loc)
	want := time.Date(localNow.Year(), localNow.Month(), localNow.Day()+1, 15, 0, 0, 0, loc)
	if !parsed.RunAt.Equal(want) {
		t.Errorf("runAt = %s, want %s", parsed.RunAt, want)
	}
}

func TestNextRunStrictlyFuture(t *testing.T) {
	t.Parallel()

	// Anchored exactly at 09:00, the next run must be tomorrow, not now.
	at9 := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	next, err := NextRun("0 9 * * *", at9, "")
	if err != nil {
		t.Fatalf("NextRun error: %v", err)
	}
	if !next.After(at9) {
		t.Errorf("next = %s, want strictly after %s", next, at9)
	}
	want := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %s, want %s", next, want)
	}
}

func TestNextRunBadExpr(t *testing.T) {
	t.Parallel()

	if _, err := NextRun("not a cron", fixedNow, ""); err == nil {
		t.Error("expected error for invalid expression")
	}
}
