// Package scheduler – parser.go interprets natural language schedule
// expressions into either a one-time run timestamp or a cron expression.
// Raw cron expressions pass through unchanged.
package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// MinLeadTime is the minimum distance into the future for a one-time run.
// Anything closer would fire on the very next tick, before the user sees
// the confirmation.
const MinLeadTime = time.Minute

// ErrUnparseable means no supported schedule pattern matched the input.
var ErrUnparseable = errors.New("unrecognized schedule expression")

// ErrTooSoon means a one-time run lands in the past or inside MinLeadTime.
var ErrTooSoon = errors.New("scheduled time must be at least one minute in the future")

// Parsed is a normalized schedule: exactly one of RunAt (one-time) or
// CronExpr (recurring) is set.
type Parsed struct {
	OneTime  bool
	RunAt    time.Time
	CronExpr string
}

// cronParser accepts the standard 5-field syntax plus @every/@daily descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse interprets a schedule expression relative to now in the given
// timezone. IANA names ("America/Sao_Paulo") are accepted; empty or invalid
// zones fall back to UTC.
func Parse(input string, now time.Time, timezone string) (Parsed, error) {
	loc := loadLocation(timezone)
	now = now.In(loc)
	normalized := strings.TrimSpace(strings.ToLower(input))
	if normalized == "" {
		return Parsed{}, ErrUnparseable
	}

	// "in N minutes/hours/days"
	if m := reInDuration.FindStringSubmatch(normalized); m != nil {
		n, _ := strconv.Atoi(m[1])
		d := unitDuration(m[2])
		if n > 0 && d > 0 {
			return oneTime(now.Add(time.Duration(n) * d), now)
		}
	}

	// "today at 3pm", "tomorrow at 09:30"
	if m := reDayAt.FindStringSubmatch(normalized); m != nil {
		hour, minute := parseClock(m[2])
		if hour >= 0 {
			runAt := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
			if m[1] == "tomorrow" {
				runAt = runAt.AddDate(0, 0, 1)
			}
			return oneTime(runAt, now)
		}
	}

	// "at 3pm" means today, or tomorrow if already past.
	if m := reAtClock.FindStringSubmatch(normalized); m != nil {
		hour, minute := parseClock(m[1])
		if hour >= 0 {
			runAt := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
			if !runAt.After(now.Add(MinLeadTime)) {
				runAt = runAt.AddDate(0, 0, 1)
			}
			return oneTime(runAt, now)
		}
	}

	// "every N minutes/hours/days"
	if m := reEveryInterval.FindStringSubmatch(normalized); m != nil {
		n, _ := strconv.Atoi(m[1])
		d := unitDuration(m[2])
		if n > 0 && d > 0 {
			return recurring(fmt.Sprintf("@every %s", time.Duration(n)*d))
		}
	}

	// "every day at 9am", "every morning"
	if m := reEveryDayAt.FindStringSubmatch(normalized); m != nil {
		hour, minute := parseClock(m[1])
		if hour >= 0 {
			return recurring(fmt.Sprintf("%d %d * * *", minute, hour))
		}
	}
	if normalized == "every morning" {
		return recurring("0 8 * * *")
	}
	if normalized == "every day" || normalized == "daily" {
		return recurring("0 0 * * *")
	}
	if normalized == "every hour" || normalized == "hourly" {
		return recurring("@every 1h")
	}

	// "every monday [at 9am]"
	if m := reEveryWeekday.FindStringSubmatch(normalized); m != nil {
		dow := dayOfWeek(m[1])
		if dow >= 0 {
			hour, minute := 9, 0
			if m[2] != "" {
				hour, minute = parseClock(m[2])
				if hour < 0 {
					return Parsed{}, ErrUnparseable
				}
			}
			return recurring(fmt.Sprintf("%d %d * * %d", minute, hour, dow))
		}
	}

	// Raw cron expression or @every descriptor.
	if _, err := cronParser.Parse(input); err == nil {
		return recurring(strings.TrimSpace(input))
	}

	return Parsed{}, fmt.Errorf("%w: %q", ErrUnparseable, input)
}

// NextRun computes the next fire time for a recurring expression, evaluated
// in the task's timezone. The result is always strictly after now.
func NextRun(cronExpr string, after time.Time, timezone string) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", cronExpr, err)
	}
	next := sched.Next(after.In(loadLocation(timezone)))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron %q yields no future run", cronExpr)
	}
	return next, nil
}

// ---------- Regex patterns ----------

var (
	reInDuration    = regexp.MustCompile(`^in\s+(\d+)\s+(minute|hour|day|min)s?$`)
	reDayAt         = regexp.MustCompile(`^(today|tomorrow)\s+at\s+(.+)$`)
	reAtClock       = regexp.MustCompile(`^at\s+(.+)$`)
	reEveryInterval = regexp.MustCompile(`^every\s+(\d+)\s+(minute|hour|day|min)s?$`)
	reEveryDayAt    = regexp.MustCompile(`^every\s+day\s+at\s+(.+)$`)
	reEveryWeekday  = regexp.MustCompile(`^every\s+(\w+)(?:\s+at\s+(.+))?$`)
)

// ---------- Helpers ----------

func oneTime(runAt, now time.Time) (Parsed, error) {
	if runAt.Before(now.Add(MinLeadTime)) {
		return Parsed{}, fmt.Errorf("%w (requested %s)", ErrTooSoon, runAt.Format(time.RFC3339))
	}
	return Parsed{OneTime: true, RunAt: runAt}, nil
}

func recurring(expr string) (Parsed, error) {
	if _, err := cronParser.Parse(expr); err != nil {
		return Parsed{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return Parsed{CronExpr: expr}, nil
}

func loadLocation(timezone string) *time.Location {
	if timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func unitDuration(unit string) time.Duration {
	switch strings.TrimSuffix(strings.ToLower(unit), "s") {
	case "minute", "min":
		return time.Minute
	case "hour":
		return time.Hour
	case "day":
		return 24 * time.Hour
	default:
		return 0
	}
}

// parseClock parses "9:00", "14:30", "9am", "3:30pm". Returns hour (0-23)
// and minute, or (-1, 0) on failure.
func parseClock(s string) (int, int) {
	s = strings.TrimSpace(strings.ToLower(s))

	isPM := strings.HasSuffix(s, "pm")
	isAM := strings.HasSuffix(s, "am")
	if isPM {
		s = strings.TrimSuffix(s, "pm")
	} else if isAM {
		s = strings.TrimSuffix(s, "am")
	}
	s = strings.TrimSpace(s)

	parts := strings.SplitN(s, ":", 2)
	hour, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || hour < 0 || hour > 23 {
		return -1, 0
	}

	minute := 0
	if len(parts) == 2 {
		minute, err = strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || minute < 0 || minute > 59 {
			return -1, 0
		}
	}

	if isPM && hour < 12 {
		hour += 12
	}
	if isAM && hour == 12 {
		hour = 0
	}

	return hour, minute
}

// dayOfWeek converts a day name to cron day-of-week (0=Sunday).
func dayOfWeek(day string) int {
	switch strings.ToLower(day) {
	case "sunday", "sun":
		return 0
	case "monday", "mon":
		return 1
	case "tuesday", "tue":
		return 2
	case "wednesday", "wed":
		return 3
	case "thursday", "thu":
		return 4
	case "friday", "fri":
		return 5
	case "saturday", "sat":
		return 6
	default:
		return -1
	}
}
