// Package schedule computes when a job fires next. Pure with respect to the
// store: callers pass the job and the current time and persist the result.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"autopress/internal/domain"
)

// fallbackDelay is used when a cron expression (or time-of-day) cannot be
// parsed. Active jobs must never silently end up with no next run.
const fallbackDelay = time.Hour

// NextRun maps a job definition and the current time to the next fire time.
// Returns nil for inactive or run-limit-exhausted jobs. Malformed input
// degrades to now+1h with a warning; it never fails.
func NextRun(j domain.Job, now time.Time) *time.Time {
	if !j.IsActive || j.RunsExhausted() {
		return nil
	}

	switch j.Schedule {
	case domain.ScheduleDaily:
		return timePtr(nextDaily(j, now))
	case domain.ScheduleWeekly:
		return timePtr(nextWeekly(j, now))
	case domain.ScheduleInterval:
		return timePtr(nextInterval(j, now))
	case domain.ScheduleCron:
		return timePtr(nextCron(j, now))
	default:
		log.Warn().Str("job_id", j.ID).Str("schedule_kind", string(j.Schedule)).
			Msg("unknown schedule kind, falling back to hourly")
		return timePtr(now.Add(fallbackDelay))
	}
}

func nextDaily(j domain.Job, now time.Time) time.Time {
	hour, minute, ok := parseTimeOfDay(j)
	if !ok {
		return now.Add(fallbackDelay)
	}
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

func nextWeekly(j domain.Job, now time.Time) time.Time {
	hour, minute, ok := parseTimeOfDay(j)
	if !ok {
		return now.Add(fallbackDelay)
	}
	weekday := j.Weekday
	if weekday < 0 || weekday > 6 {
		log.Warn().Str("job_id", j.ID).Int("weekday", weekday).Msg("weekday out of range, clamping")
		weekday = ((weekday % 7) + 7) % 7
	}
	daysAhead := (weekday - int(now.Weekday()) + 7) % 7
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location()).
		AddDate(0, 0, daysAhead)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}

func nextInterval(j domain.Job, now time.Time) time.Time {
	minutes := j.IntervalMinutes
	if minutes <= 0 {
		log.Warn().Str("job_id", j.ID).Int("interval_minutes", minutes).
			Msg("non-positive interval, falling back to hourly")
		return now.Add(fallbackDelay)
	}
	return now.Add(time.Duration(minutes) * time.Minute)
}

func nextCron(j domain.Job, now time.Time) time.Time {
	sched, err := cron.ParseStandard(j.CronExpr)
	if err != nil {
		log.Warn().Err(err).Str("job_id", j.ID).Str("cron_expr", j.CronExpr).
			Msg("unparsable cron expression, falling back to hourly")
		return now.Add(fallbackDelay)
	}
	return sched.Next(now)
}

func parseTimeOfDay(j domain.Job) (hour, minute int, ok bool) {
	t, err := time.Parse("15:04", j.ScheduledTime)
	if err != nil {
		log.Warn().Str("job_id", j.ID).Str("scheduled_time", j.ScheduledTime).
			Msg("unparsable time of day, falling back to hourly")
		return 0, 0, false
	}
	return t.Hour(), t.Minute(), true
}

// Validate rejects schedule definitions the calculator would have to degrade
// on. Used by the API at create/update time; NextRun itself never fails.
func Validate(j domain.Job) error {
	switch j.Schedule {
	case domain.ScheduleDaily:
		if _, err := time.Parse("15:04", j.ScheduledTime); err != nil {
			return fmt.Errorf("scheduled_time %q: want HH:MM", j.ScheduledTime)
		}
	case domain.ScheduleWeekly:
		if _, err := time.Parse("15:04", j.ScheduledTime); err != nil {
			return fmt.Errorf("scheduled_time %q: want HH:MM", j.ScheduledTime)
		}
		if j.Weekday < 0 || j.Weekday > 6 {
			return fmt.Errorf("weekday %d: want 0-6", j.Weekday)
		}
	case domain.ScheduleInterval:
		if j.IntervalMinutes <= 0 {
			return fmt.Errorf("interval_minutes %d: want > 0", j.IntervalMinutes)
		}
	case domain.ScheduleCron:
		if _, err := cron.ParseStandard(j.CronExpr); err != nil {
			return fmt.Errorf("cron_expr %q: %w", j.CronExpr, err)
		}
	default:
		return fmt.Errorf("unknown schedule_kind %q", j.Schedule)
	}
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }
