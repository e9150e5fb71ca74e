package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopress/internal/domain"
)

// 2024-03-12 is a Tuesday.
var tuesday10 = time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)

func activeJob(kind domain.ScheduleKind) domain.Job {
	return domain.Job{ID: "job_test", Schedule: kind, IsActive: true}
}

func TestNextRunDailyBeforeTime(t *testing.T) {
	j := activeJob(domain.ScheduleDaily)
	j.ScheduledTime = "15:00"

	next := NextRun(j, tuesday10)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2024, 3, 12, 15, 0, 0, 0, time.UTC), *next)
}

func TestNextRunDailyAfterTime(t *testing.T) {
	j := activeJob(domain.ScheduleDaily)
	j.ScheduledTime = "09:00"

	next := NextRun(j, tuesday10)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2024, 3, 13, 9, 0, 0, 0, time.UTC), *next)
}

func TestNextRunDailyExactlyAtTime(t *testing.T) {
	j := activeJob(domain.ScheduleDaily)
	j.ScheduledTime = "10:00"

	// now == scheduled time rolls to tomorrow.
	next := NextRun(j, tuesday10)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC), *next)
}

func TestNextRunWeeklyMatchesConfiguredWeekday(t *testing.T) {
	for weekday := 0; weekday < 7; weekday++ {
		j := activeJob(domain.ScheduleWeekly)
		j.ScheduledTime = "08:30"
		j.Weekday = weekday

		next := NextRun(j, tuesday10)
		require.NotNil(t, next)
		assert.Equal(t, time.Weekday(weekday), next.Weekday())
		assert.True(t, next.After(tuesday10))
	}
}

func TestNextRunWeeklySameDayTimePassed(t *testing.T) {
	j := activeJob(domain.ScheduleWeekly)
	j.ScheduledTime = "09:00"
	j.Weekday = 2 // Tuesday, same as now, but 09:00 already passed

	next := NextRun(j, tuesday10)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2024, 3, 19, 9, 0, 0, 0, time.UTC), *next)
}

func TestNextRunInterval(t *testing.T) {
	j := activeJob(domain.ScheduleInterval)
	j.IntervalMinutes = 90

	next := NextRun(j, tuesday10)
	require.NotNil(t, next)
	assert.Equal(t, tuesday10.Add(90*time.Minute), *next)
}

func TestNextRunCron(t *testing.T) {
	j := activeJob(domain.ScheduleCron)
	j.CronExpr = "0 12 * * *"

	next := NextRun(j, tuesday10)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2024, 3, 12, 12, 0, 0, 0, time.UTC), *next)
}

func TestNextRunCronMalformedFallsBack(t *testing.T) {
	j := activeJob(domain.ScheduleCron)
	j.CronExpr = "not a cron expr"

	next := NextRun(j, tuesday10)
	require.NotNil(t, next)
	assert.Equal(t, tuesday10.Add(time.Hour), *next)
}

func TestNextRunCronEmptyFallsBack(t *testing.T) {
	j := activeJob(domain.ScheduleCron)

	next := NextRun(j, tuesday10)
	require.NotNil(t, next)
	assert.Equal(t, tuesday10.Add(time.Hour), *next)
}

func TestNextRunIdempotent(t *testing.T) {
	j := activeJob(domain.ScheduleDaily)
	j.ScheduledTime = "15:00"

	first := NextRun(j, tuesday10)
	second := NextRun(j, tuesday10)
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, *first, *second)
}

func TestNextRunInactive(t *testing.T) {
	j := activeJob(domain.ScheduleInterval)
	j.IntervalMinutes = 30
	j.IsActive = false

	assert.Nil(t, NextRun(j, tuesday10))
}

func TestNextRunExhausted(t *testing.T) {
	j := activeJob(domain.ScheduleInterval)
	j.IntervalMinutes = 30
	j.MaxRuns = 3
	j.RunCount = 3

	assert.Nil(t, NextRun(j, tuesday10))
}

func TestNextRunAlwaysForward(t *testing.T) {
	kinds := []domain.Job{
		{Schedule: domain.ScheduleDaily, ScheduledTime: "00:00", IsActive: true},
		{Schedule: domain.ScheduleWeekly, ScheduledTime: "23:59", Weekday: 2, IsActive: true},
		{Schedule: domain.ScheduleInterval, IntervalMinutes: 1, IsActive: true},
		{Schedule: domain.ScheduleCron, CronExpr: "* * * * *", IsActive: true},
	}
	for _, j := range kinds {
		next := NextRun(j, tuesday10)
		require.NotNil(t, next, "kind %s", j.Schedule)
		assert.True(t, next.After(tuesday10), "kind %s: %s", j.Schedule, next)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		job     domain.Job
		wantErr bool
	}{
		{"daily ok", domain.Job{Schedule: domain.ScheduleDaily, ScheduledTime: "07:30"}, false},
		{"daily bad time", domain.Job{Schedule: domain.ScheduleDaily, ScheduledTime: "25:00"}, true},
		{"weekly bad weekday", domain.Job{Schedule: domain.ScheduleWeekly, ScheduledTime: "07:30", Weekday: 9}, true},
		{"interval ok", domain.Job{Schedule: domain.ScheduleInterval, IntervalMinutes: 5}, false},
		{"interval zero", domain.Job{Schedule: domain.ScheduleInterval}, true},
		{"cron ok", domain.Job{Schedule: domain.ScheduleCron, CronExpr: "*/5 * * * *"}, false},
		{"cron bad", domain.Job{Schedule: domain.ScheduleCron, CronExpr: "bogus"}, true},
		{"unknown kind", domain.Job{Schedule: "hourly"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.job)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
