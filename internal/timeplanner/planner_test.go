package timeplanner_test

import (
	"testing"
	"time"

	"github.com/cronkit/scheduler/internal/domain"
	"github.com/cronkit/scheduler/internal/timeplanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recurringJob(freq domain.Frequency, hhmm, tz string, start time.Time, end *time.Time, dow []int, dom int) *domain.Job {
	return &domain.Job{
		ScheduleType: domain.ScheduleRecurring,
		UserTimezone: tz,
		Recurring: &domain.RecurringSchedule{
			Frequency:  freq,
			Time:       hhmm,
			StartDate:  start,
			EndDate:    end,
			DaysOfWeek: dow,
			DayOfMonth: dom,
		},
	}
}

// S2 from spec §8: daily 09:30 America/New_York starting 2030-03-01
// (EST, UTC-5) fires first at 2030-03-01T14:30:00Z with cron "30 14 * * *".
func TestBuildCronExpression_DailyNonUTC(t *testing.T) {
	p := timeplanner.New()
	start := time.Date(2030, 3, 1, 0, 0, 0, 0, time.UTC)
	job := recurringJob(domain.FrequencyDaily, "09:30", "America/New_York", start, nil, nil, 0)

	expr, err := p.BuildCronExpression(job.Recurring, job.UserTimezone)
	require.NoError(t, err)
	assert.Equal(t, "30 14 * * *", expr)
}

func TestBuildCronExpression_TwoHostsAgree(t *testing.T) {
	// Simulates "two hosts with different OS zones compute identical
	// cronExpressions" (spec §8 property 1) — the computation only
	// depends on the IANA zone name, not the host's local TZ setting.
	p1 := timeplanner.New()
	p2 := timeplanner.New()
	start := time.Date(2030, 3, 1, 0, 0, 0, 0, time.UTC)

	r := &domain.RecurringSchedule{
		Frequency: domain.FrequencyWeekly,
		Time:      "08:00",
		StartDate: start,
		DaysOfWeek: []int{1, 3, 5},
	}

	e1, err := p1.BuildCronExpression(r, "Europe/London")
	require.NoError(t, err)
	e2, err := p2.BuildCronExpression(r, "Europe/London")
	require.NoError(t, err)
	assert.Equal(t, e1, e2)
}

func TestBuildCronExpression_Monthly_DefaultsDayOfMonth(t *testing.T) {
	p := timeplanner.New()
	r := &domain.RecurringSchedule{
		Frequency: domain.FrequencyMonthly,
		Time:      "00:00",
		StartDate: time.Now(),
	}
	expr, err := p.BuildCronExpression(r, "UTC")
	require.NoError(t, err)
	assert.Equal(t, "0 0 1 * *", expr)
}

func TestBuildCronExpression_RejectsOutOfRangeDayOfMonth(t *testing.T) {
	p := timeplanner.New()
	r := &domain.RecurringSchedule{
		Frequency:  domain.FrequencyMonthly,
		Time:       "00:00",
		StartDate:  time.Now(),
		DayOfMonth: 32,
	}
	_, err := p.BuildCronExpression(r, "UTC")
	assert.Error(t, err)
}

func TestBuildCronExpression_RejectsUnknownFrequency(t *testing.T) {
	p := timeplanner.New()
	r := &domain.RecurringSchedule{Frequency: "yearly", Time: "00:00", StartDate: time.Now()}
	_, err := p.BuildCronExpression(r, "UTC")
	assert.ErrorIs(t, err, domain.ErrUnknownFrequency)
}

func TestValidateSchedule_RejectsUnknownTimezone(t *testing.T) {
	p := timeplanner.New()
	job := recurringJob(domain.FrequencyDaily, "09:00", "Not/AZone", time.Now(), nil, nil, 0)
	err := p.ValidateSchedule(job)
	assert.ErrorIs(t, err, domain.ErrUnknownTimezone)
}

func TestValidateSchedule_WeeklyRequiresDaysOfWeek(t *testing.T) {
	p := timeplanner.New()
	job := recurringJob(domain.FrequencyWeekly, "09:00", "UTC", time.Now(), nil, nil, 0)
	err := p.ValidateSchedule(job)
	require.Error(t, err)
	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestValidateSchedule_EndDateMustBeAfterStart(t *testing.T) {
	p := timeplanner.New()
	start := time.Date(2030, 1, 10, 0, 0, 0, 0, time.UTC)
	end := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	job := recurringJob(domain.FrequencyDaily, "09:00", "UTC", start, &end, nil, 0)
	err := p.ValidateSchedule(job)
	require.Error(t, err)
}

func TestPlanFirstFire_OnceRejectsPast(t *testing.T) {
	p := timeplanner.New()
	job := &domain.Job{
		ScheduleType: domain.ScheduleOnce,
		OneTime:      &domain.OneTimeSchedule{DateTime: time.Now().Add(-time.Hour)},
	}
	_, err := p.PlanFirstFire(job, time.Now())
	assert.ErrorIs(t, err, domain.ErrPastSchedule)
}

func TestPlanFirstFire_OnceAcceptsFuture(t *testing.T) {
	p := timeplanner.New()
	want := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
	job := &domain.Job{
		ScheduleType: domain.ScheduleOnce,
		OneTime:      &domain.OneTimeSchedule{DateTime: want},
	}
	got, err := p.PlanFirstFire(job, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPlanFirstFire_RecurringNeverBeforeStartDate(t *testing.T) {
	p := timeplanner.New()
	start := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)
	job := recurringJob(domain.FrequencyDaily, "10:00", "UTC", start, nil, nil, 0)
	job.Recurring.CronExpr, _ = p.BuildCronExpression(job.Recurring, job.UserTimezone)

	// "now" predates startDate — first fire must still land on/after startDate.
	got, err := p.PlanFirstFire(job, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, got.Before(start))
	assert.Equal(t, 10, got.Hour())
}

func TestNextFire_EndDateExceeded(t *testing.T) {
	p := timeplanner.New()
	from := time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)
	end := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC) // same day, eod 23:59:59 UTC
	_, err := p.NextFire("0 10 * * *", from, &end, "UTC")
	assert.ErrorIs(t, err, domain.ErrEndExceeded)
}

func TestNextFire_WithinEndDateSucceeds(t *testing.T) {
	p := timeplanner.New()
	from := time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)
	end := time.Date(2030, 1, 5, 0, 0, 0, 0, time.UTC)
	next, err := p.NextFire("0 10 * * *", from, &end, "UTC")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2030, 1, 2, 10, 0, 0, 0, time.UTC), next)
}

func TestNextNFires_StopsAtN(t *testing.T) {
	p := timeplanner.New()
	from := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	fires, err := p.NextNFires("0 10 * * *", 3, from, nil, "UTC")
	require.NoError(t, err)
	assert.Len(t, fires, 3)
	assert.True(t, fires[0].Before(fires[1]))
	assert.True(t, fires[1].Before(fires[2]))
}

// Documents the accepted DST-drift limitation from spec §9: the cron
// expression is a UTC snapshot, so fires keep firing at the same UTC
// wall-clock across a DST transition rather than the same local time.
func TestNextFire_DSTDriftIsAcceptedBehavior(t *testing.T) {
	p := timeplanner.New()
	r := &domain.RecurringSchedule{
		Frequency: domain.FrequencyDaily,
		Time:      "09:30",
		StartDate: time.Date(2030, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	expr, err := p.BuildCronExpression(r, "America/New_York")
	require.NoError(t, err)
	require.Equal(t, "30 14 * * *", expr)

	beforeDST := time.Date(2030, 3, 9, 0, 0, 0, 0, time.UTC)
	afterDST := time.Date(2030, 3, 11, 0, 0, 0, 0, time.UTC)

	fireBefore, err := p.NextFire(expr, beforeDST, nil, "America/New_York")
	require.NoError(t, err)
	fireAfter, err := p.NextFire(expr, afterDST, nil, "America/New_York")
	require.NoError(t, err)

	// Same UTC hour/minute on both sides of the DST boundary (2030-03-10 in the US).
	assert.Equal(t, 14, fireBefore.Hour())
	assert.Equal(t, 14, fireAfter.Hour())
}
