// Package timeplanner implements the schedule planner (spec §4.1, C1):
// timezone normalization, cron expression synthesis, next-fire
// computation, and end-date bounds. Every instant it returns is UTC.
package timeplanner

import (
	"fmt"
	"time"

	"github.com/cronkit/scheduler/internal/domain"
	"github.com/robfig/cron/v3"
)

// Planner computes fire times and cron expressions for jobs. It is
// stateless and safe for concurrent use.
type Planner struct {
	parser cron.Parser
}

// New returns a Planner using the standard 5-field cron grammar
// (minute hour dom month dow), matching the wire format in spec §6.
func New() *Planner {
	return &Planner{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// ValidateSchedule checks the structural invariants of spec §3 — it does
// not check futurity of a "once" instant; that belongs to PlanFirstFire,
// which runs at creation/resume time where "now" is meaningful.
func (p *Planner) ValidateSchedule(j *domain.Job) error {
	if j.UserTimezone == "" {
		return domain.NewValidationError("userTimezone", "is required")
	}
	if _, err := time.LoadLocation(j.UserTimezone); err != nil {
		return domain.ErrUnknownTimezone
	}

	switch j.ScheduleType {
	case domain.ScheduleOnce:
		if j.OneTime == nil {
			return domain.NewValidationError("oneTime", "is required for scheduleType=once")
		}
		if j.OneTime.DateTime.IsZero() {
			return domain.NewValidationError("oneTime.dateTime", "is required")
		}
	case domain.ScheduleRecurring:
		r := j.Recurring
		if r == nil {
			return domain.NewValidationError("recurring", "is required for scheduleType=recurring")
		}
		if r.Frequency == "" {
			return domain.NewValidationError("recurring.frequency", "is required")
		}
		if r.Time == "" {
			return domain.NewValidationError("recurring.time", "is required")
		}
		if _, _, err := parseHHMM(r.Time); err != nil {
			return domain.NewValidationError("recurring.time", "must be HH:MM")
		}
		if r.StartDate.IsZero() {
			return domain.NewValidationError("recurring.startDate", "is required")
		}
		if r.EndDate != nil && !r.EndDate.After(r.StartDate) {
			return domain.NewValidationError("recurring.endDate", "must be strictly after startDate")
		}
		switch r.Frequency {
		case domain.FrequencyDaily:
		case domain.FrequencyWeekly:
			if len(r.DaysOfWeek) == 0 {
				return domain.NewValidationError("recurring.daysOfWeek", "is required for weekly frequency")
			}
			for _, d := range r.DaysOfWeek {
				if d < 0 || d > 6 {
					return domain.NewValidationError("recurring.daysOfWeek", "values must be in 0..6")
				}
			}
		case domain.FrequencyMonthly:
			dom := r.DayOfMonth
			if dom == 0 {
				dom = 1
			}
			if dom < 1 || dom > 31 {
				return domain.NewValidationError("recurring.dayOfMonth", "must be in 1..31")
			}
		default:
			return domain.ErrUnknownFrequency
		}

		expr, err := p.BuildCronExpression(r, j.UserTimezone)
		if err != nil {
			return err
		}
		if _, err := p.parser.Parse(expr); err != nil {
			return fmt.Errorf("%w: %s", domain.ErrInvalidCron, err)
		}
	default:
		return domain.NewValidationError("scheduleType", "must be once or recurring")
	}
	return nil
}

// PlanFirstFire returns the UTC instant of the job's first fire. For
// "once" it rejects non-future instants; for "recurring" it returns the
// next cron occurrence at or after now, never before startDate.
func (p *Planner) PlanFirstFire(j *domain.Job, now time.Time) (time.Time, error) {
	switch j.ScheduleType {
	case domain.ScheduleOnce:
		if !j.OneTime.DateTime.After(now) {
			return time.Time{}, domain.ErrPastSchedule
		}
		return j.OneTime.DateTime.UTC(), nil
	case domain.ScheduleRecurring:
		expr := j.Recurring.CronExpr
		if expr == "" {
			var err error
			expr, err = p.BuildCronExpression(j.Recurring, j.UserTimezone)
			if err != nil {
				return time.Time{}, err
			}
		}
		base := now
		if j.Recurring.StartDate.After(base) {
			base = j.Recurring.StartDate
		}
		next, err := p.nextOccurrenceAtOrAfter(expr, base)
		if err != nil {
			return time.Time{}, err
		}
		if j.Recurring.EndDate != nil {
			if err := p.checkEndDate(next, *j.Recurring.EndDate, j.UserTimezone); err != nil {
				return time.Time{}, err
			}
		}
		return next, nil
	default:
		return time.Time{}, domain.NewValidationError("scheduleType", "must be once or recurring")
	}
}

// BuildCronExpression computes the 5-field UTC cron expression for a
// recurring schedule. (minute, hour) are derived by converting the
// HH:MM local wall-clock on an arbitrary reference date to UTC — this is
// a point-in-time snapshot; DST drift is an accepted, documented
// limitation (spec §9).
func (p *Planner) BuildCronExpression(r *domain.RecurringSchedule, userTimezone string) (string, error) {
	loc, err := time.LoadLocation(userTimezone)
	if err != nil {
		return "", domain.ErrUnknownTimezone
	}

	hh, mm, err := parseHHMM(r.Time)
	if err != nil {
		return "", domain.NewValidationError("recurring.time", "must be HH:MM")
	}

	// Reference date is arbitrary — only the wall-clock offset at that
	// moment matters, and a fixed date keeps the computation deterministic.
	ref := time.Date(2000, time.January, 1, hh, mm, 0, 0, loc).UTC()
	minute, hour := ref.Minute(), ref.Hour()

	switch r.Frequency {
	case domain.FrequencyDaily:
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	case domain.FrequencyWeekly:
		if len(r.DaysOfWeek) == 0 {
			return "", domain.NewValidationError("recurring.daysOfWeek", "is required for weekly frequency")
		}
		dow := ""
		for i, d := range r.DaysOfWeek {
			if d < 0 || d > 6 {
				return "", domain.NewValidationError("recurring.daysOfWeek", "values must be in 0..6")
			}
			if i > 0 {
				dow += ","
			}
			dow += fmt.Sprintf("%d", d)
		}
		return fmt.Sprintf("%d %d * * %s", minute, hour, dow), nil
	case domain.FrequencyMonthly:
		dom := r.DayOfMonth
		if dom == 0 {
			dom = 1
		}
		if dom < 1 || dom > 31 {
			return "", domain.NewValidationError("recurring.dayOfMonth", "must be in 1..31")
		}
		return fmt.Sprintf("%d %d %d * *", minute, hour, dom), nil
	default:
		return "", domain.ErrUnknownFrequency
	}
}

// NextFire returns the smallest occurrence of cronExpr strictly after
// fromInstant. If endDate is non-nil and the occurrence would exceed it
// (inclusive to 23:59:59 in userTimezone), it fails with ErrEndExceeded.
func (p *Planner) NextFire(cronExpr string, fromInstant time.Time, endDate *time.Time, userTimezone string) (time.Time, error) {
	sched, err := p.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", domain.ErrInvalidCron, err)
	}
	next := sched.Next(fromInstant.UTC())
	if endDate != nil {
		if err := p.checkEndDate(next, *endDate, userTimezone); err != nil {
			return time.Time{}, err
		}
	}
	return next, nil
}

// NextNFires returns up to n occurrences strictly after fromInstant,
// stopping early at endDate.
func (p *Planner) NextNFires(cronExpr string, n int, fromInstant time.Time, endDate *time.Time, userTimezone string) ([]time.Time, error) {
	sched, err := p.parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidCron, err)
	}

	out := make([]time.Time, 0, n)
	cursor := fromInstant.UTC()
	for i := 0; i < n; i++ {
		next := sched.Next(cursor)
		if endDate != nil {
			if err := p.checkEndDate(next, *endDate, userTimezone); err != nil {
				break
			}
		}
		out = append(out, next)
		cursor = next
	}
	return out, nil
}

func (p *Planner) nextOccurrenceAtOrAfter(cronExpr string, instant time.Time) (time.Time, error) {
	sched, err := p.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", domain.ErrInvalidCron, err)
	}
	// Next() is strictly-after; step back one second so an exact match at
	// `instant` itself is still returned.
	return sched.Next(instant.UTC().Add(-time.Second)), nil
}

// checkEndDate enforces spec §4.1: endDate is inclusive to 23:59:59 in
// userTimezone.
func (p *Planner) checkEndDate(occurrence time.Time, endDate time.Time, userTimezone string) error {
	loc, err := time.LoadLocation(userTimezone)
	if err != nil {
		loc = time.UTC
	}
	localEnd := endDate.In(loc)
	boundary := time.Date(localEnd.Year(), localEnd.Month(), localEnd.Day(), 23, 59, 59, 0, loc).UTC()
	if occurrence.After(boundary) {
		return domain.ErrEndExceeded
	}
	return nil
}

func parseHHMM(s string) (hour, minute int, err error) {
	var h, m int
	n, err := fmt.Sscanf(s, "%d:%d", &h, &m)
	if err != nil || n != 2 {
		return 0, 0, fmt.Errorf("invalid HH:MM value %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("HH:MM out of range %q", s)
	}
	return h, m, nil
}
