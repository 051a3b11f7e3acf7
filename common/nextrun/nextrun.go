// Package nextrun computes fire times for cron, interval and one-off schedules.
// It performs no I/O; every result is in UTC.
package nextrun

import (
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"

	"github.com/Sumit189/cronhook/common/models"
)

const maxInterval = 366 * 24 * time.Hour

// 5 fields, or 6 with a leading seconds field. Descriptors such as @daily are accepted.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Spec is the typed form of a trigger: Cron, Interval or OneOff.
type Spec interface {
	Kind() models.ScheduleKind
	// Next returns the first fire time strictly after the given instant.
	Next(after time.Time) (time.Time, bool)
}

type Cron struct {
	Expr     string
	Location *time.Location
	schedule cron.Schedule
}

func (c Cron) Kind() models.ScheduleKind { return models.KindCron }

// Next follows robfig/cron except on fall-back days: a repeated local time fires
// only at its first instant unless the expression runs every hour. Local times
// skipped by spring-forward do not fire that day.
func (c Cron) Next(after time.Time) (time.Time, bool) {
	next := c.schedule.Next(after.In(c.Location))
	for !next.IsZero() && c.repeatsWallClock(next) {
		next = c.schedule.Next(next)
	}
	if next.IsZero() {
		return time.Time{}, false
	}
	return next.UTC(), true
}

const allHours = 1<<24 - 1

func (c Cron) repeatsWallClock(t time.Time) bool {
	spec, ok := c.schedule.(*cron.SpecSchedule)
	if !ok || spec.Hour&allHours == allHours {
		return false
	}
	t = t.In(c.Location)
	_, offset := t.Zone()
	_, before := t.Add(-3 * time.Hour).Zone()
	if before <= offset {
		return false
	}
	earlier := t.Add(-time.Duration(before-offset) * time.Second)
	return sameWallClock(earlier, t)
}

func sameWallClock(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd &&
		a.Hour() == b.Hour() && a.Minute() == b.Minute() && a.Second() == b.Second()
}

type Interval struct {
	Every time.Duration
}

func (i Interval) Kind() models.ScheduleKind { return models.KindInterval }

func (i Interval) Next(after time.Time) (time.Time, bool) {
	return after.Add(i.Every).UTC(), true
}

type OneOff struct {
	At time.Time
}

func (o OneOff) Kind() models.ScheduleKind { return models.KindOneOff }

func (o OneOff) Next(after time.Time) (time.Time, bool) {
	if o.At.After(after) {
		return o.At.UTC(), true
	}
	return time.Time{}, false
}

// Parse validates a trigger and returns its typed spec. All errors are *models.ValidationError.
func Parse(t models.Trigger) (Spec, error) {
	loc, err := location(t.Timezone)
	if err != nil {
		return nil, err
	}

	switch t.Kind {
	case models.KindCron:
		expr := strings.TrimSpace(t.CronExpression)
		if expr == "" {
			return nil, models.Invalid("cron_expression", "required for cron schedules")
		}
		if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
			return nil, models.Invalid("cron_expression", "set the timezone field instead of a TZ prefix")
		}
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return nil, models.Invalid("cron_expression", "%v", err)
		}
		return Cron{Expr: expr, Location: loc, schedule: sched}, nil

	case models.KindInterval:
		every := time.Duration(t.IntervalSeconds) * time.Second
		if t.IntervalSeconds < 1 || every > maxInterval {
			return nil, models.Invalid("interval_seconds", "must be between 1 and %d", int64(maxInterval/time.Second))
		}
		return Interval{Every: every}, nil

	case models.KindOneOff:
		if t.RunOnceAt == nil || t.RunOnceAt.IsZero() {
			return nil, models.Invalid("run_once_at", "required for oneoff schedules")
		}
		return OneOff{At: t.RunOnceAt.UTC()}, nil
	}
	return nil, models.Invalid("kind", "unknown schedule kind %q", t.Kind)
}

func location(name string) (*time.Location, error) {
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, models.Invalid("timezone", "unknown zone %q", name)
	}
	return loc, nil
}

// ComputeNextRun returns the next fire time after `after`, or nil when the spec is exhausted.
// A nil `after` means the schedule never ran: intervals start at now+interval and a
// one-off returns its instant.
func ComputeNextRun(spec Spec, after *time.Time, now time.Time) *time.Time {
	if after == nil {
		if o, ok := spec.(OneOff); ok {
			at := o.At.UTC()
			return &at
		}
		after = &now
	}
	next, ok := spec.Next(*after)
	if !ok {
		return nil
	}
	return &next
}

// FirstRun computes next_run_at for a newly created or resumed schedule.
func FirstRun(spec Spec, now time.Time) (time.Time, error) {
	if o, ok := spec.(OneOff); ok && !o.At.After(now) {
		return time.Time{}, models.Invalid("run_once_at", "must be in the future")
	}
	next := ComputeNextRun(spec, nil, now)
	if next == nil {
		return time.Time{}, models.Invalid("cron_expression", "never fires")
	}
	return *next, nil
}
