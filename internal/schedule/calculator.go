// Package schedule turns a ScheduleSpec into concrete run times. Everything
// here is pure: the same spec and now always give the same answer.
package schedule

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"agentflow/internal/domain"
)

// CalculateNextRun returns the next run strictly after now. ok is false when
// the schedule cannot be scheduled (malformed cron, unknown unit, no future fire
// time); callers must not schedule in that case.
func CalculateNextRun(spec domain.ScheduleSpec, now time.Time) (next time.Time, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			next, ok = time.Time{}, false
		}
	}()

	switch spec.Kind {
	case domain.ScheduleCron:
		sched, err := cron.ParseStandard(spec.Expression)
		if err != nil {
			return time.Time{}, false
		}
		next = sched.Next(now)
		if next.IsZero() || !next.After(now) {
			return time.Time{}, false
		}
		return next, true
	case domain.ScheduleInterval:
		unit := spec.Unit.Duration()
		if spec.Value <= 0 || unit == 0 || !intervalFits(spec.Value, unit) {
			return time.Time{}, false
		}
		return now.Add(time.Duration(spec.Value) * unit), true
	}
	return time.Time{}, false
}

// intervalFits reports whether value*unit is representable as a Duration.
func intervalFits(value int, unit time.Duration) bool {
	return int64(value) <= math.MaxInt64/int64(unit)
}

// IsValidCron reports whether expr parses as a standard cron expression.
func IsValidCron(expr string) bool {
	if strings.TrimSpace(expr) == "" {
		return false
	}
	_, err := cron.ParseStandard(expr)
	return err == nil
}

// Describe renders a spec for humans, e.g. "every 30 minutes".
func Describe(spec domain.ScheduleSpec) string {
	switch spec.Kind {
	case domain.ScheduleCron:
		return fmt.Sprintf("cron %q", spec.Expression)
	case domain.ScheduleInterval:
		unit := strings.TrimSuffix(string(spec.Unit), "s")
		if spec.Value == 1 {
			return "every " + unit
		}
		return fmt.Sprintf("every %d %ss", spec.Value, unit)
	}
	return "unknown schedule"
}

// Validate reports field-level problems with spec, or nil.
func Validate(spec domain.ScheduleSpec) error {
	verr := domain.NewValidationError()
	switch spec.Kind {
	case domain.ScheduleCron:
		if !IsValidCron(spec.Expression) {
			verr.Add("schedule.expression", "invalid cron expression")
		}
	case domain.ScheduleInterval:
		unit := spec.Unit.Duration()
		switch {
		case spec.Value <= 0:
			verr.Add("schedule.value", "must be greater than zero")
		case unit != 0 && !intervalFits(spec.Value, unit):
			verr.Add("schedule.value", "is too large")
		}
		if unit == 0 {
			verr.Add("schedule.unit", "must be one of minutes, hours, days, weeks")
		}
	default:
		verr.Add("schedule.kind", "must be cron or interval")
	}
	return verr.OrNil()
}
