package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/internal/domain"
)

func TestCalculateNextRun_Interval(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)

	tests := []struct {
		value int
		unit  domain.IntervalUnit
		want  time.Duration
	}{
		{30, domain.UnitMinutes, 30 * time.Minute},
		{1, domain.UnitHours, time.Hour},
		{2, domain.UnitDays, 48 * time.Hour},
		{3, domain.UnitWeeks, 21 * 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(string(tt.unit), func(t *testing.T) {
			next, ok := CalculateNextRun(domain.IntervalSpec(tt.value, tt.unit), now)
			require.True(t, ok)
			assert.Equal(t, now.Add(tt.want), next)
			assert.Equal(t, tt.want.Milliseconds(), next.Sub(now).Milliseconds())
		})
	}
}

func TestCalculateNextRun_IntervalRejectsBadInput(t *testing.T) {
	now := time.Now()

	_, ok := CalculateNextRun(domain.IntervalSpec(0, domain.UnitHours), now)
	assert.False(t, ok)

	_, ok = CalculateNextRun(domain.IntervalSpec(5, "fortnights"), now)
	assert.False(t, ok)

	// value*unit past the range of a Duration must not wrap into the past.
	_, ok = CalculateNextRun(domain.IntervalSpec(1_000_000, domain.UnitWeeks), now)
	assert.False(t, ok)

	next, ok := CalculateNextRun(domain.IntervalSpec(15_000, domain.UnitWeeks), now)
	require.True(t, ok)
	assert.True(t, next.After(now))
}

func TestCalculateNextRun_CronStrictlyAfterNow(t *testing.T) {
	exprs := []string{"*/5 * * * *", "0 * * * *", "30 9 * * 1-5", "@hourly", "@every 90s"}
	// exactly on a fire boundary
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

	for _, expr := range exprs {
		t.Run(expr, func(t *testing.T) {
			next, ok := CalculateNextRun(domain.CronSpec(expr), now)
			require.True(t, ok)
			assert.True(t, next.After(now), "next %s must be after %s", next, now)
		})
	}
}

func TestCalculateNextRun_CronValues(t *testing.T) {
	now := time.Date(2026, 1, 5, 10, 7, 30, 0, time.UTC)

	next, ok := CalculateNextRun(domain.CronSpec("*/5 * * * *"), now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 5, 10, 10, 0, 0, time.UTC), next)
}

func TestCalculateNextRun_InvalidCron(t *testing.T) {
	for _, expr := range []string{"", "not a cron", "61 * * * *", "* * * *", "0 0 30 2 *"} {
		t.Run(expr, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, ok := CalculateNextRun(domain.CronSpec(expr), time.Now())
				assert.False(t, ok)
			})
		})
	}
}

func TestCalculateNextRun_UnknownKind(t *testing.T) {
	_, ok := CalculateNextRun(domain.ScheduleSpec{Kind: "lunar"}, time.Now())
	assert.False(t, ok)
}

func TestIsValidCron(t *testing.T) {
	assert.True(t, IsValidCron("0 9 * * *"))
	assert.True(t, IsValidCron("@daily"))
	assert.False(t, IsValidCron("  "))
	assert.False(t, IsValidCron("0 9 * *"))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "every 30 minutes", Describe(domain.IntervalSpec(30, domain.UnitMinutes)))
	assert.Equal(t, "every hour", Describe(domain.IntervalSpec(1, domain.UnitHours)))
	assert.Equal(t, `cron "0 9 * * *"`, Describe(domain.CronSpec("0 9 * * *")))
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(domain.CronSpec("0 9 * * *")))
	require.NoError(t, Validate(domain.IntervalSpec(3, domain.UnitDays)))

	err := Validate(domain.IntervalSpec(0, "years"))
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "schedule.value")
	assert.Contains(t, verr.Fields, "schedule.unit")

	err = Validate(domain.CronSpec("bogus"))
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "schedule.expression")

	err = Validate(domain.IntervalSpec(1_000_000, domain.UnitWeeks))
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "is too large", verr.Fields["schedule.value"])
	assert.NotContains(t, verr.Fields, "schedule.unit")

	err = Validate(domain.ScheduleSpec{})
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "schedule.kind")
}
