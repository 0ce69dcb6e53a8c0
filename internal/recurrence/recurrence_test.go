package recurrence

import (
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func utc(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func TestParse_Shapes(t *testing.T) {
	cases := []struct {
		expr string
		want Pattern
	}{
		{"5 10 * * *", Pattern{Kind: DailyAtTime, Minute: 5, Hour: 10}},
		{"30 6 */10 * *", Pattern{Kind: DailyEveryN, Minute: 30, Hour: 6, Interval: 10}},
		{"0 9 * * MON,wed,MON", Pattern{Kind: WeeklyAtTime, Hour: 9, Weekdays: []time.Weekday{time.Monday, time.Wednesday}}},
		{"0 0 31 * *", Pattern{Kind: MonthlyOnDay, Day: 31}},
		{"0 8 15 */3 *", Pattern{Kind: MonthlyEveryN, Hour: 8, Day: 15, Interval: 3}},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := Parse(tc.expr)
			require.NoError(t, err)
			tc.want.Expr = tc.expr
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParse_Unsupported(t *testing.T) {
	for _, expr := range []string{
		"",
		"5 10 * *",
		"* * * * *",
		"*/5 10 * * *",
		"60 10 * * *",
		"5 24 * * *",
		"5 10 1-5 * *",
		"5 10 * 3 *",
		"5 10 * */2 *",
		"5 10 * * 1",
		"5 10 1 * MON",
		"5 10 * * FOO",
		"5 10 */0 * *",
		"5 10 32 * *",
		"5 10 0 * *",
		"-1 10 * * *",
		"5 10 * * * *",
	} {
		t.Run(expr, func(t *testing.T) {
			p, err := Parse(expr)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnsupportedRecurrence))
			assert.Equal(t, Unknown, p.Kind)
			assert.Equal(t, "unknown", p.Kind.String())
		})
	}
}

func TestComputeNextOccurrence_DailySlotPassed(t *testing.T) {
	p, err := Parse("5 10 * * *")
	require.NoError(t, err)
	assert.Equal(t, DailyAtTime, p.Kind)

	next, err := ComputeNextOccurrence(p, utc(2025, 1, 10, 10, 30), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, utc(2025, 1, 11, 10, 5), next)

	next, err = ComputeNextOccurrence(p, utc(2025, 1, 10, 10, 0), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, utc(2025, 1, 10, 10, 5), next)
}

func TestComputeNextOccurrence_StrictlyAfterNow(t *testing.T) {
	p, err := Parse("5 10 * * *")
	require.NoError(t, err)

	next, err := ComputeNextOccurrence(p, utc(2025, 1, 10, 10, 5), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, utc(2025, 1, 11, 10, 5), next)
}

func TestComputeNextOccurrence_Weekly(t *testing.T) {
	p, err := Parse("0 9 * * MON,WED")
	require.NoError(t, err)

	// 2025-01-10 is a Friday.
	next, err := ComputeNextOccurrence(p, utc(2025, 1, 10, 12, 0), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, utc(2025, 1, 13, 9, 0), next)

	next, err = ComputeNextOccurrence(p, next, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, utc(2025, 1, 15, 9, 0), next)
}

func TestComputeNextOccurrence_MonthlySkipsShortMonths(t *testing.T) {
	p, err := Parse("0 0 31 * *")
	require.NoError(t, err)

	next, err := ComputeNextOccurrence(p, utc(2025, 1, 31, 12, 0), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, utc(2025, 3, 31, 0, 0), next, "February must be skipped, not clamped")

	next, err = ComputeNextOccurrence(p, next, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, utc(2025, 5, 31, 0, 0), next, "April has 30 days")

	p30, err := Parse("0 0 30 * *")
	require.NoError(t, err)
	next, err = ComputeNextOccurrence(p30, utc(2025, 2, 1, 0, 0), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, utc(2025, 3, 30, 0, 0), next)
}

func TestComputeNextOccurrence_EveryN(t *testing.T) {
	monthly, err := Parse("0 8 15 */3 *")
	require.NoError(t, err)
	next, err := ComputeNextOccurrence(monthly, utc(2025, 2, 1, 0, 0), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, utc(2025, 4, 15, 8, 0), next)

	daily, err := Parse("30 6 */10 * *")
	require.NoError(t, err)
	next, err = ComputeNextOccurrence(daily, utc(2025, 1, 11, 7, 0), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, utc(2025, 1, 21, 6, 30), next)
}

func TestComputeNextOccurrence_Timezone(t *testing.T) {
	loc, err := LoadLocation("America/New_York")
	require.NoError(t, err)
	p, err := Parse("0 9 * * *")
	require.NoError(t, err)

	// 15:00Z is 10:00 EST, past today's slot.
	next, err := ComputeNextOccurrence(p, utc(2025, 1, 10, 15, 0), loc)
	require.NoError(t, err)
	assert.True(t, next.Equal(utc(2025, 1, 11, 14, 0)), "got %s", next)
	assert.Equal(t, "America/New_York", next.Location().String())
	assert.Equal(t, 9, next.Hour())
}

func TestComputeNextOccurrence_UnknownPattern(t *testing.T) {
	_, err := ComputeNextOccurrence(Pattern{Kind: Unknown, Expr: "* * * * *"}, time.Now(), time.UTC)
	assert.True(t, errors.Is(err, ErrUnsupportedRecurrence))
}

func TestOccurrences(t *testing.T) {
	p, err := Parse("0 12 1 * *")
	require.NoError(t, err)
	got, err := Occurrences(p, utc(2025, 1, 15, 0, 0), time.UTC, 3)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{utc(2025, 2, 1, 12, 0), utc(2025, 3, 1, 12, 0), utc(2025, 4, 1, 12, 0)}, got)
}

func TestDescribe(t *testing.T) {
	for expr, want := range map[string]string{
		"5 10 * * *":      "daily at 10:05",
		"0 9 * * MON,FRI": "weekly on Mon, Fri at 09:00",
		"0 8 15 */3 *":    "every 3 months on day 15 at 08:00",
		"30 6 */2 * *":    "every 2 days at 06:30",
		"0 0 31 * *":      "monthly on day 31 at 00:00",
	} {
		p, err := Parse(expr)
		require.NoError(t, err)
		assert.Equal(t, want, Describe(p))
	}
	assert.Equal(t, "unsupported", Describe(Pattern{}))
}

func TestRule_OneTime(t *testing.T) {
	at := utc(2025, 6, 1, 12, 0)
	rule, err := NewRule(nil, &at, "Europe/Berlin")
	require.NoError(t, err)

	next, exhausted, err := rule.Next(utc(2025, 5, 1, 0, 0), nil)
	require.NoError(t, err)
	assert.False(t, exhausted)
	assert.True(t, next.Equal(at))

	ran := utc(2025, 6, 1, 12, 0)
	_, exhausted, err = rule.Next(utc(2025, 6, 1, 12, 1), &ran)
	require.NoError(t, err)
	assert.True(t, exhausted)
}

func TestRule_Cron(t *testing.T) {
	expr := "5 10 * * *"
	rule, err := NewRule(&expr, nil, "")
	require.NoError(t, err)
	next, exhausted, err := rule.Next(utc(2025, 1, 10, 10, 30), nil)
	require.NoError(t, err)
	assert.False(t, exhausted)
	assert.Equal(t, utc(2025, 1, 11, 10, 5), next)

	bad := "* * * * *"
	_, err = NewRule(&bad, nil, "UTC")
	assert.True(t, errors.Is(err, ErrUnsupportedRecurrence))

	_, err = NewRule(&expr, nil, "Mars/Olympus")
	assert.Error(t, err)

	_, err = NewRule(nil, nil, "UTC")
	assert.Error(t, err)
}
